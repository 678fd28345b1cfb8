package api_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/pos-sync/internal/api"
	"github.com/stacklok/pos-sync/internal/rows"
	"github.com/stacklok/pos-sync/internal/service/mocks"
	"github.com/stacklok/pos-sync/internal/versions"
	"github.com/stacklok/pos-sync/internal/wire"
)

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	mockSvc := mocks.NewMockSyncService(ctrl)
	mockSvc.EXPECT().Role().Return(rows.RoleSlave)
	server := api.NewServer(mockSvc)

	req, err := http.NewRequest("GET", "/health", nil)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var response map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.Equal(t, "healthy", response["status"])
	assert.Equal(t, "slave", response["role"])
}

func TestReadinessEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		setupMock      func(*mocks.MockSyncService)
		expectedStatus int
		expectedKey    string
	}{
		{
			name: "service ready",
			setupMock: func(m *mocks.MockSyncService) {
				m.EXPECT().CheckReadiness(gomock.Any()).Return(nil)
			},
			expectedStatus: http.StatusOK,
			expectedKey:    "status",
		},
		{
			name: "service not ready",
			setupMock: func(m *mocks.MockSyncService) {
				m.EXPECT().CheckReadiness(gomock.Any()).Return(fmt.Errorf("row store not reachable"))
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedKey:    "error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)
			t.Cleanup(ctrl.Finish)

			mockSvc := mocks.NewMockSyncService(ctrl)
			tt.setupMock(mockSvc)

			req, err := http.NewRequest("GET", "/readiness", nil)
			require.NoError(t, err)

			rr := httptest.NewRecorder()
			api.NewServer(mockSvc).ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			var response map[string]string
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
			assert.Contains(t, response, tt.expectedKey)
		})
	}
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	server := api.NewServer(mocks.NewMockSyncService(ctrl))

	req, err := http.NewRequest("GET", "/version", nil)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var info versions.VersionInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.Equal(t, versions.ProtocolVersion, info.Protocol)
	assert.NotEmpty(t, info.GoVersion)
}

func TestProtocolMiddleware(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		header         string
		expectedStatus int
	}{
		{name: "no header", header: "", expectedStatus: http.StatusOK},
		{name: "same version", header: wire.ProtocolVersion, expectedStatus: http.StatusOK},
		{name: "compatible minor", header: "1.7.0", expectedStatus: http.StatusOK},
		{name: "incompatible major", header: "2.0.0", expectedStatus: http.StatusBadRequest},
		{name: "garbage", header: "not-a-version", expectedStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)
			t.Cleanup(ctrl.Finish)

			mockSvc := mocks.NewMockSyncService(ctrl)
			if tt.expectedStatus == http.StatusOK {
				mockSvc.EXPECT().ListTables(gomock.Any()).Return([]string{"products"})
			}

			req, err := http.NewRequest("GET", "/sync/tables", nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set(wire.HeaderProtocolVersion, tt.header)
			}

			rr := httptest.NewRecorder()
			api.NewServer(mockSvc).ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			if tt.expectedStatus == http.StatusOK {
				assert.Equal(t, wire.ProtocolVersion, rr.Header().Get(wire.HeaderProtocolVersion))
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pos_sync_cycles_total 1\n"))
	})

	withMetrics := api.NewServer(mocks.NewMockSyncService(ctrl), api.WithMetricsHandler(metrics))
	rr := httptest.NewRecorder()
	withMetrics.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "pos_sync_cycles_total")

	without := api.NewServer(mocks.NewMockSyncService(ctrl))
	rr = httptest.NewRecorder()
	without.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestLoggingMiddleware(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	mockSvc := mocks.NewMockSyncService(ctrl)
	mockSvc.EXPECT().Role().Return(rows.RoleMaster)

	server := api.NewServer(mockSvc, api.WithMiddlewares(api.LoggingMiddleware))
	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
