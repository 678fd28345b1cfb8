package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/pos-sync/internal/service"
	"github.com/stacklok/pos-sync/internal/wire"
)

func TestStatusForError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "unknown table", err: fmt.Errorf("%w: stock", service.ErrTableNotFound), want: http.StatusNotFound},
		{name: "unknown batch", err: service.ErrBatchNotFound, want: http.StatusNotFound},
		{name: "invalid request", err: fmt.Errorf("%w: bad cursor", service.ErrInvalidRequest), want: http.StatusBadRequest},
		{name: "wrong role", err: service.ErrNotAvailable, want: http.StatusConflict},
		{name: "cycle running", err: service.ErrCycleRunning, want: http.StatusConflict},
		{name: "unexpected", err: errors.New("disk full"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, StatusForError(tt.err))
		})
	}
}

func TestWriteServiceError(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/sync/status/stock", nil)
	WriteServiceError(rr, req, fmt.Errorf("%w: stock", service.ErrTableNotFound))

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body wire.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "table not found: stock", body.Error)
}

func TestDecodeJSONBody(t *testing.T) {
	t.Parallel()

	var ack wire.AcknowledgeRequest
	req := httptest.NewRequest("POST", "/sync/acknowledge", strings.NewReader(`{"batchId":"b-1"}`))
	require.NoError(t, DecodeJSONBody(req, &ack))
	assert.Equal(t, "b-1", ack.BatchID)

	req = httptest.NewRequest("POST", "/sync/acknowledge", strings.NewReader(`{"batch":"b-1"}`))
	assert.Error(t, DecodeJSONBody(req, &ack))
}
