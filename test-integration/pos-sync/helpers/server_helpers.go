package helpers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/onsi/gomega"

	"github.com/stacklok/pos-sync/internal/app"
	"github.com/stacklok/pos-sync/internal/config"
	"github.com/stacklok/pos-sync/internal/rows"
	"github.com/stacklok/pos-sync/internal/status"
	"github.com/stacklok/pos-sync/internal/transport"
	"github.com/stacklok/pos-sync/internal/wire"
)

// ServerTestHelper manages one pos-sync server's lifecycle for testing
type ServerTestHelper struct {
	ctx        context.Context
	configPath string
	baseURL    string
	httpClient *http.Client
	app        *app.SyncApp
	cfg        *config.Config
	client     *transport.Client
	port       int
}

// NewServerTestHelper creates a new server test helper
func NewServerTestHelper(ctx context.Context, configPath string, port int) *ServerTestHelper {
	return &ServerTestHelper{
		ctx:        ctx,
		configPath: configPath,
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", port),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		port: port,
	}
}

// StartServer loads the configuration and starts the server programmatically
func (s *ServerTestHelper) StartServer() error {
	cfg, err := config.LoadConfig(config.WithConfigPath(s.configPath), config.WithoutDotEnv())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	s.cfg = cfg

	syncApp, err := app.NewSyncApp(s.ctx,
		app.WithConfig(cfg),
		app.WithAddress(fmt.Sprintf("127.0.0.1:%d", s.port)),
	)
	if err != nil {
		return fmt.Errorf("failed to build app: %w", err)
	}
	s.app = syncApp

	// The caller of this helper plays the peer; no retries keeps failures fast
	s.client, err = transport.New(s.baseURL, rows.RoleSlave,
		transport.WithRetryAttempts(0),
		transport.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
	if err != nil {
		return err
	}

	go func() {
		if err := syncApp.Start(); err != nil {
			// The test fails when it tries to connect
			fmt.Fprintf(os.Stderr, "Server start failed: %v\n", err)
		}
	}()

	return nil
}

// StopServer gracefully stops the server
func (s *ServerTestHelper) StopServer() error {
	if s.app != nil {
		err := s.app.Stop(5 * time.Second)
		s.app = nil
		return err
	}
	return nil
}

// WaitForServerReady waits for the server to be ready to accept requests
func (s *ServerTestHelper) WaitForServerReady(timeout time.Duration) {
	gomega.Eventually(func() error {
		resp, err := s.httpClient.Get(s.baseURL + "/readiness")
		if err != nil {
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		return nil
	}, timeout, 100*time.Millisecond).Should(gomega.Succeed(), "Server should be ready")
}

// RunCycle triggers one cycle through POST /sync/run and returns the result
func (s *ServerTestHelper) RunCycle() (*status.CycleResult, int) {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.baseURL+"/sync/run", nil)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	req.Header.Set(wire.HeaderProtocolVersion, wire.ProtocolVersion)

	resp, err := s.httpClient.Do(req)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return nil, resp.StatusCode
	}
	var result status.CycleResult
	gomega.Expect(json.NewDecoder(resp.Body).Decode(&result)).To(gomega.Succeed())
	return &result, resp.StatusCode
}

// Client returns a transport client for this server
func (s *ServerTestHelper) Client() *transport.Client {
	return s.client
}

// Status returns the server's sync status
func (s *ServerTestHelper) Status() *status.SyncStatus {
	st, err := s.client.Status(s.ctx)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return st
}

// PutRow writes a row as the local POS application would
func (s *ServerTestHelper) PutRow(table, key string, payload map[string]any, at time.Time) *rows.Row {
	stored, err := s.app.GetComponents().RowStore.Put(s.ctx, &rows.Row{
		Table:     table,
		Key:       key,
		Payload:   payload,
		UpdatedAt: at,
		Origin:    s.cfg.Role,
	})
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return stored
}

// GetRow reads a row from the local row store, nil when absent
func (s *ServerTestHelper) GetRow(table, key string) *rows.Row {
	row, err := s.app.GetComponents().RowStore.Get(s.ctx, table, key)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return row
}

// GetBaseURL returns the base URL of the server
func (s *ServerTestHelper) GetBaseURL() string {
	return s.baseURL
}
