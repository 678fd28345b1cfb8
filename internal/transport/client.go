// Package transport implements the client side of the sync protocol: typed
// calls against a peer's Sync API with per-attempt timeouts and bounded
// exponential-backoff retries.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/pos-sync/internal/httpclient"
	"github.com/stacklok/pos-sync/internal/otel"
	"github.com/stacklok/pos-sync/internal/rows"
	"github.com/stacklok/pos-sync/internal/status"
	"github.com/stacklok/pos-sync/internal/wire"
)

// TracerName is the instrumentation scope of transport spans
const TracerName = "github.com/stacklok/pos-sync/transport"

const (
	// DefaultTimeout bounds one attempt of a remote call
	DefaultTimeout = 30 * time.Second

	// DefaultRetryAttempts is the number of retries after the first attempt
	DefaultRetryAttempts = 3
)

// Peer is the remote side of the sync protocol
//
//go:generate mockgen -destination=mocks/mock_peer.go -package=mocks -source=client.go Peer
type Peer interface {
	// ListTables returns the peer's registered tables in priority order
	ListTables(ctx context.Context) ([]string, error)
	// Status returns the peer's sync status snapshot
	Status(ctx context.Context) (*status.SyncStatus, error)
	// TableStatus returns the peer's status of one table
	TableStatus(ctx context.Context, table string) (*status.TableSyncStatus, error)
	// Pull fetches up to limit changes with a sequence number above since
	Pull(ctx context.Context, table string, since int64, limit int) (*wire.PullResponse, error)
	// Push submits local changes and returns the peer's acknowledgement
	Push(ctx context.Context, table string, changes []rows.RowChange) (*wire.PushResponse, error)
	// Reset asks the peer to clear the sync state of one table, or all when empty
	Reset(ctx context.Context, table string) (*wire.ResetResponse, error)
	// FullSync asks the peer to run a full resync
	FullSync(ctx context.Context) (*wire.FullSyncResponse, error)
	// Upload sends an out-of-band batch
	Upload(ctx context.Context, req *wire.UploadRequest) (*wire.UploadResponse, error)
	// Download fetches an out-of-band batch under a fresh batch id
	Download(ctx context.Context, table string, cursor int64, limit int) (*wire.DownloadResponse, error)
	// Acknowledge confirms receipt of a downloaded batch
	Acknowledge(ctx context.Context, batchID string) (*wire.AcknowledgeResponse, error)
}

// Client talks to a peer's Sync API over HTTP
type Client struct {
	baseURL       *url.URL
	http          httpclient.Client
	timeout       time.Duration
	retryAttempts int
	newBackOff    func() backoff.BackOff
	tracer        trace.Tracer
}

var _ Peer = (*Client)(nil)

// Option configures a Client
type Option func(*Client)

// WithTimeout sets the per-attempt timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetryAttempts sets how many times a transport error is retried.
// The total number of attempts is n+1.
func WithRetryAttempts(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retryAttempts = n
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc httpclient.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithBackOff sets the backoff policy factory. A new policy is created per call.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) {
		c.newBackOff = fn
	}
}

// WithTracerProvider enables client spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(TracerName)
		}
	}
}

// New creates a client for the peer at baseURL. role is sent with every
// request so the peer knows which side of the link it is serving.
func New(baseURL string, role rows.Role, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid peer URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid peer URL %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		baseURL:       u,
		timeout:       DefaultTimeout,
		retryAttempts: DefaultRetryAttempts,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = httpclient.NewDefaultClient(c.timeout,
			httpclient.WithHeader(wire.HeaderProtocolVersion, wire.ProtocolVersion),
			httpclient.WithHeader(wire.HeaderRole, string(role)),
		)
	}
	return c, nil
}

// ListTables implements Peer
func (c *Client) ListTables(ctx context.Context) ([]string, error) {
	var resp wire.TablesResponse
	if err := c.call(ctx, "list tables", http.MethodGet, c.endpoint(nil, "sync", "tables"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tables, nil
}

// Status implements Peer
func (c *Client) Status(ctx context.Context) (*status.SyncStatus, error) {
	var resp status.SyncStatus
	if err := c.call(ctx, "status", http.MethodGet, c.endpoint(nil, "sync", "status"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TableStatus implements Peer
func (c *Client) TableStatus(ctx context.Context, table string) (*status.TableSyncStatus, error) {
	var resp status.TableSyncStatus
	err := c.call(ctx, "table status", http.MethodGet, c.endpoint(nil, "sync", "status", table), nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull implements Peer
func (c *Client) Pull(ctx context.Context, table string, since int64, limit int) (*wire.PullResponse, error) {
	ctx, span := otel.StartSpan(ctx, c.tracer, "transport.Pull",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			otel.AttrTable.String(table),
			otel.AttrCursor.Int64(since),
			otel.AttrPageSize.Int(limit),
		),
	)
	defer span.End()

	query := url.Values{}
	query.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var resp wire.PullResponse
	if err := c.call(ctx, "pull "+table, http.MethodGet, c.endpoint(query, "sync", "pull", table), nil, &resp); err != nil {
		spanAttempts(span, err)
		otel.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(otel.AttrRows.Int(len(resp.Changes)))
	return &resp, nil
}

// Push implements Peer
func (c *Client) Push(ctx context.Context, table string, changes []rows.RowChange) (*wire.PushResponse, error) {
	ctx, span := otel.StartSpan(ctx, c.tracer, "transport.Push",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(otel.AttrTable.String(table), otel.AttrRows.Int(len(changes))),
	)
	defer span.End()

	body := wire.PushRequest{Changes: changes}
	var resp wire.PushResponse
	if err := c.call(ctx, "push "+table, http.MethodPost, c.endpoint(nil, "sync", "push", table), body, &resp); err != nil {
		spanAttempts(span, err)
		otel.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(otel.AttrCursor.Int64(resp.Cursor))
	return &resp, nil
}

// Reset implements Peer
func (c *Client) Reset(ctx context.Context, table string) (*wire.ResetResponse, error) {
	segments := []string{"sync", "reset"}
	if table != "" {
		segments = append(segments, table)
	}
	var resp wire.ResetResponse
	if err := c.call(ctx, "reset", http.MethodPost, c.endpoint(nil, segments...), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FullSync implements Peer
func (c *Client) FullSync(ctx context.Context) (*wire.FullSyncResponse, error) {
	var resp wire.FullSyncResponse
	if err := c.call(ctx, "full sync", http.MethodPost, c.endpoint(nil, "sync", "full"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Upload implements Peer
func (c *Client) Upload(ctx context.Context, req *wire.UploadRequest) (*wire.UploadResponse, error) {
	ctx, span := otel.StartSpan(ctx, c.tracer, "transport.Upload",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			otel.AttrTable.String(req.Table),
			otel.AttrBatchID.String(req.BatchID),
			otel.AttrRows.Int(len(req.Changes)),
		),
	)
	defer span.End()

	var resp wire.UploadResponse
	if err := c.call(ctx, "upload", http.MethodPost, c.endpoint(nil, "sync", "upload"), req, &resp); err != nil {
		spanAttempts(span, err)
		otel.RecordError(span, err)
		return nil, err
	}
	return &resp, nil
}

// Download implements Peer
func (c *Client) Download(ctx context.Context, table string, cursor int64, limit int) (*wire.DownloadResponse, error) {
	query := url.Values{}
	query.Set("table", table)
	query.Set("cursor", strconv.FormatInt(cursor, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp wire.DownloadResponse
	if err := c.call(ctx, "download", http.MethodGet, c.endpoint(query, "sync", "download"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Acknowledge implements Peer
func (c *Client) Acknowledge(ctx context.Context, batchID string) (*wire.AcknowledgeResponse, error) {
	body := wire.AcknowledgeRequest{BatchID: batchID}
	var resp wire.AcknowledgeResponse
	if err := c.call(ctx, "acknowledge", http.MethodPost, c.endpoint(nil, "sync", "acknowledge"), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) endpoint(query url.Values, segments ...string) string {
	u := *c.baseURL
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(escaped, "/")
	u.RawPath = ""
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// call runs one request with retries and decodes the response into out
func (c *Client) call(ctx context.Context, op, method, target string, in, out any) error {
	var body []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &Error{Kind: KindProtocol, Op: op, Err: fmt.Errorf("failed to encode request: %w", err)}
		}
		body = data
	}

	attempts := 0
	kind := KindTransport
	statusCode := 0

	operation := func() ([]byte, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		data, err := c.http.Do(attemptCtx, method, target, body)
		if err == nil {
			statusCode = 0
			return data, nil
		}

		var httpErr *httpclient.HTTPError
		switch {
		case errors.As(err, &httpErr):
			statusCode = httpErr.StatusCode
			if httpErr.Temporary() {
				kind = KindTransport
				return nil, err
			}
			kind = KindProtocol
			return nil, backoff.Permanent(errors.New(errorMessage(httpErr)))
		case errors.Is(err, httpclient.ErrResponseTooLarge):
			kind = KindProtocol
			return nil, backoff.Permanent(err)
		case ctx.Err() != nil:
			kind = KindTransport
			return nil, backoff.Permanent(err)
		default:
			kind = KindTransport
			statusCode = 0
			return nil, err
		}
	}

	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.retryAttempts+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("Remote call failed, retrying",
				"op", op,
				"attempt", attempts,
				"retry_in", next,
				"error", err,
			)
		}),
	)
	if err != nil {
		return &Error{Kind: kind, Op: op, StatusCode: statusCode, Attempts: attempts, Err: err}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{
			Kind:     KindProtocol,
			Op:       op,
			Attempts: attempts,
			Err:      fmt.Errorf("malformed response body: %w", err),
		}
	}
	return nil
}

// errorMessage extracts the message of a JSON error body, falling back to
// the raw HTTP error
func errorMessage(httpErr *httpclient.HTTPError) string {
	var body wire.ErrorResponse
	if err := json.Unmarshal([]byte(httpErr.Message), &body); err == nil && body.Error != "" {
		return fmt.Sprintf("peer returned HTTP %d: %s", httpErr.StatusCode, body.Error)
	}
	return httpErr.Error()
}

// spanAttempts annotates a span with the attempt count of err
func spanAttempts(span trace.Span, err error) {
	if n := Attempts(err); n > 0 {
		span.SetAttributes(otel.AttrAttempts.Int(n))
	}
}
