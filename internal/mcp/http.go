package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/httpkit"
)

// HTTPConfig configures a stateless HTTP MCP transport: each frame is
// POSTed and the reply comes back in the response body.
type HTTPConfig struct {
	// URL is the MCP endpoint, e.g. "http://localhost:8080/mcp".
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// HTTPClient overrides the client built via httpkit.
	HTTPClient *http.Client

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport is a synchronous transport over the stateless "/mcp"
// endpoint. It never pushes inbound frames.
type HTTPTransport struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
	in         *inbox

	mu     sync.Mutex
	closed bool
}

// NewHTTPTransport creates an HTTP transport for the given config.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithHeaders(cfg.Headers),
			httpkit.WithLogger(logger),
		)
	}
	return &HTTPTransport{
		url:        cfg.URL,
		httpClient: client,
		logger:     logger.With("transport", "http", "url", cfg.URL),
		in:         newInbox(1),
	}
}

// Start is a no-op; connectivity is checked by the first request.
func (t *HTTPTransport) Start(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return &TransportError{Kind: ErrClosed, Op: "start"}
	}
	return nil
}

// Send POSTs one frame and returns the decoded reply. Notifications
// yield a nil reply.
func (t *HTTPTransport) Send(ctx context.Context, msg *Message) (*Message, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, &TransportError{Kind: ErrClosed, Op: "send"}
	}

	body, err := Encode(msg)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	t.logger.Log(ctx, config.LevelTrace, "http send", "json", string(body))

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &TransportError{Kind: ErrTimeout, Op: "send", Err: err}
		}
		return nil, &TransportError{Kind: ErrConnectFailed, Op: "send", Err: fmt.Errorf("HTTP request to %s: %w", t.url, err)}
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	switch httpResp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted, http.StatusNoContent:
		return nil, nil
	default:
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return nil, &TransportError{Kind: ErrDisconnected, Op: "send", Err: fmt.Errorf("MCP server returned %d: %s", httpResp.StatusCode, errBody)}
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20)) // 10 MiB limit
	if err != nil {
		return nil, &TransportError{Kind: ErrDisconnected, Op: "send", Err: fmt.Errorf("read response body: %w", err)}
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		if msg.Request != nil {
			return nil, &ProtocolError{Kind: ErrMalformedResponse, Err: errors.New("empty response body")}
		}
		return nil, nil
	}
	return Decode(respBody)
}

// Inbound implements Transport. Nothing is ever pushed.
func (t *HTTPTransport) Inbound() <-chan *Message { return t.in.ch }

// Err implements Transport.
func (t *HTTPTransport) Err() error { return t.in.cause() }

// Close marks the transport closed. Connections are pooled by the
// underlying http.Client.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.in.finish(&TransportError{Kind: ErrClosed})
	}
	return nil
}
