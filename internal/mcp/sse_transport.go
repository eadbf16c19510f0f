package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/httpkit"
)

// SessionHeader carries the SSE session id on message submissions.
const SessionHeader = "X-Session-Id"

// Default endpoints and limits for the SSE transport.
const (
	DefaultSSEPath      = "/sse"
	DefaultMessagePath  = "/message"
	defaultSSEConnect   = 10 * time.Second
	defaultMaxEventSize = 4 << 20
)

// SessionEvent is the first event of every SSE stream.
type SessionEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// SSEConfig configures an HTTP+SSE MCP transport.
type SSEConfig struct {
	// URL is the server base URL, e.g. "http://localhost:3000".
	URL string

	// SSEPath and MessagePath default to "/sse" and "/message".
	SSEPath     string
	MessagePath string

	// Headers are sent with every request (e.g., Authorization).
	Headers map[string]string

	// ConnectTimeout bounds waiting for the session event. Default 10s.
	ConnectTimeout time.Duration

	// HTTPClient overrides the client built via httpkit. It must not
	// carry an overall timeout, which would cut the stream.
	HTTPClient *http.Client

	// QueueSize bounds the inbound frame queue (default 64).
	QueueSize int

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// SSETransport talks to a remote MCP server over HTTP+SSE. A GET opens
// a long-lived event stream whose first event names the session; every
// outbound frame is POSTed with the session id in a header, and replies
// arrive later as events on the stream.
type SSETransport struct {
	config     SSEConfig
	httpClient *http.Client
	logger     *slog.Logger
	in         *inbox

	closing atomic.Bool
	cancel  context.CancelFunc

	mu        sync.RWMutex
	started   bool
	closed    bool
	sessionID string
}

// NewSSETransport creates an SSE transport for the given config. The
// stream is not opened until Start.
func NewSSETransport(cfg SSEConfig) *SSETransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SSEPath == "" {
		cfg.SSEPath = DefaultSSEPath
	}
	if cfg.MessagePath == "" {
		cfg.MessagePath = DefaultMessagePath
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultSSEConnect
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	client := cfg.HTTPClient
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithHeaders(cfg.Headers),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		)
	}

	return &SSETransport{
		config:     cfg,
		httpClient: client,
		logger:     logger.With("transport", "sse", "url", cfg.URL),
		in:         newInbox(cfg.QueueSize),
	}
}

// SessionID returns the session id assigned by the server, or "" before
// Start succeeds.
func (t *SSETransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// Start opens the event stream and waits for the session event.
func (t *SSETransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return &TransportError{Kind: ErrClosed, Op: "start"}
	}
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	// The stream outlives ctx; only Close ends it.
	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mu.Unlock()

	fail := func(err error) error {
		cancel()
		t.in.finish(&TransportError{Kind: ErrConnectFailed, Err: err})
		return &TransportError{Kind: ErrConnectFailed, Op: "start", Err: err}
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.config.URL+t.config.SSEPath, nil)
	if err != nil {
		return fail(fmt.Errorf("create SSE request: %w", err))
	}
	req.Header.Set("Accept", "text/event-stream")

	type connectResult struct {
		resp *http.Response
		err  error
	}
	connected := make(chan connectResult, 1)
	go func() {
		resp, err := t.httpClient.Do(req)
		connected <- connectResult{resp, err}
	}()

	timer := time.NewTimer(t.config.ConnectTimeout)
	defer timer.Stop()

	var resp *http.Response
	select {
	case r := <-connected:
		if r.err != nil {
			return fail(fmt.Errorf("connect to %s: %w", t.config.URL, r.err))
		}
		resp = r.resp
	case <-timer.C:
		return fail(errors.New("timed out waiting for SSE stream"))
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 1024)
		return fail(fmt.Errorf("SSE endpoint returned %d: %s", resp.StatusCode, body))
	}

	ready := make(chan error, 1)
	go t.readLoop(resp.Body, ready)

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			return &TransportError{Kind: ErrConnectFailed, Op: "start", Err: err}
		}
	case <-timer.C:
		cancel()
		return &TransportError{Kind: ErrConnectFailed, Op: "start", Err: errors.New("no session event received")}
	case <-ctx.Done():
		cancel()
		return &TransportError{Kind: ErrConnectFailed, Op: "start", Err: ctx.Err()}
	}

	t.logger.Info("SSE session established", "session_id", t.SessionID())
	return nil
}

// readLoop consumes the event stream. The first event must be the
// session event; later events are JSON-RPC frames.
func (t *SSETransport) readLoop(body io.ReadCloser, ready chan<- error) {
	defer body.Close()

	var (
		gotSession bool
		streamErr  error
	)
	for ev, err := range sse.Read(body, &sse.ReadConfig{MaxEventSize: defaultMaxEventSize}) {
		if err != nil {
			streamErr = err
			break
		}

		if !gotSession {
			var se SessionEvent
			if err := json.Unmarshal([]byte(ev.Data), &se); err != nil || se.Type != "session" || se.SessionID == "" {
				streamErr = fmt.Errorf("first SSE event is not a session event: %q", ev.Data)
				ready <- streamErr
				break
			}
			t.mu.Lock()
			t.sessionID = se.SessionID
			t.mu.Unlock()
			gotSession = true
			ready <- nil
			continue
		}

		switch ev.Type {
		case "", "message":
		default:
			t.logger.Log(context.Background(), config.LevelTrace, "ignoring SSE event", "type", ev.Type)
			continue
		}

		msg, err := Decode([]byte(ev.Data))
		if err != nil {
			t.logger.Warn("skipping malformed SSE frame", "error", err)
			continue
		}
		t.logger.Log(context.Background(), config.LevelTrace, "sse recv", "json", ev.Data)
		if !t.in.push(msg) {
			break
		}
	}

	if !gotSession && streamErr == nil {
		streamErr = errors.New("stream ended before session event")
		ready <- streamErr
	}

	if t.closing.Load() {
		t.in.finish(&TransportError{Kind: ErrClosed})
		return
	}
	if streamErr == nil {
		streamErr = io.EOF
	}
	if gotSession {
		t.logger.Warn("SSE stream dropped", "session_id", t.SessionID(), "error", streamErr)
	}
	t.in.finish(&TransportError{Kind: ErrDisconnected, Err: streamErr})
}

// Send POSTs one frame to the message endpoint. The reply, if any,
// arrives on Inbound.
func (t *SSETransport) Send(ctx context.Context, msg *Message) (*Message, error) {
	data, err := Encode(msg)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	closed, sessionID := t.closed, t.sessionID
	t.mu.RUnlock()
	if closed {
		return nil, &TransportError{Kind: ErrClosed, Op: "send"}
	}
	if sessionID == "" {
		return nil, &TransportError{Kind: ErrClosed, Op: "send", Err: errors.New("no SSE session")}
	}
	if err := t.in.cause(); err != nil {
		return nil, &TransportError{Kind: ErrDisconnected, Op: "send", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL+t.config.MessagePath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SessionHeader, sessionID)

	t.logger.Log(ctx, config.LevelTrace, "sse send", "json", string(data))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &TransportError{Kind: ErrTimeout, Op: "send", Err: err}
		}
		return nil, &TransportError{Kind: ErrDisconnected, Op: "send", Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<16)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		return nil, nil
	case http.StatusNotFound:
		return nil, &TransportError{Kind: ErrDisconnected, Op: "send", Err: errors.New("session not found")}
	default:
		body := httpkit.ReadErrorBody(resp.Body, 1024)
		return nil, &TransportError{Kind: ErrDisconnected, Op: "send", Err: fmt.Errorf("message endpoint returned %d: %s", resp.StatusCode, body)}
	}
}

// Inbound implements Transport.
func (t *SSETransport) Inbound() <-chan *Message { return t.in.ch }

// Err implements Transport.
func (t *SSETransport) Err() error { return t.in.cause() }

// Close cancels the event stream.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.closing.Store(true)
	started, cancel := t.started, t.cancel
	t.mu.Unlock()

	t.in.stop()
	if !started {
		t.in.finish(&TransportError{Kind: ErrClosed})
		return nil
	}
	if cancel != nil {
		cancel()
	}
	return nil
}
