package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/metrics"
)

// DefaultCallTimeout bounds each request unless overridden.
const DefaultCallTimeout = 30 * time.Second

// maxListPages stops runaway pagination from a misbehaving server.
const maxListPages = 100

// NotificationFunc receives notifications pushed by the server.
type NotificationFunc func(method string, params json.RawMessage)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCallTimeout sets the per-request timeout. Non-positive values
// keep the default.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithNotificationHandler registers fn for server notifications such as
// notifications/tools/list_changed.
func WithNotificationHandler(fn NotificationFunc) ClientOption {
	return func(c *Client) { c.onNotify = fn }
}

// callResult is what a pending request waits for.
type callResult struct {
	resp *Response
	err  error
}

// Client speaks MCP to one server over a Transport. Requests carry a
// strictly increasing id and are correlated with replies by id, so
// several may be outstanding at once.
type Client struct {
	name        string
	transport   Transport
	logger      *slog.Logger
	callTimeout time.Duration
	onNotify    NotificationFunc
	nextID      atomic.Int64

	initMu sync.Mutex // serializes Initialize

	mu          sync.Mutex
	pending     map[ID]chan callResult
	initialized bool
	closed      bool
	termErr     error
	info        *InitializeResult
	readerDone  chan struct{}
}

// NewClient creates an MCP client for the named server. The client owns
// transport and closes it on Close.
func NewClient(name string, transport Transport, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:        name,
		transport:   transport,
		logger:      logger.With("mcp_server", name),
		callTimeout: DefaultCallTimeout,
		pending:     make(map[ID]chan callResult),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// ServerInfo returns the handshake result, or nil before Initialize.
func (c *Client) ServerInfo() *InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Initialize starts the transport and performs the MCP handshake. It
// runs once; later calls return the first successful result.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &TransportError{Kind: ErrClosed, Op: "initialize"}
	}
	if c.initialized {
		info := c.info
		c.mu.Unlock()
		return info, nil
	}
	startReader := c.readerDone == nil
	c.mu.Unlock()

	if startReader {
		if err := c.transport.Start(ctx); err != nil {
			return nil, fmt.Errorf("initialize %s: %w", c.name, err)
		}
		done := make(chan struct{})
		c.mu.Lock()
		c.readerDone = done
		c.mu.Unlock()
		go c.readLoop(done)
	}

	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo: Implementation{
			Name:    buildinfo.ProductName,
			Version: buildinfo.Version,
		},
	}

	resp, err := c.call(ctx, "initialize", params)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return nil, &ProtocolError{Kind: ErrHandshakeMismatch, Detail: "server declined initialize", Err: rpcErr}
		}
		return nil, fmt.Errorf("initialize %s: %w", c.name, err)
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &ProtocolError{Kind: ErrMalformedResponse, Detail: "initialize result", Err: err}
	}
	if result.ProtocolVersion != ProtocolVersion {
		return nil, &ProtocolError{
			Kind:   ErrHandshakeMismatch,
			Detail: fmt.Sprintf("server speaks protocol %q, want %q", result.ProtocolVersion, ProtocolVersion),
		}
	}

	if err := c.notify(ctx, "notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.info = &result
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return &result, nil
}

// ListTools calls tools/list, following pagination cursors. An empty
// catalog is a valid result.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	out := []Tool{}
	err := c.paginate(ctx, "tools/list", func(raw json.RawMessage) (string, error) {
		var page toolsListResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return "", err
		}
		out = append(out, page.Tools...)
		return page.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("discovered MCP tools", "count", len(out))
	return out, nil
}

// ListResources calls resources/list.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	out := []Resource{}
	err := c.paginate(ctx, "resources/list", func(raw json.RawMessage) (string, error) {
		var page resourcesListResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return "", err
		}
		out = append(out, page.Resources...)
		return page.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListPrompts calls prompts/list.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	out := []Prompt{}
	err := c.paginate(ctx, "prompts/list", func(raw json.RawMessage) (string, error) {
		var page promptsListResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return "", err
		}
		out = append(out, page.Prompts...)
		return page.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// paginate issues method until the server stops returning a cursor.
func (c *Client) paginate(ctx context.Context, method string, page func(json.RawMessage) (string, error)) error {
	if err := c.requireInitialized(method); err != nil {
		return err
	}
	var cursor string
	for i := 0; i < maxListPages; i++ {
		var params any
		if cursor != "" {
			params = cursorParams{Cursor: cursor}
		}
		resp, err := c.call(ctx, method, params)
		if err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		next, err := page(resp.Result)
		if err != nil {
			return &ProtocolError{Kind: ErrMalformedResponse, Detail: method + " result", Err: err}
		}
		if next == "" || next == cursor {
			return nil
		}
		cursor = next
	}
	c.logger.Warn("pagination limit reached", "method", method, "pages", maxListPages)
	return nil
}

// CallTool invokes a tool by name. A tool that fails still yields a
// result with IsError set; only transport and protocol failures return
// an error.
func (c *Client) CallTool(ctx context.Context, name string, args Arguments) (*CallToolResult, error) {
	if err := c.requireInitialized("tools/call"); err != nil {
		return nil, err
	}
	if args == nil {
		args = Arguments{}
	}

	resp, err := c.call(ctx, "tools/call", callToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &ProtocolError{Kind: ErrMalformedResponse, Detail: "tools/call result", Err: err}
	}
	if result.Content == nil {
		result.Content = []ContentBlock{}
	}
	return &result, nil
}

// ReadResource calls resources/read.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]ResourceContents, error) {
	if err := c.requireInitialized("resources/read"); err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, "resources/read", readResourceParams{URI: uri})
	if err != nil {
		return nil, fmt.Errorf("resources/read %s: %w", uri, err)
	}
	var result readResourceResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &ProtocolError{Kind: ErrMalformedResponse, Detail: "resources/read result", Err: err}
	}
	return result.Contents, nil
}

// GetPrompt calls prompts/get.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*GetPromptResult, error) {
	if err := c.requireInitialized("prompts/get"); err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, "prompts/get", getPromptParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("prompts/get %s: %w", name, err)
	}
	var result GetPromptResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &ProtocolError{Kind: ErrMalformedResponse, Detail: "prompts/get result", Err: err}
	}
	return &result, nil
}

// Ping checks whether the MCP server is responsive. Used by connwatch
// for health monitoring.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.requireInitialized("ping"); err != nil {
		return err
	}
	_, err := c.call(ctx, "ping", nil)
	return err
}

// Close fails every pending request with a Closed transport error and
// releases the transport. It is idempotent and safe before Initialize.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	done := c.readerDone
	c.mu.Unlock()

	c.logger.Info("closing MCP client")
	c.failAll(&TransportError{Kind: ErrClosed})
	err := c.transport.Close()
	if done != nil {
		<-done
	}
	return err
}

func (c *Client) requireInitialized(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &TransportError{Kind: ErrClosed, Op: op}
	}
	if !c.initialized {
		return &StateError{Kind: ErrNotInitialized, Op: op}
	}
	return nil
}

// call issues one request and waits for the correlated reply. An RPC
// error reply is returned as *RPCError.
func (c *Client) call(ctx context.Context, method string, params any) (*Response, error) {
	id := IntID(c.nextID.Add(1))
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan callResult, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &TransportError{Kind: ErrClosed, Op: method}
	}
	if c.termErr != nil {
		termErr := c.termErr
		c.mu.Unlock()
		return nil, termErr
	}
	c.pending[id] = ch
	c.mu.Unlock()

	start := time.Now()
	resp, err := c.await(ctx, id, req, ch)
	metrics.ObserveRPC(c.name, method, rpcStatus(resp, err), time.Since(start))
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return resp, resp.Error
	}
	return resp, nil
}

func (c *Client) await(ctx context.Context, id ID, req *Request, ch chan callResult) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	reply, err := c.transport.Send(ctx, &Message{Request: req})
	if err != nil {
		c.forget(id)
		return nil, err
	}
	if reply != nil {
		// Synchronous transports hand the reply back from Send; route it
		// through the same correlation path as pushed frames.
		c.dispatch(reply)
	}

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		c.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TransportError{Kind: ErrTimeout, Op: req.Method, Err: fmt.Errorf("no reply after %s", c.callTimeout)}
		}
		return nil, ctx.Err()
	}
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	n, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	_, err = c.transport.Send(ctx, &Message{Notification: n})
	return err
}

func (c *Client) forget(id ID) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failAll completes every pending request with err.
func (c *Client) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[ID]chan callResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

// readLoop drains the transport until it terminates, then fails
// everything still pending with the transport's terminal error.
func (c *Client) readLoop(done chan<- struct{}) {
	defer close(done)
	for msg := range c.transport.Inbound() {
		c.dispatch(msg)
	}

	err := c.transport.Err()
	if err == nil {
		err = &TransportError{Kind: ErrClosed}
	}
	c.mu.Lock()
	c.termErr = err
	c.mu.Unlock()
	c.failAll(err)
}

// dispatch routes one inbound frame.
func (c *Client) dispatch(msg *Message) {
	switch {
	case msg.Response != nil:
		c.mu.Lock()
		ch, ok := c.pending[msg.Response.ID]
		delete(c.pending, msg.Response.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("dropping response for unknown request", "id", msg.Response.ID.String())
			return
		}
		ch <- callResult{resp: msg.Response}

	case msg.Notification != nil:
		if c.onNotify != nil {
			c.onNotify(msg.Notification.Method, msg.Notification.Params)
			return
		}
		c.logger.Debug("MCP server notification", "method", msg.Notification.Method)

	case msg.Request != nil:
		go c.answerServerRequest(msg.Request)
	}
}

// answerServerRequest replies to requests the server initiates. Only
// ping is supported.
func (c *Client) answerServerRequest(req *Request) {
	var resp *Response
	if req.Method == "ping" {
		resp, _ = NewResponse(req.ID, struct{}{})
	} else {
		resp = NewErrorResponse(req.ID, CodeMethodNotFound, "method not found: "+req.Method)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
	defer cancel()
	if _, err := c.transport.Send(ctx, &Message{Response: resp}); err != nil {
		c.logger.Debug("failed to answer server request", "method", req.Method, "error", err)
	}
}

func rpcStatus(resp *Response, err error) string {
	switch {
	case err == nil && resp != nil && resp.Error != nil:
		return "rpc_error"
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "failed"
	}
}
