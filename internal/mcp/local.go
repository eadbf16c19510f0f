package mcp

import (
	"context"
	"sync"
)

// Handler processes one JSON-RPC frame and returns the reply, or nil
// for notifications. Server sessions implement it.
type Handler interface {
	Handle(ctx context.Context, msg *Message) *Message
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) *Message

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) *Message { return f(ctx, msg) }

// LocalTransport invokes an in-process handler directly. There is no
// serialization boundary and no background I/O; Send returns the
// handler's reply.
type LocalTransport struct {
	handler Handler
	in      *inbox

	mu     sync.Mutex
	closed bool
}

// NewLocalTransport wraps handler as a transport.
func NewLocalTransport(handler Handler) *LocalTransport {
	return &LocalTransport{handler: handler, in: newInbox(1)}
}

// Start implements Transport.
func (t *LocalTransport) Start(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return &TransportError{Kind: ErrClosed, Op: "start"}
	}
	return nil
}

// Send passes msg to the handler and returns its reply.
func (t *LocalTransport) Send(ctx context.Context, msg *Message) (*Message, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, &TransportError{Kind: ErrClosed, Op: "send"}
	}
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Kind: ErrTimeout, Op: "send", Err: err}
	}
	return t.handler.Handle(ctx, msg), nil
}

// Inbound implements Transport. A local handler never pushes frames.
func (t *LocalTransport) Inbound() <-chan *Message { return t.in.ch }

// Err implements Transport.
func (t *LocalTransport) Err() error { return t.in.cause() }

// Close implements Transport.
func (t *LocalTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.in.finish(&TransportError{Kind: ErrClosed})
	}
	return nil
}
