package mcp

import (
	"context"
	"sync"
)

// defaultQueueSize bounds the inbound frame queue of streaming transports.
const defaultQueueSize = 64

// Transport moves JSON-RPC frames between a Client and one tool provider.
// Implementations exist for a subprocess (stdio), a remote HTTP+SSE
// server, and an in-process handler.
type Transport interface {
	// Start connects the transport. It must be called once before Send.
	Start(ctx context.Context) error

	// Send delivers one frame. Streaming transports acknowledge at the
	// transport level and return a nil reply; replies arrive on Inbound.
	// The in-process transport returns the handler's reply directly.
	Send(ctx context.Context, msg *Message) (*Message, error)

	// Inbound yields frames pushed by the provider. The channel is closed
	// when the transport terminates; Err then reports why.
	Inbound() <-chan *Message

	// Err returns the terminal error once Inbound is closed.
	Err() error

	// Close shuts down the transport and releases resources. It is
	// idempotent and safe on a transport that was never started.
	Close() error
}

// inbox is the bounded inbound queue shared by the transports. A single
// reader goroutine pushes and eventually calls finish; stop unblocks a
// reader waiting on a full queue. A full queue blocks the reader, which
// in turn stops draining the provider's output.
type inbox struct {
	ch      chan *Message
	stopped chan struct{}

	stopOnce   sync.Once
	finishOnce sync.Once

	mu  sync.Mutex
	err error
}

func newInbox(size int) *inbox {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &inbox{
		ch:      make(chan *Message, size),
		stopped: make(chan struct{}),
	}
}

// push queues msg, blocking while the queue is full. It reports false if
// the inbox was stopped first.
func (b *inbox) push(msg *Message) bool {
	select {
	case <-b.stopped:
		return false
	default:
	}
	select {
	case b.ch <- msg:
		return true
	case <-b.stopped:
		return false
	}
}

// stop releases a reader blocked in push. Subsequent pushes are dropped.
func (b *inbox) stop() {
	b.stopOnce.Do(func() { close(b.stopped) })
}

// finish records the terminal error and closes the queue. Only the
// goroutine that pushes may call it.
func (b *inbox) finish(err error) {
	b.finishOnce.Do(func() {
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
		close(b.ch)
	})
}

func (b *inbox) cause() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}
