package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mcphost/internal/metrics"
)

// defaultSessionBuffer bounds each session's outbound queue.
const defaultSessionBuffer = 32

// ErrRegistryClosed is returned by Open and Submit after Shutdown.
var ErrRegistryClosed = errors.New("session registry is shut down")

// Session is one SSE connection: an id, an outbound queue of encoded
// frames, and its own handshake state. A session is never shared
// between connections.
type Session struct {
	id        string
	createdAt time.Time
	handler   *ServerSession

	out  chan []byte
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce  sync.Once
	lastActive atomic.Int64
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was opened.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Outbound yields encoded frames for the connection to write.
func (s *Session) Outbound() <-chan []byte { return s.out }

// Done is closed when the session ends. Outbound is never closed, so
// writers select on Done instead.
func (s *Session) Done() <-chan struct{} { return s.done }

// LastActive returns the time of the last submission, pushed frame, or
// Touch.
func (s *Session) LastActive() time.Time { return time.Unix(0, s.lastActive.Load()) }

// Touch marks the session active. The SSE writer calls it after each
// keep-alive that reaches the client.
func (s *Session) Touch() { s.lastActive.Store(time.Now().UnixNano()) }

// Push queues an encoded frame, blocking while the queue is full. It
// fails once the session has ended.
func (s *Session) Push(data []byte) error {
	select {
	case <-s.done:
		return &TransportError{Kind: ErrClosed, Op: "push"}
	default:
	}
	select {
	case s.out <- data:
		s.Touch()
		return nil
	case <-s.done:
		return &TransportError{Kind: ErrClosed, Op: "push"}
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.done)
	})
}

// SessionRegistry maps session ids to live sessions for the HTTP+SSE
// surface. All access to the map goes through its mutex.
type SessionRegistry struct {
	srv    *Server
	logger *slog.Logger
	buffer int

	inflight sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Session
	shutdown bool
}

// NewSessionRegistry creates a registry whose sessions are served by srv.
func NewSessionRegistry(srv *Server, logger *slog.Logger) *SessionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionRegistry{
		srv:      srv,
		logger:   logger.With("component", "sse_sessions"),
		buffer:   defaultSessionBuffer,
		sessions: make(map[string]*Session),
	}
}

// Open registers a new session with a fresh id.
func (r *SessionRegistry) Open() (*Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		handler:   r.srv.NewSession(),
		out:       make(chan []byte, r.buffer),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.Touch()

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		cancel()
		return nil, ErrRegistryClosed
	}
	r.sessions[s.id] = s
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.SessionsActive.Inc()
	r.logger.Info("SSE session opened", "session_id", s.id, "sessions", count)
	return s, nil
}

// Get looks up a live session.
func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove ends a session and forgets it. Removing an unknown id is a
// no-op.
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	metrics.SessionsActive.Dec()
	r.logger.Info("SSE session closed", "session_id", id, "age", time.Since(s.createdAt).Truncate(time.Millisecond))
}

// Submit hands a JSON-RPC frame to a session. It returns once the frame
// is accepted; the reply is pushed to the session's outbound queue.
// It fails with ErrRegistryClosed once Shutdown has begun.
func (r *SessionRegistry) Submit(id string, body []byte) error {
	msg, err := Decode(body)
	if err != nil {
		return err
	}

	// The Add happens under the lock that Shutdown takes before Wait.
	r.mu.RLock()
	if r.shutdown {
		r.mu.RUnlock()
		return ErrRegistryClosed
	}
	s, ok := r.sessions[id]
	if !ok {
		r.mu.RUnlock()
		return &NotFoundError{Kind: "session", Name: id}
	}
	r.inflight.Add(1)
	r.mu.RUnlock()
	s.Touch()

	go func() {
		defer r.inflight.Done()
		reply := s.handler.Handle(s.ctx, msg)
		if reply == nil {
			return
		}
		data, err := Encode(reply)
		if err != nil {
			r.logger.Error("encode session reply", "session_id", id, "error", err)
			return
		}
		if err := s.Push(data); err != nil {
			r.logger.Debug("session ended before reply was delivered", "session_id", id)
		}
	}()
	return nil
}

// IDs returns the live session ids, sorted.
func (r *SessionRegistry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ExpireIdle removes every session with no submission, pushed frame, or
// delivered keep-alive for longer than maxIdle and returns the removed ids.
func (r *SessionRegistry) ExpireIdle(maxIdle time.Duration) []string {
	cutoff := time.Now().Add(-maxIdle)
	var expired []string
	r.mu.RLock()
	for id, s := range r.sessions {
		if s.LastActive().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	sort.Strings(expired)
	for _, id := range expired {
		r.logger.Info("SSE session idle, expiring", "session_id", id, "max_idle", maxIdle)
		r.Remove(id)
	}
	return expired
}

// RunReaper expires idle sessions every interval until ctx is done.
func (r *SessionRegistry) RunReaper(ctx context.Context, maxIdle, interval time.Duration) {
	if maxIdle <= 0 {
		return
	}
	if interval <= 0 {
		interval = maxIdle / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ExpireIdle(maxIdle)
		}
	}
}

// Shutdown ends every session and waits for in-flight submissions to
// finish or for ctx to expire. Later Opens fail.
func (r *SessionRegistry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shutdown = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Remove(id)
	}

	waited := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
