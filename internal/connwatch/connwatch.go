// Package connwatch keeps upstream MCP servers connected. Each watched
// server is probed on its own schedule: exponential backoff while it is
// down, a fixed poll interval while it is up.
//
// This complements httpkit's transport-level retry, which only covers
// sub-second dial errors. connwatch handles servers that crash, restart
// or are started after the host.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Prober checks one server by id, reconnecting it if needed. Return nil
// if the server is healthy. *mcp.Manager satisfies it.
type Prober interface {
	Probe(ctx context.Context, id string) error
}

// Backoff controls probe timing.
type Backoff struct {
	// InitialDelay is the wait after the first failed probe (default: 2s).
	InitialDelay time.Duration

	// MaxDelay caps backoff growth (default: 2m).
	MaxDelay time.Duration

	// Multiplier scales the delay after each failure (default: 2.0).
	Multiplier float64

	// PollInterval is the wait between probes of a healthy server
	// (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits each probe (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoff returns 2s, 4s, 8s ... capped at 2m while down and
// 60-second polling while up.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     2 * time.Minute,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

func (b Backoff) next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * b.Multiplier)
	return min(delay, b.MaxDelay)
}

// Status is the health of one watched server, suitable for JSON.
type Status struct {
	Server    string    `json:"server"`
	Up        bool      `json:"up"`
	Failures  int       `json:"consecutive_failures"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Config configures a Supervisor.
type Config struct {
	Backoff Backoff

	// OnChange is called after a server goes up or down, including the
	// first probe. It runs on the watcher goroutine and must not block.
	OnChange func(server string, up bool)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Supervisor runs one watcher per server.
type Supervisor struct {
	prober   Prober
	backoff  Backoff
	onChange func(string, bool)
	logger   *slog.Logger

	mu       sync.Mutex
	watchers map[string]*watcher
}

// New creates a supervisor that probes servers through prober.
func New(prober Prober, cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		prober:   prober,
		backoff:  cfg.Backoff.withDefaults(),
		onChange: cfg.OnChange,
		logger:   logger,
		watchers: make(map[string]*watcher),
	}
}

type watcher struct {
	server string
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
	known  bool
}

// Watch starts probing server until ctx is cancelled, Unwatch or Stop.
// Watching an already watched server does nothing.
func (s *Supervisor) Watch(ctx context.Context, server string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watchers[server]; ok {
		return
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &watcher{
		server: server,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Server: server},
	}
	s.watchers[server] = w
	go s.run(wctx, w)
}

// Unwatch stops probing server and waits for its watcher to exit.
func (s *Supervisor) Unwatch(server string) {
	s.mu.Lock()
	w, ok := s.watchers[server]
	delete(s.watchers, server)
	s.mu.Unlock()
	if ok {
		w.cancel()
		<-w.done
	}
}

// Status returns the health of every watched server ordered by name.
func (s *Supervisor) Status() []Status {
	s.mu.Lock()
	out := make([]Status, 0, len(s.watchers))
	for _, w := range s.watchers {
		w.mu.Lock()
		out = append(out, w.status)
		w.mu.Unlock()
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Server < out[j].Server })
	return out
}

// Stop cancels all watchers and waits for them to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	watchers := make([]*watcher, 0, len(s.watchers))
	for id, w := range s.watchers {
		watchers = append(watchers, w)
		delete(s.watchers, id)
	}
	s.mu.Unlock()

	for _, w := range watchers {
		w.cancel()
		<-w.done
	}
}

func (s *Supervisor) run(ctx context.Context, w *watcher) {
	defer close(w.done)
	log := s.logger.With("mcp_server", w.server)
	delay := s.backoff.InitialDelay

	for {
		err := s.probe(ctx, w.server)
		if ctx.Err() != nil {
			return
		}
		up := err == nil
		changed := w.record(err)

		switch {
		case changed && up:
			log.Info("MCP server up")
		case changed:
			log.Warn("MCP server down", "error", err, "retry_in", delay)
		case !up:
			log.Debug("MCP server still down", "error", err, "retry_in", delay)
		}
		if changed && s.onChange != nil {
			s.onChange(w.server, up)
		}

		wait := s.backoff.PollInterval
		if up {
			delay = s.backoff.InitialDelay
		} else {
			wait = delay
			delay = s.backoff.next(delay)
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (s *Supervisor) probe(ctx context.Context, server string) error {
	ctx, cancel := context.WithTimeout(ctx, s.backoff.ProbeTimeout)
	defer cancel()
	return s.prober.Probe(ctx, server)
}

// record stores a probe outcome and reports whether the up/down state
// changed. The first probe always counts as a change.
func (w *watcher) record(err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	up := err == nil
	changed := !w.known || w.status.Up != up
	w.known = true
	w.status.Up = up
	w.status.LastCheck = time.Now()
	if up {
		w.status.Failures = 0
		w.status.LastError = ""
	} else {
		w.status.Failures++
		w.status.LastError = err.Error()
	}
	return changed
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
