package connwatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testBackoff returns a fast backoff config for tests.
func testBackoff() Backoff {
	return Backoff{
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2.0,
		PollInterval: 2 * time.Millisecond,
		ProbeTimeout: 50 * time.Millisecond,
	}
}

// fakeProber fails each server until its failure budget is used up, and
// fails again once down is set.
type fakeProber struct {
	mu       sync.Mutex
	failures map[string]int
	down     map[string]bool
	calls    map[string]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{failures: map[string]int{}, down: map[string]bool{}, calls: map[string]int{}}
}

func (p *fakeProber) Probe(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[id]++
	if p.down[id] {
		return errors.New("connection refused")
	}
	if p.failures[id] > 0 {
		p.failures[id]--
		return errors.New("connection refused")
	}
	return nil
}

func (p *fakeProber) setDown(id string, down bool) {
	p.mu.Lock()
	p.down[id] = down
	p.mu.Unlock()
}

func (p *fakeProber) callCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

type changeLog struct {
	mu      sync.Mutex
	changes []string
}

func (c *changeLog) record(server string, up bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := "down"
	if up {
		state = "up"
	}
	c.changes = append(c.changes, server+":"+state)
}

func (c *changeLog) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.changes...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDefaultBackoff(t *testing.T) {
	t.Parallel()
	b := DefaultBackoff()
	if b.InitialDelay != 2*time.Second || b.MaxDelay != 2*time.Minute || b.PollInterval != time.Minute {
		t.Errorf("DefaultBackoff() = %+v", b)
	}

	zero := Backoff{}.withDefaults()
	if zero != b {
		t.Errorf("zero Backoff with defaults = %+v, want %+v", zero, b)
	}
}

func TestBackoff_Next(t *testing.T) {
	t.Parallel()
	b := Backoff{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}.withDefaults()

	var got []time.Duration
	d := b.InitialDelay
	for i := 0; i < 5; i++ {
		got = append(got, d)
		d = b.next(d)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSupervisor_RecoversAfterFailures(t *testing.T) {
	t.Parallel()
	p := newFakeProber()
	p.failures["files"] = 3
	log := &changeLog{}

	s := New(p, Config{Backoff: testBackoff(), OnChange: log.record})
	defer s.Stop()
	s.Watch(context.Background(), "files")

	waitFor(t, func() bool { return len(log.snapshot()) == 2 })
	if got := log.snapshot(); got[0] != "files:down" || got[1] != "files:up" {
		t.Errorf("changes = %v", got)
	}

	st := s.Status()
	if len(st) != 1 || !st[0].Up || st[0].Failures != 0 || st[0].LastError != "" {
		t.Errorf("status = %+v", st)
	}
}

func TestSupervisor_GoesDownAndBack(t *testing.T) {
	t.Parallel()
	p := newFakeProber()
	log := &changeLog{}

	s := New(p, Config{Backoff: testBackoff(), OnChange: log.record})
	defer s.Stop()
	s.Watch(context.Background(), "weather")

	waitFor(t, func() bool { return len(log.snapshot()) == 1 })
	p.setDown("weather", true)
	waitFor(t, func() bool {
		st := s.Status()
		return len(st) == 1 && st[0].Failures >= 2
	})
	p.setDown("weather", false)
	waitFor(t, func() bool { return len(log.snapshot()) == 3 })

	want := []string{"weather:up", "weather:down", "weather:up"}
	for i, c := range log.snapshot() {
		if c != want[i] {
			t.Errorf("change[%d] = %q, want %q", i, c, want[i])
		}
	}
}

func TestSupervisor_WatchIsIdempotent(t *testing.T) {
	t.Parallel()
	p := newFakeProber()
	s := New(p, Config{Backoff: testBackoff()})
	defer s.Stop()

	s.Watch(context.Background(), "a")
	s.Watch(context.Background(), "a")
	s.Watch(context.Background(), "b")

	st := s.Status()
	if len(st) != 2 || st[0].Server != "a" || st[1].Server != "b" {
		t.Errorf("status = %+v", st)
	}
}

func TestSupervisor_UnwatchStopsProbing(t *testing.T) {
	t.Parallel()
	p := newFakeProber()
	s := New(p, Config{Backoff: testBackoff()})
	defer s.Stop()

	s.Watch(context.Background(), "gone")
	waitFor(t, func() bool { return p.callCount("gone") > 0 })
	s.Unwatch("gone")

	n := p.callCount("gone")
	time.Sleep(20 * time.Millisecond)
	if p.callCount("gone") != n {
		t.Error("probing continued after Unwatch")
	}
	if len(s.Status()) != 0 {
		t.Errorf("status = %+v, want empty", s.Status())
	}
}

func TestSupervisor_ContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	prober := proberFunc(func(context.Context, string) error {
		calls.Add(1)
		return errors.New("down")
	})
	s := New(prober, Config{Backoff: testBackoff()})
	s.Watch(ctx, "x")

	waitFor(t, func() bool { return calls.Load() > 0 })
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
}

func TestSupervisor_ProbeTimeout(t *testing.T) {
	t.Parallel()
	prober := proberFunc(func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s := New(prober, Config{Backoff: testBackoff()})
	defer s.Stop()
	s.Watch(context.Background(), "slow")

	waitFor(t, func() bool {
		st := s.Status()
		return len(st) == 1 && st[0].Failures > 0
	})
	if st := s.Status(); st[0].Up {
		t.Errorf("slow server reported up: %+v", st[0])
	}
}

type proberFunc func(ctx context.Context, id string) error

func (f proberFunc) Probe(ctx context.Context, id string) error { return f(ctx, id) }
