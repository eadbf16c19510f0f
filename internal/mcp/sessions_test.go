package mcp

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"
)

func nextFrame(t *testing.T, s *Session) *Message {
	t.Helper()
	select {
	case data := <-s.Outbound():
		msg, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode pushed frame: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no frame pushed to session")
		return nil
	}
}

func submit(t *testing.T, reg *SessionRegistry, s *Session, id int64, method string, params any) *Message {
	t.Helper()
	data, err := Encode(request(t, id, method, params))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := reg.Submit(s.ID(), data); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return nextFrame(t, s)
}

func TestSessionRegistry_OpenAndRemove(t *testing.T) {
	reg := NewSessionRegistry(newEchoServer(t), nil)
	a, err := reg.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, err := reg.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if a.ID() == b.ID() {
		t.Fatal("sessions share an id")
	}
	if reg.Len() != 2 {
		t.Errorf("Len() = %d, want 2", reg.Len())
	}
	ids := reg.IDs()
	if !sort.StringsAreSorted(ids) || len(ids) != 2 {
		t.Errorf("IDs() = %v", ids)
	}

	reg.Remove(a.ID())
	reg.Remove(a.ID()) // no-op
	if _, ok := reg.Get(a.ID()); ok {
		t.Error("removed session still registered")
	}
	select {
	case <-a.Done():
	default:
		t.Error("removed session not done")
	}
	if err := a.Push([]byte(`{}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("Push after Remove = %v, want ErrClosed", err)
	}
	if reg.Len() != 1 {
		t.Errorf("Len() = %d, want 1", reg.Len())
	}
}

func TestSessionRegistry_SubmitRoutesReply(t *testing.T) {
	reg := NewSessionRegistry(newEchoServer(t), nil)
	s, _ := reg.Open()

	reply := submit(t, reg, s, 1, "initialize", initializeParams{ProtocolVersion: ProtocolVersion})
	if reply.Response == nil || reply.Response.Error != nil || reply.Response.ID != IntID(1) {
		t.Fatalf("initialize reply = %+v", reply.Response)
	}

	reply = submit(t, reg, s, 2, "tools/call", callToolParams{Name: "echo", Arguments: Arguments{"text": String("hi")}})
	if reply.Response.ID != IntID(2) || reply.Response.Error != nil {
		t.Fatalf("tools/call reply = %+v", reply.Response)
	}
}

func TestSessionRegistry_Isolation(t *testing.T) {
	reg := NewSessionRegistry(newEchoServer(t), nil)
	a, _ := reg.Open()
	b, _ := reg.Open()

	submit(t, reg, a, 1, "initialize", initializeParams{ProtocolVersion: ProtocolVersion})

	// b never initialized, so it stays gated, and a's queue sees nothing.
	reply := submit(t, reg, b, 1, "tools/list", nil)
	if reply.Response.Error == nil || reply.Response.Error.Code != CodeInternalError {
		t.Errorf("uninitialized session reply = %+v, want -32603", reply.Response)
	}
	select {
	case data := <-a.Outbound():
		t.Errorf("session a received b's frame: %s", data)
	case <-time.After(50 * time.Millisecond):
	}

	reply = submit(t, reg, a, 2, "tools/list", nil)
	if reply.Response.Error != nil {
		t.Errorf("initialized session reply = %v", reply.Response.Error)
	}
}

func TestSessionRegistry_SubmitErrors(t *testing.T) {
	reg := NewSessionRegistry(newEchoServer(t), nil)
	s, _ := reg.Open()

	err := reg.Submit("no-such-session", []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Kind != "session" {
		t.Errorf("Submit(unknown) = %v, want session NotFoundError", err)
	}

	if err := reg.Submit(s.ID(), []byte(`{oops`)); !errors.Is(err, ErrParse) {
		t.Errorf("Submit(malformed) = %v, want ErrParse", err)
	}

	// Notifications are accepted but produce no reply.
	if err := reg.Submit(s.ID(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)); err != nil {
		t.Errorf("Submit(notification) = %v", err)
	}
	select {
	case data := <-s.Outbound():
		t.Errorf("notification produced frame %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionRegistry_Shutdown(t *testing.T) {
	reg := NewSessionRegistry(newEchoServer(t), nil)
	a, _ := reg.Open()
	b, _ := reg.Open()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reg.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for _, s := range []*Session{a, b} {
		select {
		case <-s.Done():
		default:
			t.Errorf("session %s still open after Shutdown", s.ID())
		}
	}
	if reg.Len() != 0 {
		t.Errorf("Len() = %d after Shutdown", reg.Len())
	}
	if _, err := reg.Open(); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Open after Shutdown = %v, want ErrRegistryClosed", err)
	}
	if err := reg.Submit(a.ID(), []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Submit after Shutdown = %v, want ErrRegistryClosed", err)
	}
}

func TestSession_LastActive(t *testing.T) {
	reg := NewSessionRegistry(newEchoServer(t), nil)
	s, _ := reg.Open()
	before := s.LastActive()
	time.Sleep(5 * time.Millisecond)
	if err := s.Push([]byte(`{}`)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !s.LastActive().After(before) {
		t.Error("Push did not update LastActive")
	}
}

func TestSessionRegistry_ExpireIdle(t *testing.T) {
	reg := NewSessionRegistry(newEchoServer(t), nil)
	stale, _ := reg.Open()
	time.Sleep(30 * time.Millisecond)
	fresh, _ := reg.Open()

	expired := reg.ExpireIdle(20 * time.Millisecond)
	if len(expired) != 1 || expired[0] != stale.ID() {
		t.Fatalf("ExpireIdle = %v, want [%s]", expired, stale.ID())
	}
	select {
	case <-stale.Done():
	default:
		t.Error("expired session not closed")
	}
	if _, ok := reg.Get(fresh.ID()); !ok {
		t.Error("active session was expired")
	}
}

func TestSessionRegistry_ExpireIdleSparesTouched(t *testing.T) {
	reg := NewSessionRegistry(newEchoServer(t), nil)
	s, _ := reg.Open()
	time.Sleep(30 * time.Millisecond)
	s.Touch()

	if expired := reg.ExpireIdle(20 * time.Millisecond); len(expired) != 0 {
		t.Fatalf("ExpireIdle = %v, want none", expired)
	}
	if _, ok := reg.Get(s.ID()); !ok {
		t.Error("touched session was expired")
	}
}

func TestSessionRegistry_RunReaper(t *testing.T) {
	reg := NewSessionRegistry(newEchoServer(t), nil)
	s, _ := reg.Open()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.RunReaper(ctx, 20*time.Millisecond, 5*time.Millisecond)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle session not reaped")
	}
	if reg.Len() != 0 {
		t.Errorf("Len() = %d after reaping", reg.Len())
	}
}
