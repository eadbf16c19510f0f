package mcp

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLocalTransport_ClientRoundTrip(t *testing.T) {
	srv := newEchoServer(t)
	c := NewClient("local-echo", NewLocalTransport(srv.NewSession()), nil)
	defer c.Close()
	ctx := context.Background()

	info, err := c.Initialize(ctx)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if info.ServerInfo.Name != "echo-server" {
		t.Errorf("server name = %q", info.ServerInfo.Name)
	}

	tools, err := c.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 3 {
		t.Errorf("got %d tools, want 3", len(tools))
	}

	res, err := c.CallTool(ctx, "echo", Arguments{"text": String("over the wire")})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError || res.Text() != "over the wire" {
		t.Errorf("result = %+v", res)
	}

	res, err = c.CallTool(ctx, "echo", Arguments{})
	if err != nil {
		t.Fatalf("CallTool with bad args: %v", err)
	}
	if !res.IsError {
		t.Error("schema violation should produce an IsError result")
	}

	if err := c.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestLocalTransport_Closed(t *testing.T) {
	tr := NewLocalTransport(HandlerFunc(func(context.Context, *Message) *Message { return nil }))
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if _, err := tr.Send(context.Background(), request(t, 1, "ping", nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
	if err := tr.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}

	select {
	case _, ok := <-tr.Inbound():
		if ok {
			t.Error("Inbound yielded a frame")
		}
	case <-time.After(time.Second):
		t.Error("Inbound not closed after Close")
	}
}

func TestLocalTransport_ExpiredContext(t *testing.T) {
	called := false
	tr := NewLocalTransport(HandlerFunc(func(context.Context, *Message) *Message {
		called = true
		return nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := tr.Send(ctx, request(t, 1, "ping", nil)); !errors.Is(err, ErrTimeout) {
		t.Errorf("Send = %v, want ErrTimeout", err)
	}
	if called {
		t.Error("handler invoked with an expired context")
	}
}
