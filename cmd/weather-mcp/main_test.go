package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestRun_Usage(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no mode", nil, "usage"},
		{"unknown mode", []string{"tcp"}, "unknown mode"},
		{"bad port", []string{"sse", "http"}, "invalid port"},
		{"port out of range", []string{"sse", "70000"}, "invalid port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), strings.NewReader(""), io.Discard, io.Discard, tt.args, env(nil))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) = %v, want error containing %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRun_BadLogLevel(t *testing.T) {
	err := run(context.Background(), strings.NewReader(""), io.Discard, io.Discard,
		[]string{"stdio"}, env(map[string]string{"WEATHER_LOG_LEVEL": "loud"}))
	if err == nil {
		t.Fatal("expected error for bad log level")
	}
}

func TestRun_Stdio(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- run(ctx, inR, outW, io.Discard, []string{"stdio"}, env(nil))
		outW.Close()
	}()

	scanner := bufio.NewScanner(outR)
	// call writes one frame and, for requests, waits for its reply.
	call := func(frame string, wantReply bool) json.RawMessage {
		t.Helper()
		if _, err := io.WriteString(inW, frame+"\n"); err != nil {
			t.Fatalf("write: %v", err)
		}
		if !wantReply {
			return nil
		}
		if !scanner.Scan() {
			t.Fatalf("no reply to %s: %v", frame, scanner.Err())
		}
		var reply struct {
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
			t.Fatalf("bad frame %q: %v", scanner.Text(), err)
		}
		if reply.Error != nil {
			t.Fatalf("error reply: %s", reply.Error.Message)
		}
		return reply.Result
	}

	initRes := call(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"test","version":"1"}}}`, true)
	if !strings.Contains(string(initRes), `"name":"weather"`) {
		t.Errorf("initialize result = %s", initRes)
	}
	call(`{"jsonrpc":"2.0","method":"notifications/initialized"}`, false)

	res := call(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"get_current_weather","arguments":{"city":"London"}}}`, true)
	if !strings.Contains(string(res), "London") {
		t.Errorf("tools/call result = %s", res)
	}

	inW.Close()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
