package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func request(t *testing.T, id int64, method string, params any) *Message {
	t.Helper()
	req, err := NewRequest(IntID(id), method, params)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return &Message{Request: req}
}

func newEchoServer(t *testing.T) *Server {
	t.Helper()
	srv := NewServer("echo-server", "0.1.0", nil)
	err := srv.AddTool(Tool{
		Name:        "echo",
		Description: "Echo the text argument",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}, func(_ context.Context, args Arguments) (*CallToolResult, error) {
		text, _ := args.String("text")
		return TextResult(text), nil
	})
	if err != nil {
		t.Fatalf("AddTool(echo): %v", err)
	}
	err = srv.AddTool(Tool{Name: "fail"}, func(context.Context, Arguments) (*CallToolResult, error) {
		return nil, errors.New("upstream unavailable")
	})
	if err != nil {
		t.Fatalf("AddTool(fail): %v", err)
	}
	err = srv.AddTool(Tool{Name: "panic"}, func(context.Context, Arguments) (*CallToolResult, error) {
		panic("boom")
	})
	if err != nil {
		t.Fatalf("AddTool(panic): %v", err)
	}
	return srv
}

func initialized(t *testing.T, srv *Server) *ServerSession {
	t.Helper()
	ss := srv.NewSession()
	reply := ss.Handle(context.Background(), request(t, 1, "initialize", initializeParams{ProtocolVersion: ProtocolVersion}))
	if reply.Response.Error != nil {
		t.Fatalf("initialize: %v", reply.Response.Error)
	}
	return ss
}

func rpcCode(t *testing.T, reply *Message) int {
	t.Helper()
	if reply == nil || reply.Response == nil {
		t.Fatalf("reply = %+v, want response", reply)
	}
	if reply.Response.Error == nil {
		return 0
	}
	return reply.Response.Error.Code
}

func toolCallResult(t *testing.T, reply *Message) CallToolResult {
	t.Helper()
	if code := rpcCode(t, reply); code != 0 {
		t.Fatalf("tools/call failed with code %d: %s", code, reply.Response.Error.Message)
	}
	var res CallToolResult
	if err := json.Unmarshal(reply.Response.Result, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return res
}

func TestServer_GatesUntilInitialized(t *testing.T) {
	srv := newEchoServer(t)
	ss := srv.NewSession()
	ctx := context.Background()

	reply := ss.Handle(ctx, request(t, 1, "tools/list", nil))
	if code := rpcCode(t, reply); code != CodeInternalError {
		t.Fatalf("tools/list before initialize: code = %d, want %d", code, CodeInternalError)
	}
	if !strings.Contains(reply.Response.Error.Message, "not initialized") {
		t.Errorf("message = %q", reply.Response.Error.Message)
	}

	if code := rpcCode(t, ss.Handle(ctx, request(t, 2, "ping", nil))); code != 0 {
		t.Errorf("ping before initialize: code = %d, want success", code)
	}
	if ss.Initialized() {
		t.Fatal("session initialized too early")
	}

	initReply := ss.Handle(ctx, request(t, 3, "initialize", initializeParams{ProtocolVersion: ProtocolVersion}))
	var info InitializeResult
	if err := json.Unmarshal(initReply.Response.Result, &info); err != nil {
		t.Fatalf("unmarshal initialize result: %v", err)
	}
	if info.ServerInfo.Name != "echo-server" || info.Capabilities.Tools == nil {
		t.Errorf("initialize result = %+v", info)
	}
	if !ss.Initialized() {
		t.Fatal("session not initialized after initialize")
	}

	if code := rpcCode(t, ss.Handle(ctx, request(t, 4, "tools/list", nil))); code != 0 {
		t.Errorf("tools/list after initialize: code = %d", code)
	}
}

func TestServer_SessionsAreIndependent(t *testing.T) {
	srv := newEchoServer(t)
	initialized(t, srv)

	other := srv.NewSession()
	reply := other.Handle(context.Background(), request(t, 1, "tools/list", nil))
	if code := rpcCode(t, reply); code != CodeInternalError {
		t.Errorf("second session inherited handshake: code = %d", code)
	}
}

func TestServer_InitializeRejectsVersion(t *testing.T) {
	srv := newEchoServer(t)
	ss := srv.NewSession()
	reply := ss.Handle(context.Background(), request(t, 1, "initialize", initializeParams{ProtocolVersion: "2030-01-01"}))
	if code := rpcCode(t, reply); code != CodeInvalidRequest {
		t.Errorf("code = %d, want %d", code, CodeInvalidRequest)
	}
	if ss.Initialized() {
		t.Error("declined handshake should not initialize the session")
	}
}

func TestServer_ToolsListSorted(t *testing.T) {
	ss := initialized(t, newEchoServer(t))
	reply := ss.Handle(context.Background(), request(t, 2, "tools/list", nil))

	var list toolsListResult
	if err := json.Unmarshal(reply.Response.Result, &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var names []string
	for _, tool := range list.Tools {
		names = append(names, tool.Name)
	}
	if fmt.Sprint(names) != "[echo fail panic]" {
		t.Errorf("tools = %v", names)
	}
	// Tools registered without a schema get an empty object schema.
	if string(list.Tools[1].InputSchema) != `{"type":"object","properties":{}}` {
		t.Errorf("default schema = %s", list.Tools[1].InputSchema)
	}
}

func TestServer_ToolsCall(t *testing.T) {
	ss := initialized(t, newEchoServer(t))
	ctx := context.Background()

	tests := []struct {
		name      string
		params    string
		wantCode  int
		wantError bool
		wantText  string
	}{
		{"success", `{"name":"echo","arguments":{"text":"hi"}}`, 0, false, "hi"},
		{"unknown tool", `{"name":"nope","arguments":{}}`, CodeInvalidParams, false, ""},
		{"missing name", `{"arguments":{}}`, CodeInvalidParams, false, ""},
		{"arguments not an object", `{"name":"echo","arguments":[1]}`, CodeInvalidParams, false, ""},
		{"schema violation", `{"name":"echo","arguments":{"text":5}}`, 0, true, ""},
		{"missing required", `{"name":"echo","arguments":{}}`, 0, true, ""},
		{"handler error", `{"name":"fail"}`, 0, true, "upstream unavailable"},
		{"handler panic", `{"name":"panic"}`, CodeInternalError, false, ""},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := ss.Handle(ctx, request(t, int64(10+i), "tools/call", json.RawMessage(tt.params)))
			code := rpcCode(t, reply)
			if code != tt.wantCode {
				t.Fatalf("code = %d, want %d", code, tt.wantCode)
			}
			if code != 0 {
				return
			}
			res := toolCallResult(t, reply)
			if res.IsError != tt.wantError {
				t.Errorf("IsError = %v, want %v (%s)", res.IsError, tt.wantError, res.Text())
			}
			if tt.wantText != "" && res.Text() != tt.wantText {
				t.Errorf("text = %q, want %q", res.Text(), tt.wantText)
			}
		})
	}
}

func TestServer_UnknownMethod(t *testing.T) {
	ss := initialized(t, newEchoServer(t))
	reply := ss.Handle(context.Background(), request(t, 2, "sampling/createMessage", nil))
	if code := rpcCode(t, reply); code != CodeMethodNotFound {
		t.Errorf("code = %d, want %d", code, CodeMethodNotFound)
	}
}

func TestServer_NotificationsHaveNoReply(t *testing.T) {
	ss := initialized(t, newEchoServer(t))
	n, _ := NewNotification("notifications/initialized", nil)
	if reply := ss.Handle(context.Background(), &Message{Notification: n}); reply != nil {
		t.Errorf("reply = %+v, want nil", reply)
	}
}

func TestServer_HandleStateless(t *testing.T) {
	srv := newEchoServer(t)
	reply := srv.HandleStateless(context.Background(), request(t, 1, "tools/call", json.RawMessage(`{"name":"echo","arguments":{"text":"x"}}`)))
	if res := toolCallResult(t, reply); res.Text() != "x" {
		t.Errorf("text = %q", res.Text())
	}
}

func TestServer_AddToolBadSchema(t *testing.T) {
	srv := NewServer("s", "1", nil)
	if err := srv.AddTool(Tool{Name: "bad", InputSchema: json.RawMessage(`{"type":5}`)}, nil); err == nil {
		t.Error("AddTool with invalid schema should fail")
	}
	if err := srv.AddTool(Tool{}, nil); err == nil {
		t.Error("AddTool without a name should fail")
	}
}

func TestServer_ResourcesAndPrompts(t *testing.T) {
	srv := newEchoServer(t)
	srv.AddResource(Resource{URI: "memo://readme", Name: "readme"}, func(_ context.Context, uri string) ([]ResourceContents, error) {
		return []ResourceContents{{URI: uri, Text: "read me"}}, nil
	})
	srv.AddPrompt(Prompt{
		Name:      "greet",
		Arguments: []PromptArgument{{Name: "who", Required: true}},
	}, func(_ context.Context, args map[string]string) (*GetPromptResult, error) {
		return &GetPromptResult{Messages: []PromptMessage{{Role: "user", Content: TextContent("hello " + args["who"])}}}, nil
	})

	ss := initialized(t, srv)
	ctx := context.Background()

	reply := ss.Handle(ctx, request(t, 2, "resources/read", readResourceParams{URI: "memo://readme"}))
	var rr readResourceResult
	if err := json.Unmarshal(reply.Response.Result, &rr); err != nil || len(rr.Contents) != 1 || rr.Contents[0].Text != "read me" {
		t.Errorf("resources/read = %s (%v)", reply.Response.Result, err)
	}

	reply = ss.Handle(ctx, request(t, 3, "prompts/get", getPromptParams{Name: "greet"}))
	if code := rpcCode(t, reply); code != CodeInvalidParams {
		t.Errorf("prompts/get without required arg: code = %d", code)
	}

	reply = ss.Handle(ctx, request(t, 4, "prompts/get", getPromptParams{Name: "greet", Arguments: map[string]string{"who": "bob"}}))
	var gp GetPromptResult
	if err := json.Unmarshal(reply.Response.Result, &gp); err != nil || len(gp.Messages) != 1 || gp.Messages[0].Content.Text != "hello bob" {
		t.Errorf("prompts/get = %s (%v)", reply.Response.Result, err)
	}
}

func TestServer_ServeStdio(t *testing.T) {
	srv := newEchoServer(t)
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		``,
		`{not json`,
	}, "\n") + "\n"

	var out bytes.Buffer
	if err := srv.ServeStdio(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatalf("ServeStdio: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d reply lines, want 2:\n%s", len(lines), out.String())
	}

	var sawInit, sawParseError bool
	for _, line := range lines {
		msg, err := Decode([]byte(line))
		if err != nil || msg.Response == nil {
			t.Fatalf("reply %q is not a response: %v", line, err)
		}
		switch {
		case msg.Response.ID == IntID(1) && msg.Response.Error == nil:
			sawInit = true
		case msg.Response.ID.IsZero() && msg.Response.Error != nil && msg.Response.Error.Code == CodeParseError:
			sawParseError = true
		}
	}
	if !sawInit || !sawParseError {
		t.Errorf("replies = %v", lines)
	}
}

type stubProvider struct {
	tools []Tool
	calls []string
}

func (p *stubProvider) AvailableTools() []Tool { return p.tools }

func (p *stubProvider) CallTool(_ context.Context, name string, args Arguments) (*CallToolResult, error) {
	p.calls = append(p.calls, name)
	switch name {
	case "remote_search":
		q, _ := args.String("q")
		return TextResult("results for " + q), nil
	case "remote_down":
		return nil, &TransportError{Kind: ErrDisconnected, Op: "call"}
	default:
		return nil, &NotFoundError{Kind: "tool", Name: name}
	}
}

func TestServer_MountedProvider(t *testing.T) {
	srv := newEchoServer(t)
	p := &stubProvider{tools: []Tool{{Name: "remote_search"}, {Name: "echo"}, {Name: "remote_down"}}}
	srv.Mount(p)
	ss := initialized(t, srv)
	ctx := context.Background()

	var names []string
	for _, tool := range srv.Tools() {
		names = append(names, tool.Name)
	}
	if got := strings.Join(names, ","); got != "echo,fail,panic,remote_search,remote_down" {
		t.Errorf("tools = %s", got)
	}

	res := toolCallResult(t, ss.Handle(ctx, request(t, 2, "tools/call", json.RawMessage(`{"name":"remote_search","arguments":{"q":"mcp"}}`))))
	if res.IsError || res.Text() != "results for mcp" {
		t.Errorf("mounted call = %+v", res)
	}

	// Registered tools shadow mounted ones.
	res = toolCallResult(t, ss.Handle(ctx, request(t, 3, "tools/call", json.RawMessage(`{"name":"echo","arguments":{"text":"local"}}`))))
	if res.Text() != "local" {
		t.Errorf("echo = %q", res.Text())
	}

	res = toolCallResult(t, ss.Handle(ctx, request(t, 4, "tools/call", json.RawMessage(`{"name":"remote_down"}`))))
	if !res.IsError {
		t.Error("transport failure should be an IsError result")
	}

	if code := rpcCode(t, ss.Handle(ctx, request(t, 5, "tools/call", json.RawMessage(`{"name":"missing"}`)))); code != CodeInvalidParams {
		t.Errorf("unknown mounted tool code = %d, want %d", code, CodeInvalidParams)
	}
	if strings.Join(p.calls, ",") != "remote_search,remote_down,missing" {
		t.Errorf("provider calls = %v", p.calls)
	}
}
