package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/mcphost/internal/llm"
	"github.com/nugget/mcphost/internal/mcp"
)

type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	callIndex int
	calls     []mockLLMCall
	err       error
}

type mockLLMCall struct {
	Model    string
	Messages []llm.Message
	Tools    []llm.ToolDefinition
	Streamed bool
}

func (m *mockLLM) Chat(ctx context.Context, model string, msgs []llm.Message, td []llm.ToolDefinition) (*llm.ChatResponse, error) {
	return m.ChatStream(ctx, model, msgs, td, nil)
}

func (m *mockLLM) ChatStream(_ context.Context, model string, msgs []llm.Message, td []llm.ToolDefinition, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Copy so later appends by the loop don't alias the record.
	snapshot := append([]llm.Message(nil), msgs...)
	m.calls = append(m.calls, mockLLMCall{Model: model, Messages: snapshot, Tools: td, Streamed: cb != nil})

	if m.err != nil {
		return nil, m.err
	}
	if m.callIndex >= len(m.responses) {
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", m.callIndex)
	}
	resp := m.responses[m.callIndex]
	m.callIndex++

	if cb != nil {
		if resp.Message.Content != "" {
			cb(llm.StreamEvent{Kind: llm.KindToken, Token: resp.Message.Content})
		}
		for i := range resp.Message.ToolCalls {
			cb(llm.StreamEvent{Kind: llm.KindToolUse, ToolCall: &resp.Message.ToolCalls[i]})
		}
		cb(llm.StreamEvent{Kind: llm.KindDone, Response: resp})
	}
	return resp, nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func toolUse(id, name, args string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model: "test-model",
		Message: llm.Message{
			Role:      llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{ID: id, Name: name, Arguments: json.RawMessage(args)}},
		},
		StopReason:   llm.StopToolUse,
		InputTokens:  10,
		OutputTokens: 5,
	}
}

func final(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: text},
		StopReason:   llm.StopEndTurn,
		InputTokens:  20,
		OutputTokens: 8,
	}
}

// callLog records tool executions in order.
type callLog struct {
	mu    sync.Mutex
	names []string
}

func (c *callLog) add(s string) {
	c.mu.Lock()
	c.names = append(c.names, s)
	c.mu.Unlock()
}

// buildTestManager mounts an in-process weather-like server behind a
// real Manager.
func buildTestManager(t *testing.T, log *callLog) *mcp.Manager {
	t.Helper()
	srv := mcp.NewServer("test-weather", "1.0.0", nil)
	schema := json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`)
	for _, name := range []string{"get_current_weather", "get_forecast"} {
		name := name
		err := srv.AddTool(mcp.Tool{Name: name, Description: name, InputSchema: schema}, func(_ context.Context, args mcp.Arguments) (*mcp.CallToolResult, error) {
			city, _ := args.String("city")
			log.add(name + ":" + city)
			return mcp.TextResult(name + " for " + city), nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	m := mcp.NewManager(mcp.ManagerConfig{
		Providers:   map[string]*mcp.Server{"weather": srv},
		CallTimeout: 5 * time.Second,
	})
	t.Cleanup(func() { m.Close() })
	if err := m.AddServer(context.Background(), mcp.ServerConfig{
		ID: "weather", Transport: mcp.TransportLocal, Provider: "weather", Enabled: true,
	}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	return m
}

func TestLoop_NoTools(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{final("Hello!")}}
	loop := NewLoop(mock, buildTestManager(t, &callLog{}), Config{Model: "test-model", SystemPrompt: "be nice"})

	res, err := loop.Run(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "hi"}}}, nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Text != "Hello!" || res.StopReason != "end_turn" || res.Rounds != 1 {
		t.Errorf("result = %+v", res)
	}

	call := mock.calls[0]
	if !call.Streamed {
		t.Error("model should be called through the streaming endpoint")
	}
	if call.Messages[0].Role != llm.RoleSystem || call.Messages[0].Content != "be nice" {
		t.Errorf("first message = %+v, want system prompt", call.Messages[0])
	}
	if len(call.Tools) != 2 {
		t.Errorf("tools offered = %d, want 2", len(call.Tools))
	}
}

func TestLoop_SequentialToolUse(t *testing.T) {
	log := &callLog{}
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolUse("t1", "get_current_weather", `{"city":"London"}`),
		toolUse("t2", "get_forecast", `{"city":"Paris"}`),
		final("London is mild; Paris will be wet."),
	}}
	loop := NewLoop(mock, buildTestManager(t, log), Config{Model: "test-model"})

	var events []string
	res, err := loop.Run(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "London now, Paris later?"}},
	}, func(ev llm.StreamEvent) {
		switch ev.Kind {
		case llm.KindToolCallStart:
			events = append(events, "start:"+ev.ToolCall.Name)
		case llm.KindToolCallDone:
			events = append(events, "done:"+ev.ToolName)
		case llm.KindDone:
			events = append(events, "finished")
		}
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	want := []string{"get_current_weather:London", "get_forecast:Paris"}
	if strings.Join(log.names, ",") != strings.Join(want, ",") {
		t.Errorf("tool order = %v, want %v", log.names, want)
	}
	wantEvents := "start:get_current_weather,done:get_current_weather,start:get_forecast,done:get_forecast,finished"
	if got := strings.Join(events, ","); got != wantEvents {
		t.Errorf("events = %s\nwant     %s", got, wantEvents)
	}

	if res.Rounds != 3 || res.StopReason != "end_turn" {
		t.Errorf("rounds=%d stop=%q", res.Rounds, res.StopReason)
	}
	if len(res.ToolCalls) != 2 || res.ToolCalls[0].Round != 1 || res.ToolCalls[1].Round != 2 {
		t.Fatalf("records = %+v", res.ToolCalls)
	}
	if city, _ := res.ToolCalls[0].Arguments.String("city"); city != "London" {
		t.Errorf("record arguments = %v", res.ToolCalls[0].Arguments)
	}
	if res.InputTokens != 40 || res.OutputTokens != 18 {
		t.Errorf("tokens = %d/%d", res.InputTokens, res.OutputTokens)
	}

	// Second round sees the first tool result before the second call.
	second := mock.calls[1].Messages
	last := second[len(second)-1]
	if last.Role != llm.RoleTool || last.ToolCallID != "t1" || last.Content != "get_current_weather for London" {
		t.Errorf("round 2 last message = %+v", last)
	}

	// user, assistant(t1), tool, assistant(t2), tool, assistant(final)
	if len(res.Messages) != 6 {
		t.Errorf("messages = %d, want 6", len(res.Messages))
	}
}

func TestLoop_MultipleToolCallsInOneTurn(t *testing.T) {
	log := &callLog{}
	turn := &llm.ChatResponse{
		Message: llm.Message{
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{
				{ID: "a", Name: "get_current_weather", Arguments: json.RawMessage(`{"city":"Oslo"}`)},
				{ID: "b", Name: "get_current_weather", Arguments: json.RawMessage(`{"city":"Rome"}`)},
			},
		},
		StopReason: llm.StopToolUse,
	}
	mock := &mockLLM{responses: []*llm.ChatResponse{turn, final("done")}}
	loop := NewLoop(mock, buildTestManager(t, log), Config{})

	res, err := loop.Run(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "?"}}}, nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if strings.Join(log.names, ",") != "get_current_weather:Oslo,get_current_weather:Rome" {
		t.Errorf("tool order = %v", log.names)
	}
	if res.Rounds != 2 || len(res.ToolCalls) != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestLoop_ToolErrorsDoNotAbort(t *testing.T) {
	tests := []struct {
		name     string
		call     *llm.ChatResponse
		wantText string
	}{
		{
			name:     "unknown tool",
			call:     toolUse("x", "launch_rockets", `{}`),
			wantText: "not found",
		},
		{
			name:     "schema violation",
			call:     toolUse("x", "get_current_weather", `{}`),
			wantText: "city",
		},
		{
			name:     "arguments not an object",
			call:     toolUse("x", "get_current_weather", `[1,2]`),
			wantText: "invalid arguments",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockLLM{responses: []*llm.ChatResponse{tt.call, final("sorry")}}
			loop := NewLoop(mock, buildTestManager(t, &callLog{}), Config{})

			res, err := loop.Run(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "go"}}}, nil)
			if err != nil {
				t.Fatalf("Run() error: %v", err)
			}
			if res.Text != "sorry" || res.StopReason != "end_turn" {
				t.Errorf("result = %+v", res)
			}
			rec := res.ToolCalls[0]
			if !rec.IsError || !strings.Contains(rec.Result, tt.wantText) {
				t.Errorf("record = %+v, want error containing %q", rec, tt.wantText)
			}

			msgs := mock.calls[1].Messages
			toolMsg := msgs[len(msgs)-1]
			if toolMsg.Role != llm.RoleTool || !toolMsg.IsError {
				t.Errorf("tool message = %+v, want error result", toolMsg)
			}
		})
	}
}

func TestLoop_RoundCap(t *testing.T) {
	mock := &mockLLM{}
	for i := 0; i < 10; i++ {
		mock.responses = append(mock.responses, toolUse(fmt.Sprint(i), "get_current_weather", `{"city":"Loop"}`))
	}
	loop := NewLoop(mock, buildTestManager(t, &callLog{}), Config{MaxRounds: 3})

	res, err := loop.Run(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "forever"}}}, nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.StopReason != StopMaxRounds {
		t.Errorf("stop reason = %q, want %q", res.StopReason, StopMaxRounds)
	}
	if res.Rounds != 3 || len(mock.calls) != 3 || len(res.ToolCalls) != 3 {
		t.Errorf("rounds=%d model calls=%d tool calls=%d, want 3 each", res.Rounds, len(mock.calls), len(res.ToolCalls))
	}
}

func TestLoop_DefaultRoundCap(t *testing.T) {
	loop := NewLoop(&mockLLM{}, buildTestManager(t, &callLog{}), Config{})
	if loop.MaxRounds() != 10 {
		t.Errorf("MaxRounds() = %d, want 10", loop.MaxRounds())
	}
}

func TestLoop_ModelError(t *testing.T) {
	mock := &mockLLM{err: errors.New("overloaded")}
	loop := NewLoop(mock, buildTestManager(t, &callLog{}), Config{})

	_, err := loop.Run(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "hi"}}}, nil)
	if err == nil || !strings.Contains(err.Error(), "overloaded") {
		t.Errorf("err = %v, want model error", err)
	}
}

func TestLoop_RequestModelOverride(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{{Message: llm.Message{Content: "ok"}, StopReason: llm.StopEndTurn}}}
	loop := NewLoop(mock, buildTestManager(t, &callLog{}), Config{Model: "default-model"})

	res, err := loop.Run(context.Background(), &Request{Model: "other", Messages: []Message{{Role: "user", Content: "hi"}}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if mock.calls[0].Model != "other" || res.Model != "other" {
		t.Errorf("model = %q / %q, want other", mock.calls[0].Model, res.Model)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateStreaming:    "streaming",
		StateAwaitingTool: "awaiting_tool",
		StateDone:         "done",
		State(9):          "state(9)",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
