// Package llm provides streaming chat clients for the model providers
// that drive the tool-call loop.
package llm

import (
	"encoding/json"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
	IsError    bool       `json:"is_error,omitempty"`     // Tool response reports a failure
}

// ToolCall is a tool-use block requested by the model. Arguments hold
// the raw JSON object the model produced.
type ToolCall struct {
	ID        string          `json:"id,omitempty"` // Provider-assigned ID for tool_result correlation
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolDefinition advertises one callable tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// StopReason explains why the model ended its turn.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopSequence  StopReason = "stop_sequence"
)

// defaultMaxTokens caps a single model response.
const defaultMaxTokens = 4096

// ChatResponse is the unified response from any LLM provider.
// All fields use proper Go types; wire format conversion happens
// at provider boundaries (ollama.go, anthropic.go).
type ChatResponse struct {
	Model      string
	Message    Message
	StopReason StopReason

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	// Duration is the wall time of the request.
	Duration time.Duration
}

// WantsTools reports whether the model stopped to run tools.
func (r *ChatResponse) WantsTools() bool {
	return r.StopReason == StopToolUse && len(r.Message.ToolCalls) > 0
}

// StreamEvent represents a single event in a streaming response.
// Consumers switch on Kind to determine what data is available.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// ToolCall is set for KindToolUse and KindToolCallStart events.
	ToolCall *ToolCall

	// ToolName and ToolResult are set for KindToolCallDone events.
	// ToolError carries the failure text when the tool reported one.
	ToolName   string
	ToolResult string
	ToolError  string

	// Response is set for KindDone events (final summary).
	Response *ChatResponse
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken StreamEventKind = iota

	// KindToolUse fires when a tool-use block is complete in the stream.
	KindToolUse

	// KindToolCallStart fires when the loop begins executing a tool.
	KindToolCallStart

	// KindToolCallDone fires when a tool execution completes.
	KindToolCallDone

	// KindDone signals the stream is complete. Response carries final metadata.
	KindDone
)

// StreamCallback receives streaming events.
type StreamCallback func(event StreamEvent)
