// Package agent implements the tool-call loop that lets a model drive
// the merged MCP tool catalog.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/llm"
	"github.com/nugget/mcphost/internal/mcp"
	"github.com/nugget/mcphost/internal/metrics"
)

// StopMaxRounds is the stop reason reported when the round cap ends a
// run before the model finished.
const StopMaxRounds = "max_rounds"

// ToolRouter executes tools by catalog name. *mcp.Manager satisfies it.
type ToolRouter interface {
	AvailableTools() []mcp.Tool
	CallTool(ctx context.Context, name string, args mcp.Arguments) (*mcp.CallToolResult, error)
}

// State is the loop's position in the streaming/tool cycle.
type State int

const (
	StateStreaming State = iota
	StateAwaitingTool
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateAwaitingTool:
		return "awaiting_tool"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Message is a chat message as accepted by the HTTP surface.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Request is one run of the loop.
type Request struct {
	Messages []Message `json:"messages"`
	Model    string    `json:"model,omitempty"`
}

// ToolCallRecord is the audit entry for one executed tool call.
type ToolCallRecord struct {
	ID        string        `json:"id,omitempty"`
	ToolName  string        `json:"tool_name"`
	Arguments mcp.Arguments `json:"arguments"`
	Result    string        `json:"result"`
	IsError   bool          `json:"is_error"`
	Round     int           `json:"round"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// Result is the outcome of a loop run.
type Result struct {
	Text         string           `json:"text"`
	Model        string           `json:"model"`
	StopReason   string           `json:"stop_reason"`
	Rounds       int              `json:"rounds"`
	ToolCalls    []ToolCallRecord `json:"tool_calls,omitempty"`
	InputTokens  int              `json:"input_tokens"`
	OutputTokens int              `json:"output_tokens"`

	// Messages is the full conversation including tool turns, ready to
	// be sent back for a follow-up request.
	Messages []llm.Message `json:"-"`
}

// Config configures a Loop.
type Config struct {
	Model        string
	SystemPrompt string
	// MaxRounds bounds model rounds per run. Zero means
	// config.DefaultMaxRounds.
	MaxRounds int
	// Context, if set, contributes to the system prompt on every run.
	Context ContextProvider
	Logger  *slog.Logger
}

// Loop alternates between streaming a model response and executing the
// tool calls it requests until the model ends its turn.
type Loop struct {
	logger       *slog.Logger
	llm          llm.Client
	tools        ToolRouter
	context      ContextProvider
	model        string
	systemPrompt string
	maxRounds    int
}

// NewLoop creates a loop that routes tool calls through tools.
func NewLoop(client llm.Client, tools ToolRouter, cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRounds := cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = config.DefaultMaxRounds
	}
	return &Loop{
		logger:       logger,
		llm:          client,
		tools:        tools,
		context:      cfg.Context,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		maxRounds:    maxRounds,
	}
}

// MaxRounds returns the configured round cap.
func (l *Loop) MaxRounds() int { return l.maxRounds }

// Run executes the loop for req. If stream is non-nil it receives model
// tokens, completed tool-use blocks, tool start/done events and a final
// KindDone event. Tool failures are reported to the model as error
// results and never end the run; model errors do.
func (l *Loop) Run(ctx context.Context, req *Request, stream llm.StreamCallback) (*Result, error) {
	model := req.Model
	if model == "" {
		model = l.model
	}

	messages := l.buildMessages(ctx, req.Messages)
	defs := toolDefinitions(l.tools.AvailableTools())

	log := l.logger.With("model", model)
	log.Info("loop started", "messages", len(req.Messages), "tools", len(defs), "max_rounds", l.maxRounds)

	res := &Result{Model: model}
	state := StateStreaming

	for state != StateDone {
		if res.Rounds >= l.maxRounds {
			log.Warn("round cap reached", "rounds", res.Rounds)
			res.StopReason = StopMaxRounds
			break
		}
		res.Rounds++
		round := res.Rounds

		resp, err := l.llm.ChatStream(ctx, model, messages, defs, forwardModelEvents(stream))
		if err != nil {
			metrics.LoopRunsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("model round %d: %w", round, err)
		}
		if resp.Model != "" {
			res.Model = resp.Model
		}
		res.InputTokens += resp.InputTokens
		res.OutputTokens += resp.OutputTokens
		res.Text = resp.Message.Content

		msg := resp.Message
		msg.Role = llm.RoleAssistant
		messages = append(messages, msg)

		if !resp.WantsTools() {
			res.StopReason = string(resp.StopReason)
			state = StateDone
			continue
		}

		state = StateAwaitingTool
		log.Debug("executing tools", "round", round, "count", len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			rec := l.executeTool(ctx, tc, round, stream)
			res.ToolCalls = append(res.ToolCalls, rec)
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    rec.Result,
				ToolCallID: tc.ID,
				IsError:    rec.IsError,
			})
		}
		state = StateStreaming
	}

	res.Messages = messages
	metrics.LoopRunsTotal.WithLabelValues(res.StopReason).Inc()
	metrics.LoopRounds.Observe(float64(res.Rounds))

	log.Info("loop finished",
		"stop_reason", res.StopReason,
		"rounds", res.Rounds,
		"tool_calls", len(res.ToolCalls),
		"input_tokens", res.InputTokens,
		"output_tokens", res.OutputTokens,
	)

	if stream != nil {
		stream(llm.StreamEvent{Kind: llm.KindDone, Response: &llm.ChatResponse{
			Model:        res.Model,
			Message:      llm.Message{Role: llm.RoleAssistant, Content: res.Text},
			StopReason:   llm.StopReason(res.StopReason),
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
		}})
	}
	return res, nil
}

// executeTool runs one tool-use block. Bad arguments, unknown tools and
// transport failures all become error results for the model.
func (l *Loop) executeTool(ctx context.Context, tc llm.ToolCall, round int, stream llm.StreamCallback) ToolCallRecord {
	rec := ToolCallRecord{
		ID:        tc.ID,
		ToolName:  tc.Name,
		Round:     round,
		Timestamp: time.Now(),
	}
	if stream != nil {
		call := tc
		stream(llm.StreamEvent{Kind: llm.KindToolCallStart, ToolCall: &call})
	}

	args, err := mcp.ParseArguments(tc.Arguments)
	if err != nil {
		rec.Result = fmt.Sprintf("invalid arguments for %s: %v", tc.Name, err)
		rec.IsError = true
	} else {
		rec.Arguments = args
		result, err := l.tools.CallTool(ctx, tc.Name, args)
		switch {
		case err != nil:
			rec.Result = err.Error()
			rec.IsError = true
		default:
			rec.Result = result.Text()
			rec.IsError = result.IsError
		}
	}
	rec.Duration = time.Since(rec.Timestamp)

	l.logger.Debug("tool call finished",
		"tool", tc.Name,
		"round", round,
		"is_error", rec.IsError,
		"elapsed", rec.Duration,
	)
	l.logger.Log(ctx, config.LevelTrace, "tool result", "tool", tc.Name, "result", rec.Result)

	if stream != nil {
		ev := llm.StreamEvent{Kind: llm.KindToolCallDone, ToolName: tc.Name, ToolResult: rec.Result}
		if rec.IsError {
			ev.ToolError = rec.Result
		}
		stream(ev)
	}
	return rec
}

// buildMessages prepends the system prompt, with any provider context,
// to the request messages.
func (l *Loop) buildMessages(ctx context.Context, in []Message) []llm.Message {
	system := l.systemPrompt
	if l.context != nil {
		var last string
		for i := len(in) - 1; i >= 0; i-- {
			if in[i].Role == llm.RoleUser {
				last = in[i].Content
				break
			}
		}
		extra, err := l.context.GetContext(ctx, last)
		if err != nil {
			l.logger.Warn("context provider failed", "error", err)
		}
		if extra != "" {
			if system != "" {
				system += "\n\n"
			}
			system += extra
		}
	}

	out := make([]llm.Message, 0, len(in)+1)
	if system != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	for _, m := range in {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// forwardModelEvents passes model tokens and tool-use blocks through
// to stream. The loop emits its own KindDone once the run ends. The
// returned callback is never nil so the model is always streamed.
func forwardModelEvents(stream llm.StreamCallback) llm.StreamCallback {
	return func(ev llm.StreamEvent) {
		if stream == nil || ev.Kind == llm.KindDone {
			return
		}
		stream(ev)
	}
}

func toolDefinitions(tools []mcp.Tool) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return defs
}
