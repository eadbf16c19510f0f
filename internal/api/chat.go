package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/nugget/mcphost/internal/agent"
	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/llm"
)

// streamWriteDeadline is extended after every chat stream event so a
// long tool loop does not trip the connection's write deadline.
const streamWriteDeadline = 120 * time.Second

// ChatRequest is the body of POST /v1/chat. Either Message or Messages
// must be set.
type ChatRequest struct {
	Message  string          `json:"message,omitempty"`
	Messages []agent.Message `json:"messages,omitempty"`
	Model    string          `json:"model,omitempty"`
	Stream   bool            `json:"stream,omitempty"`
}

// UsageStats tracks token usage across chat runs.
type UsageStats struct {
	mu           sync.Mutex
	inputTokens  int64
	outputTokens int64
	requests     int64
	toolCalls    int64
	toolErrors   int64
	byStop       map[string]int64
}

// Record adds one loop result.
func (u *UsageStats) Record(res *agent.Result) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.inputTokens += int64(res.InputTokens)
	u.outputTokens += int64(res.OutputTokens)
	u.requests++
	for _, tc := range res.ToolCalls {
		u.toolCalls++
		if tc.IsError {
			u.toolErrors++
		}
	}
	if u.byStop == nil {
		u.byStop = make(map[string]int64)
	}
	u.byStop[res.StopReason]++
}

// UsageSnapshot is a copy-safe snapshot of UsageStats.
type UsageSnapshot struct {
	TotalInputTokens  int64             `json:"total_input_tokens"`
	TotalOutputTokens int64             `json:"total_output_tokens"`
	TotalRequests     int64             `json:"total_requests"`
	ToolCalls         int64             `json:"tool_calls"`
	ToolErrors        int64             `json:"tool_errors"`
	StopReasons       map[string]int64  `json:"stop_reasons"`
	Build             map[string]string `json:"build,omitempty"`
}

// Snapshot returns the current totals.
func (u *UsageStats) Snapshot() UsageSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	stops := make(map[string]int64, len(u.byStop))
	for k, v := range u.byStop {
		stops[k] = v
	}
	return UsageSnapshot{
		TotalInputTokens:  u.inputTokens,
		TotalOutputTokens: u.outputTokens,
		TotalRequests:     u.requests,
		ToolCalls:         u.toolCalls,
		ToolErrors:        u.toolErrors,
		StopReasons:       stops,
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.Snapshot()
	snap.Build = buildinfo.Info()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, snap, s.logger)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "chat is not configured")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	messages := req.Messages
	if strings.TrimSpace(req.Message) != "" {
		messages = append(messages, agent.Message{Role: "user", Content: req.Message})
	}
	if len(messages) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "message or messages is required")
		return
	}
	agentReq := &agent.Request{Messages: messages, Model: req.Model}

	s.logger.Info("chat request",
		"messages", len(messages),
		"model", req.Model,
		"stream", req.Stream,
	)

	if req.Stream {
		s.streamChat(w, r, agentReq)
		return
	}

	res, err := s.chat.Run(r.Context(), agentReq, nil)
	if err != nil {
		s.logger.Error("chat run failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	s.stats.Record(res)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

// Chat stream event types.
const (
	eventToken     = "token"
	eventToolStart = "tool_start"
	eventToolDone  = "tool_done"
	eventDone      = "done"
	eventError     = "error"
)

type toolStartEvent struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type toolDoneEvent struct {
	Name    string `json:"name"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}

// streamChat runs the loop and relays its events as SSE. The final
// event carries the full Result.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req *agent.Request) {
	upgraded, err := sse.Upgrade(w, r)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	rc := http.NewResponseController(w)

	emit := func(typ string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			s.logger.Error("marshal chat event", "type", typ, "error", err)
			return
		}
		msg := &sse.Message{Type: sse.Type(typ)}
		msg.AppendData(string(data))
		if err := send(upgraded, msg); err != nil {
			s.logger.Debug("chat stream write failed", "type", typ, "error", err)
		}
		if err := rc.SetWriteDeadline(time.Now().Add(streamWriteDeadline)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	callback := func(ev llm.StreamEvent) {
		switch ev.Kind {
		case llm.KindToken:
			emit(eventToken, map[string]string{"text": ev.Token})
		case llm.KindToolCallStart:
			if ev.ToolCall != nil {
				emit(eventToolStart, toolStartEvent{
					ID:        ev.ToolCall.ID,
					Name:      ev.ToolCall.Name,
					Arguments: ev.ToolCall.Arguments,
				})
			}
		case llm.KindToolCallDone:
			emit(eventToolDone, toolDoneEvent{
				Name:    ev.ToolName,
				Result:  ev.ToolResult,
				IsError: ev.ToolError != "",
			})
		}
	}

	res, err := s.chat.Run(r.Context(), req, callback)
	if err != nil {
		s.logger.Error("chat run failed", "error", err)
		// Status is already sent; report in-band.
		emit(eventError, map[string]string{"message": err.Error()})
		return
	}
	s.stats.Record(res)
	emit(eventDone, res)
}
