package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/nugget/mcphost/internal/mcp"
)

// maxMessageBytes caps a single JSON-RPC submission.
const maxMessageBytes = 4 << 20

// handleSSE opens a session and streams its outbound frames until the
// client disconnects or the session is closed.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "SSE sessions not configured")
		return
	}

	sess, err := s.sessions.Open()
	if err != nil {
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer s.sessions.Remove(sess.ID())

	upgraded, err := sse.Upgrade(w, r)
	if err != nil {
		s.logger.Error("SSE upgrade failed", "error", err)
		return
	}
	logger := s.logger.With("session_id", sess.ID())

	first, err := json.Marshal(mcp.SessionEvent{Type: "session", SessionID: sess.ID()})
	if err != nil {
		logger.Error("marshal session event", "error", err)
		return
	}
	ev := &sse.Message{Type: sse.Type("session")}
	ev.AppendData(string(first))
	if err := send(upgraded, ev); err != nil {
		logger.Debug("client gone before session event", "error", err)
		return
	}

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.Done():
			logger.Debug("session closed by registry")
			return
		case frame := <-sess.Outbound():
			msg := &sse.Message{Type: sse.Type("message")}
			msg.AppendData(string(frame))
			if err := send(upgraded, msg); err != nil {
				logger.Debug("SSE write failed", "error", err)
				return
			}
		case <-ticker.C:
			ping := &sse.Message{}
			ping.AppendComment("keep-alive")
			if err := send(upgraded, ping); err != nil {
				logger.Debug("SSE keep-alive failed", "error", err)
				return
			}
			sess.Touch()
		}
	}
}

func send(sess *sse.Session, msg *sse.Message) error {
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}

// handleMessage hands a JSON-RPC frame to an SSE session. The reply is
// delivered on the session's stream, not in this response.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "SSE sessions not configured")
		return
	}

	id := r.Header.Get(mcp.SessionHeader)
	if id == "" {
		id = r.URL.Query().Get("sessionId")
	}
	if id == "" {
		s.errorResponse(w, http.StatusBadRequest, "missing "+mcp.SessionHeader+" header")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "failed to read body")
		return
	}

	err = s.sessions.Submit(id, body)
	switch {
	case errors.Is(err, mcp.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	case errors.Is(err, mcp.ErrRegistryClosed):
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.rpcError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "sent"}, s.logger)
}

// handleMCP serves one stateless JSON-RPC exchange.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if s.mcp == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "MCP server not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "failed to read body")
		return
	}
	msg, err := mcp.Decode(body)
	if err != nil {
		s.rpcError(w, err)
		return
	}

	reply := s.mcp.HandleStateless(r.Context(), msg)
	if reply == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	data, err := mcp.Encode(reply)
	if err != nil {
		s.logger.Error("encode MCP reply", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to encode reply")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("failed to write MCP reply", "error", err)
	}
}

// rpcError answers a frame that never reached the protocol handler with
// a JSON-RPC error object. The id is null since the frame could not be
// trusted to carry one.
func (s *Server) rpcError(w http.ResponseWriter, err error) {
	code := mcp.CodeInternalError
	var pe *mcp.ProtocolError
	if errors.As(err, &pe) {
		code = pe.Code()
	}
	data, encErr := mcp.Encode(&mcp.Message{Response: mcp.NewErrorResponse(mcp.ID{}, code, err.Error())})
	if encErr != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("failed to write error reply", "error", err)
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	ids := []string{}
	if s.sessions != nil {
		ids = append(ids, s.sessions.IDs()...)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"sessions": ids,
		"count":    len(ids),
	}, s.logger)
}
