package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/jsonschema-go/jsonschema"
)

// ToolHandler executes a tool. Returning an error produces an IsError
// result; the RPC itself still succeeds.
type ToolHandler func(ctx context.Context, args Arguments) (*CallToolResult, error)

// ResourceHandler reads a resource by URI.
type ResourceHandler func(ctx context.Context, uri string) ([]ResourceContents, error)

// PromptHandler renders a prompt from its arguments.
type PromptHandler func(ctx context.Context, args map[string]string) (*GetPromptResult, error)

type serverTool struct {
	tool    Tool
	schema  *jsonschema.Resolved
	handler ToolHandler
}

type serverResource struct {
	resource Resource
	handler  ResourceHandler
}

type serverPrompt struct {
	prompt  Prompt
	handler PromptHandler
}

// Server is an MCP server: a registry of tools, resources and prompts
// plus the JSON-RPC dispatch that serves them. One Server backs any
// number of sessions.
type Server struct {
	info         Implementation
	instructions string
	logger       *slog.Logger

	mu        sync.RWMutex
	tools     map[string]*serverTool
	resources map[string]*serverResource
	prompts   map[string]*serverPrompt
	mounted   ToolProvider
}

// ToolProvider supplies tools resolved at call time instead of
// registered up front. *Manager satisfies it.
type ToolProvider interface {
	AvailableTools() []Tool
	CallTool(ctx context.Context, name string, args Arguments) (*CallToolResult, error)
}

// NewServer creates an empty MCP server.
func NewServer(name, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		info:      Implementation{Name: name, Version: version},
		logger:    logger.With("mcp_server", name),
		tools:     make(map[string]*serverTool),
		resources: make(map[string]*serverResource),
		prompts:   make(map[string]*serverPrompt),
	}
}

// SetInstructions sets the instructions returned from initialize.
func (s *Server) SetInstructions(text string) {
	s.mu.Lock()
	s.instructions = text
	s.mu.Unlock()
}

// Info returns the server's name and version.
func (s *Server) Info() Implementation { return s.info }

// AddTool registers a tool. The input schema is compiled up front so
// arguments can be validated on every call.
func (s *Server) AddTool(tool Tool, handler ToolHandler) error {
	if tool.Name == "" {
		return errors.New("tool name is required")
	}
	if len(tool.InputSchema) == 0 {
		tool.InputSchema = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
		return fmt.Errorf("tool %s: parse input schema: %w", tool.Name, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("tool %s: resolve input schema: %w", tool.Name, err)
	}

	s.mu.Lock()
	s.tools[tool.Name] = &serverTool{tool: tool, schema: resolved, handler: handler}
	s.mu.Unlock()
	return nil
}

// AddResource registers a resource.
func (s *Server) AddResource(res Resource, handler ResourceHandler) {
	s.mu.Lock()
	s.resources[res.URI] = &serverResource{resource: res, handler: handler}
	s.mu.Unlock()
}

// AddPrompt registers a prompt.
func (s *Server) AddPrompt(p Prompt, handler PromptHandler) {
	s.mu.Lock()
	s.prompts[p.Name] = &serverPrompt{prompt: p, handler: handler}
	s.mu.Unlock()
}

// Mount serves every tool of p alongside the registered ones. A
// registered tool shadows a mounted tool of the same name. Argument
// validation is left to p.
func (s *Server) Mount(p ToolProvider) {
	s.mu.Lock()
	s.mounted = p
	s.mu.Unlock()
}

// Tools returns the registered tools sorted by name, followed by any
// mounted tools in the provider's order.
func (s *Server) Tools() []Tool {
	s.mu.RLock()
	out := make([]Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t.tool)
	}
	mounted := s.mounted
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if mounted == nil {
		return out
	}
	seen := make(map[string]bool, len(out))
	for _, t := range out {
		seen[t.Name] = true
	}
	for _, t := range mounted.AvailableTools() {
		if !seen[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

// NewSession returns a stateful session that refuses requests until the
// client has completed initialize.
func (s *Server) NewSession() *ServerSession {
	return &ServerSession{srv: s}
}

// HandleStateless processes msg without handshake gating. It serves
// request/response endpoints where every POST is independent.
func (s *Server) HandleStateless(ctx context.Context, msg *Message) *Message {
	return s.handle(ctx, msg, nil)
}

// ServerSession tracks the handshake state of one client connection.
// It implements Handler.
type ServerSession struct {
	srv         *Server
	initialized atomic.Bool
}

// Initialized reports whether the client completed initialize.
func (ss *ServerSession) Initialized() bool { return ss.initialized.Load() }

// Handle implements Handler.
func (ss *ServerSession) Handle(ctx context.Context, msg *Message) *Message {
	return ss.srv.handle(ctx, msg, ss)
}

// handle dispatches one frame. A nil session means stateless.
func (s *Server) handle(ctx context.Context, msg *Message, ss *ServerSession) (reply *Message) {
	switch {
	case msg == nil:
		return nil
	case msg.Notification != nil:
		s.logger.Debug("MCP notification", "method", msg.Notification.Method)
		return nil
	case msg.Response != nil:
		// We never issue requests to clients.
		return nil
	}

	req := msg.Request
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic handling MCP request", "method", req.Method, "panic", r)
			reply = &Message{Response: NewErrorResponse(req.ID, CodeInternalError, fmt.Sprintf("internal error: %v", r))}
		}
	}()

	if ss != nil && req.Method != "initialize" && req.Method != "ping" && !ss.initialized.Load() {
		return errorReply(req.ID, CodeInternalError, "server not initialized")
	}

	var (
		result any
		rpcErr *RPCError
	)
	switch req.Method {
	case "initialize":
		result, rpcErr = s.initialize(req.Params)
		if rpcErr == nil && ss != nil {
			ss.initialized.Store(true)
		}
	case "ping":
		result = struct{}{}
	case "tools/list":
		result = toolsListResult{Tools: s.Tools()}
	case "tools/call":
		result, rpcErr = s.callTool(ctx, req.Params)
	case "resources/list":
		result = resourcesListResult{Resources: s.resourceList()}
	case "resources/read":
		result, rpcErr = s.readResource(ctx, req.Params)
	case "prompts/list":
		result = promptsListResult{Prompts: s.promptList()}
	case "prompts/get":
		result, rpcErr = s.getPrompt(ctx, req.Params)
	default:
		rpcErr = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}
	}

	if rpcErr != nil {
		return &Message{Response: &Response{JSONRPC: jsonrpcVersion, ID: req.ID, Error: rpcErr}}
	}
	resp, err := NewResponse(req.ID, result)
	if err != nil {
		return errorReply(req.ID, CodeInternalError, err.Error())
	}
	return &Message{Response: resp}
}

func errorReply(id ID, code int, message string) *Message {
	return &Message{Response: NewErrorResponse(id, code, message)}
}

func invalidParams(format string, args ...any) *RPCError {
	return &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func (s *Server) initialize(raw json.RawMessage) (any, *RPCError) {
	var params initializeParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, invalidParams("invalid initialize params: %v", err)
		}
	}
	if params.ProtocolVersion != "" && params.ProtocolVersion != ProtocolVersion {
		return nil, &RPCError{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("unsupported protocol version %q (server supports %q)", params.ProtocolVersion, ProtocolVersion),
		}
	}

	s.mu.RLock()
	caps := ServerCapabilities{Tools: &ListCapability{}}
	if len(s.resources) > 0 {
		caps.Resources = &ListCapability{}
	}
	if len(s.prompts) > 0 {
		caps.Prompts = &ListCapability{}
	}
	instructions := s.instructions
	s.mu.RUnlock()

	s.logger.Info("MCP client initialized",
		"client_name", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
	)
	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    caps,
		ServerInfo:      s.info,
		Instructions:    instructions,
	}, nil
}

func (s *Server) callTool(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid tools/call params: %v", err)
	}
	if params.Name == "" {
		return nil, invalidParams("tool name is required")
	}

	s.mu.RLock()
	t, ok := s.tools[params.Name]
	mounted := s.mounted
	s.mu.RUnlock()

	args, err := ParseArguments(params.Arguments)
	if err != nil {
		return nil, invalidParams("invalid arguments for %s: %v", params.Name, err)
	}
	if !ok {
		if mounted == nil {
			return nil, invalidParams("unknown tool: %s", params.Name)
		}
		return s.callMounted(ctx, mounted, params.Name, args)
	}

	// Schema failures are tool-level errors so a model can correct them.
	if err := t.schema.Validate(args.Any()); err != nil {
		return ErrorResult("invalid arguments for %s: %v", params.Name, err), nil
	}

	s.logger.Debug("tool call", "tool", params.Name)
	res, err := t.handler(ctx, args)
	if err != nil {
		s.logger.Warn("tool failed", "tool", params.Name, "error", err)
		return ErrorResult("%v", err), nil
	}
	if res == nil {
		res = TextResult("")
	}
	if res.Content == nil {
		res.Content = []ContentBlock{}
	}
	return res, nil
}

func (s *Server) callMounted(ctx context.Context, p ToolProvider, name string, args Arguments) (any, *RPCError) {
	res, err := p.CallTool(ctx, name, args)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, invalidParams("unknown tool: %s", name)
	case err != nil:
		s.logger.Warn("mounted tool failed", "tool", name, "error", err)
		return ErrorResult("%v", err), nil
	}
	if res.Content == nil {
		res.Content = []ContentBlock{}
	}
	return res, nil
}

func (s *Server) resourceList() []Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Resource, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, r.resource)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

func (s *Server) readResource(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
	var params readResourceParams
	if err := json.Unmarshal(raw, &params); err != nil || params.URI == "" {
		return nil, invalidParams("resources/read requires a uri")
	}
	s.mu.RLock()
	r, ok := s.resources[params.URI]
	s.mu.RUnlock()
	if !ok {
		return nil, invalidParams("unknown resource: %s", params.URI)
	}
	contents, err := r.handler(ctx, params.URI)
	if err != nil {
		return nil, &RPCError{Code: CodeInternalError, Message: err.Error()}
	}
	return readResourceResult{Contents: contents}, nil
}

func (s *Server) promptList() []Prompt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Prompt, 0, len(s.prompts))
	for _, p := range s.prompts {
		out = append(out, p.prompt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Server) getPrompt(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
	var params getPromptParams
	if err := json.Unmarshal(raw, &params); err != nil || params.Name == "" {
		return nil, invalidParams("prompts/get requires a name")
	}
	s.mu.RLock()
	p, ok := s.prompts[params.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, invalidParams("unknown prompt: %s", params.Name)
	}
	for _, a := range p.prompt.Arguments {
		if _, ok := params.Arguments[a.Name]; a.Required && !ok {
			return nil, invalidParams("prompt %s: missing required argument %q", params.Name, a.Name)
		}
	}
	res, err := p.handler(ctx, params.Arguments)
	if err != nil {
		return nil, &RPCError{Code: CodeInternalError, Message: err.Error()}
	}
	return res, nil
}

// ServeStdio serves one session over newline-delimited JSON-RPC until in
// reaches EOF or ctx is cancelled. Requests are handled concurrently;
// writes to out are serialized.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	ss := s.NewSession()

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)
	write := func(msg *Message) {
		data, err := Encode(msg)
		if err != nil {
			s.logger.Error("encode reply", "error", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := out.Write(append(data, '\n')); err != nil {
			s.logger.Warn("write reply", "error", err)
		}
	}

	scanner := bufio.NewScanner(in)
	// Tool results can be large.
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		msg, err := Decode(line)
		if err != nil {
			code := CodeInvalidRequest
			var perr *ProtocolError
			if errors.As(err, &perr) {
				code = perr.Code()
			}
			write(errorReply(ID{}, code, err.Error()))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if reply := ss.Handle(ctx, msg); reply != nil {
				write(reply)
			}
		}()
	}
	wg.Wait()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdin read error: %w", err)
	}
	return ctx.Err()
}
