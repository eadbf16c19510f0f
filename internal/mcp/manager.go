package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/mcphost/internal/metrics"
)

// TransportKind selects how a server is reached.
type TransportKind string

const (
	TransportSubprocess TransportKind = "subprocess"
	TransportRemote     TransportKind = "remote"
	TransportLocal      TransportKind = "local"
)

// Server lifecycle states reported by Servers.
const (
	StateConnecting  = "connecting"
	StateConnected   = "connected"
	StateUnreachable = "unreachable"
	StateDisabled    = "disabled"
)

// StateNamespace is the StateStore namespace for enable/disable toggles.
const StateNamespace = "mcp_servers"

// ServerConfig describes one tool server.
type ServerConfig struct {
	// ID uniquely identifies the server within a Manager.
	ID string

	// Name is a display name. Defaults to ID.
	Name string

	// Transport is subprocess, remote or local.
	Transport TransportKind

	// Subprocess settings.
	Command string
	Args    []string
	Env     []string
	Dir     string

	// Remote settings. Stateless selects the synchronous POST endpoint
	// instead of an SSE stream.
	URL       string
	Headers   map[string]string
	Stateless bool

	// Provider names an in-process server registered in
	// ManagerConfig.Providers (local transport).
	Provider string

	// Enabled controls whether the server's tools are routable.
	Enabled bool

	// Include and Exclude filter the server's tools by their own names.
	Include []string
	Exclude []string
}

// StateStore persists small key/value settings. opstate.Store
// satisfies it.
type StateStore interface {
	Get(namespace, key string) (string, error)
	Set(namespace, key, value string) error
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Policy resolves tool-name collisions. Default FirstWins.
	Policy CollisionPolicy

	// CallTimeout is the per-request timeout of every client. Default 30s.
	CallTimeout time.Duration

	// Providers are in-process servers reachable by the local transport.
	Providers map[string]*Server

	// State, if set, persists enable/disable toggles. Persisted values
	// override ServerConfig.Enabled.
	State StateStore

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServerStatus summarizes one configured server.
type ServerStatus struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Transport  TransportKind   `json:"transport"`
	State      string          `json:"state"`
	Enabled    bool            `json:"enabled"`
	Tools      int             `json:"tools"`
	LastError  string          `json:"last_error,omitempty"`
	ServerInfo *Implementation `json:"server_info,omitempty"`
}

type serverEntry struct {
	cfg       ServerConfig
	enabled   bool
	state     string
	client    *Client
	tools     []Tool
	lastErr   error
	removed   bool
	connectMu sync.Mutex // serializes connect attempts
}

type route struct {
	entry *serverEntry
	tool  string
}

// Manager owns a set of MCP clients and routes tool calls across them
// through a merged catalog. The catalog is rebuilt on every mutation.
type Manager struct {
	policy      CollisionPolicy
	callTimeout time.Duration
	providers   map[string]*Server
	state       StateStore
	logger      *slog.Logger

	mu      sync.RWMutex
	order   []string
	servers map[string]*serverEntry
	catalog []CatalogEntry
	routes  map[string]route
}

// NewManager creates an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.Policy
	if policy == "" {
		policy = FirstWins
	}
	return &Manager{
		policy:      policy,
		callTimeout: cfg.CallTimeout,
		providers:   cfg.Providers,
		state:       cfg.State,
		logger:      logger.With("component", "mcp_manager"),
		servers:     make(map[string]*serverEntry),
		catalog:     []CatalogEntry{},
		routes:      make(map[string]route),
	}
}

// AddServer validates cfg, connects, and merges the server's tools into
// the catalog. A server that fails to connect stays registered as
// unreachable and contributes no tools; the error is returned for
// logging. Configuration errors leave nothing registered.
func (m *Manager) AddServer(ctx context.Context, cfg ServerConfig) error {
	e, err := m.reserve(cfg)
	if err != nil {
		return err
	}
	if !e.enabled {
		return nil
	}
	return m.connect(ctx, e)
}

// AddServers registers cfgs in order and connects the enabled ones
// concurrently. Catalog precedence follows the order of cfgs, not
// connection speed. Every failure is returned joined; none stops the
// others.
func (m *Manager) AddServers(ctx context.Context, cfgs []ServerConfig) error {
	var (
		errsMu sync.Mutex
		errs   []error
	)
	record := func(err error) {
		errsMu.Lock()
		errs = append(errs, err)
		errsMu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(8)
	for _, cfg := range cfgs {
		e, err := m.reserve(cfg)
		if err != nil {
			record(err)
			continue
		}
		if !e.enabled {
			continue
		}
		g.Go(func() error {
			if err := m.connect(ctx, e); err != nil {
				record(err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// reserve validates cfg and registers its entry at the end of the
// registration order.
func (m *Manager) reserve(cfg ServerConfig) (*serverEntry, error) {
	if err := m.validate(cfg); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}

	enabled := cfg.Enabled
	if m.state != nil {
		switch v, err := m.state.Get(StateNamespace, cfg.ID); {
		case err != nil:
			m.logger.Warn("failed to read persisted server toggle", "server", cfg.ID, "error", err)
		case v == "enabled":
			enabled = true
		case v == "disabled":
			enabled = false
		}
	}

	e := &serverEntry{cfg: cfg, enabled: enabled, state: StateConnecting}
	if !enabled {
		e.state = StateDisabled
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.servers[cfg.ID]; dup {
		return nil, &ConfigurationError{Server: cfg.ID, Reason: "duplicate server id"}
	}
	m.servers[cfg.ID] = e
	m.order = append(m.order, cfg.ID)
	m.updateGaugesLocked()
	return e, nil
}

func (m *Manager) validate(cfg ServerConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return &ConfigurationError{Reason: "server id is required"}
	}
	switch cfg.Transport {
	case TransportSubprocess:
		if cfg.Command == "" {
			return &ConfigurationError{Server: cfg.ID, Reason: "subprocess transport requires a command"}
		}
	case TransportRemote:
		if cfg.URL == "" {
			return &ConfigurationError{Server: cfg.ID, Reason: "remote transport requires a url"}
		}
	case TransportLocal:
		if _, ok := m.providers[cfg.Provider]; !ok {
			return &ConfigurationError{Server: cfg.ID, Reason: fmt.Sprintf("unknown local provider %q", cfg.Provider)}
		}
	default:
		return &ConfigurationError{Server: cfg.ID, Reason: fmt.Sprintf("unknown transport kind %q", cfg.Transport)}
	}
	return nil
}

func (m *Manager) newTransport(cfg ServerConfig) Transport {
	logger := m.logger.With("mcp_server", cfg.ID)
	switch cfg.Transport {
	case TransportSubprocess:
		return NewStdioTransport(StdioConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
			Dir:     cfg.Dir,
			Logger:  logger,
		})
	case TransportRemote:
		if cfg.Stateless {
			return NewHTTPTransport(HTTPConfig{URL: cfg.URL, Headers: cfg.Headers, Logger: logger})
		}
		return NewSSETransport(SSEConfig{URL: cfg.URL, Headers: cfg.Headers, Logger: logger})
	default:
		return NewLocalTransport(m.providers[cfg.Provider].NewSession())
	}
}

// connect builds a fresh client for e, performs the handshake and lists
// tools. On failure e is marked unreachable.
func (m *Manager) connect(ctx context.Context, e *serverEntry) error {
	e.connectMu.Lock()
	defer e.connectMu.Unlock()

	m.mu.RLock()
	if e.removed || (e.client != nil && e.state == StateConnected) {
		m.mu.RUnlock()
		return nil
	}
	cfg := e.cfg
	m.mu.RUnlock()

	id := cfg.ID
	client := NewClient(id, m.newTransport(cfg), m.logger,
		WithCallTimeout(m.callTimeout),
		WithNotificationHandler(func(method string, _ json.RawMessage) {
			if method == "notifications/tools/list_changed" {
				go m.refreshLogged(id)
			}
		}),
	)

	tools, err := func() ([]Tool, error) {
		info, err := client.Initialize(ctx)
		if err != nil {
			return nil, err
		}
		if info.Capabilities.Tools == nil {
			return []Tool{}, nil
		}
		return client.ListTools(ctx)
	}()
	if err != nil {
		client.Close()
		m.mu.Lock()
		e.lastErr = err
		if !e.removed {
			e.state = StateUnreachable
			if !e.enabled {
				e.state = StateDisabled
			}
			m.updateGaugesLocked()
		}
		m.mu.Unlock()
		m.logger.Warn("MCP server unreachable", "server", id, "error", err)
		return fmt.Errorf("connect %s: %w", id, err)
	}

	m.mu.Lock()
	if e.removed {
		m.mu.Unlock()
		client.Close()
		return nil
	}
	old := e.client
	e.client = client
	e.tools = filterTools(tools, cfg.Include, cfg.Exclude)
	e.lastErr = nil
	e.state = StateConnected
	if !e.enabled {
		e.state = StateDisabled
	}
	m.rebuildLocked()
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	m.logger.Info("MCP server connected", "server", id, "tools", len(e.tools))
	return nil
}

// RemoveServer closes the server's client and drops its tools.
func (m *Manager) RemoveServer(id string) error {
	m.mu.Lock()
	e, ok := m.servers[id]
	if !ok {
		m.mu.Unlock()
		return &NotFoundError{Kind: "server", Name: id}
	}
	delete(m.servers, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	e.removed = true
	client := e.client
	e.client = nil
	m.rebuildLocked()
	m.mu.Unlock()

	if client != nil {
		client.Close()
	}
	m.logger.Info("MCP server removed", "server", id)
	return nil
}

// ToggleServer enables or disables a server. Disabling hides its tools
// but keeps the client; enabling a server that was never connected
// connects it now. The toggle is persisted when a StateStore is set.
func (m *Manager) ToggleServer(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	e, ok := m.servers[id]
	if !ok {
		m.mu.Unlock()
		return &NotFoundError{Kind: "server", Name: id}
	}
	e.enabled = enabled
	needConnect := enabled && e.client == nil
	switch {
	case !enabled:
		e.state = StateDisabled
	case e.client != nil:
		e.state = StateConnected
	default:
		e.state = StateConnecting
	}
	m.rebuildLocked()
	m.mu.Unlock()

	if m.state != nil {
		value := "disabled"
		if enabled {
			value = "enabled"
		}
		if err := m.state.Set(StateNamespace, id, value); err != nil {
			m.logger.Warn("failed to persist server toggle", "server", id, "error", err)
		}
	}
	m.logger.Info("MCP server toggled", "server", id, "enabled", enabled)

	if needConnect {
		return m.connect(ctx, e)
	}
	return nil
}

// Refresh re-lists a connected server's tools.
func (m *Manager) Refresh(ctx context.Context, id string) error {
	m.mu.RLock()
	e, ok := m.servers[id]
	var client *Client
	if ok {
		client = e.client
	}
	m.mu.RUnlock()
	if !ok {
		return &NotFoundError{Kind: "server", Name: id}
	}
	if client == nil {
		return &StateError{Kind: ErrNotInitialized, Op: "refresh " + id}
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", id, err)
	}

	m.mu.Lock()
	if !e.removed && e.client == client {
		e.tools = filterTools(tools, e.cfg.Include, e.cfg.Exclude)
		m.rebuildLocked()
	}
	m.mu.Unlock()
	m.logger.Info("MCP tools refreshed", "server", id, "tools", len(tools))
	return nil
}

func (m *Manager) refreshLogged(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout())
	defer cancel()
	if err := m.Refresh(ctx, id); err != nil {
		m.logger.Warn("failed to refresh tools after list change", "server", id, "error", err)
	}
}

// Probe checks one server for connwatch: a connected server is pinged
// (and marked unreachable on failure), an unreachable one is
// reconnected. Disabled servers report healthy without traffic.
func (m *Manager) Probe(ctx context.Context, id string) error {
	m.mu.RLock()
	e, ok := m.servers[id]
	var (
		client  *Client
		enabled bool
	)
	if ok {
		client, enabled = e.client, e.enabled
	}
	m.mu.RUnlock()

	switch {
	case !ok:
		return &NotFoundError{Kind: "server", Name: id}
	case !enabled:
		return nil
	case client == nil:
		return m.connect(ctx, e)
	}

	if err := client.Ping(ctx); err != nil {
		m.mu.Lock()
		if e.client == client {
			e.client = nil
			e.tools = nil
			e.lastErr = err
			e.state = StateUnreachable
			m.rebuildLocked()
		}
		m.mu.Unlock()
		client.Close()
		return fmt.Errorf("ping %s: %w", id, err)
	}
	return nil
}

// CallTool routes a call to the enabled server that owns name in the
// catalog. Tool-level failures come back as IsError results.
func (m *Manager) CallTool(ctx context.Context, name string, args Arguments) (*CallToolResult, error) {
	m.mu.RLock()
	r, ok := m.routes[name]
	var client *Client
	if ok && r.entry.enabled {
		client = r.entry.client
	}
	m.mu.RUnlock()

	if client == nil {
		metrics.ToolCallsTotal.WithLabelValues("", name, "not_found").Inc()
		return nil, &NotFoundError{Kind: "tool", Name: name}
	}

	server := r.entry.cfg.ID
	res, err := client.CallTool(ctx, r.tool, args)
	switch {
	case err != nil:
		metrics.ToolCallsTotal.WithLabelValues(server, r.tool, "failed").Inc()
		return nil, err
	case res.IsError:
		metrics.ToolCallsTotal.WithLabelValues(server, r.tool, "tool_error").Inc()
	default:
		metrics.ToolCallsTotal.WithLabelValues(server, r.tool, "ok").Inc()
	}
	return res, nil
}

// AvailableTools returns a copy of the routable catalog. It changes
// whenever servers are added, removed, toggled or refreshed.
func (m *Manager) AvailableTools() []Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Tool, len(m.catalog))
	for i, e := range m.catalog {
		out[i] = e.Tool
	}
	return out
}

// Catalog returns the routable catalog with owning servers.
func (m *Manager) Catalog() []CatalogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]CatalogEntry(nil), m.catalog...)
}

// Servers returns a status summary for every server in registration
// order.
func (m *Manager) Servers() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerStatus, 0, len(m.order))
	for _, id := range m.order {
		e := m.servers[id]
		st := ServerStatus{
			ID:        id,
			Name:      e.cfg.Name,
			Transport: e.cfg.Transport,
			State:     e.state,
			Enabled:   e.enabled,
			Tools:     len(e.tools),
		}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
		if e.client != nil {
			if info := e.client.ServerInfo(); info != nil {
				si := info.ServerInfo
				st.ServerInfo = &si
			}
		}
		out = append(out, st)
	}
	return out
}

// Close closes every client concurrently.
func (m *Manager) Close() error {
	m.mu.Lock()
	var clients []*Client
	for _, e := range m.servers {
		if e.client != nil {
			clients = append(clients, e.client)
			e.client = nil
		}
		e.removed = true
	}
	m.servers = make(map[string]*serverEntry)
	m.order = nil
	m.rebuildLocked()
	m.mu.Unlock()

	var g errgroup.Group
	for _, c := range clients {
		g.Go(c.Close)
	}
	return g.Wait()
}

func (m *Manager) timeout() time.Duration {
	if m.callTimeout > 0 {
		return m.callTimeout
	}
	return DefaultCallTimeout
}

// rebuildLocked recomputes the catalog from enabled, connected servers
// in registration order. Callers hold m.mu.
func (m *Manager) rebuildLocked() {
	sources := make([]catalogSource, 0, len(m.order))
	for _, id := range m.order {
		e := m.servers[id]
		if !e.enabled || e.client == nil {
			continue
		}
		sources = append(sources, catalogSource{server: id, tools: e.tools})
	}

	entries, index, shadowed := buildCatalog(m.policy, sources)
	for _, s := range shadowed {
		m.logger.Debug("tool name collision, entry shadowed",
			"tool", s.Tool.Name,
			"server", s.Server,
			"policy", string(m.policy),
		)
	}

	routes := make(map[string]route, len(index))
	for name, pos := range index {
		ce := entries[pos]
		routes[name] = route{entry: m.servers[ce.Server], tool: ce.Original}
	}
	m.catalog = entries
	m.routes = routes
	m.updateGaugesLocked()
}

func (m *Manager) updateGaugesLocked() {
	counts := map[string]int{
		StateConnecting:  0,
		StateConnected:   0,
		StateUnreachable: 0,
		StateDisabled:    0,
	}
	for _, e := range m.servers {
		counts[e.state]++
	}
	for state, n := range counts {
		metrics.ServersByState.WithLabelValues(state).Set(float64(n))
	}
}
