package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrNoProvider is returned when no provider can serve a model.
var ErrNoProvider = errors.New("no provider configured")

// MultiClient routes each request to a provider chosen by model name.
// Models without an explicit route go to the fallback provider.
type MultiClient struct {
	providers map[string]Client // provider name → client
	routes    map[string]string // model name → provider name
	fallback  Client
}

// NewMultiClient creates a router. fallback may be nil, in which case
// only explicitly routed models are served.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		providers: make(map[string]Client),
		routes:    make(map[string]string),
		fallback:  fallback,
	}
}

// AddProvider registers a client under a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.providers[name] = client
}

// AddModel routes a model to a registered provider.
func (m *MultiClient) AddModel(model, provider string) {
	m.routes[model] = provider
}

// Provider reports which registered provider serves model, or "" when
// the fallback does.
func (m *MultiClient) Provider(model string) string {
	if p, ok := m.routes[model]; ok {
		if _, ok := m.providers[p]; ok {
			return p
		}
	}
	return ""
}

func (m *MultiClient) route(model string) (Client, error) {
	if p := m.Provider(model); p != "" {
		return m.providers[p], nil
	}
	if m.fallback == nil {
		return nil, fmt.Errorf("model %q: %w", model, ErrNoProvider)
	}
	return m.fallback, nil
}

// Chat sends a request to the provider serving model.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []ToolDefinition) (*ChatResponse, error) {
	client, err := m.route(model)
	if err != nil {
		return nil, err
	}
	return client.Chat(ctx, model, messages, tools)
}

// ChatStream sends a streaming request to the provider serving model.
func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []ToolDefinition, callback StreamCallback) (*ChatResponse, error) {
	client, err := m.route(model)
	if err != nil {
		return nil, err
	}
	return client.ChatStream(ctx, model, messages, tools, callback)
}

// Ping checks every registered provider and the fallback, joining
// their failures.
func (m *MultiClient) Ping(ctx context.Context) error {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	checked := make(map[Client]bool)
	for _, name := range names {
		c := m.providers[name]
		checked[c] = true
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if m.fallback != nil && !checked[m.fallback] {
		if err := m.fallback.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("fallback: %w", err))
		}
	}
	if len(errs) == 0 && len(checked) == 0 && m.fallback == nil {
		return ErrNoProvider
	}
	return errors.Join(errs...)
}
