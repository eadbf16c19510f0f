package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/mcphost/internal/mcp"
)

// ContextProvider contributes text to the system prompt of each run.
type ContextProvider interface {
	GetContext(ctx context.Context, userMessage string) (string, error)
}

// CompositeContextProvider combines multiple context providers.
// Each provider's output is concatenated with blank lines.
type CompositeContextProvider struct {
	providers []ContextProvider
	logger    *slog.Logger
}

// NewCompositeContextProvider creates a composite from multiple providers.
func NewCompositeContextProvider(logger *slog.Logger, providers ...ContextProvider) *CompositeContextProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompositeContextProvider{providers: providers, logger: logger}
}

// Add appends a provider to the composite.
func (c *CompositeContextProvider) Add(provider ContextProvider) {
	if provider != nil {
		c.providers = append(c.providers, provider)
	}
}

// GetContext calls all providers and combines their output. A failing
// provider is logged and skipped.
func (c *CompositeContextProvider) GetContext(ctx context.Context, userMessage string) (string, error) {
	var parts []string
	for _, p := range c.providers {
		content, err := p.GetContext(ctx, userMessage)
		if err != nil {
			c.logger.Warn("context provider failed", "error", err)
			continue
		}
		if content != "" {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// StatusSource reports configured MCP servers. *mcp.Manager satisfies it.
type StatusSource interface {
	Servers() []mcp.ServerStatus
}

// ServerStatusProvider tells the model which tool servers are offline
// so it can explain missing capabilities instead of guessing.
type ServerStatusProvider struct {
	source StatusSource
}

// NewServerStatusProvider creates a provider backed by source.
func NewServerStatusProvider(source StatusSource) *ServerStatusProvider {
	return &ServerStatusProvider{source: source}
}

// GetContext lists unreachable servers. It returns an empty string
// when every enabled server is connected.
func (p *ServerStatusProvider) GetContext(context.Context, string) (string, error) {
	var down []string
	for _, s := range p.source.Servers() {
		if s.State != mcp.StateUnreachable {
			continue
		}
		line := fmt.Sprintf("- %s", s.ID)
		if s.LastError != "" {
			line += ": " + s.LastError
		}
		down = append(down, line)
	}
	if len(down) == 0 {
		return "", nil
	}
	return "These tool servers are currently unavailable and their tools are missing:\n" + strings.Join(down, "\n"), nil
}
