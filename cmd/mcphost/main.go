// mcphost connects a language model to Model Context Protocol tool
// servers.
//
// It starts the configured MCP servers (subprocesses, remote HTTP+SSE
// endpoints, and in-process providers), merges their tools into one
// catalog, and serves that catalog over MCP together with a chat
// endpoint that runs the tool-call loop. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	mcphost serve              Start the API server
//	mcphost init [dir]         Write an example config
//	mcphost ask <question>     Ask a single question through the tool loop
//	mcphost tools              List the merged tool catalog
//	mcphost version            Print version and build information
//	mcphost -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nugget/mcphost/internal/agent"
	"github.com/nugget/mcphost/internal/api"
	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/connwatch"
	"github.com/nugget/mcphost/internal/llm"
	"github.com/nugget/mcphost/internal/mcp"
	"github.com/nugget/mcphost/internal/opstate"
	"github.com/nugget/mcphost/internal/weather"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; command
// output also goes to stdout, errors to the caller. Arguments are parsed
// by hand to keep run free of flag package globals.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: mcphost ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcphost - Model Context Protocol tool host")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcphost [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question through the tool loop")
	fmt.Fprintln(w, "  tools        List the merged tool catalog")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/mcphost/config.yaml, /etc/mcphost/config.yaml")
	return nil
}

// host bundles the long-lived pieces every subcommand shares.
type host struct {
	cfg     *config.Config
	manager *mcp.Manager
	state   *opstate.Store
	logger  *slog.Logger
}

// startHost opens the settings store, builds the in-process providers,
// and connects every configured server. Servers that fail to connect
// are logged and left unreachable.
func startHost(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*host, error) {
	h := &host{cfg: cfg, logger: logger}

	var state mcp.StateStore
	if cfg.DataDir != "" {
		store, err := opstate.Open(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open settings store: %w", err)
		}
		h.state = store
		state = store
		if err := pruneToggles(store, cfg.MCP.Servers, logger); err != nil {
			logger.Warn("failed to prune stale server toggles", "error", err)
		}
	}

	providers, err := localProviders(cfg, logger)
	if err != nil {
		h.close()
		return nil, err
	}

	policy, err := mcp.ParseCollisionPolicy(cfg.MCP.CollisionPolicy)
	if err != nil {
		h.close()
		return nil, err
	}

	h.manager = mcp.NewManager(mcp.ManagerConfig{
		Policy:      policy,
		CallTimeout: cfg.MCP.CallTimeout,
		Providers:   providers,
		State:       state,
		Logger:      logger,
	})

	if err := h.manager.AddServers(ctx, serverConfigs(cfg.MCP.Servers)); err != nil {
		logger.Warn("some MCP servers are unavailable", "error", err)
	}
	logger.Info("MCP catalog ready",
		"servers", len(cfg.MCP.Servers),
		"tools", len(h.manager.AvailableTools()),
		"policy", policy,
	)
	return h, nil
}

// pruneToggles forgets persisted enable/disable toggles of servers that
// are no longer configured.
func pruneToggles(store *opstate.Store, servers []config.ServerConfig, logger *slog.Logger) error {
	entries, err := store.List(mcp.StateNamespace)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(servers))
	for _, s := range servers {
		known[s.ID] = true
	}
	for _, e := range entries {
		if known[e.Key] {
			continue
		}
		if err := store.Delete(mcp.StateNamespace, e.Key); err != nil {
			return err
		}
		logger.Info("forgot toggle of removed MCP server", "server", e.Key, "enabled", e.Value)
	}
	return nil
}

func (h *host) close() {
	if h.manager != nil {
		if err := h.manager.Close(); err != nil {
			h.logger.Warn("error closing MCP servers", "error", err)
		}
	}
	if h.state != nil {
		if err := h.state.Close(); err != nil {
			h.logger.Warn("error closing settings store", "error", err)
		}
	}
}

// localProviders builds the in-process servers the local transport can
// mount.
func localProviders(cfg *config.Config, logger *slog.Logger) (map[string]*mcp.Server, error) {
	units, err := weather.ParseUnits(cfg.Weather.Units)
	if err != nil {
		return nil, fmt.Errorf("weather.units: %w", err)
	}
	wc := weather.NewClient(cfg.Weather.BaseURL, cfg.Weather.APIKey, logger)
	wc.SetDefaultUnits(units)
	if wc.Demo() {
		logger.Info("weather provider in demo mode (simulated data)")
	}
	srv, err := weather.NewServer(wc, logger)
	if err != nil {
		return nil, fmt.Errorf("weather provider: %w", err)
	}
	return map[string]*mcp.Server{config.DefaultWeatherProvider: srv}, nil
}

// serverConfigs converts the YAML server entries to manager configs.
func serverConfigs(in []config.ServerConfig) []mcp.ServerConfig {
	out := make([]mcp.ServerConfig, 0, len(in))
	for _, s := range in {
		out = append(out, mcp.ServerConfig{
			ID:        s.ID,
			Name:      s.Name,
			Transport: mcp.TransportKind(s.Transport),
			Command:   s.Command,
			Args:      s.Args,
			Env:       s.Env,
			Dir:       s.Dir,
			URL:       s.URL,
			Headers:   s.Headers,
			Stateless: s.Stateless,
			Provider:  s.Provider,
			Enabled:   s.IsEnabled(),
			Include:   s.Include,
			Exclude:   s.Exclude,
		})
	}
	return out
}

// newLoop wires the tool-call loop to the manager.
func newLoop(h *host) (*agent.Loop, error) {
	client, err := createLLMClient(h.cfg, h.logger)
	if err != nil {
		return nil, err
	}
	model := h.cfg.Loop.Model
	if model == "" {
		model = llm.DefaultAnthropicModel
	}
	ctxProvider := agent.NewCompositeContextProvider(h.logger, agent.NewServerStatusProvider(h.manager))
	return agent.NewLoop(client, h.manager, agent.Config{
		Model:        model,
		SystemPrompt: h.cfg.Loop.SystemPrompt,
		MaxRounds:    h.cfg.Loop.MaxRounds,
		Context:      ctxProvider,
		Logger:       h.logger,
	}), nil
}

// createLLMClient builds a multi-provider client. Models listed under
// ollama.models go to Ollama; everything else goes to Anthropic when a
// key is configured, otherwise to Ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	ollamaClient := llm.NewOllamaClient(cfg.Ollama.URL, logger)

	var fallback llm.Client = ollamaClient
	var anthropicClient *llm.AnthropicClient
	if cfg.Anthropic.APIKey != "" {
		anthropicClient = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger,
			llm.WithBaseURL(cfg.Anthropic.BaseURL),
			llm.WithMaxTokens(cfg.Anthropic.MaxTokens),
		)
		fallback = anthropicClient
	}

	multi := llm.NewMultiClient(fallback)
	multi.AddProvider("ollama", ollamaClient)
	if anthropicClient != nil {
		multi.AddProvider("anthropic", anthropicClient)
	}
	for _, m := range cfg.Ollama.Models {
		multi.AddModel(m, "ollama")
	}

	if anthropicClient == nil && len(cfg.Ollama.Models) == 0 && cfg.Ollama.URL == "" {
		return nil, errors.New("no model provider configured: set anthropic.api_key (or ANTHROPIC_API_KEY) or ollama.url")
	}
	logger.Info("LLM client initialized",
		"anthropic", anthropicClient != nil,
		"ollama_models", len(cfg.Ollama.Models),
	)
	return multi, nil
}

// runAsk runs one question through the tool loop, streaming the answer
// to stdout.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Keep stdout for the answer; logs go to stderr.
	logger := configuredLogger(stderr, cfg)

	h, err := startHost(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer h.close()

	loop, err := newLoop(h)
	if err != nil {
		return err
	}

	question := strings.Join(args, " ")
	stream := func(ev llm.StreamEvent) {
		switch ev.Kind {
		case llm.KindToken:
			fmt.Fprint(stdout, ev.Token)
		case llm.KindToolCallStart:
			if ev.ToolCall != nil {
				fmt.Fprintf(stderr, "→ %s %s\n", ev.ToolCall.Name, ev.ToolCall.Arguments)
			}
		case llm.KindToolCallDone:
			if ev.ToolError != "" {
				fmt.Fprintf(stderr, "✗ %s: %s\n", ev.ToolName, ev.ToolError)
			}
		}
	}

	res, err := loop.Run(ctx, &agent.Request{
		Messages: []agent.Message{{Role: "user", Content: question}},
	}, stream)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout)
	if res.StopReason == agent.StopMaxRounds {
		fmt.Fprintf(stderr, "stopped after %d rounds\n", res.Rounds)
	}
	return nil
}

// runTools prints the merged catalog.
func runTools(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	h, err := startHost(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer h.close()

	entries := h.manager.Catalog()
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"tools":   entries,
			"servers": h.manager.Servers(),
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Tool.Name < entries[j].Tool.Name })
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tSERVER\tDESCRIPTION")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Tool.Name, e.Server, e.Tool.Description)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, st := range h.manager.Servers() {
		if st.State != mcp.StateConnected {
			fmt.Fprintf(stdout, "\n%s: %s %s", st.ID, st.State, st.LastError)
		}
	}
	fmt.Fprintln(stdout)
	return nil
}

// runServe is the primary operating mode: it connects every configured
// server, exposes the merged catalog over the HTTP surface, and blocks
// until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. SSE sessions close and HTTP requests drain
//  3. MCP servers and the settings store close via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting mcphost", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"servers", len(cfg.MCP.Servers),
		"max_rounds", cfg.Loop.MaxRounds,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h, err := startHost(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer h.close()

	// Watch every server: unreachable ones reconnect with backoff,
	// connected ones are pinged.
	watcher := connwatch.New(h.manager, connwatch.Config{
		Logger: logger,
		OnChange: func(server string, up bool) {
			if up {
				logger.Info("MCP server reachable", "server", server)
			} else {
				logger.Warn("MCP server unreachable", "server", server)
			}
		},
	})
	defer watcher.Stop()
	for _, s := range cfg.MCP.Servers {
		watcher.Watch(ctx, s.ID)
	}

	// The host re-exports the merged catalog as an MCP server of its own.
	hostServer := mcp.NewServer(buildinfo.ProductName, buildinfo.Version, logger)
	hostServer.SetInstructions("Tools aggregated from the MCP servers configured in mcphost.")
	hostServer.Mount(h.manager)

	sessions := mcp.NewSessionRegistry(hostServer, logger)
	go sessions.RunReaper(ctx, cfg.MCP.SessionIdleTimeout, time.Minute)

	var chat api.ChatRunner
	if loop, err := newLoop(h); err != nil {
		logger.Warn("chat endpoint disabled", "error", err)
	} else {
		chat = loop
	}

	server := api.NewServer(api.Config{
		Address:  cfg.Listen.Address,
		Port:     cfg.Listen.Port,
		MCP:      hostServer,
		Sessions: sessions,
		Servers:  h.manager,
		Chat:     chat,
		Health:   watcher,
		Logger:   logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger builds the logger described by cfg.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	// Validate already rejected bad levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates, parses and validates the YAML configuration.
// Returns the parsed config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
