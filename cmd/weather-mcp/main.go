// weather-mcp serves the bundled weather tools as a standalone MCP
// server.
//
// Usage:
//
//	weather-mcp stdio          Speak JSON-RPC on stdin/stdout
//	weather-mcp sse [port]     Serve HTTP+SSE (default port 3000)
//
// WEATHER_API_KEY supplies the weather API key. Without it the server
// runs in demo mode and returns simulated data. WEATHER_LOG_LEVEL sets
// the log level (default info); logs always go to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nugget/mcphost/internal/api"
	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/mcp"
	"github.com/nugget/mcphost/internal/weather"
)

// defaultPort is the SSE listen port.
const defaultPort = 3000

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:], os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the testable entry point. getenv replaces os.Getenv.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string, getenv func(string) string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: weather-mcp stdio | weather-mcp sse [port]")
	}

	level, err := config.ParseLogLevel(getenv("WEATHER_LOG_LEVEL"))
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))

	wc := weather.NewClient(getenv("WEATHER_BASE_URL"), getenv("WEATHER_API_KEY"), logger)
	srv, err := weather.NewServer(wc, logger)
	if err != nil {
		return err
	}
	logger.Info("weather MCP server starting",
		"version", buildinfo.Version,
		"mode", args[0],
		"demo", wc.Demo(),
	)

	switch args[0] {
	case "stdio":
		return srv.ServeStdio(ctx, stdin, stdout)
	case "sse":
		port := defaultPort
		if len(args) > 1 {
			port, err = strconv.Atoi(args[1])
			if err != nil || port < 1 || port > 65535 {
				return fmt.Errorf("invalid port %q", args[1])
			}
		}
		return serveSSE(ctx, srv, port, logger)
	default:
		return fmt.Errorf("unknown mode %q (expected stdio or sse)", args[0])
	}
}

// serveSSE exposes srv over the HTTP surface until ctx is cancelled.
func serveSSE(ctx context.Context, srv *mcp.Server, port int, logger *slog.Logger) error {
	sessions := mcp.NewSessionRegistry(srv, logger)
	go sessions.RunReaper(ctx, config.DefaultSessionIdleTimeout, time.Minute)

	server := api.NewServer(api.Config{
		Port:     port,
		MCP:      srv,
		Sessions: sessions,
		Logger:   logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
