package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/mcphost/internal/config"
)

// Defaults for the stdio transport.
const (
	defaultStartupDelay = 150 * time.Millisecond
	stopGracePeriod     = 5 * time.Second
)

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// StartupDelay is how long Start waits for the process to settle.
	// A process that exits within this window fails Start with
	// ErrConnectFailed. Default 150ms.
	StartupDelay time.Duration

	// QueueSize bounds the inbound frame queue (default 64).
	QueueSize int

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. JSON-RPC messages are newline-delimited on stdin/stdout.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger
	in     *inbox

	closing atomic.Bool
	exited  chan struct{}

	mu      sync.Mutex // serializes writes and guards the fields below
	started bool
	closed  bool
	cmd     *exec.Cmd
	stdin   io.WriteCloser
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until Start.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StartupDelay <= 0 {
		cfg.StartupDelay = defaultStartupDelay
	}
	return &StdioTransport{
		config: cfg,
		logger: logger.With("transport", "stdio"),
		in:     newInbox(cfg.QueueSize),
		exited: make(chan struct{}),
	}
}

// Start launches the subprocess. The subprocess lifecycle is independent
// of ctx, which only bounds the startup wait; the process survives until
// Close or until it exits on its own.
func (t *StdioTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return &TransportError{Kind: ErrClosed, Op: "start"}
	}
	if t.started {
		t.mu.Unlock()
		return nil
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
		"dir", t.config.Dir,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)
	cmd.Dir = t.config.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.mu.Unlock()
		return &TransportError{Kind: ErrConnectFailed, Op: "start", Err: fmt.Errorf("create stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		t.mu.Unlock()
		return &TransportError{Kind: ErrConnectFailed, Op: "start", Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	// Capture stderr for logging; it is not part of the protocol.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		t.mu.Unlock()
		return &TransportError{Kind: ErrConnectFailed, Op: "start", Err: fmt.Errorf("create stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		t.mu.Unlock()
		return &TransportError{Kind: ErrConnectFailed, Op: "start", Err: fmt.Errorf("launch %s: %w", t.config.Command, err)}
	}

	t.cmd = cmd
	t.stdin = stdin
	t.started = true
	t.mu.Unlock()

	stderrDone := make(chan struct{})
	go t.drainStderr(stderr, stderrDone)
	go t.readLoop(cmd, stdout, stderrDone)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)

	// Give the process a moment to fail fast (bad flags, missing
	// interpreter) before declaring it connected.
	timer := time.NewTimer(t.config.StartupDelay)
	defer timer.Stop()
	select {
	case <-t.exited:
		return &TransportError{Kind: ErrConnectFailed, Op: "start", Err: fmt.Errorf("process exited during startup: %w", t.in.cause())}
	case <-ctx.Done():
		t.Close()
		return &TransportError{Kind: ErrConnectFailed, Op: "start", Err: ctx.Err()}
	case <-timer.C:
		return nil
	}
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// readLoop publishes every non-blank stdout line as an inbound frame
// until stdout closes, then reaps the process and closes the inbox.
func (t *StdioTransport) readLoop(cmd *exec.Cmd, stdout io.Reader, stderrDone <-chan struct{}) {
	reader := bufio.NewReaderSize(stdout, 1<<20) // 1 MiB buffer for large responses
	var readErr error
	for {
		line, err := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			msg, decErr := Decode(trimmed)
			if decErr != nil {
				t.logger.Debug("skipping non-JSON-RPC line from MCP subprocess",
					"line", string(trimmed),
					"error", decErr,
				)
			} else if !t.in.push(msg) {
				t.logger.Log(context.Background(), config.LevelTrace, "dropping frame after close")
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}

	// Wait closes the pipes, so it must run after all reads are done.
	<-stderrDone
	waitErr := cmd.Wait()

	var termErr error
	switch {
	case t.closing.Load():
		termErr = &TransportError{Kind: ErrClosed}
	default:
		cause := waitErr
		if cause == nil {
			cause = readErr
		}
		if cause == nil {
			cause = errors.New("stdout closed")
		}
		termErr = &TransportError{Kind: ErrProcessTerminated, Err: cause}
		t.logger.Warn("MCP subprocess terminated", "pid", cmd.Process.Pid, "error", cause)
	}
	t.in.finish(termErr)
	close(t.exited)
}

// Send writes one frame followed by a newline to the subprocess's stdin.
// Replies arrive on Inbound.
func (t *StdioTransport) Send(_ context.Context, msg *Message) (*Message, error) {
	data, err := Encode(msg)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, &TransportError{Kind: ErrClosed, Op: "send"}
	}
	if !t.started {
		return nil, &TransportError{Kind: ErrClosed, Op: "send", Err: errors.New("transport not started")}
	}
	select {
	case <-t.exited:
		return nil, &TransportError{Kind: ErrProcessTerminated, Op: "send", Err: t.in.cause()}
	default:
	}

	t.logger.Log(context.Background(), config.LevelTrace, "stdio send", "json", string(data))

	// Write frame + newline delimiter.
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return nil, &TransportError{Kind: ErrProcessTerminated, Op: "send", Err: fmt.Errorf("write to subprocess stdin: %w", err)}
	}
	return nil, nil
}

// Inbound implements Transport.
func (t *StdioTransport) Inbound() <-chan *Message { return t.in.ch }

// Err implements Transport.
func (t *StdioTransport) Err() error { return t.in.cause() }

// Close terminates the subprocess: stdin is closed to request a graceful
// exit, and the process is killed if it has not exited after a grace
// period.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.closing.Store(true)
	if !t.started {
		t.mu.Unlock()
		t.in.finish(&TransportError{Kind: ErrClosed})
		return nil
	}
	cmd := t.cmd
	if t.stdin != nil {
		t.stdin.Close()
	}
	t.mu.Unlock()

	t.in.stop()
	t.logger.Info("stopping MCP subprocess", "pid", cmd.Process.Pid)

	select {
	case <-t.exited:
		return nil
	case <-time.After(stopGracePeriod):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", cmd.Process.Pid,
		)
		_ = cmd.Process.Kill()
		<-t.exited
		return nil
	}
}
