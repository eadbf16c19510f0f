package mcp

import (
	"errors"
	"fmt"
)

// Protocol error kinds. Match with errors.Is.
var (
	ErrParse             = errors.New("parse error")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrHandshakeMismatch = errors.New("handshake mismatch")
	ErrMalformedResponse = errors.New("malformed response")
)

// Transport error kinds. Match with errors.Is.
var (
	ErrConnectFailed     = errors.New("connect failed")
	ErrTimeout           = errors.New("timeout")
	ErrDisconnected      = errors.New("disconnected")
	ErrProcessTerminated = errors.New("process terminated")
	ErrClosed            = errors.New("closed")
)

// ErrNotInitialized is the StateError kind for calls issued before a
// successful Initialize.
var ErrNotInitialized = errors.New("not initialized")

// ErrNotFound matches every NotFoundError.
var ErrNotFound = errors.New("not found")

// ErrConfiguration matches every ConfigurationError.
var ErrConfiguration = errors.New("configuration error")

// ProtocolError reports a malformed frame or a failed handshake. It is
// always surfaced to the caller.
type ProtocolError struct {
	Kind   error
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error: " + e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause to errors.Is.
func (e *ProtocolError) Unwrap() []error {
	return nonNil(e.Kind, e.Err)
}

// Code maps the error to the JSON-RPC code sent on the wire.
func (e *ProtocolError) Code() int {
	switch {
	case errors.Is(e.Kind, ErrParse):
		return CodeParseError
	case errors.Is(e.Kind, ErrInvalidRequest):
		return CodeInvalidRequest
	default:
		return CodeInternalError
	}
}

// TransportError reports a connect failure, timeout, disconnect, process
// termination, or a closed transport. Transports never retry on their own.
type TransportError struct {
	Kind error
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	msg := "transport " + e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause to errors.Is.
func (e *TransportError) Unwrap() []error {
	return nonNil(e.Kind, e.Err)
}

// StateError reports an operation issued in the wrong client state.
type StateError struct {
	Kind error
	Op   string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: client %s", e.Op, e.Kind)
}

// Unwrap returns the state kind.
func (e *StateError) Unwrap() error { return e.Kind }

// NotFoundError reports a lookup miss: an unknown tool, server or session.
type NotFoundError struct {
	Kind string // "tool", "server", "session"
	Name string
}

func (e *NotFoundError) Error() string {
	if e.Name == "" {
		return e.Kind + " not found"
	}
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

// Is makes every NotFoundError match ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConfigurationError reports a bad server config or unknown transport
// kind. It is raised by Manager.AddServer and never affects other servers.
type ConfigurationError struct {
	Server string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Server == "" {
		return "invalid server config: " + e.Reason
	}
	return fmt.Sprintf("invalid config for server %q: %s", e.Server, e.Reason)
}

// Is makes every ConfigurationError match ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func nonNil(errs ...error) []error {
	out := errs[:0:0]
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}
