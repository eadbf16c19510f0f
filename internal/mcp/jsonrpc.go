package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Standard JSON-RPC 2.0 error codes. MCP adds no custom codes here.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ID is a JSON-RPC request id. The zero value means "no id" and encodes
// as null. IDs are comparable and usable as map keys.
type ID struct {
	num   int64
	str   string
	isStr bool
	set   bool
}

// IntID returns a numeric request id.
func IntID(n int64) ID { return ID{num: n, set: true} }

// StringID returns a string request id.
func StringID(s string) ID { return ID{str: s, isStr: true, set: true} }

// IsZero reports whether the id is absent (or null on the wire).
func (id ID) IsZero() bool { return !id.set }

// String renders the id for logs.
func (id ID) String() string {
	switch {
	case !id.set:
		return "null"
	case id.isStr:
		return strconv.Quote(id.str)
	default:
		return strconv.FormatInt(id.num, 10)
	}
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case !id.set:
		return []byte("null"), nil
	case id.isStr:
		return json.Marshal(id.str)
	default:
		return strconv.AppendInt(nil, id.num, 10), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler. Only strings, integers and
// null are valid ids.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ID{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("id must be a string or integer, got %s", data)
	}
	*id = IntID(n)
	return nil
}

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
// Params may be nil.
func NewRequest(id ID, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  raw,
	}, nil
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is non-nil in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// NewResponse creates a successful response carrying result.
func NewResponse(id ID, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Result: raw}, nil
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id ID, code int, message string) *Response {
	return &Response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  raw,
	}, nil
}

// Message is one decoded JSON-RPC frame. Exactly one field is set.
type Message struct {
	Request      *Request
	Response     *Response
	Notification *Notification
}

// Encode serializes a frame. It only fails for an empty Message or for
// raw params/results that are not valid JSON.
func Encode(m *Message) ([]byte, error) {
	switch {
	case m == nil:
		return nil, fmt.Errorf("encode: nil message")
	case m.Request != nil:
		return json.Marshal(m.Request)
	case m.Response != nil:
		return json.Marshal(m.Response)
	case m.Notification != nil:
		return json.Marshal(m.Notification)
	default:
		return nil, fmt.Errorf("encode: empty message")
	}
}

// Decode parses one JSON-RPC frame. Malformed JSON fails with a
// ProtocolError of kind ErrParse; well-formed JSON that is not a valid
// request, notification or response fails with kind ErrInvalidRequest.
func Decode(data []byte) (*Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		if !json.Valid(data) {
			return nil, &ProtocolError{Kind: ErrParse, Err: err}
		}
		return nil, &ProtocolError{Kind: ErrInvalidRequest, Detail: "frame is not a JSON object"}
	}

	var version string
	if raw, ok := fields["jsonrpc"]; ok {
		if err := json.Unmarshal(raw, &version); err != nil {
			return nil, &ProtocolError{Kind: ErrInvalidRequest, Detail: "jsonrpc must be a string"}
		}
	}
	if version != jsonrpcVersion {
		return nil, &ProtocolError{Kind: ErrInvalidRequest, Detail: fmt.Sprintf("unsupported jsonrpc version %q", version)}
	}

	var id ID
	if raw, ok := fields["id"]; ok {
		if err := id.UnmarshalJSON(raw); err != nil {
			return nil, &ProtocolError{Kind: ErrInvalidRequest, Err: err}
		}
	}

	if rawMethod, ok := fields["method"]; ok {
		var method string
		if err := json.Unmarshal(rawMethod, &method); err != nil || method == "" {
			return nil, &ProtocolError{Kind: ErrInvalidRequest, Detail: "method must be a non-empty string"}
		}
		params := fields["params"]
		if id.IsZero() {
			return &Message{Notification: &Notification{JSONRPC: version, Method: method, Params: params}}, nil
		}
		return &Message{Request: &Request{JSONRPC: version, ID: id, Method: method, Params: params}}, nil
	}

	result, hasResult := fields["result"]
	rawErr, hasError := fields["error"]
	switch {
	case hasResult && hasError:
		return nil, &ProtocolError{Kind: ErrInvalidRequest, Detail: "response carries both result and error"}
	case hasResult:
		return &Message{Response: &Response{JSONRPC: version, ID: id, Result: result}}, nil
	case hasError:
		var rpcErr RPCError
		if err := json.Unmarshal(rawErr, &rpcErr); err != nil {
			return nil, &ProtocolError{Kind: ErrInvalidRequest, Err: fmt.Errorf("decode error object: %w", err)}
		}
		return &Message{Response: &Response{JSONRPC: version, ID: id, Error: &rpcErr}}, nil
	default:
		return nil, &ProtocolError{Kind: ErrInvalidRequest, Detail: "frame has no method, result, or error"}
	}
}

// marshalParams encodes params, leaving nil params absent on the wire.
func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}
