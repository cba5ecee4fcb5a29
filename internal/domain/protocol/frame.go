// Package protocol defines the gateway wire frames and the payloads this
// monitor exchanges with the gateway.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame type tags carried in the "type" field.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
	TypeHelloOK  = "hello-ok"
)

// ErrParse marks a frame that could not be decoded.
var ErrParse = errors.New("protocol parse error")

// Frame is one of *Request, *Response, *EventFrame or *HelloOK.
type Frame interface {
	frameType() string
}

// Request is a client-to-gateway call.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorShape is the error body of a failed response.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response answers exactly one Request with the same ID.
type Response struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// StateVersion tracks the gateway's presence and health generations.
type StateVersion struct {
	Presence int64 `json:"presence"`
	Health   int64 `json:"health"`
}

// EventFrame is an unsolicited gateway notification.
type EventFrame struct {
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Seq          *int64          `json:"seq,omitempty"`
	StateVersion *StateVersion   `json:"stateVersion,omitempty"`
}

func (*Request) frameType() string    { return TypeRequest }
func (*Response) frameType() string   { return TypeResponse }
func (*EventFrame) frameType() string { return TypeEvent }
func (*HelloOK) frameType() string    { return TypeHelloOK }

// Encode marshals f with its "type" tag.
func Encode(f Frame) ([]byte, error) {
	var body any
	switch v := f.(type) {
	case *Request:
		body = struct {
			Type string `json:"type"`
			*Request
		}{TypeRequest, v}
	case *Response:
		body = struct {
			Type string `json:"type"`
			*Response
		}{TypeResponse, v}
	case *EventFrame:
		body = struct {
			Type string `json:"type"`
			*EventFrame
		}{TypeEvent, v}
	case *HelloOK:
		body = struct {
			Type string `json:"type"`
			*HelloOK
		}{TypeHelloOK, v}
	default:
		return nil, fmt.Errorf("encode frame: unsupported %T", f)
	}
	return json.Marshal(body)
}

// Decode parses one wire frame. Malformed JSON, a missing or unknown "type",
// and frames missing their identifying field all return an error wrapping
// ErrParse.
func Decode(data []byte) (Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	var f Frame
	switch head.Type {
	case TypeRequest:
		f = &Request{}
	case TypeResponse:
		f = &Response{}
	case TypeEvent:
		f = &EventFrame{}
	case TypeHelloOK:
		f = &HelloOK{}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrParse)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrParse, head.Type)
	}

	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("%w: %s frame: %v", ErrParse, head.Type, err)
	}

	switch v := f.(type) {
	case *Request:
		if v.ID == "" || v.Method == "" {
			return nil, fmt.Errorf("%w: request without id or method", ErrParse)
		}
	case *Response:
		if v.ID == "" {
			return nil, fmt.Errorf("%w: response without id", ErrParse)
		}
	case *EventFrame:
		if v.Event == "" {
			return nil, fmt.Errorf("%w: event without name", ErrParse)
		}
	}
	return f, nil
}
