// Package event defines the typed gateway events this monitor understands.
//
// Raw event payloads are heterogeneous JSON. Decode turns an (event name,
// payload) pair into exactly one variant so callers switch on Go types
// rather than on string fields.
package event

import (
	"encoding/json"
	"fmt"
)

// Gateway event names.
const (
	NameChat     = "chat"
	NameAgent    = "agent"
	NamePresence = "presence"
)

// Event is one of ChatEvent, AgentEvent, PresenceEvent or UnknownEvent.
type Event interface {
	Name() string
	isEvent()
}

// ChatState is the lifecycle position of a chat run.
type ChatState string

const (
	ChatStart   ChatState = "start"
	ChatDelta   ChatState = "delta"
	ChatFinal   ChatState = "final"
	ChatAborted ChatState = "aborted"
	ChatError   ChatState = "error"
)

// Usage carries token accounting reported on completion.
type Usage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// ChatEvent reports a chat-lifecycle transition for one run.
type ChatEvent struct {
	RunID        string    `json:"runId"`
	SessionKey   string    `json:"sessionKey"`
	Seq          int64     `json:"seq"`
	State        ChatState `json:"state"`
	Message      *Message  `json:"message,omitempty"`
	Usage        *Usage    `json:"usage,omitempty"`
	StopReason   string    `json:"stopReason,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	TS           int64     `json:"ts,omitempty"` // unix millis
}

// Message is the assistant message attached to a chat event. Content is
// either a plain string or a list of typed blocks.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Text flattens the message content into plain text, joining text blocks.
func (m *Message) Text() string {
	if m == nil || len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return ""
	}
	var out string
	for _, b := range blocks {
		if b.Type != "text" || b.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += b.Text
	}
	return out
}

// Agent stream names.
const (
	StreamTool      = "tool"
	StreamExec      = "exec"
	StreamLifecycle = "lifecycle"
)

// AgentEvent is one item of an agent's run stream. Exactly one of Tool, Exec
// or Lifecycle is set for the known streams; all are nil otherwise.
type AgentEvent struct {
	RunID      string          `json:"runId"`
	SessionKey string          `json:"sessionKey"`
	Seq        int64           `json:"seq"`
	Stream     string          `json:"stream"`
	TS         int64           `json:"ts,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`

	Tool      *ToolData      `json:"-"`
	Exec      *ExecData      `json:"-"`
	Lifecycle *LifecycleData `json:"-"`
}

// ToolData describes a tool invocation or its result.
type ToolData struct {
	Phase      string          `json:"phase"` // "start" | "result"
	Name       string          `json:"name"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	DurationMs int64           `json:"durationMs,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
}

// ExecData describes a traced command execution step.
type ExecData struct {
	Phase    string `json:"phase"` // "start" | "output" | "complete"
	ID       string `json:"id"`
	PID      int    `json:"pid,omitempty"`
	Command  string `json:"command,omitempty"`
	Stream   string `json:"stream,omitempty"` // "stdout" | "stderr"
	Text     string `json:"text,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// LifecycleData marks the start or end of an agent run.
type LifecycleData struct {
	Phase     string `json:"phase"` // "start" | "end" | "error"
	SpawnedBy string `json:"spawnedBy,omitempty"`
}

// PresenceEvent reports a session status change.
type PresenceEvent struct {
	SessionKey string `json:"sessionKey"`
	Status     string `json:"status"`
	SpawnedBy  string `json:"spawnedBy,omitempty"`
	TS         int64  `json:"ts,omitempty"`
}

// UnknownEvent is any event this monitor does not interpret, including known
// names whose payload failed to decode (Err is set then).
type UnknownEvent struct {
	EventName string
	Payload   json.RawMessage
	Err       error
}

func (ChatEvent) Name() string      { return NameChat }
func (AgentEvent) Name() string     { return NameAgent }
func (PresenceEvent) Name() string  { return NamePresence }
func (u UnknownEvent) Name() string { return u.EventName }

func (ChatEvent) isEvent()     {}
func (AgentEvent) isEvent()    {}
func (PresenceEvent) isEvent() {}
func (UnknownEvent) isEvent()  {}

// Decode maps a raw event into its typed variant. It never fails: payloads
// that cannot be decoded come back as UnknownEvent with Err set.
func Decode(name string, payload json.RawMessage) Event {
	switch name {
	case NameChat:
		var ev ChatEvent
		if err := unmarshal(payload, &ev); err != nil {
			return UnknownEvent{EventName: name, Payload: payload, Err: err}
		}
		return ev
	case NameAgent:
		ev, err := decodeAgent(payload)
		if err != nil {
			return UnknownEvent{EventName: name, Payload: payload, Err: err}
		}
		return ev
	case NamePresence:
		var ev PresenceEvent
		if err := unmarshal(payload, &ev); err != nil {
			return UnknownEvent{EventName: name, Payload: payload, Err: err}
		}
		return ev
	default:
		return UnknownEvent{EventName: name, Payload: payload}
	}
}

func decodeAgent(payload json.RawMessage) (AgentEvent, error) {
	var ev AgentEvent
	if err := unmarshal(payload, &ev); err != nil {
		return ev, err
	}
	if len(ev.Data) == 0 {
		return ev, nil
	}
	switch ev.Stream {
	case StreamTool:
		ev.Tool = &ToolData{}
		if err := json.Unmarshal(ev.Data, ev.Tool); err != nil {
			return ev, fmt.Errorf("tool data: %w", err)
		}
	case StreamExec:
		ev.Exec = &ExecData{}
		if err := json.Unmarshal(ev.Data, ev.Exec); err != nil {
			return ev, fmt.Errorf("exec data: %w", err)
		}
	case StreamLifecycle:
		ev.Lifecycle = &LifecycleData{}
		if err := json.Unmarshal(ev.Data, ev.Lifecycle); err != nil {
			return ev, fmt.Errorf("lifecycle data: %w", err)
		}
	}
	return ev, nil
}

func unmarshal(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(payload, v)
}
