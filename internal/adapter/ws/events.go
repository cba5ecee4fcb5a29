package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Strob0t/crabwalk/internal/domain/monitor"
)

// Event type constants for WebSocket messages.
const (
	EventSnapshot     = "monitor.snapshot"
	EventSession      = "monitor.session"
	EventAction       = "monitor.action"
	EventExec         = "monitor.exec"
	EventOutput       = "monitor.output"
	EventGatewayState = "gateway.state"
)

// SessionEvent is broadcast when a session is created or changes.
type SessionEvent struct {
	Session monitor.Session `json:"session"`
}

// ActionEvent is broadcast when an action is appended or replaced.
type ActionEvent struct {
	Action monitor.Action `json:"action"`
}

// ExecEvent is broadcast when an exec process starts or finishes. Outputs
// are omitted; they stream separately as OutputEvents.
type ExecEvent struct {
	ID          string             `json:"id"`
	SessionKey  string             `json:"session_key"`
	PID         int                `json:"pid,omitempty"`
	Command     string             `json:"command,omitempty"`
	Status      monitor.ExecStatus `json:"status"`
	ExitCode    *int               `json:"exit_code,omitempty"`
	Truncated   bool               `json:"output_truncated"`
	OutputBytes int                `json:"output_bytes"`
}

// OutputEvent is broadcast for every retained output chunk.
type OutputEvent struct {
	ExecID     string              `json:"exec_id"`
	SessionKey string              `json:"session_key"`
	Chunk      monitor.OutputChunk `json:"chunk"`
	Truncated  bool                `json:"output_truncated"`
}

// GatewayStateEvent is broadcast when the gateway connection changes state.
type GatewayStateEvent struct {
	State    string `json:"state"`
	Protocol int    `json:"protocol,omitempty"`
}

// NewExecEvent summarizes p for broadcasting.
func NewExecEvent(p monitor.ExecProcess) ExecEvent {
	return ExecEvent{
		ID:          p.ID,
		SessionKey:  p.SessionKey,
		PID:         p.PID,
		Command:     p.Command,
		Status:      p.Status,
		ExitCode:    p.ExitCode,
		Truncated:   p.OutputTruncated,
		OutputBytes: p.OutputBytes(),
	}
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
