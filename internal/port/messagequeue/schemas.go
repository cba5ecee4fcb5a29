package messagequeue

import (
	"time"

	"github.com/Strob0t/crabwalk/internal/domain/monitor"
)

// SessionPayload is the schema for crabwalk.session messages.
type SessionPayload struct {
	Session monitor.Session `json:"session"`
}

// ActionPayload is the schema for crabwalk.action messages.
type ActionPayload struct {
	Action monitor.Action `json:"action"`
}

// ExecPayload is the schema for crabwalk.exec messages. Output chunks are
// relayed separately on crabwalk.output.
type ExecPayload struct {
	ID          string             `json:"id"`
	SessionKey  string             `json:"session_key"`
	PID         int                `json:"pid,omitempty"`
	Command     string             `json:"command,omitempty"`
	Status      monitor.ExecStatus `json:"status"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	ExitCode    *int               `json:"exit_code,omitempty"`
	Truncated   bool               `json:"output_truncated"`
}

// OutputPayload is the schema for crabwalk.output messages.
type OutputPayload struct {
	ExecID     string              `json:"exec_id"`
	SessionKey string              `json:"session_key"`
	Chunk      monitor.OutputChunk `json:"chunk"`
}

// NewExecPayload summarizes p without its output chunks.
func NewExecPayload(p monitor.ExecProcess) ExecPayload {
	return ExecPayload{
		ID:          p.ID,
		SessionKey:  p.SessionKey,
		PID:         p.PID,
		Command:     p.Command,
		Status:      p.Status,
		StartedAt:   p.StartedAt,
		CompletedAt: p.CompletedAt,
		ExitCode:    p.ExitCode,
		Truncated:   p.OutputTruncated,
	}
}
