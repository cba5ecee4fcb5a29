package monitor

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/Strob0t/crabwalk/internal/domain/event"
)

// Delta is one of SessionPatch, ActionAppend, ExecUpdate or OutputAppend.
type Delta interface {
	isDelta()
}

// SessionPatch updates (or creates) the session with Key. Empty fields leave
// the current value untouched.
type SessionPatch struct {
	Key       string        `json:"key"`
	Status    SessionStatus `json:"status,omitempty"`
	SpawnedBy string        `json:"spawned_by,omitempty"`
	At        time.Time     `json:"at"`
}

// ActionAppend adds an action to its session's timeline. An action with an
// ID already present replaces it (streamed replies share one ID per run).
type ActionAppend struct {
	Action Action `json:"action"`
}

// ExecUpdate creates or advances an exec process. Zero fields leave the
// current value untouched.
type ExecUpdate struct {
	ID          string     `json:"id"`
	SessionKey  string     `json:"session_key"`
	PID         int        `json:"pid,omitempty"`
	Command     string     `json:"command,omitempty"`
	Status      ExecStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
}

// OutputAppend adds a chunk to an exec process's output.
type OutputAppend struct {
	ExecID     string      `json:"exec_id"`
	SessionKey string      `json:"session_key"`
	Chunk      OutputChunk `json:"chunk"`
}

func (SessionPatch) isDelta() {}
func (ActionAppend) isDelta() {}
func (ExecUpdate) isDelta()   {}
func (OutputAppend) isDelta() {}

// Translate maps one decoded gateway event to the deltas it implies.
// It performs no I/O and keeps no state: the same event and receivedAt always
// produce the same deltas. receivedAt stamps events that carry no timestamp.
func Translate(ev event.Event, receivedAt time.Time) []Delta {
	switch e := ev.(type) {
	case event.ChatEvent:
		return translateChat(e, stamp(e.TS, receivedAt))
	case event.AgentEvent:
		return translateAgent(e, stamp(e.TS, receivedAt))
	case event.PresenceEvent:
		if e.SessionKey == "" {
			return nil
		}
		patch := SessionPatch{Key: e.SessionKey, SpawnedBy: e.SpawnedBy, At: stamp(e.TS, receivedAt)}
		if e.Status != "" {
			patch.Status = MapStatus(e.Status)
		}
		return []Delta{patch}
	default:
		return nil
	}
}

func translateChat(e event.ChatEvent, at time.Time) []Delta {
	act := Action{
		RunID:      e.RunID,
		SessionKey: e.SessionKey,
		Seq:        e.Seq,
		Timestamp:  at,
	}

	var status SessionStatus
	switch e.State {
	case event.ChatStart:
		act.Type = ActionStart
		status = StatusActive
	case event.ChatDelta:
		act.Type = ActionStreaming
		act.Content = e.Message.Text()
		status = StatusThinking
	case event.ChatFinal:
		act.Type = ActionComplete
		act.Content = e.Message.Text()
		act.StopReason = e.StopReason
		if e.Usage != nil {
			act.InputTokens = e.Usage.Input
			act.OutputTokens = e.Usage.Output
		}
		status = StatusIdle
	case event.ChatAborted:
		act.Type = ActionAborted
		act.StopReason = e.StopReason
		status = StatusIdle
	case event.ChatError:
		act.Type = ActionError
		act.Content = e.ErrorMessage
		status = StatusIdle
	default:
		return nil
	}
	act.ID = actionID(act)

	out := []Delta{ActionAppend{Action: act}}
	if e.SessionKey != "" {
		out = append(out, SessionPatch{Key: e.SessionKey, Status: status, At: at})
	}
	return out
}

func translateAgent(e event.AgentEvent, at time.Time) []Delta {
	switch {
	case e.Tool != nil:
		return translateTool(e, at)
	case e.Exec != nil:
		return translateExec(e, at)
	case e.Lifecycle != nil:
		if e.SessionKey == "" {
			return nil
		}
		patch := SessionPatch{Key: e.SessionKey, SpawnedBy: e.Lifecycle.SpawnedBy, At: at}
		switch e.Lifecycle.Phase {
		case "start":
			patch.Status = StatusActive
		case "end", "error":
			patch.Status = StatusIdle
		}
		return []Delta{patch}
	default:
		return nil
	}
}

func translateTool(e event.AgentEvent, at time.Time) []Delta {
	t := e.Tool
	act := Action{
		RunID:      e.RunID,
		SessionKey: e.SessionKey,
		Seq:        e.Seq,
		Timestamp:  at,
		ToolName:   t.Name,
	}
	switch t.Phase {
	case "start":
		act.Type = ActionToolCall
		act.ToolArgs = t.Args
	case "result":
		act.Type = ActionToolResult
		act.Content = rawText(t.Result)
		act.Duration = time.Duration(t.DurationMs) * time.Millisecond
	default:
		return nil
	}
	act.ID = actionID(act)

	out := []Delta{ActionAppend{Action: act}}
	if e.SessionKey != "" && act.Type == ActionToolCall {
		out = append(out, SessionPatch{Key: e.SessionKey, Status: StatusThinking, At: at})
	}
	return out
}

func translateExec(e event.AgentEvent, at time.Time) []Delta {
	x := e.Exec
	id := x.ID
	if id == "" {
		id = e.RunID + ":exec"
	}

	switch x.Phase {
	case "start":
		return []Delta{ExecUpdate{
			ID:         id,
			SessionKey: e.SessionKey,
			PID:        x.PID,
			Command:    x.Command,
			Status:     ExecRunning,
			StartedAt:  at,
		}}
	case "output":
		stream := Stdout
		if x.Stream == string(Stderr) {
			stream = Stderr
		}
		chunk := OutputChunk{Stream: stream, Text: x.Text, Timestamp: at}
		if e.Seq > 0 {
			chunk.ID = id + ":" + strconv.FormatInt(e.Seq, 10)
		}
		return []Delta{OutputAppend{ExecID: id, SessionKey: e.SessionKey, Chunk: chunk}}
	case "complete":
		status := ExecCompleted
		if x.ExitCode != nil && *x.ExitCode != 0 {
			status = ExecFailed
		}
		completed := at
		return []Delta{ExecUpdate{
			ID:          id,
			SessionKey:  e.SessionKey,
			Status:      status,
			CompletedAt: &completed,
			ExitCode:    x.ExitCode,
		}}
	default:
		return nil
	}
}

// actionID derives a stable ID. Streaming deltas of one run share an ID so
// that the latest delta replaces the previous one.
func actionID(a Action) string {
	if a.Type == ActionStreaming {
		return a.RunID + ":" + string(ActionStreaming)
	}
	return a.RunID + ":" + strconv.FormatInt(a.Seq, 10) + ":" + string(a.Type)
}

// MapStatus converts a raw gateway status string to a SessionStatus.
func MapStatus(raw string) SessionStatus {
	switch strings.ToLower(raw) {
	case "active", "running", "streaming", "busy":
		return StatusActive
	case "thinking":
		return StatusThinking
	default:
		return StatusIdle
	}
}

func stamp(ms int64, fallback time.Time) time.Time {
	if ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return fallback
}

// rawText renders a tool result: JSON strings are unquoted, anything else is
// kept as its JSON text.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
