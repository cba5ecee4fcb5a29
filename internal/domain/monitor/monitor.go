// Package monitor defines the reconstructed view of gateway activity:
// sessions, their timeline actions, and traced exec processes.
package monitor

import (
	"encoding/json"
	"strconv"
	"time"
)

// SessionStatus is the coarse activity state of a session.
type SessionStatus string

const (
	StatusIdle     SessionStatus = "idle"
	StatusActive   SessionStatus = "active"
	StatusThinking SessionStatus = "thinking"
)

// Session is a conversational context between an agent and a recipient.
// SpawnedBy is a weak reference to a parent session key; the parent may be
// absent from any given session set.
type Session struct {
	Key            string        `json:"key"`
	AgentID        string        `json:"agent_id"`
	Platform       string        `json:"platform"`
	Recipient      string        `json:"recipient"`
	IsGroup        bool          `json:"is_group"`
	Status         SessionStatus `json:"status"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	SpawnedBy      string        `json:"spawned_by,omitempty"`
}

// ActionType classifies a timeline action.
type ActionType string

const (
	ActionStart      ActionType = "start"
	ActionStreaming  ActionType = "streaming"
	ActionComplete   ActionType = "complete"
	ActionAborted    ActionType = "aborted"
	ActionError      ActionType = "error"
	ActionToolCall   ActionType = "tool_call"
	ActionToolResult ActionType = "tool_result"
)

// Action is one timeline event within a session. Actions of a session are
// ordered by Timestamp, ties broken by Seq.
type Action struct {
	ID           string          `json:"id"`
	RunID        string          `json:"run_id"`
	SessionKey   string          `json:"session_key"`
	Seq          int64           `json:"seq"`
	Type         ActionType      `json:"type"`
	Timestamp    time.Time       `json:"timestamp"`
	Content      string          `json:"content,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	ToolArgs     json.RawMessage `json:"tool_args,omitempty"`
	Duration     time.Duration   `json:"duration,omitempty"`
	InputTokens  int64           `json:"input_tokens,omitempty"`
	OutputTokens int64           `json:"output_tokens,omitempty"`
	StopReason   string          `json:"stop_reason,omitempty"`
}

// ExecStatus is the state of a traced command.
type ExecStatus string

const (
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
)

// OutputStream names the stream an output chunk was read from.
type OutputStream string

const (
	Stdout OutputStream = "stdout"
	Stderr OutputStream = "stderr"
)

// OutputChunk is a piece of exec output. Chunks are append-only.
type OutputChunk struct {
	ID        string       `json:"id"`
	Stream    OutputStream `json:"stream"`
	Text      string       `json:"text"`
	Timestamp time.Time    `json:"timestamp"`
}

// ExecProcess is a traced external command started by an agent.
type ExecProcess struct {
	ID              string        `json:"id"`
	SessionKey      string        `json:"session_key"`
	PID             int           `json:"pid,omitempty"`
	Command         string        `json:"command"`
	Status          ExecStatus    `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	ExitCode        *int          `json:"exit_code,omitempty"`
	Outputs         []OutputChunk `json:"outputs"`
	OutputTruncated bool          `json:"output_truncated"`
}

// OutputBytes returns the total size of the retained output text.
func (p *ExecProcess) OutputBytes() int {
	n := 0
	for i := range p.Outputs {
		n += len(p.Outputs[i].Text)
	}
	return n
}

// DefaultOutputCap is the per-process output retention cap in bytes.
const DefaultOutputCap = 64 * 1024

// AppendOutput returns p with c appended. Once the retained output has
// reached capBytes, c is dropped and OutputTruncated is set. The flag is never
// cleared once set. p.Outputs is copied, so the caller's value is unchanged.
// A chunk without an ID gets one from its position in p.Outputs.
func AppendOutput(p ExecProcess, c OutputChunk, capBytes int) ExecProcess {
	if capBytes <= 0 {
		capBytes = DefaultOutputCap
	}
	if p.OutputTruncated || p.OutputBytes()+len(c.Text) > capBytes {
		p.OutputTruncated = true
		return p
	}
	if c.ID == "" {
		c.ID = p.ID + ":out:" + strconv.Itoa(len(p.Outputs))
	}
	outputs := make([]OutputChunk, len(p.Outputs), len(p.Outputs)+1)
	copy(outputs, p.Outputs)
	p.Outputs = append(outputs, c)
	return p
}
