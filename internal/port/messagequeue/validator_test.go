package messagequeue

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/Strob0t/crabwalk/internal/domain/monitor"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		data    string
		wantErr string
	}{
		{"session", SubjectSession, `{"session":{"key":"agent:main:discord:1","status":"active"}}`, ""},
		{"session without key", SubjectSession, `{"session":{"status":"idle"}}`, "session.key"},
		{"action", SubjectAction, `{"action":{"id":"r1:complete","session_key":"s","type":"complete"}}`, ""},
		{"action without id", SubjectAction, `{"action":{"session_key":"s"}}`, "action.id"},
		{"action without session", SubjectAction, `{"action":{"id":"a"}}`, "action.session_key"},
		{"exec", SubjectExec, `{"id":"x1","session_key":"s","status":"running"}`, ""},
		{"exec without id", SubjectExec, `{"status":"running"}`, "requires id"},
		{"output", SubjectOutput, `{"exec_id":"x1","chunk":{"stream":"stdout","text":"hi"}}`, ""},
		{"output without exec", SubjectOutput, `{"chunk":{"text":"hi"}}`, "exec_id"},
		{"invalid JSON", SubjectSession, `{not valid`, "invalid JSON"},
		{"wrong shape", SubjectAction, `"just a string"`, "schema validation failed"},
		{"unknown crabwalk subject", "crabwalk.other", `{}`, "unknown subject"},
		{"foreign subject", "other.subject", `{"foo":"bar"}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.subject, []byte(tt.data))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("error %v does not wrap ErrInvalidMessage", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestExecPayloadValidates(t *testing.T) {
	code := 0
	p := NewExecPayload(monitor.ExecProcess{
		ID: "x1", SessionKey: "s", Status: monitor.ExecCompleted, ExitCode: &code,
		Outputs: []monitor.OutputChunk{{Text: "ok"}}, OutputTruncated: true,
	})
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(SubjectExec, data); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if strings.Contains(string(data), "outputs") {
		t.Errorf("exec payload carries outputs: %s", data)
	}
	if !p.Truncated {
		t.Error("truncation flag not carried")
	}
}
