package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidMessage is returned for payloads that do not match the schema of
// their subject.
var ErrInvalidMessage = errors.New("invalid message")

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Subjects outside the crabwalk prefix
// pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("%w: invalid JSON on subject %s", ErrInvalidMessage, subject)
	}

	var missing string
	switch subject {
	case SubjectSession:
		var p SessionPayload
		if err := unmarshal(subject, data, &p); err != nil {
			return err
		}
		if p.Session.Key == "" {
			missing = "session.key"
		}
	case SubjectAction:
		var p ActionPayload
		if err := unmarshal(subject, data, &p); err != nil {
			return err
		}
		switch {
		case p.Action.ID == "":
			missing = "action.id"
		case p.Action.SessionKey == "":
			missing = "action.session_key"
		}
	case SubjectExec:
		var p ExecPayload
		if err := unmarshal(subject, data, &p); err != nil {
			return err
		}
		if p.ID == "" {
			missing = "id"
		}
	case SubjectOutput:
		var p OutputPayload
		if err := unmarshal(subject, data, &p); err != nil {
			return err
		}
		if p.ExecID == "" {
			missing = "exec_id"
		}
	default:
		if strings.HasPrefix(subject, SubjectPrefix+".") {
			return fmt.Errorf("%w: unknown subject %s", ErrInvalidMessage, subject)
		}
		return nil
	}

	if missing != "" {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidMessage, subject, missing)
	}
	return nil
}

func unmarshal(subject string, data []byte, target any) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: schema validation failed for %s: %w", ErrInvalidMessage, subject, err)
	}
	return nil
}
