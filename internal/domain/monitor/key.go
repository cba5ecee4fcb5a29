package monitor

import "strings"

// Unknown is the placeholder for session-key segments that cannot be parsed.
const Unknown = "unknown"

// KeyParts is the decomposition of a session key.
type KeyParts struct {
	AgentID   string
	Platform  string
	Recipient string
	IsGroup   bool
}

// ParseSessionKey splits a key of the form
//
//	agent:<agentId>:<platform>:<recipient>
//	agent:<agentId>:<platform>:group:<recipient>
//
// Missing or empty segments come back as Unknown. The recipient keeps any
// further colons, so "agent:a:p:x:y" has recipient "x:y".
func ParseSessionKey(key string) KeyParts {
	parts := KeyParts{AgentID: Unknown, Platform: Unknown, Recipient: Unknown}

	segs := strings.SplitN(key, ":", 4)
	if len(segs) < 2 || segs[0] != "agent" {
		return parts
	}
	parts.AgentID = orUnknown(segs[1])
	if len(segs) < 3 {
		return parts
	}
	parts.Platform = orUnknown(segs[2])
	if len(segs) < 4 {
		return parts
	}

	rest := segs[3]
	if group, ok := strings.CutPrefix(rest, "group:"); ok {
		parts.IsGroup = true
		rest = group
	}
	parts.Recipient = orUnknown(rest)
	return parts
}

// SessionKey builds a key from its parts. It is the inverse of
// ParseSessionKey for keys that match the grammar.
func SessionKey(p KeyParts) string {
	if p.IsGroup {
		return "agent:" + p.AgentID + ":" + p.Platform + ":group:" + p.Recipient
	}
	return "agent:" + p.AgentID + ":" + p.Platform + ":" + p.Recipient
}

// NewSession returns an idle session whose identity fields come from key.
func NewSession(key string) Session {
	p := ParseSessionKey(key)
	return Session{
		Key:       key,
		AgentID:   p.AgentID,
		Platform:  p.Platform,
		Recipient: p.Recipient,
		IsGroup:   p.IsGroup,
		Status:    StatusIdle,
	}
}

func orUnknown(s string) string {
	if s == "" {
		return Unknown
	}
	return s
}
