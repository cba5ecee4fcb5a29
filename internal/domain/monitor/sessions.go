package monitor

import (
	"time"

	"github.com/Strob0t/crabwalk/internal/domain/protocol"
)

// SessionFromInfo converts a sessions.list row to a Session. Identity fields
// come from the key; an explicit agentId in the row wins over the key's.
func SessionFromInfo(info protocol.SessionInfo) Session {
	s := NewSession(info.Key)
	if info.AgentID != "" {
		s.AgentID = info.AgentID
	}
	s.Status = MapStatus(info.Status)
	s.SpawnedBy = info.SpawnedBy
	if info.UpdatedAt > 0 {
		s.LastActivityAt = time.UnixMilli(info.UpdatedAt).UTC()
	}
	return s
}
