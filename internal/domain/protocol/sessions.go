package protocol

// MethodSessionsList is the query used to seed the session set.
const MethodSessionsList = "sessions.list"

// ListSessionsParams are the params of sessions.list.
type ListSessionsParams struct {
	Limit              int    `json:"limit,omitempty"`
	ActiveMinutes      int    `json:"activeMinutes,omitempty"`
	IncludeLastMessage bool   `json:"includeLastMessage,omitempty"`
	AgentID            string `json:"agentId,omitempty"`
}

// SessionInfo is one row returned by sessions.list.
type SessionInfo struct {
	Key         string `json:"key"`
	AgentID     string `json:"agentId,omitempty"`
	Channel     string `json:"channel,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Status      string `json:"status,omitempty"`
	SpawnedBy   string `json:"spawnedBy,omitempty"`
	UpdatedAt   int64  `json:"updatedAt,omitempty"` // unix millis
	LastMessage string `json:"lastMessage,omitempty"`
}

// ListSessionsResult is the payload of a sessions.list response.
type ListSessionsResult struct {
	Sessions []SessionInfo `json:"sessions"`
}
