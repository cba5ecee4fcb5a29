package protocol

import "encoding/json"

// Handshake constants.
const (
	EventConnectChallenge = "connect.challenge"
	MethodConnect         = "connect"
	ProtocolVersion       = 3
)

// Challenge is the payload of the one-time connect.challenge event.
type Challenge struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// ClientInfo identifies this client to the gateway.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
	InstanceID  string `json:"instanceId,omitempty"`
}

// Auth carries the optional bearer token.
type Auth struct {
	Token string `json:"token,omitempty"`
}

// ConnectParams is sent as the params of the "connect" request.
type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Auth        *Auth      `json:"auth,omitempty"`
}

// Snapshot is the gateway state captured at handshake time.
type Snapshot struct {
	Presence     json.RawMessage `json:"presence,omitempty"`
	Health       json.RawMessage `json:"health,omitempty"`
	StateVersion StateVersion    `json:"stateVersion"`
}

// Features lists what the gateway supports on this connection.
type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// HelloOK completes the handshake. It arrives either as a dedicated
// "hello-ok" frame or as the payload of an ok response to "connect".
type HelloOK struct {
	Protocol int      `json:"protocol"`
	Snapshot Snapshot `json:"snapshot"`
	Features Features `json:"features"`
}

// SupportsMethod reports whether the gateway advertised the method. An empty
// method list is treated as "unknown" and reports true.
func (h *HelloOK) SupportsMethod(method string) bool {
	if len(h.Features.Methods) == 0 {
		return true
	}
	for _, m := range h.Features.Methods {
		if m == method {
			return true
		}
	}
	return false
}
