package gateway

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Client.
var (
	ErrConnectionTimeout = errors.New("gateway: no handshake within timeout")
	ErrConnection        = errors.New("gateway: connection failed")
	ErrAuthFailure       = errors.New("gateway: handshake rejected")
	ErrDisconnected      = errors.New("gateway: not connected")
	ErrRequestTimeout    = errors.New("gateway: request timed out")
)

// RemoteError is a response with ok=false.
type RemoteError struct {
	Method  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway %s: %s", e.Method, e.Message)
	}
	return fmt.Sprintf("gateway %s: %s: %s", e.Method, e.Code, e.Message)
}
