package rpc

import "encoding/json"

// Request is a message sent to the worker.
type Request struct {
	ID     int64           `json:"id"`
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

// Response is a message received from the worker.
// Result is only meaningful when OK is true, and Error only when it is false.
type Response struct {
	ID     int64           `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Operation types with meaning to the client itself. All other types are forwarded opaquely.
const (
	TypePing  = "ping"
	TypeClose = "close"
)

// defaultRemoteError is reported when the worker fails a request without saying why.
const defaultRemoteError = "agent_error"
