package wshub

import "encoding/json"

// Client -> server frame types.
const (
	MsgLeave  = "leave"
	MsgEnd    = "end"
	MsgSignal = "signal"
)

// Server -> client frame types.
const (
	MsgJoined     = "joined"
	MsgPeerJoined = "peer_joined"
	MsgPeerLeft   = "peer_left"
	MsgCallEnded  = "call_ended"
	MsgReplaced   = "replaced"
	MsgError      = "error"
)

// ClientMessage is the JSON structure received from clients. Payload is only
// used by signal frames and is relayed to the peer untouched.
type ClientMessage struct {
	Type    string          `json:"t"`
	Payload json.RawMessage `json:"p,omitempty"`
}

// ServerMessage is the JSON structure sent to clients.
type ServerMessage struct {
	Type     string          `json:"t"`
	RoomID   string          `json:"room,omitempty"`
	Identity string          `json:"id,omitempty"`
	Role     string          `json:"role,omitempty"`
	Status   string          `json:"status,omitempty"`
	Error    string          `json:"error,omitempty"`
	Payload  json.RawMessage `json:"p,omitempty"`
}
