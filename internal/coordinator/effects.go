package coordinator

import (
	"encoding/json"

	"consultroom/internal/events"
	"consultroom/internal/registry"
	"consultroom/internal/rooms"
	"consultroom/internal/wshub"
)

// Effects is everything one room event asks the outside world to do. It is
// built inside the room's critical section and carried out by Broadcast.
type Effects struct {
	RoomID string
	Status rooms.Status
	Room   rooms.Room
	Live   []registry.Session

	// Reply goes only to Session, the session that caused the event.
	Session string
	Reply   *wshub.ServerMessage

	// Message goes to every session in BroadcastTo. The session that caused
	// the event is never listed.
	Message     wshub.ServerMessage
	BroadcastTo []string

	// Evicted sessions were replaced by a newer session of the same identity.
	// They get a replaced frame and are then closed.
	Evicted []string
	// Close lists sessions to close once Message has been queued.
	Close []string

	Notify *events.CallEnded

	Activated bool
	Ended     bool
	ClockSkew bool
}

// View is the read model of a room: its record plus who is connected now.
type View struct {
	Room rooms.Room         `json:"room"`
	Live []registry.Session `json:"live"`
}

func (e Effects) applied() bool {
	return e.RoomID != ""
}

// Transport delivers frames to live sessions.
type Transport interface {
	Send(sessionID string, data []byte) error
	Close(sessionID string)
}

func encode(msg wshub.ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func others(live []registry.Session, except string) []string {
	out := make([]string, 0, len(live))
	for _, s := range live {
		if s.ID != except {
			out = append(out, s.ID)
		}
	}
	return out
}
