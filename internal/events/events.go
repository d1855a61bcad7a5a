package events

import "time"

// CallEnded is emitted when a room moves into the ended state.
type CallEnded struct {
	RoomID        string    `json:"roomId"`
	AppointmentID string    `json:"appointmentId"`
	DurationMs    int64     `json:"durationMs"`
	EndedBy       string    `json:"endedBy"`
	EndedAt       time.Time `json:"endedAt"`
	// Origin names the instance that published the event on a shared
	// channel. Empty for events raised locally.
	Origin string `json:"origin,omitempty"`
}

type Bus struct {
	CallEnded chan CallEnded
}

func NewBus(size int) *Bus {
	if size <= 0 {
		size = 10
	}
	return &Bus{
		CallEnded: make(chan CallEnded, size),
	}
}

// Emit queues ev without blocking. It reports false when the bus is full and
// the event was dropped.
func (b *Bus) Emit(ev CallEnded) bool {
	select {
	case b.CallEnded <- ev:
		return true
	default:
		return false
	}
}
