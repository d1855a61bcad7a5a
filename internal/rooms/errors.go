package rooms

import "errors"

var (
	ErrUnauthorized      = errors.New("identity is not a participant of this room")
	ErrRoomClosed        = errors.New("room is closed")
	ErrDuplicateRoom     = errors.New("an open room already exists for this appointment")
	ErrNotFound          = errors.New("room not found")
	ErrPersistenceFailed = errors.New("room state could not be persisted")
	ErrOverloaded        = errors.New("too many pending events for this room")
	ErrInvalidRoom       = errors.New("room needs distinct doctor and patient identities")

	// ErrDuplicateKey is returned by stores when the open-room-per-appointment
	// constraint rejects an insert.
	ErrDuplicateKey = errors.New("duplicate key")
)
