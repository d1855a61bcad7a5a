package rooms

import (
	"fmt"
	"time"
)

type EventKind string

const (
	EventJoin       = EventKind("join")
	EventLeave      = EventKind("leave")
	EventDisconnect = EventKind("disconnect")
	EventEnd        = EventKind("end")
)

// Event is one input to the room state machine. Session is only meaningful
// for joins.
type Event struct {
	Kind     EventKind
	Identity string
	Role     Role
	Session  string
}

// Transition is the result of applying an Event to a Room.
type Transition struct {
	Room      Room
	From      Status
	Changed   Fields
	Role      Role // role of the identity that caused the event
	Activated bool
	Ended     bool
	// ClockSkew is set when the wall clock went backwards between start and
	// end and the duration was clamped to zero.
	ClockSkew bool
}

// Noop reports whether the transition left the record untouched.
func (t Transition) Noop() bool {
	return t.Changed.Empty()
}

type step func(r *Room, ev Event, t *Transition, now time.Time) error

var transitions = map[Status]map[EventKind]step{
	StatusWaiting: {
		EventJoin:       join,
		EventLeave:      stay,
		EventDisconnect: stay,
		EventEnd:        end,
	},
	StatusActive: {
		EventJoin:       rejoin,
		EventLeave:      stay,
		EventDisconnect: stay,
		EventEnd:        end,
	},
	StatusEnded: {
		EventJoin:       closed,
		EventLeave:      stay,
		EventDisconnect: stay,
		EventEnd:        stay,
	},
}

// Apply computes the next state of room for ev. It never mutates room and
// performs no I/O; now must come from the server clock.
func Apply(room Room, ev Event, now time.Time) (Transition, error) {
	next := room.Clone()
	t := Transition{From: room.Status}

	role, err := authorize(&next, ev)
	if err != nil {
		return t, err
	}
	t.Role = role

	steps, ok := transitions[next.Status]
	if !ok {
		return t, fmt.Errorf("rooms: unknown status %q", next.Status)
	}
	fn, ok := steps[ev.Kind]
	if !ok {
		return t, fmt.Errorf("rooms: unknown event %q", ev.Kind)
	}
	if err := fn(&next, ev, &t, now); err != nil {
		return t, err
	}
	t.Room = next
	return t, nil
}

func authorize(r *Room, ev Event) (Role, error) {
	if ev.Kind == EventEnd {
		if !ev.Role.Valid() {
			return "", ErrUnauthorized
		}
		if ev.Identity != "" {
			role, ok := r.RoleOf(ev.Identity)
			if !ok || role != ev.Role {
				return "", ErrUnauthorized
			}
		}
		return ev.Role, nil
	}

	role, ok := r.RoleOf(ev.Identity)
	if !ok {
		return "", ErrUnauthorized
	}
	if ev.Role != "" && ev.Role != role {
		return "", ErrUnauthorized
	}
	return role, nil
}

func stay(*Room, Event, *Transition, time.Time) error {
	return nil
}

func closed(*Room, Event, *Transition, time.Time) error {
	return ErrRoomClosed
}

func join(r *Room, ev Event, t *Transition, now time.Time) error {
	recordJoin(r, ev, t, now)
	if !hasRole(r, RoleDoctor) || !hasRole(r, RolePatient) {
		return nil
	}

	started := now
	r.Status = StatusActive
	r.StartedAt = &started
	r.StartedBy = t.Role

	t.Activated = true
	t.Changed.Status = &r.Status
	t.Changed.StartedAt = r.StartedAt
	t.Changed.StartedBy = &r.StartedBy
	return nil
}

func rejoin(r *Room, ev Event, t *Transition, now time.Time) error {
	recordJoin(r, ev, t, now)
	return nil
}

func end(r *Room, _ Event, t *Transition, now time.Time) error {
	ended := now
	var d time.Duration
	if r.StartedAt != nil {
		d = ended.Sub(*r.StartedAt)
		if d < 0 {
			d = 0
			t.ClockSkew = true
		}
	}

	r.Status = StatusEnded
	r.EndedAt = &ended
	r.EndedBy = t.Role
	r.Duration = d

	t.Ended = true
	t.Changed.Status = &r.Status
	t.Changed.EndedAt = r.EndedAt
	t.Changed.EndedBy = &r.EndedBy
	t.Changed.Duration = &r.Duration
	return nil
}

func recordJoin(r *Room, ev Event, t *Transition, now time.Time) {
	if i := r.participant(ev.Identity); i >= 0 {
		p := &r.Participants[i]
		p.JoinedAt = now
		p.Session = ev.Session
		p.JoinCount++
	} else {
		r.Participants = append(r.Participants, Participant{
			Identity:  ev.Identity,
			Role:      t.Role,
			JoinedAt:  now,
			Session:   ev.Session,
			JoinCount: 1,
		})
	}
	t.Changed.Participants = append([]Participant(nil), r.Participants...)
}

func hasRole(r *Room, role Role) bool {
	for _, p := range r.Participants {
		if p.Role == role {
			return true
		}
	}
	return false
}
