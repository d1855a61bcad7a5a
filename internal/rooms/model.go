package rooms

import "time"

type Status string

const (
	StatusWaiting = Status("waiting")
	StatusActive  = Status("active")
	StatusEnded   = Status("ended")
)

type Role string

const (
	RoleDoctor  = Role("doctor")
	RolePatient = Role("patient")
)

func (r Role) Valid() bool {
	return r == RoleDoctor || r == RolePatient
}

// Participant is one roster entry. The roster records everyone who has ever
// joined the room; who is connected right now lives in the registry.
type Participant struct {
	Identity  string    `json:"identity"`
	Role      Role      `json:"role"`
	JoinedAt  time.Time `json:"joinedAt"`
	Session   string    `json:"session"`
	JoinCount int       `json:"joinCount"`
}

type Room struct {
	ID            string        `json:"roomId"`
	AppointmentID string        `json:"appointmentId"`
	DoctorID      string        `json:"doctorId"`
	PatientID     string        `json:"patientId"`
	Status        Status        `json:"status"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	EndedAt       *time.Time    `json:"endedAt,omitempty"`
	Duration      time.Duration `json:"duration"`
	StartedBy     Role          `json:"startedBy,omitempty"`
	EndedBy       Role          `json:"endedBy,omitempty"`
	Participants  []Participant `json:"participants"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// RoleOf reports the role an identity holds in the room.
func (r *Room) RoleOf(identity string) (Role, bool) {
	switch {
	case identity == "":
		return "", false
	case identity == r.DoctorID:
		return RoleDoctor, true
	case identity == r.PatientID:
		return RolePatient, true
	}
	return "", false
}

func (r *Room) participant(identity string) int {
	for i, p := range r.Participants {
		if p.Identity == identity {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so callers can't mutate the coordinator's state.
func (r Room) Clone() Room {
	c := r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	if r.Participants != nil {
		c.Participants = make([]Participant, len(r.Participants))
		copy(c.Participants, r.Participants)
	}
	return c
}

// Fields is a partial update of a room record. Nil fields are left untouched.
type Fields struct {
	Status       *Status
	StartedAt    *time.Time
	StartedBy    *Role
	EndedAt      *time.Time
	EndedBy      *Role
	Duration     *time.Duration
	Participants []Participant
}

func (f Fields) Empty() bool {
	return f.Status == nil && f.StartedAt == nil && f.StartedBy == nil &&
		f.EndedAt == nil && f.EndedBy == nil && f.Duration == nil && f.Participants == nil
}

// FullFields returns every mutable field of r, used when a partial write may
// have been lost.
func FullFields(r Room) Fields {
	c := r.Clone()
	f := Fields{
		Status:       &c.Status,
		StartedAt:    c.StartedAt,
		EndedAt:      c.EndedAt,
		Duration:     &c.Duration,
		Participants: c.Participants,
	}
	if f.Participants == nil {
		f.Participants = []Participant{}
	}
	if c.StartedBy != "" {
		f.StartedBy = &c.StartedBy
	}
	if c.EndedBy != "" {
		f.EndedBy = &c.EndedBy
	}
	return f
}

// ApplyFields writes f onto r.
func ApplyFields(r *Room, f Fields) {
	if f.Status != nil {
		r.Status = *f.Status
	}
	if f.StartedAt != nil {
		t := *f.StartedAt
		r.StartedAt = &t
	}
	if f.StartedBy != nil {
		r.StartedBy = *f.StartedBy
	}
	if f.EndedAt != nil {
		t := *f.EndedAt
		r.EndedAt = &t
	}
	if f.EndedBy != nil {
		r.EndedBy = *f.EndedBy
	}
	if f.Duration != nil {
		r.Duration = *f.Duration
	}
	if f.Participants != nil {
		r.Participants = append([]Participant(nil), f.Participants...)
	}
}
