package rooms

import (
	"context"
	"sync"
	"time"
)

// Store is the durable room record store.
type Store interface {
	// Find returns the open (not ended) room for an appointment.
	Find(ctx context.Context, appointmentID string) (*Room, error)
	Get(ctx context.Context, roomID string) (*Room, error)
	// Insert fails with ErrDuplicateKey when the appointment already has an
	// open room.
	Insert(ctx context.Context, room Room) (*Room, error)
	UpdateFields(ctx context.Context, roomID string, f Fields) error
}

// MemoryStore keeps room records in process memory. Ended rooms are dropped
// once they are older than the retention window.
type MemoryStore struct {
	mu        sync.Mutex
	rooms     map[string]*Room
	open      map[string]string // appointmentID -> roomID
	retention time.Duration
}

func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		rooms:     make(map[string]*Room),
		open:      make(map[string]string),
		retention: retention,
	}
}

func (s *MemoryStore) Find(_ context.Context, appointmentID string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.open[appointmentID]
	if !ok {
		return nil, ErrNotFound
	}
	r := s.rooms[id].Clone()
	return &r, nil
}

func (s *MemoryStore) Get(_ context.Context, roomID string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	r := room.Clone()
	return &r, nil
}

func (s *MemoryStore) Insert(_ context.Context, room Room) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rooms[room.ID]; exists {
		return nil, ErrDuplicateKey
	}
	if room.Status != StatusEnded {
		if _, exists := s.open[room.AppointmentID]; exists {
			return nil, ErrDuplicateKey
		}
		s.open[room.AppointmentID] = room.ID
	}
	stored := room.Clone()
	s.rooms[room.ID] = &stored
	r := stored.Clone()
	return &r, nil
}

func (s *MemoryStore) UpdateFields(_ context.Context, roomID string, f Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	ApplyFields(room, f)
	if room.Status == StatusEnded && s.open[room.AppointmentID] == roomID {
		delete(s.open, room.AppointmentID)
	}
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// Sweep removes ended rooms whose EndedAt is older than the retention window
// and returns how many were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, room := range s.rooms {
		if room.Status != StatusEnded || room.EndedAt == nil {
			continue
		}
		if now.Sub(*room.EndedAt) > s.retention {
			delete(s.rooms, id)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}
