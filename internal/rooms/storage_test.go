package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_InsertAndGet(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	room := newRoom()
	if _, err := s.Insert(ctx, room); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	got, err := s.Get(ctx, room.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.AppointmentID != room.AppointmentID {
		t.Errorf("AppointmentID = %q, want %q", got.AppointmentID, room.AppointmentID)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_OneOpenRoomPerAppointment(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	first := newRoom()
	s.Insert(ctx, first)

	second := newRoom()
	second.ID = "room-2"
	if _, err := s.Insert(ctx, second); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("Insert() err = %v, want ErrDuplicateKey", err)
	}

	ended := StatusEnded
	if err := s.UpdateFields(ctx, first.ID, Fields{Status: &ended}); err != nil {
		t.Fatalf("UpdateFields() error: %v", err)
	}
	if _, err := s.Find(ctx, first.AppointmentID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Find() err = %v, want ErrNotFound after end", err)
	}
	if _, err := s.Insert(ctx, second); err != nil {
		t.Errorf("Insert() after end error: %v", err)
	}
}

func TestMemoryStore_UpdateFields(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()
	room := newRoom()
	s.Insert(ctx, room)

	active := StatusActive
	by := RolePatient
	err := s.UpdateFields(ctx, room.ID, Fields{
		Status:       &active,
		StartedAt:    &t0,
		StartedBy:    &by,
		Participants: []Participant{{Identity: "doc", Role: RoleDoctor}},
	})
	if err != nil {
		t.Fatalf("UpdateFields() error: %v", err)
	}

	got, _ := s.Get(ctx, room.ID)
	if got.Status != StatusActive || got.StartedBy != RolePatient {
		t.Errorf("got status %q startedBy %q", got.Status, got.StartedBy)
	}
	if len(got.Participants) != 1 {
		t.Errorf("roster length = %d, want 1", len(got.Participants))
	}

	if err := s.UpdateFields(ctx, "missing", Fields{Status: &active}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateFields(missing) err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()
	room := newRoom()
	s.Insert(ctx, room)

	got, _ := s.Get(ctx, room.ID)
	got.Status = StatusEnded

	again, _ := s.Get(ctx, room.ID)
	if again.Status != StatusWaiting {
		t.Error("mutating a returned room changed the stored record")
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	old := newRoom()
	s.Insert(ctx, old)
	ended := StatusEnded
	endedAt := t0
	s.UpdateFields(ctx, old.ID, Fields{Status: &ended, EndedAt: &endedAt})

	open := newRoom()
	open.ID = "room-open"
	open.AppointmentID = "appt-2"
	s.Insert(ctx, open)

	if n := s.Sweep(t0.Add(30 * time.Minute)); n != 0 {
		t.Errorf("Sweep() inside retention removed %d, want 0", n)
	}
	if n := s.Sweep(t0.Add(2 * time.Hour)); n != 1 {
		t.Errorf("Sweep() removed %d, want 1", n)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestMemoryStore_ConcurrentInsert(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := newRoom()
			r.ID = fmt.Sprintf("room-%d", i)
			if _, err := s.Insert(ctx, r); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if ok != 1 {
		t.Errorf("concurrent inserts for one appointment: %d succeeded, want 1", ok)
	}
}
