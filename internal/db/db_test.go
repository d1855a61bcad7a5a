package db

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"consultroom/internal/rooms"
)

func getTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database tests")
	}
	ctx := context.Background()
	database, err := Connect(ctx, dsn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if err := database.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	t.Cleanup(func() {
		database.conn.Exec("DELETE FROM rooms")
		database.Close()
	})
	return database
}

func newRoom(appointment string) rooms.Room {
	return rooms.Room{
		ID:            uuid.NewString(),
		AppointmentID: appointment,
		DoctorID:      "doc-" + appointment,
		PatientID:     "pat-" + appointment,
		Status:        rooms.StatusWaiting,
		Participants:  []rooms.Participant{},
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestConnect(t *testing.T) {
	database := getTestDB(t)
	if err := database.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}

func TestMigrate_Rerunnable(t *testing.T) {
	database := getTestDB(t)
	if err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate() error: %v", err)
	}

	var exists bool
	err := database.conn.QueryRow(`
		SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = 'rooms')
	`).Scan(&exists)
	if err != nil {
		t.Fatalf("checking rooms table: %v", err)
	}
	if !exists {
		t.Error("table rooms does not exist")
	}
}

func TestInsertAndGet(t *testing.T) {
	database := getTestDB(t)
	ctx := context.Background()
	room := newRoom("appt-1")

	inserted, err := database.Insert(ctx, room)
	if err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	if inserted.ID != room.ID || inserted.Status != rooms.StatusWaiting {
		t.Errorf("Insert() = %+v", inserted)
	}

	got, err := database.Get(ctx, room.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.DoctorID != room.DoctorID || got.PatientID != room.PatientID {
		t.Errorf("Get() = %+v", got)
	}
	if got.Participants == nil || len(got.Participants) != 0 {
		t.Errorf("Participants = %v, want empty roster", got.Participants)
	}
	if got.StartedAt != nil || got.EndedAt != nil {
		t.Error("new room should have no start or end time")
	}
}

func TestGet_NotFound(t *testing.T) {
	database := getTestDB(t)
	ctx := context.Background()

	if _, err := database.Get(ctx, uuid.NewString()); !errors.Is(err, rooms.ErrNotFound) {
		t.Errorf("Get() unknown id err = %v, want ErrNotFound", err)
	}
	if _, err := database.Get(ctx, "not-a-uuid"); !errors.Is(err, rooms.ErrNotFound) {
		t.Errorf("Get() malformed id err = %v, want ErrNotFound", err)
	}
}

func TestInsert_DuplicateOpenRoom(t *testing.T) {
	database := getTestDB(t)
	ctx := context.Background()

	if _, err := database.Insert(ctx, newRoom("appt-2")); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	_, err := database.Insert(ctx, newRoom("appt-2"))
	if !errors.Is(err, rooms.ErrDuplicateKey) {
		t.Errorf("second Insert() err = %v, want ErrDuplicateKey", err)
	}
}

func TestUpdateFields_EndFreesAppointment(t *testing.T) {
	database := getTestDB(t)
	ctx := context.Background()
	room := newRoom("appt-3")
	database.Insert(ctx, room)

	started := time.Now().UTC().Truncate(time.Millisecond)
	ended := started.Add(12 * time.Minute)
	active, done := rooms.StatusActive, rooms.StatusEnded
	doctor := rooms.RoleDoctor
	duration := ended.Sub(started)

	err := database.UpdateFields(ctx, room.ID, rooms.Fields{
		Status:    &active,
		StartedAt: &started,
		StartedBy: &doctor,
		Participants: []rooms.Participant{
			{Identity: room.DoctorID, Role: rooms.RoleDoctor, JoinedAt: started, Session: "s1", JoinCount: 1},
		},
	})
	if err != nil {
		t.Fatalf("UpdateFields() activate error: %v", err)
	}

	found, err := database.Find(ctx, "appt-3")
	if err != nil {
		t.Fatalf("Find() error: %v", err)
	}
	if found.Status != rooms.StatusActive || len(found.Participants) != 1 || found.Participants[0].Session != "s1" {
		t.Errorf("Find() = %+v", found)
	}

	err = database.UpdateFields(ctx, room.ID, rooms.Fields{Status: &done, EndedAt: &ended, EndedBy: &doctor, Duration: &duration})
	if err != nil {
		t.Fatalf("UpdateFields() end error: %v", err)
	}

	got, _ := database.Get(ctx, room.ID)
	if got.Duration != 12*time.Minute || !got.StartedAt.Equal(started) || !got.EndedAt.Equal(ended) {
		t.Errorf("ended room = %+v", got)
	}
	if _, err := database.Find(ctx, "appt-3"); !errors.Is(err, rooms.ErrNotFound) {
		t.Errorf("Find() after end err = %v, want ErrNotFound", err)
	}
	if _, err := database.Insert(ctx, newRoom("appt-3")); err != nil {
		t.Errorf("Insert() after end error: %v", err)
	}
}

func TestUpdateFields_NotFound(t *testing.T) {
	database := getTestDB(t)
	done := rooms.StatusEnded
	err := database.UpdateFields(context.Background(), uuid.NewString(), rooms.Fields{Status: &done})
	if !errors.Is(err, rooms.ErrNotFound) {
		t.Errorf("UpdateFields() err = %v, want ErrNotFound", err)
	}
}

func TestSweepEnded(t *testing.T) {
	database := getTestDB(t)
	ctx := context.Background()

	old := newRoom("appt-4")
	database.Insert(ctx, old)
	done := rooms.StatusEnded
	endedAt := time.Now().UTC().Add(-48 * time.Hour)
	database.UpdateFields(ctx, old.ID, rooms.Fields{Status: &done, EndedAt: &endedAt})

	open := newRoom("appt-5")
	database.Insert(ctx, open)

	n, err := database.SweepEnded(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("SweepEnded() error: %v", err)
	}
	if n != 1 {
		t.Errorf("SweepEnded() = %d, want 1", n)
	}
	if _, err := database.Get(ctx, open.ID); err != nil {
		t.Errorf("open room was swept: %v", err)
	}
}
