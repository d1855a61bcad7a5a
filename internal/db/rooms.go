package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"consultroom/internal/rooms"
)

const uniqueViolation = pq.ErrorCode("23505")

const roomColumns = `id, appointment_id, doctor_id, patient_id, status, started_at, started_by,
	ended_at, ended_by, duration_ms, participants, created_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (*rooms.Room, error) {
	var (
		r            rooms.Room
		startedAt    sql.NullTime
		endedAt      sql.NullTime
		durationMs   int64
		participants []byte
	)
	err := row.Scan(&r.ID, &r.AppointmentID, &r.DoctorID, &r.PatientID, &r.Status,
		&startedAt, &r.StartedBy, &endedAt, &r.EndedBy, &durationMs, &participants, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		r.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		r.EndedAt = &t
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.Duration = time.Duration(durationMs) * time.Millisecond
	if err := json.Unmarshal(participants, &r.Participants); err != nil {
		return nil, fmt.Errorf("decoding participants: %w", err)
	}
	if r.Participants == nil {
		r.Participants = []rooms.Participant{}
	}
	return &r, nil
}

func (d *DB) Find(ctx context.Context, appointmentID string) (*rooms.Room, error) {
	row := d.conn.QueryRowContext(ctx, `
		SELECT `+roomColumns+`
		FROM rooms
		WHERE appointment_id = $1 AND status <> 'ended'
	`, appointmentID)
	r, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rooms.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding room for appointment %s: %w", appointmentID, err)
	}
	return r, nil
}

func (d *DB) Get(ctx context.Context, roomID string) (*rooms.Room, error) {
	row := d.conn.QueryRowContext(ctx, `
		SELECT `+roomColumns+`
		FROM rooms
		WHERE id = $1
	`, roomID)
	r, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rooms.ErrNotFound
	}
	if err != nil {
		var pqErr *pq.Error
		// malformed uuid
		if errors.As(err, &pqErr) && pqErr.Code == "22P02" {
			return nil, rooms.ErrNotFound
		}
		return nil, fmt.Errorf("getting room %s: %w", roomID, err)
	}
	return r, nil
}

func (d *DB) Insert(ctx context.Context, room rooms.Room) (*rooms.Room, error) {
	participants := room.Participants
	if participants == nil {
		participants = []rooms.Participant{}
	}
	roster, err := json.Marshal(participants)
	if err != nil {
		return nil, fmt.Errorf("encoding participants: %w", err)
	}

	row := d.conn.QueryRowContext(ctx, `
		INSERT INTO rooms (id, appointment_id, doctor_id, patient_id, status, started_at, started_by,
			ended_at, ended_by, duration_ms, participants, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+roomColumns,
		room.ID, room.AppointmentID, room.DoctorID, room.PatientID, room.Status,
		room.StartedAt, room.StartedBy, room.EndedAt, room.EndedBy,
		room.Duration.Milliseconds(), string(roster), room.CreatedAt)
	r, err := scanRoom(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, rooms.ErrDuplicateKey
		}
		return nil, fmt.Errorf("inserting room: %w", err)
	}
	return r, nil
}

// UpdateFields writes only the non-nil fields of f.
func (d *DB) UpdateFields(ctx context.Context, roomID string, f rooms.Fields) error {
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if f.Status != nil {
		set("status", string(*f.Status))
	}
	if f.StartedAt != nil {
		set("started_at", *f.StartedAt)
	}
	if f.StartedBy != nil {
		set("started_by", string(*f.StartedBy))
	}
	if f.EndedAt != nil {
		set("ended_at", *f.EndedAt)
	}
	if f.EndedBy != nil {
		set("ended_by", string(*f.EndedBy))
	}
	if f.Duration != nil {
		set("duration_ms", f.Duration.Milliseconds())
	}
	if f.Participants != nil {
		roster, err := json.Marshal(f.Participants)
		if err != nil {
			return fmt.Errorf("encoding participants: %w", err)
		}
		set("participants", string(roster))
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, roomID)
	query := fmt.Sprintf("UPDATE rooms SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	res, err := d.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating room %s: %w", roomID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating room %s: %w", roomID, err)
	}
	if n == 0 {
		return rooms.ErrNotFound
	}
	return nil
}

// SweepEnded deletes ended rooms whose end time is before cutoff.
func (d *DB) SweepEnded(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.conn.ExecContext(ctx, `
		DELETE FROM rooms WHERE status = 'ended' AND ended_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping ended rooms: %w", err)
	}
	return res.RowsAffected()
}

// RunSweeper calls SweepEnded every interval until ctx is done.
func (d *DB) RunSweeper(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := d.SweepEnded(ctx, now.Add(-retention))
			if err != nil {
				d.log.Error("db.sweep", "err", err)
				continue
			}
			if n > 0 {
				d.log.Info("db.swept", "rooms", n)
			}
		}
	}
}

var _ rooms.Store = (*DB)(nil)
