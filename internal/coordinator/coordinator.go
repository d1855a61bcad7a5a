// Package coordinator serializes room events, runs them through the room
// state machine, persists the result and tells the transport what to send.
//
// Every room has a slot: a one-token semaphore plus a count of callers holding
// or waiting for it. Blocked channel senders are released in arrival order, so
// events for one room apply FIFO while different rooms run in parallel.
//
// A failed store write does not undo the in-memory transition. The room is
// marked dirty and Run rewrites the full record with backoff until the store
// accepts it; the next successful event write for a dirty room also writes
// the full record.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"consultroom/internal/events"
	"consultroom/internal/metrics"
	"consultroom/internal/registry"
	"consultroom/internal/rooms"
	"consultroom/internal/wshub"
)

var (
	ErrMissingSession = errors.New("join requires a session")
	ErrNotAttached    = errors.New("session is not attached to the room")
)

type Options struct {
	PersistTimeout  time.Duration
	MaxQueueDepth   int
	RetryInterval   time.Duration
	RetryMaxBackoff time.Duration
	// Now is the server clock. Durations are always computed from it,
	// truncated to clockPrecision.
	Now func() time.Time
}

// clockPrecision is the coarsest time unit any store keeps (duration_ms in
// Postgres). Truncating the clock to it makes a reloaded room identical to
// the one that was written.
const clockPrecision = time.Millisecond

func (o *Options) setDefaults() {
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 3 * time.Second
	}
	if o.MaxQueueDepth <= 0 {
		o.MaxQueueDepth = 64
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 500 * time.Millisecond
	}
	if o.RetryMaxBackoff < o.RetryInterval {
		o.RetryMaxBackoff = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

type slot struct {
	sem     chan struct{}
	pending int // holder plus waiters, guarded by Coordinator.mu

	// owned by whoever holds sem
	room *rooms.Room
}

type retryState struct {
	next  time.Time
	delay time.Duration
}

type Coordinator struct {
	store     rooms.Store
	reg       *registry.Registry
	transport Transport
	bus       *events.Bus
	metrics   *metrics.Metrics
	log       *slog.Logger
	opts      Options

	mu    sync.Mutex
	slots map[string]*slot
	dirty map[string]*retryState
}

func New(store rooms.Store, reg *registry.Registry, transport Transport, bus *events.Bus, m *metrics.Metrics, log *slog.Logger, opts Options) *Coordinator {
	opts.setDefaults()
	return &Coordinator{
		store:     store,
		reg:       reg,
		transport: transport,
		bus:       bus,
		metrics:   m,
		log:       log,
		opts:      opts,
		slots:     make(map[string]*slot),
		dirty:     make(map[string]*retryState),
	}
}

// CreateRoom opens a waiting room for an appointment.
func (c *Coordinator) CreateRoom(ctx context.Context, appointmentID, doctorID, patientID string) (rooms.Room, error) {
	if appointmentID == "" || doctorID == "" || patientID == "" || doctorID == patientID {
		return rooms.Room{}, rooms.ErrInvalidRoom
	}

	existing, err := c.findOpen(ctx, appointmentID)
	switch {
	case err == nil:
		if !c.settleEnded(ctx, existing.ID) {
			return rooms.Room{}, rooms.ErrDuplicateRoom
		}
	case errors.Is(err, rooms.ErrNotFound):
	default:
		c.log.Error("room.find", "appointment", appointmentID, "err", err)
		return rooms.Room{}, rooms.ErrPersistenceFailed
	}

	room := rooms.Room{
		ID:            uuid.NewString(),
		AppointmentID: appointmentID,
		DoctorID:      doctorID,
		PatientID:     patientID,
		Status:        rooms.StatusWaiting,
		Participants:  []rooms.Participant{},
		CreatedAt:     c.now(),
	}

	pctx, cancel := c.persistCtx(ctx)
	defer cancel()
	if _, err := c.store.Insert(pctx, room); err != nil {
		if errors.Is(err, rooms.ErrDuplicateKey) {
			return rooms.Room{}, rooms.ErrDuplicateRoom
		}
		c.log.Error("room.insert", "appointment", appointmentID, "err", err)
		c.metrics.PersistFailures.Inc()
		return rooms.Room{}, rooms.ErrPersistenceFailed
	}

	c.metrics.RoomsCreated.Inc()
	c.log.Info("room.created", "room", room.ID, "appointment", appointmentID)
	return room, nil
}

func (c *Coordinator) findOpen(ctx context.Context, appointmentID string) (*rooms.Room, error) {
	pctx, cancel := c.persistCtx(ctx)
	defer cancel()
	return c.store.Find(pctx, appointmentID)
}

// settleEnded handles a store that still lists a room as open while this
// process already ended it but could not persist that yet. It reports whether
// the room is now ended in the store.
func (c *Coordinator) settleEnded(ctx context.Context, roomID string) bool {
	if !c.isDirty(roomID) {
		return false
	}
	s, err := c.acquire(ctx, roomID)
	if err != nil {
		return false
	}
	defer c.release(s)
	if s.room == nil || s.room.Status != rooms.StatusEnded {
		return false
	}
	return c.flush(ctx, s, roomID) == nil
}

// HandleEvent applies ev to the room under its lock and returns the effects
// without delivering them. On ErrPersistenceFailed the effects are still
// valid: the transition has been applied in memory.
func (c *Coordinator) HandleEvent(ctx context.Context, roomID string, ev rooms.Event) (Effects, error) {
	s, err := c.acquire(ctx, roomID)
	if err != nil {
		return Effects{}, err
	}
	defer c.release(s)
	return c.apply(ctx, s, roomID, ev)
}

// Dispatch is HandleEvent followed by Broadcast, both inside the room's
// critical section so peers see frames in transition order.
func (c *Coordinator) Dispatch(ctx context.Context, roomID string, ev rooms.Event) (Effects, error) {
	s, err := c.acquire(ctx, roomID)
	if err != nil {
		return Effects{}, err
	}
	defer c.release(s)

	eff, err := c.apply(ctx, s, roomID, ev)
	if eff.applied() {
		c.Broadcast(eff)
	}
	return eff, err
}

func (c *Coordinator) OnJoin(ctx context.Context, roomID, identity string, role rooms.Role, session string) (Effects, error) {
	return c.Dispatch(ctx, roomID, rooms.Event{Kind: rooms.EventJoin, Identity: identity, Role: role, Session: session})
}

func (c *Coordinator) OnLeave(ctx context.Context, roomID, identity string) (Effects, error) {
	return c.Dispatch(ctx, roomID, rooms.Event{Kind: rooms.EventLeave, Identity: identity})
}

func (c *Coordinator) OnEnd(ctx context.Context, roomID string, role rooms.Role) (Effects, error) {
	return c.Dispatch(ctx, roomID, rooms.Event{Kind: rooms.EventEnd, Role: role})
}

// OnDisconnect is called by the transport when it loses a connection.
func (c *Coordinator) OnDisconnect(ctx context.Context, roomID, session string) (Effects, error) {
	return c.Dispatch(context.WithoutCancel(ctx), roomID, rooms.Event{Kind: rooms.EventDisconnect, Session: session})
}

// Broadcast carries out effects through the transport. Send failures are
// logged and counted; they never fail the event.
func (c *Coordinator) Broadcast(eff Effects) {
	if c.transport != nil {
		if eff.Reply != nil && eff.Session != "" {
			if data, err := encode(*eff.Reply); err == nil {
				c.send(eff.RoomID, eff.Session, data)
			}
		}
		if eff.Message.Type != "" && len(eff.BroadcastTo) > 0 {
			data, err := encode(eff.Message)
			if err != nil {
				c.log.Error("broadcast.encode", "room", eff.RoomID, "err", err)
			} else {
				for _, id := range eff.BroadcastTo {
					c.send(eff.RoomID, id, data)
				}
			}
		}
		if len(eff.Evicted) > 0 {
			data, _ := encode(wshub.ServerMessage{Type: wshub.MsgReplaced, RoomID: eff.RoomID})
			for _, id := range eff.Evicted {
				c.send(eff.RoomID, id, data)
				c.transport.Close(id)
			}
		}
		for _, id := range eff.Close {
			c.transport.Close(id)
		}
	}

	if eff.Notify != nil && c.bus != nil {
		if !c.bus.Emit(*eff.Notify) {
			c.metrics.NotificationsDropped.Inc()
			c.log.Warn("notify.dropped", "room", eff.RoomID)
		}
	}
}

func (c *Coordinator) send(roomID, sessionID string, data []byte) {
	if err := c.transport.Send(sessionID, data); err != nil {
		c.metrics.SendFailures.Inc()
		c.log.Warn("broadcast.send", "room", roomID, "session", sessionID, "err", err)
	}
}

// Relay forwards an opaque signaling payload from one live session to the
// other live sessions of the room.
func (c *Coordinator) Relay(roomID, fromSession string, payload []byte) error {
	from, ok := c.reg.Lookup(roomID, fromSession)
	if !ok {
		return ErrNotAttached
	}
	if c.transport == nil {
		return nil
	}
	data, err := encode(wshub.ServerMessage{
		Type:     wshub.MsgSignal,
		RoomID:   roomID,
		Identity: from.Identity,
		Role:     from.Role,
		Payload:  payload,
	})
	if err != nil {
		return err
	}
	for _, id := range others(c.reg.LiveMembers(roomID), fromSession) {
		c.send(roomID, id, data)
	}
	return nil
}

// Snapshot returns the room record and its live sessions.
func (c *Coordinator) Snapshot(ctx context.Context, roomID string) (rooms.Room, []registry.Session, error) {
	s, err := c.acquire(ctx, roomID)
	if err != nil {
		return rooms.Room{}, nil, err
	}
	defer c.release(s)

	room, err := c.load(ctx, s, roomID)
	if err != nil {
		return rooms.Room{}, nil, err
	}
	return room.Clone(), c.reg.LiveMembers(roomID), nil
}

func (c *Coordinator) apply(ctx context.Context, s *slot, roomID string, ev rooms.Event) (Effects, error) {
	room, err := c.load(ctx, s, roomID)
	if err != nil {
		return Effects{}, err
	}

	switch ev.Kind {
	case rooms.EventJoin:
		if ev.Session == "" {
			return Effects{}, ErrMissingSession
		}
	case rooms.EventDisconnect:
		live, ok := c.reg.Lookup(roomID, ev.Session)
		if !ok {
			// duplicate or late disconnect
			return c.effects(roomID, *room), nil
		}
		ev.Identity = live.Identity
	}

	now := c.now()
	tr, err := rooms.Apply(*room, ev, now)
	if err != nil {
		c.metrics.EventErrors.WithLabelValues(string(ev.Kind), errorLabel(err)).Inc()
		return Effects{}, err
	}

	var persistErr error
	if !tr.Noop() || c.isDirty(roomID) {
		persistErr = c.persist(ctx, roomID, tr.Changed, tr.Room)
	}
	*s.room = tr.Room

	eff := c.effects(roomID, tr.Room)
	eff.Activated = tr.Activated
	eff.Ended = tr.Ended
	eff.ClockSkew = tr.ClockSkew

	switch ev.Kind {
	case rooms.EventJoin:
		evicted, replaced := c.reg.Attach(registry.Session{
			ID:       ev.Session,
			RoomID:   roomID,
			Identity: ev.Identity,
			Role:     string(tr.Role),
			JoinedAt: now,
		})
		if replaced {
			eff.Evicted = append(eff.Evicted, evicted.ID)
		}
		eff.Live = c.reg.LiveMembers(roomID)
		eff.Message = wshub.ServerMessage{
			Type:     wshub.MsgPeerJoined,
			RoomID:   roomID,
			Identity: ev.Identity,
			Role:     string(tr.Role),
			Status:   string(tr.Room.Status),
		}
		eff.BroadcastTo = others(eff.Live, ev.Session)
		eff.Session = ev.Session
		view, _ := json.Marshal(View{Room: eff.Room, Live: eff.Live})
		eff.Reply = &wshub.ServerMessage{
			Type:     wshub.MsgJoined,
			RoomID:   roomID,
			Identity: ev.Identity,
			Role:     string(tr.Role),
			Status:   string(tr.Room.Status),
			Payload:  view,
		}

	case rooms.EventLeave, rooms.EventDisconnect:
		var gone registry.Session
		var ok bool
		if ev.Kind == rooms.EventLeave {
			gone, ok = c.reg.DetachIdentity(roomID, ev.Identity)
		} else {
			gone, ok = c.reg.Detach(roomID, ev.Session)
		}
		eff.Live = c.reg.LiveMembers(roomID)
		if ok {
			if ev.Kind == rooms.EventLeave {
				eff.Close = append(eff.Close, gone.ID)
			}
			eff.Message = wshub.ServerMessage{
				Type:     wshub.MsgPeerLeft,
				RoomID:   roomID,
				Identity: gone.Identity,
				Role:     gone.Role,
				Status:   string(tr.Room.Status),
			}
			eff.BroadcastTo = others(eff.Live, gone.ID)
		}

	case rooms.EventEnd:
		if tr.Ended {
			cleared := c.reg.Clear(roomID)
			eff.Live = nil
			eff.Message = wshub.ServerMessage{
				Type:   wshub.MsgCallEnded,
				RoomID: roomID,
				Role:   string(tr.Room.EndedBy),
				Status: string(tr.Room.Status),
			}
			eff.BroadcastTo = others(cleared, ev.Session)
			if ev.Session != "" {
				reply := eff.Message
				eff.Session = ev.Session
				eff.Reply = &reply
			}
			for _, sess := range cleared {
				eff.Close = append(eff.Close, sess.ID)
			}
			eff.Notify = &events.CallEnded{
				RoomID:        roomID,
				AppointmentID: tr.Room.AppointmentID,
				DurationMs:    tr.Room.Duration.Milliseconds(),
				EndedBy:       string(tr.Room.EndedBy),
				EndedAt:       *tr.Room.EndedAt,
			}
			c.metrics.CallDuration.Observe(tr.Room.Duration.Seconds())
			if tr.ClockSkew {
				c.metrics.ClockSkew.Inc()
				c.log.Warn("room.clock_skew", "room", roomID)
			}
			c.log.Info("room.ended", "room", roomID, "by", tr.Room.EndedBy, "duration", tr.Room.Duration)
		}
	}

	if tr.Activated {
		c.log.Info("room.active", "room", roomID, "by", tr.Room.StartedBy)
	}
	c.metrics.Transitions.WithLabelValues(string(ev.Kind), string(tr.Room.Status)).Inc()
	c.metrics.LiveSessions.Set(float64(c.reg.Count()))
	return eff, persistErr
}

func (c *Coordinator) now() time.Time {
	return c.opts.Now().Truncate(clockPrecision)
}

func (c *Coordinator) effects(roomID string, room rooms.Room) Effects {
	return Effects{
		RoomID: roomID,
		Status: room.Status,
		Room:   room.Clone(),
		Live:   c.reg.LiveMembers(roomID),
	}
}

func (c *Coordinator) load(ctx context.Context, s *slot, roomID string) (*rooms.Room, error) {
	if s.room != nil {
		return s.room, nil
	}
	pctx, cancel := c.persistCtx(ctx)
	defer cancel()
	room, err := c.store.Get(pctx, roomID)
	if errors.Is(err, rooms.ErrNotFound) {
		return nil, rooms.ErrNotFound
	}
	if err != nil {
		c.log.Error("room.load", "room", roomID, "err", err)
		return nil, rooms.ErrPersistenceFailed
	}
	s.room = room
	return s.room, nil
}

func (c *Coordinator) persist(ctx context.Context, roomID string, changed rooms.Fields, next rooms.Room) error {
	f := changed
	if c.isDirty(roomID) {
		f = rooms.FullFields(next)
	}

	pctx, cancel := c.persistCtx(ctx)
	defer cancel()
	if err := c.store.UpdateFields(pctx, roomID, f); err != nil {
		c.metrics.PersistFailures.Inc()
		c.log.Error("persist.failed", "room", roomID, "err", err)
		if errors.Is(err, rooms.ErrNotFound) {
			// the row is gone; rewriting it can never succeed
			c.clearDirty(roomID)
		} else {
			c.markDirty(roomID)
		}
		return rooms.ErrPersistenceFailed
	}
	c.clearDirty(roomID)
	return nil
}

// persistCtx bounds a store call. It is detached from the caller so a
// disconnecting client can't abort a write halfway through a transition.
func (c *Coordinator) persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.opts.PersistTimeout)
}

func (c *Coordinator) acquire(ctx context.Context, roomID string) (*slot, error) {
	c.mu.Lock()
	s := c.slots[roomID]
	if s == nil {
		s = &slot{sem: make(chan struct{}, 1)}
		c.slots[roomID] = s
	}
	if s.pending > c.opts.MaxQueueDepth {
		c.mu.Unlock()
		c.metrics.Overloaded.Inc()
		return nil, rooms.ErrOverloaded
	}
	s.pending++
	c.mu.Unlock()

	select {
	case s.sem <- struct{}{}:
		return s, nil
	case <-ctx.Done():
		c.mu.Lock()
		s.pending--
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Coordinator) release(s *slot) {
	<-s.sem
	c.mu.Lock()
	s.pending--
	c.mu.Unlock()
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, rooms.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, rooms.ErrRoomClosed):
		return "room_closed"
	case errors.Is(err, rooms.ErrNotFound):
		return "not_found"
	case errors.Is(err, rooms.ErrOverloaded):
		return "overloaded"
	case errors.Is(err, rooms.ErrPersistenceFailed):
		return "persistence_failed"
	}
	return "other"
}
