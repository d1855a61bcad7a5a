package coordinator

import (
	"context"
	"errors"
	"time"

	"consultroom/internal/rooms"
)

func (c *Coordinator) isDirty(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.dirty[roomID]
	return ok
}

func (c *Coordinator) markDirty(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.dirty[roomID]; ok {
		return
	}
	c.dirty[roomID] = &retryState{
		next:  c.now().Add(c.opts.RetryInterval),
		delay: c.opts.RetryInterval,
	}
	c.metrics.DirtyRooms.Inc()
}

func (c *Coordinator) clearDirty(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.dirty[roomID]; !ok {
		return
	}
	delete(c.dirty, roomID)
	c.metrics.DirtyRooms.Dec()
}

// DirtyRooms returns the IDs of rooms whose in-memory state has not reached
// the store yet.
func (c *Coordinator) DirtyRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.dirty))
	for id := range c.dirty {
		out = append(out, id)
	}
	return out
}

// flush writes the full in-memory record of a dirty room. The caller holds
// the room's slot.
func (c *Coordinator) flush(ctx context.Context, s *slot, roomID string) error {
	if s.room == nil || !c.isDirty(roomID) {
		return nil
	}
	c.metrics.PersistRetries.Inc()

	pctx, cancel := c.persistCtx(ctx)
	defer cancel()
	if err := c.store.UpdateFields(pctx, roomID, rooms.FullFields(*s.room)); err != nil {
		if errors.Is(err, rooms.ErrNotFound) {
			c.log.Warn("persist.abandoned", "room", roomID, "reason", "room no longer in store")
			c.clearDirty(roomID)
			s.room = nil
			return nil
		}
		c.log.Warn("persist.retry", "room", roomID, "err", err)
		return rooms.ErrPersistenceFailed
	}
	c.clearDirty(roomID)
	c.log.Info("persist.recovered", "room", roomID)
	return nil
}

// RetryDirty rewrites every dirty room whose backoff has elapsed.
func (c *Coordinator) RetryDirty(ctx context.Context, now time.Time) {
	c.mu.Lock()
	due := make([]string, 0, len(c.dirty))
	for id, st := range c.dirty {
		if !now.Before(st.next) {
			due = append(due, id)
		}
	}
	c.mu.Unlock()

	for _, id := range due {
		s, err := c.acquire(ctx, id)
		if err != nil {
			continue
		}
		err = c.flush(ctx, s, id)
		c.release(s)
		if err != nil {
			c.backoff(id, now)
		}
	}
}

func (c *Coordinator) backoff(roomID string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.dirty[roomID]
	if !ok {
		return
	}
	st.delay *= 2
	if st.delay > c.opts.RetryMaxBackoff {
		st.delay = c.opts.RetryMaxBackoff
	}
	st.next = now.Add(st.delay)
}

// EvictIdle drops cached rooms nobody is waiting on that are ended (or were
// never found) and fully persisted. A later event reloads them from the
// store. It returns how many slots were dropped.
func (c *Coordinator) EvictIdle() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, s := range c.slots {
		if s.pending > 0 {
			continue
		}
		if _, dirty := c.dirty[id]; dirty {
			continue
		}
		if s.room == nil || s.room.Status == rooms.StatusEnded {
			delete(c.slots, id)
			n++
		}
	}
	return n
}

// Run drives persistence retries and cache eviction until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RetryDirty(ctx, c.now())
			c.EvictIdle()
		}
	}
}
