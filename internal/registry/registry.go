// Package registry tracks which transport sessions are currently connected to
// which room. It is the only live-presence state in the service; the persisted
// roster on the room record is history, not presence.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const DefaultShards = 32

// Session is one live transport connection of a participant.
type Session struct {
	ID       string    `json:"session"`
	RoomID   string    `json:"roomId"`
	Identity string    `json:"identity"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

type roomSessions struct {
	byIdentity map[string]Session
	bySession  map[string]string // session ID -> identity
}

type shard struct {
	mu    sync.Mutex
	rooms map[string]*roomSessions
}

// Registry is a room -> identity -> session map striped over a fixed number of
// locks by room ID, so rooms on different shards never contend.
type Registry struct {
	shards []*shard
}

func New(shards int) *Registry {
	if shards <= 0 {
		shards = DefaultShards
	}
	r := &Registry{shards: make([]*shard, shards)}
	for i := range r.shards {
		r.shards[i] = &shard{rooms: make(map[string]*roomSessions)}
	}
	return r
}

func (r *Registry) shardFor(roomID string) *shard {
	return r.shards[xxhash.Sum64String(roomID)%uint64(len(r.shards))]
}

// Attach registers s as the live session of its identity. A previous live
// session of the same identity is evicted and returned so the caller can
// close it.
func (r *Registry) Attach(s Session) (evicted Session, ok bool) {
	sh := r.shardFor(s.RoomID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rs := sh.rooms[s.RoomID]
	if rs == nil {
		rs = &roomSessions{
			byIdentity: make(map[string]Session),
			bySession:  make(map[string]string),
		}
		sh.rooms[s.RoomID] = rs
	}
	if prev, exists := rs.byIdentity[s.Identity]; exists && prev.ID != s.ID {
		delete(rs.bySession, prev.ID)
		evicted, ok = prev, true
	}
	rs.byIdentity[s.Identity] = s
	rs.bySession[s.ID] = s.Identity
	return evicted, ok
}

// Detach removes exactly the given session. Unknown sessions are ignored.
func (r *Registry) Detach(roomID, sessionID string) (Session, bool) {
	sh := r.shardFor(roomID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rs := sh.rooms[roomID]
	if rs == nil {
		return Session{}, false
	}
	identity, ok := rs.bySession[sessionID]
	if !ok {
		return Session{}, false
	}
	s := rs.byIdentity[identity]
	delete(rs.bySession, sessionID)
	delete(rs.byIdentity, identity)
	if len(rs.byIdentity) == 0 {
		delete(sh.rooms, roomID)
	}
	return s, true
}

// DetachIdentity removes whatever session the identity currently has.
func (r *Registry) DetachIdentity(roomID, identity string) (Session, bool) {
	sh := r.shardFor(roomID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rs := sh.rooms[roomID]
	if rs == nil {
		return Session{}, false
	}
	s, ok := rs.byIdentity[identity]
	if !ok {
		return Session{}, false
	}
	delete(rs.bySession, s.ID)
	delete(rs.byIdentity, identity)
	if len(rs.byIdentity) == 0 {
		delete(sh.rooms, roomID)
	}
	return s, true
}

// Lookup returns the live session with the given ID.
func (r *Registry) Lookup(roomID, sessionID string) (Session, bool) {
	sh := r.shardFor(roomID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rs := sh.rooms[roomID]
	if rs == nil {
		return Session{}, false
	}
	identity, ok := rs.bySession[sessionID]
	if !ok {
		return Session{}, false
	}
	return rs.byIdentity[identity], true
}

// LiveMembers returns a snapshot of the live sessions of a room, sorted by
// identity.
func (r *Registry) LiveMembers(roomID string) []Session {
	sh := r.shardFor(roomID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rs := sh.rooms[roomID]
	if rs == nil {
		return nil
	}
	out := make([]Session, 0, len(rs.byIdentity))
	for _, s := range rs.byIdentity {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Clear removes every session of a room and returns them.
func (r *Registry) Clear(roomID string) []Session {
	sh := r.shardFor(roomID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rs := sh.rooms[roomID]
	if rs == nil {
		return nil
	}
	delete(sh.rooms, roomID)
	out := make([]Session, 0, len(rs.byIdentity))
	for _, s := range rs.byIdentity {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions across all rooms.
func (r *Registry) Count() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, rs := range sh.rooms {
			n += len(rs.byIdentity)
		}
		sh.mu.Unlock()
	}
	return n
}
