// Package registry tracks live rooms and their members.
//
// Rooms exist only while occupied (or freshly preallocated): the first join
// creates the room, the last leave deletes it. All state is in-process; a
// restart empties the registry.
package registry

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"
)

// roomCodeAlphabet deliberately excludes lowercase so codes survive being read
// aloud. Codes are normalized to uppercase on every lookup.
const (
	roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	roomCodeLen      = 6
)

type room struct {
	// members maps connection ID to its join order. Order is only used to
	// produce a stable participant listing for room-joined replies.
	members map[string]int
	nextOrd int
	// createdAt is set for preallocated (empty) rooms so they can be reaped
	// if nobody ever joins.
	createdAt time.Time
}

// Registry is the in-memory room table. All methods are safe for concurrent
// use; rooms are small, so a single mutex over the whole table is enough.
type Registry struct {
	mu          sync.Mutex
	rooms       map[string]*room
	conns       map[string]string // connection ID -> room ID
	preallocTTL time.Duration
	now         func() time.Time
}

func New(preallocTTL time.Duration) *Registry {
	return &Registry{
		rooms:       make(map[string]*room),
		conns:       make(map[string]string),
		preallocTTL: preallocTTL,
		now:         time.Now,
	}
}

// Normalize maps a client-supplied room ID to its canonical form.
func Normalize(roomID string) string {
	return strings.ToUpper(strings.TrimSpace(roomID))
}

// Create preallocates a fresh room with a random code and returns its ID. The
// room is empty; it is reaped if nobody joins within the prealloc TTL.
func (r *Registry) Create() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reapLocked()

	for attempt := 0; attempt < 32; attempt++ {
		id, err := randomCode()
		if err != nil {
			return "", err
		}
		if _, taken := r.rooms[id]; taken {
			continue
		}
		r.rooms[id] = &room{
			members:   make(map[string]int),
			createdAt: r.now(),
		}
		return id, nil
	}
	// 36^6 codes; colliding 32 times in a row means something is broken.
	return "", fmt.Errorf("create room: could not allocate a unique code")
}

// Exists reports whether roomID names a live room.
func (r *Registry) Exists(roomID string) bool {
	roomID = Normalize(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reapLocked()
	_, ok := r.rooms[roomID]
	return ok
}

// Join adds connID to roomID, creating the room if it does not exist, and
// returns the IDs of the members that were already present, in join order.
// Joining a room the connection is already in is a no-op.
func (r *Registry) Join(roomID, connID string) ([]string, error) {
	roomID = Normalize(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.conns[connID]; ok {
		if prev == roomID {
			return r.otherMembersLocked(roomID, connID), nil
		}
		return nil, fmt.Errorf("connection %s is already in room %s", connID, prev)
	}

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{members: make(map[string]int)}
		r.rooms[roomID] = rm
	}
	// An occupied (or about-to-be-occupied) room no longer expires.
	rm.createdAt = time.Time{}

	others := r.otherMembersLocked(roomID, connID)
	rm.members[connID] = rm.nextOrd
	rm.nextOrd++
	r.conns[connID] = roomID
	return others, nil
}

// LeaveResult describes the outcome of removing a connection from its room.
type LeaveResult struct {
	RoomID    string
	Remaining []string
	Deleted   bool
}

// Leave removes connID from whatever room it is in. It is idempotent: leaving
// when not in any room returns ok=false and changes nothing. When the last
// member leaves, the room is deleted.
func (r *Registry) Leave(connID string) (LeaveResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.conns[connID]
	if !ok {
		return LeaveResult{}, false
	}
	delete(r.conns, connID)

	rm := r.rooms[roomID]
	delete(rm.members, connID)
	res := LeaveResult{
		RoomID:    roomID,
		Remaining: r.otherMembersLocked(roomID, ""),
	}
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		res.Deleted = true
	}
	return res, true
}

// RoomOf returns the room connID is currently in.
func (r *Registry) RoomOf(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roomID, ok := r.conns[connID]
	return roomID, ok
}

// SameRoom reports whether two connections are members of the same room.
func (r *Registry) SameRoom(a, b string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ra, okA := r.conns[a]
	rb, okB := r.conns[b]
	return okA && okB && ra == rb
}

// MemberCount returns the number of members in roomID, 0 if it does not exist.
func (r *Registry) MemberCount(roomID string) int {
	roomID = Normalize(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	return len(rm.members)
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reapLocked()
	return len(r.rooms)
}

func (r *Registry) otherMembersLocked(roomID, excludeConnID string) []string {
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rm.members))
	for id := range rm.members {
		if id != excludeConnID {
			out = append(out, id)
		}
	}
	// Stable join order, not map order.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && rm.members[out[j]] < rm.members[out[j-1]]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// reapLocked drops preallocated rooms that nobody joined within the TTL.
func (r *Registry) reapLocked() {
	if r.preallocTTL <= 0 {
		return
	}
	cutoff := r.now().Add(-r.preallocTTL)
	for id, rm := range r.rooms {
		if len(rm.members) == 0 && !rm.createdAt.IsZero() && rm.createdAt.Before(cutoff) {
			delete(r.rooms, id)
		}
	}
}

func randomCode() (string, error) {
	buf := make([]byte, roomCodeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate room code: %w", err)
	}
	for i := range buf {
		buf[i] = roomCodeAlphabet[int(buf[i])%len(roomCodeAlphabet)]
	}
	return string(buf), nil
}
