package room

import (
	"sync"

	"github.com/quicknotes/collab/internal/metrics"
)

// Registry maps note ids to live rooms. Its lock guards only the map.
type Registry struct {
	mu          sync.Mutex
	rooms       map[string]*Room
	fanoutLimit int
}

// NewRegistry creates an empty registry. fanoutLimit bounds concurrent
// deliveries per event; zero selects DefaultFanoutLimit.
func NewRegistry(fanoutLimit int) *Registry {
	return &Registry{
		rooms:       make(map[string]*Room),
		fanoutLimit: fanoutLimit,
	}
}

// AcquireRoom returns the room for noteID, creating it on first reference.
func (reg *Registry) AcquireRoom(noteID string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[noteID]
	if !ok {
		r = newRoom(noteID, reg.fanoutLimit)
		reg.rooms[noteID] = r
		metrics.RoomsActive.Set(float64(len(reg.rooms)))
	}
	return r
}

// Join acquires the room for noteID and attaches conn, retrying if the room
// is retired between acquisition and attachment.
func (reg *Registry) Join(noteID string, member Member, conn Sender) (r *Room, existing []Member, joinedNew bool) {
	for {
		r = reg.AcquireRoom(noteID)
		var ok bool
		existing, joinedNew, ok = r.Join(member, conn)
		if ok {
			return r, existing, joinedNew
		}
	}
}

// ReleaseIfEmpty discards the room for noteID when nothing is attached. It
// never touches persisted content. Returns whether a room was discarded.
func (reg *Registry) ReleaseIfEmpty(noteID string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[noteID]
	if !ok || !r.retireIfEmpty() {
		return false
	}
	delete(reg.rooms, noteID)
	metrics.RoomsActive.Set(float64(len(reg.rooms)))
	return true
}

// Room returns the live room for noteID without creating one.
func (reg *Registry) Room(noteID string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.rooms[noteID]
}

// Count returns the number of live rooms.
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}
