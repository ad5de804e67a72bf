package realtime

import "sync"

// roomMembers is the member set of one room. Once removed is set the entry is no
// longer reachable from Router.rooms and must not gain members.
type roomMembers struct {
	mu      sync.RWMutex
	members map[ConnectionID]*Connection
	removed bool
}

// Router is the room -> members reverse index. Each room has its own lock so a
// mutation in one room never blocks dispatch in another; Router.mu only guards
// the map of entries and is never held while waiting for a room lock.
//
// Lock order: Connection.mu -> roomMembers.mu -> Router.mu.
type Router struct {
	mu    sync.RWMutex
	rooms map[Room]*roomMembers
}

func NewRouter() *Router {
	return &Router{rooms: make(map[Room]*roomMembers)}
}

// MembersOf returns a snapshot of the room's members at call time.
func (r *Router) MembersOf(room Room) []*Connection {
	r.mu.RLock()
	rm := r.rooms[room]
	r.mu.RUnlock()
	if rm == nil {
		return nil
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()

	members := make([]*Connection, 0, len(rm.members))
	for _, c := range rm.members {
		members = append(members, c)
	}
	return members
}

// Size is the current member count of room.
func (r *Router) Size(room Room) int {
	r.mu.RLock()
	rm := r.rooms[room]
	r.mu.RUnlock()
	if rm == nil {
		return 0
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.members)
}

// Counts returns the member count of every non-empty room.
func (r *Router) Counts() map[Room]int {
	r.mu.RLock()
	entries := make(map[Room]*roomMembers, len(r.rooms))
	for room, rm := range r.rooms {
		entries[room] = rm
	}
	r.mu.RUnlock()

	counts := make(map[Room]int, len(entries))
	for room, rm := range entries {
		rm.mu.RLock()
		if n := len(rm.members); n > 0 && !rm.removed {
			counts[room] = n
		}
		rm.mu.RUnlock()
	}
	return counts
}

// add puts c into room and runs apply inside the same room critical section, so
// the connection's own room set changes atomically with the index. The caller
// holds c.mu.
func (r *Router) add(room Room, c *Connection, apply func()) {
	for {
		rm := r.entry(room)

		rm.mu.Lock()
		if rm.removed {
			// lost a race with the last member leaving; the entry is gone
			rm.mu.Unlock()
			continue
		}
		rm.members[c.id] = c
		apply()
		rm.mu.Unlock()
		return
	}
}

// remove takes c out of room, running apply in the same critical section. Empty
// rooms are dropped from the index. The caller holds c.mu.
func (r *Router) remove(room Room, c *Connection, apply func()) {
	r.mu.RLock()
	rm := r.rooms[room]
	r.mu.RUnlock()
	if rm == nil {
		apply()
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	delete(rm.members, c.id)
	apply()

	if len(rm.members) == 0 && !rm.removed {
		rm.removed = true
		r.mu.Lock()
		if r.rooms[room] == rm {
			delete(r.rooms, room)
		}
		r.mu.Unlock()
	}
}

func (r *Router) entry(room Room) *roomMembers {
	r.mu.RLock()
	rm := r.rooms[room]
	r.mu.RUnlock()
	if rm != nil {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm = r.rooms[room]; rm == nil {
		rm = &roomMembers{members: make(map[ConnectionID]*Connection)}
		r.rooms[room] = rm
	}
	return rm
}
