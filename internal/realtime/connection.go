package realtime

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"notify-service/internal/auth"
)

// Outbound is what the core needs from the underlying transport of a connection.
type Outbound interface {
	// Send queues data for writing. It must give up after timeout.
	Send(data []byte, timeout time.Duration) error
	// Close tears the transport down. Safe to call more than once.
	Close() error
}

type ConnectionID string

// Connection is the registry record of one live client session. Its state, identity
// and room set are only mutated by the Registry while holding mu.
type Connection struct {
	id          ConnectionID
	out         Outbound
	connectedAt time.Time

	// unix nanoseconds of the last inbound frame
	lastActivity atomic.Int64

	mu       sync.Mutex
	state    State
	identity auth.Identity
	rooms    map[Room]struct{}
}

func newConnection(id ConnectionID, out Outbound, now time.Time) *Connection {
	c := &Connection{
		id:          id,
		out:         out,
		connectedAt: now,
		state:       StateConnected,
		rooms:       make(map[Room]struct{}),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

func (c *Connection) ID() ConnectionID {
	return c.id
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the authenticated identity, if any.
func (c *Connection) Identity() (auth.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.state == StateAuthenticated
}

// Rooms returns the joined rooms in sorted order.
func (c *Connection) Rooms() []Room {
	c.mu.Lock()
	defer c.mu.Unlock()

	rooms := make([]Room, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

func (c *Connection) InRoom(room Room) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Touch records inbound activity.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Send writes a frame to this connection only, bypassing room routing.
func (c *Connection) Send(data []byte, timeout time.Duration) error {
	return c.out.Send(data, timeout)
}

// transition moves the connection to the next state. Caller holds c.mu.
func (c *Connection) transition(to State) bool {
	if !canTransition(c.state, to) {
		return false
	}
	c.state = to
	return true
}
