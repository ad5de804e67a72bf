package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"notify-service/internal/auth"

	"github.com/google/uuid"
)

// Observer is told about identity-bearing lifecycle changes. Calls happen after
// all registry locks are released; implementations must not block for long.
type Observer interface {
	OnAuthenticated(c *Connection, identity auth.Identity)
	OnDisconnected(c *Connection, identity auth.Identity)
}

type RegistryOptions struct {
	// Roles allowed to join the admin room.
	PrivilegedRoles []string
	// Upper bound on a single credential check. Zero means no bound.
	AuthTimeout time.Duration
	Observers   []Observer
	Logger      *slog.Logger
}

// ConnectionStats is a point-in-time view for observability. It must not be used
// to make control decisions.
type ConnectionStats struct {
	TotalConnections int            `json:"totalConnections"`
	RoomsByTenant    map[string]int `json:"roomsByTenant"`
	AdminCount       int            `json:"adminCount"`
}

// Registry owns the set of live connections and, through its Router, their room
// memberships.
type Registry struct {
	mu    sync.RWMutex
	conns map[ConnectionID]*Connection

	router      *Router
	verifier    auth.Verifier
	privileged  map[string]struct{}
	authTimeout time.Duration
	observers   []Observer
	logger      *slog.Logger
}

func NewRegistry(verifier auth.Verifier, opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	privileged := make(map[string]struct{}, len(opts.PrivilegedRoles))
	for _, role := range opts.PrivilegedRoles {
		privileged[role] = struct{}{}
	}

	return &Registry{
		conns:       make(map[ConnectionID]*Connection),
		router:      NewRouter(),
		verifier:    verifier,
		privileged:  privileged,
		authTimeout: opts.AuthTimeout,
		observers:   opts.Observers,
		logger:      logger,
	}
}

func (r *Registry) Router() *Router {
	return r.router
}

// IsPrivileged reports whether role may join the admin room.
func (r *Registry) IsPrivileged(role string) bool {
	_, ok := r.privileged[role]
	return ok
}

// Register allocates a record for a freshly accepted transport.
func (r *Registry) Register(out Outbound) *Connection {
	c := newConnection(ConnectionID(uuid.New().String()), out, time.Now())

	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()

	r.logger.Debug("Connection registered", "connID", c.id)
	return c
}

// Authenticate resolves credential through the verifier. A rejected or timed out
// credential disconnects c (zero rooms, removed from the registry) whatever its
// prior state; closing the transport is left to the caller so it can report the
// failure first.
func (r *Registry) Authenticate(ctx context.Context, c *Connection, credential string) (auth.Identity, error) {
	c.mu.Lock()
	switch c.state {
	case StateDisconnected:
		c.mu.Unlock()
		return auth.Identity{}, ErrConnectionClosed
	case StateAuthenticating:
		c.mu.Unlock()
		return auth.Identity{}, ErrAuthInProgress
	case StateConnected:
		c.transition(StateAuthenticating)
	}
	c.mu.Unlock()

	identity, err := r.verify(ctx, credential)
	if err != nil {
		r.logger.Info("Authentication failed", "connID", c.id, "error", err)
		r.Unregister(c)
		return auth.Identity{}, &AuthError{Err: err}
	}

	c.mu.Lock()
	switch c.state {
	case StateDisconnected:
		c.mu.Unlock()
		return auth.Identity{}, ErrConnectionClosed
	case StateAuthenticated:
		existing := c.identity
		c.mu.Unlock()
		return existing, ErrAlreadyAuthenticated
	}
	c.identity = identity
	c.transition(StateAuthenticated)
	c.mu.Unlock()

	r.logger.Info("Connection authenticated", "connID", c.id, "subjectID", identity.SubjectID, "role", identity.Role)
	for _, o := range r.observers {
		o.OnAuthenticated(c, identity)
	}
	return identity, nil
}

// verify bounds the verifier call by authTimeout even if the verifier ignores ctx.
func (r *Registry) verify(ctx context.Context, credential string) (auth.Identity, error) {
	if r.authTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.authTimeout)
		defer cancel()
	}

	type result struct {
		identity auth.Identity
		err      error
	}
	done := make(chan result, 1)
	go func() {
		identity, err := r.verifier.Verify(ctx, credential)
		done <- result{identity, err}
	}()

	select {
	case res := <-done:
		return res.identity, res.err
	case <-ctx.Done():
		return auth.Identity{}, fmt.Errorf("verifier did not answer: %w", ctx.Err())
	}
}

// Join adds c to room. Joining a room twice is a no-op.
func (r *Registry) Join(c *Connection, room Room) error {
	if room == "" {
		return ErrInvalidRoom
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateDisconnected:
		return ErrConnectionClosed
	case StateConnected, StateAuthenticating:
		return ErrNotAuthenticated
	}
	if room.IsAdmin() && !r.IsPrivileged(c.identity.Role) {
		return fmt.Errorf("%w: role %q may not join %s", ErrForbidden, c.identity.Role, room)
	}
	if _, ok := c.rooms[room]; ok {
		return nil
	}

	r.router.add(room, c, func() { c.rooms[room] = struct{}{} })
	r.logger.Debug("Connection joined room", "connID", c.id, "room", room)
	return nil
}

// Leave removes c from room. Leaving a room c is not in is a no-op.
func (r *Registry) Leave(c *Connection, room Room) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateDisconnected:
		return ErrConnectionClosed
	case StateConnected, StateAuthenticating:
		return ErrNotAuthenticated
	}
	if _, ok := c.rooms[room]; !ok {
		return nil
	}

	r.router.remove(room, c, func() { delete(c.rooms, room) })
	r.logger.Debug("Connection left room", "connID", c.id, "room", room)
	return nil
}

// Unregister moves c to Disconnected, drops every membership and deletes the
// record. Safe before authentication and on an already disconnected handle.
func (r *Registry) Unregister(c *Connection) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	wasAuthenticated := c.state == StateAuthenticated
	identity := c.identity

	for room := range c.rooms {
		r.router.remove(room, c, func() { delete(c.rooms, room) })
	}
	c.transition(StateDisconnected)

	r.mu.Lock()
	delete(r.conns, c.id)
	r.mu.Unlock()
	c.mu.Unlock()

	r.logger.Debug("Connection unregistered", "connID", c.id, "subjectID", identity.SubjectID)
	if wasAuthenticated {
		for _, o := range r.observers {
			o.OnDisconnected(c, identity)
		}
	}
}

// Disconnect forcibly ends c: unregister, then close its transport.
func (r *Registry) Disconnect(c *Connection, reason string) {
	r.Unregister(c)
	if err := c.out.Close(); err != nil {
		r.logger.Debug("Error closing transport", "connID", c.id, "error", err)
	}
	r.logger.Info("Connection force-disconnected", "connID", c.id, "reason", reason)
}

// DisconnectAll force-disconnects every registered connection and returns how
// many there were.
func (r *Registry) DisconnectAll(reason string) int {
	conns := r.Connections()
	for _, c := range conns {
		r.Disconnect(c, reason)
	}
	return len(conns)
}

func (r *Registry) Lookup(id ConnectionID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Connections is a snapshot of every registered connection.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) Snapshot() ConnectionStats {
	stats := ConnectionStats{
		TotalConnections: r.Len(),
		RoomsByTenant:    make(map[string]int),
	}
	for room, n := range r.router.Counts() {
		if room.IsAdmin() {
			stats.AdminCount = n
			continue
		}
		if tenant := room.TenantID(); tenant != "" {
			stats.RoomsByTenant[tenant] = n
		}
	}
	return stats
}
