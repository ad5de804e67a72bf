package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"notify-service/internal/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterStartsConnected(t *testing.T) {
	r := createTestRegistry()
	c := r.Register(&mockOutbound{})

	assert.NotEmpty(t, c.ID())
	assert.Equal(t, StateConnected, c.State())
	assert.Empty(t, c.Rooms())
	_, ok := c.Identity()
	assert.False(t, ok)

	found, ok := r.Lookup(c.ID())
	require.True(t, ok)
	assert.Same(t, c, found)
	assert.Equal(t, 1, r.Len())
}

func TestAuthenticateSuccess(t *testing.T) {
	r := createTestRegistry()
	c := r.Register(&mockOutbound{})

	identity, err := r.Authenticate(context.Background(), c, "valid:user-1:viewer")
	require.NoError(t, err)
	assert.Equal(t, auth.Identity{SubjectID: "user-1", Role: "viewer"}, identity)
	assert.Equal(t, StateAuthenticated, c.State())

	got, ok := c.Identity()
	assert.True(t, ok)
	assert.Equal(t, identity, got)
}

func TestAuthenticateInvalidCredentialDisconnects(t *testing.T) {
	t.Run("from connected", func(t *testing.T) {
		r := createTestRegistry()
		c := r.Register(&mockOutbound{})

		_, err := r.Authenticate(context.Background(), c, "nope")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAuthFailed)
		assert.ErrorIs(t, err, errBadToken)

		var authErr *AuthError
		assert.True(t, errors.As(err, &authErr))

		assert.Equal(t, StateDisconnected, c.State())
		assert.Empty(t, c.Rooms())
		_, ok := r.Lookup(c.ID())
		assert.False(t, ok)
	})

	t.Run("from authenticated with rooms", func(t *testing.T) {
		r := createTestRegistry()
		c, _ := createAuthedConn(t, r, "admin-1", "admin")
		joinRoom(t, r, c, TenantRoom("A"))
		joinRoom(t, r, c, AdminRoom)

		_, err := r.Authenticate(context.Background(), c, "nope")
		assert.ErrorIs(t, err, ErrAuthFailed)

		assert.Equal(t, StateDisconnected, c.State())
		assert.Empty(t, c.Rooms())
		assert.Empty(t, r.Router().MembersOf(TenantRoom("A")))
		assert.Empty(t, r.Router().MembersOf(AdminRoom))
		assert.Equal(t, 0, r.Len())
	})
}

func TestAuthenticateTwiceKeepsIdentity(t *testing.T) {
	r := createTestRegistry()
	c, _ := createAuthedConn(t, r, "user-1", "viewer")

	identity, err := r.Authenticate(context.Background(), c, "valid:user-2:admin")
	assert.ErrorIs(t, err, ErrAlreadyAuthenticated)
	assert.Equal(t, "user-1", identity.SubjectID)

	got, _ := c.Identity()
	assert.Equal(t, auth.Identity{SubjectID: "user-1", Role: "viewer"}, got)
	assert.Equal(t, StateAuthenticated, c.State())
}

func TestAuthenticateTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	slow := auth.VerifierFunc(func(_ context.Context, _ string) (auth.Identity, error) {
		<-release
		return auth.Identity{SubjectID: "late"}, nil
	})
	r := NewRegistry(slow, RegistryOptions{AuthTimeout: 20 * time.Millisecond, Logger: discardLogger()})
	c := r.Register(&mockOutbound{})

	_, err := r.Authenticate(context.Background(), c, "whatever")
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestAuthenticateInProgress(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := auth.VerifierFunc(func(_ context.Context, _ string) (auth.Identity, error) {
		close(entered)
		<-release
		return auth.Identity{SubjectID: "user-1", Role: "viewer"}, nil
	})
	r := NewRegistry(blocking, RegistryOptions{Logger: discardLogger()})
	c := r.Register(&mockOutbound{})

	done := make(chan error, 1)
	go func() {
		_, err := r.Authenticate(context.Background(), c, "first")
		done <- err
	}()
	<-entered

	assert.Equal(t, StateAuthenticating, c.State())
	_, err := r.Authenticate(context.Background(), c, "second")
	assert.ErrorIs(t, err, ErrAuthInProgress)
	assert.ErrorIs(t, r.Join(c, TenantRoom("A")), ErrNotAuthenticated)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateAuthenticated, c.State())
}

func TestOperationsOnDisconnected(t *testing.T) {
	r := createTestRegistry()
	c, _ := createAuthedConn(t, r, "user-1", "viewer")
	r.Unregister(c)

	_, err := r.Authenticate(context.Background(), c, "valid:user-1:viewer")
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, r.Join(c, TenantRoom("A")), ErrConnectionClosed)
	assert.ErrorIs(t, r.Leave(c, TenantRoom("A")), ErrConnectionClosed)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestJoinRequiresAuthentication(t *testing.T) {
	r := createTestRegistry()
	c := r.Register(&mockOutbound{})

	assert.ErrorIs(t, r.Join(c, TenantRoom("A")), ErrNotAuthenticated)
	assert.ErrorIs(t, r.Leave(c, TenantRoom("A")), ErrNotAuthenticated)
	assert.Empty(t, c.Rooms())
	assert.Empty(t, r.Router().MembersOf(TenantRoom("A")))
	assert.Equal(t, StateConnected, c.State())
}

func TestJoinAdminForbidden(t *testing.T) {
	r := createTestRegistry()
	c, _ := createAuthedConn(t, r, "user-1", "viewer")
	joinRoom(t, r, c, TenantRoom("A"))

	err := r.Join(c, AdminRoom)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, []Room{TenantRoom("A")}, c.Rooms())
	assert.Empty(t, r.Router().MembersOf(AdminRoom))
}

func TestJoinAdminPrivilegedRoles(t *testing.T) {
	r := createTestRegistry()
	for _, role := range []string{"admin", "superadmin"} {
		c, _ := createAuthedConn(t, r, "subject-"+role, role)
		require.NoError(t, r.Join(c, AdminRoom), role)
		assert.True(t, c.InRoom(AdminRoom))
	}
	assert.Equal(t, 2, r.Router().Size(AdminRoom))
}

func TestJoinIdempotent(t *testing.T) {
	r := createTestRegistry()
	c, _ := createAuthedConn(t, r, "user-1", "viewer")

	joinRoom(t, r, c, TenantRoom("A"))
	once := c.Rooms()
	joinRoom(t, r, c, TenantRoom("A"))

	assert.Equal(t, once, c.Rooms())
	assert.Len(t, r.Router().MembersOf(TenantRoom("A")), 1)
}

func TestJoinEmptyRoom(t *testing.T) {
	r := createTestRegistry()
	c, _ := createAuthedConn(t, r, "user-1", "viewer")
	assert.ErrorIs(t, r.Join(c, ""), ErrInvalidRoom)
}

func TestLeave(t *testing.T) {
	r := createTestRegistry()
	c, _ := createAuthedConn(t, r, "user-1", "viewer")

	// not a member: no-op success
	require.NoError(t, r.Leave(c, TenantRoom("B")))
	assert.Empty(t, c.Rooms())

	joinRoom(t, r, c, TenantRoom("A"))
	require.NoError(t, r.Leave(c, TenantRoom("A")))
	assert.Empty(t, c.Rooms())
	assert.Empty(t, r.Router().MembersOf(TenantRoom("A")))

	require.NoError(t, r.Leave(c, TenantRoom("A")))
}

func TestUnregister(t *testing.T) {
	r := createTestRegistry()
	c, _ := createAuthedConn(t, r, "admin-1", "admin")
	joinRoom(t, r, c, TenantRoom("A"))
	joinRoom(t, r, c, AdminRoom)

	r.Unregister(c)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, c.Rooms())
	assert.Empty(t, r.Router().MembersOf(TenantRoom("A")))
	assert.Empty(t, r.Router().MembersOf(AdminRoom))
	assert.Empty(t, r.Router().Counts())
	assert.Equal(t, 0, r.Len())

	// second call is harmless
	r.Unregister(c)

	unauthenticated := r.Register(&mockOutbound{})
	r.Unregister(unauthenticated)
	assert.Equal(t, StateDisconnected, unauthenticated.State())
	assert.Equal(t, 0, r.Len())
}

func TestDisconnectClosesTransport(t *testing.T) {
	r := createTestRegistry()
	c, out := createAuthedConn(t, r, "user-1", "viewer")

	r.Disconnect(c, "test")
	assert.True(t, out.isClosed())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestSnapshot(t *testing.T) {
	r := createTestRegistry()
	a1, _ := createAuthedConn(t, r, "a1", "viewer")
	a2, _ := createAuthedConn(t, r, "a2", "viewer")
	b1, _ := createAuthedConn(t, r, "b1", "viewer")
	admin, _ := createAuthedConn(t, r, "root", "superadmin")
	r.Register(&mockOutbound{})

	joinRoom(t, r, a1, TenantRoom("A"))
	joinRoom(t, r, a2, TenantRoom("A"))
	joinRoom(t, r, b1, TenantRoom("B"))
	joinRoom(t, r, admin, AdminRoom)

	stats := r.Snapshot()
	assert.Equal(t, 5, stats.TotalConnections)
	assert.Equal(t, map[string]int{"A": 2, "B": 1}, stats.RoomsByTenant)
	assert.Equal(t, 1, stats.AdminCount)
}

type recordingObserver struct {
	mu            sync.Mutex
	authenticated []string
	disconnected  []string
}

func (o *recordingObserver) OnAuthenticated(_ *Connection, identity auth.Identity) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.authenticated = append(o.authenticated, identity.SubjectID)
}

func (o *recordingObserver) OnDisconnected(_ *Connection, identity auth.Identity) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disconnected = append(o.disconnected, identity.SubjectID)
}

func TestObservers(t *testing.T) {
	obs := &recordingObserver{}
	r := createTestRegistry(obs)

	c, _ := createAuthedConn(t, r, "user-1", "viewer")
	never := r.Register(&mockOutbound{})
	r.Unregister(never)
	r.Unregister(c)
	r.Unregister(c)

	assert.Equal(t, []string{"user-1"}, obs.authenticated)
	assert.Equal(t, []string{"user-1"}, obs.disconnected)
}

// Concurrent joins, leaves and disconnects must leave the router index and every
// connection's own room set in agreement.
func TestConcurrentMembershipConsistency(t *testing.T) {
	r := createTestRegistry()
	rooms := []Room{TenantRoom("A"), TenantRoom("B"), TenantRoom("C"), AdminRoom}

	const workers = 16
	conns := make([]*Connection, workers)
	for i := range conns {
		conns[i], _ = createAuthedConn(t, r, fmt.Sprintf("user-%d", i), "admin")
	}

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *Connection) {
			defer wg.Done()
			for n := 0; n < 200; n++ {
				room := rooms[(i+n)%len(rooms)]
				if n%3 == 0 {
					_ = r.Leave(c, room)
				} else {
					_ = r.Join(c, room)
				}
				_ = r.Router().MembersOf(room)
			}
			if i%4 == 0 {
				r.Unregister(c)
			}
		}(i, c)
	}
	wg.Wait()

	for _, room := range rooms {
		members := r.Router().MembersOf(room)
		for _, m := range members {
			assert.True(t, m.InRoom(room), "router has %s in %s but connection does not", m.ID(), room)
			assert.NotEqual(t, StateDisconnected, m.State())
		}
	}
	for _, c := range conns {
		for _, room := range c.Rooms() {
			found := false
			for _, m := range r.Router().MembersOf(room) {
				if m == c {
					found = true
				}
			}
			assert.True(t, found, "connection %s claims %s but router disagrees", c.ID(), room)
		}
	}
}

func TestDisconnectAll(t *testing.T) {
	r := createTestRegistry()
	_, out1 := createAuthedConn(t, r, "user-1", "viewer")
	out2 := &mockOutbound{}
	r.Register(out2)

	assert.Equal(t, 2, r.DisconnectAll("shutdown"))
	assert.True(t, out1.isClosed())
	assert.True(t, out2.isClosed())
	assert.Equal(t, 0, r.Len())
}
