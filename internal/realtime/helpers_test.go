package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"notify-service/internal/auth"

	"github.com/stretchr/testify/require"
)

// mockOutbound records frames instead of writing to a socket.
type mockOutbound struct {
	mu       sync.Mutex
	messages [][]byte
	closed   int
	sendErr  error
	panicMsg string
}

func (m *mockOutbound) Send(data []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.closed > 0 {
		return ErrConnectionClosed
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.messages = append(m.messages, data)
	return nil
}

func (m *mockOutbound) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *mockOutbound) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed > 0
}

func (m *mockOutbound) decoded(t *testing.T) []Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Message, 0, len(m.messages))
	for _, raw := range m.messages {
		var msg Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		out = append(out, msg)
	}
	return out
}

func (m *mockOutbound) ofType(t *testing.T, mt MessageType) []Message {
	t.Helper()
	var out []Message
	for _, msg := range m.decoded(t) {
		if msg.Type == mt {
			out = append(out, msg)
		}
	}
	return out
}

func (m *mockOutbound) lastStatus(t *testing.T) (string, string) {
	t.Helper()
	statuses := m.ofType(t, MessageTypeConnectionStatus)
	require.NotEmpty(t, statuses, "no connectionStatus frames")
	last := statuses[len(statuses)-1]
	return last.Data["status"].(string), last.Data["message"].(string)
}

var errBadToken = errors.New("bad token")

// testVerifier accepts tokens of the form "valid:<subject>:<role>".
func testVerifier() auth.Verifier {
	return auth.VerifierFunc(func(_ context.Context, token string) (auth.Identity, error) {
		parts := strings.Split(token, ":")
		if len(parts) != 3 || parts[0] != "valid" {
			return auth.Identity{}, errBadToken
		}
		return auth.Identity{SubjectID: parts[1], Role: parts[2]}, nil
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createTestRegistry(observers ...Observer) *Registry {
	return NewRegistry(testVerifier(), RegistryOptions{
		PrivilegedRoles: []string{"admin", "superadmin"},
		AuthTimeout:     time.Second,
		Observers:       observers,
		Logger:          discardLogger(),
	})
}

func createTestDispatcher(r *Registry) *Dispatcher {
	return NewDispatcher(r, DispatcherOptions{
		SendTimeout: 50 * time.Millisecond,
		Logger:      discardLogger(),
	})
}

func createAuthedConn(t *testing.T, r *Registry, subject, role string) (*Connection, *mockOutbound) {
	t.Helper()
	out := &mockOutbound{}
	c := r.Register(out)
	_, err := r.Authenticate(context.Background(), c, "valid:"+subject+":"+role)
	require.NoError(t, err)
	return c, out
}

func joinRoom(t *testing.T, r *Registry, c *Connection, room Room) {
	t.Helper()
	require.NoError(t, r.Join(c, room))
}
