package realtime

import (
	"fmt"
	"strings"
)

// Room identifies a broadcast group: either "admin" or "tenant:<tenantID>".
type Room string

const (
	AdminRoom Room = "admin"

	tenantPrefix = "tenant:"
)

func TenantRoom(tenantID string) Room {
	return Room(tenantPrefix + tenantID)
}

// ParseRoom accepts the client form of a room: "admin", "tenant:<id>" or a bare
// tenant id.
func ParseRoom(raw string) (Room, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return "", fmt.Errorf("%w: empty room", ErrInvalidRoom)
	case raw == string(AdminRoom):
		return AdminRoom, nil
	case strings.HasPrefix(raw, tenantPrefix):
		if len(raw) == len(tenantPrefix) {
			return "", fmt.Errorf("%w: missing tenant id", ErrInvalidRoom)
		}
		return Room(raw), nil
	default:
		return TenantRoom(raw), nil
	}
}

func (r Room) IsAdmin() bool {
	return r == AdminRoom
}

// TenantID returns the tenant of a tenant room, or "" for any other room.
func (r Room) TenantID() string {
	if id, ok := strings.CutPrefix(string(r), tenantPrefix); ok {
		return id
	}
	return ""
}

func (r Room) String() string {
	return string(r)
}
