package realtime

import (
	"encoding/json"
	"fmt"
)

// DomainEvent is an event handed to the core by an outside producer (HTTP, Kafka).
type DomainEvent struct {
	Type     MessageType            `json:"type" binding:"required"`
	TenantID string                 `json:"tenantId,omitempty"`
	Payload  map[string]interface{} `json:"payload"`
}

func DecodeDomainEvent(raw []byte) (DomainEvent, error) {
	var ev DomainEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return DomainEvent{}, fmt.Errorf("failed to decode domain event: %w", err)
	}
	return ev, nil
}

// Publish routes ev to the matching helper and returns the number of members
// that accepted it. A systemNotification with a tenant id is limited to that
// tenant's room.
func (d *Dispatcher) Publish(ev DomainEvent) (int, error) {
	switch ev.Type {
	case MessageTypeDeviceData, MessageTypeDeviceAlert, MessageTypeStatisticsUpdate:
		if ev.TenantID == "" {
			return 0, fmt.Errorf("%w: %s requires tenantId", ErrInvalidRoom, ev.Type)
		}
		return d.emitTenantAndAdmins(ev.TenantID, ev.Type, ev.Payload), nil
	case MessageTypeSystemNotification:
		if ev.TenantID != "" {
			return d.EmitToRoom(TenantRoom(ev.TenantID), ev.Type, ev.Payload), nil
		}
		return d.EmitSystemNotification(ev.Payload), nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
}
