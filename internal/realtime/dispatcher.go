package realtime

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const defaultSendTimeout = 250 * time.Millisecond

type DispatcherOptions struct {
	// Bound on pushing one event to one member.
	SendTimeout time.Duration
	Logger      *slog.Logger
}

// DeliveryStats are cumulative per-member delivery outcomes.
type DeliveryStats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

// Dispatcher pushes events to the live members of a room. Per-member failures are
// logged and counted, never returned: a broadcast always reaches every member it
// can.
type Dispatcher struct {
	registry    *Registry
	sendTimeout time.Duration
	logger      *slog.Logger

	delivered atomic.Int64
	failed    atomic.Int64
}

func NewDispatcher(registry *Registry, opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}

	return &Dispatcher{
		registry:    registry,
		sendTimeout: timeout,
		logger:      logger,
	}
}

// EmitToRoom delivers the event to every current member of room and returns how
// many members accepted it.
func (d *Dispatcher) EmitToRoom(room Room, eventType MessageType, payload map[string]interface{}) int {
	members := d.registry.Router().MembersOf(room)
	if len(members) == 0 {
		return 0
	}
	return d.deliver(members, eventType, payload, slog.String("room", room.String()))
}

func (d *Dispatcher) EmitToAdmins(eventType MessageType, payload map[string]interface{}) int {
	return d.EmitToRoom(AdminRoom, eventType, payload)
}

// BroadcastAll delivers to every registered connection regardless of rooms.
func (d *Dispatcher) BroadcastAll(eventType MessageType, payload map[string]interface{}) int {
	conns := d.registry.Connections()
	if len(conns) == 0 {
		return 0
	}
	return d.deliver(conns, eventType, payload, slog.String("room", "*"))
}

// EmitDeviceData sends telemetry to the tenant's room and, when any admin is
// connected, a copy tagged with tenantId to the admin room.
func (d *Dispatcher) EmitDeviceData(tenantID string, data map[string]interface{}) int {
	return d.emitTenantAndAdmins(tenantID, MessageTypeDeviceData, data)
}

func (d *Dispatcher) EmitDeviceAlert(tenantID string, alert map[string]interface{}) int {
	return d.emitTenantAndAdmins(tenantID, MessageTypeDeviceAlert, alert)
}

func (d *Dispatcher) EmitStatisticsUpdate(tenantID string, stats map[string]interface{}) int {
	return d.emitTenantAndAdmins(tenantID, MessageTypeStatisticsUpdate, stats)
}

func (d *Dispatcher) EmitSystemNotification(notice map[string]interface{}) int {
	return d.BroadcastAll(MessageTypeSystemNotification, notice)
}

func (d *Dispatcher) ConnectionStats() ConnectionStats {
	return d.registry.Snapshot()
}

func (d *Dispatcher) DeliveryStats() DeliveryStats {
	return DeliveryStats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
	}
}

func (d *Dispatcher) emitTenantAndAdmins(tenantID string, eventType MessageType, payload map[string]interface{}) int {
	n := d.EmitToRoom(TenantRoom(tenantID), eventType, payload)
	if d.registry.Router().Size(AdminRoom) > 0 {
		n += d.EmitToAdmins(eventType, withTenant(payload, tenantID))
	}
	return n
}

// withTenant copies payload and adds the tenantId key.
func withTenant(payload map[string]interface{}, tenantID string) map[string]interface{} {
	tagged := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		tagged[k] = v
	}
	tagged["tenantId"] = tenantID
	return tagged
}

// deliver encodes once and pushes to each target in order. A single dispatch path
// per call keeps e1-before-e2 for sequential calls from the same caller.
func (d *Dispatcher) deliver(targets []*Connection, eventType MessageType, payload map[string]interface{}, scope slog.Attr) int {
	data, err := NewMessage(eventType, payload).Encode()
	if err != nil {
		d.logger.Error("Failed to encode event", "type", eventType, "error", err)
		return 0
	}

	start := time.Now()
	delivered, failed := 0, 0
	for _, c := range targets {
		if err := d.deliverOne(c, data); err != nil {
			failed++
			if errors.Is(err, ErrConnectionClosed) {
				d.logger.Debug("Skipped closed connection", "connID", c.ID(), "type", eventType, scope)
			} else {
				d.logger.Warn("Event delivery failed", "connID", c.ID(), "type", eventType, scope, "error", err)
			}
			continue
		}
		delivered++
	}

	d.delivered.Add(int64(delivered))
	d.failed.Add(int64(failed))
	d.logger.Debug("Event dispatched", "type", eventType, scope,
		"delivered", delivered, "failed", failed, "duration", time.Since(start))
	return delivered
}

func (d *Dispatcher) deliverOne(c *Connection, data []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic: %v", ErrDeliveryFailure, rec)
		}
	}()

	if err := c.Send(data, d.sendTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailure, err)
	}
	return nil
}
