package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrCommandsUnavailable = errors.New("command forwarding is not configured")

// DeviceCommand is a client command addressed to a device. The core forwards it
// without looking at Command.
type DeviceCommand struct {
	TargetDeviceID string          `json:"targetDeviceId"`
	Command        json.RawMessage `json:"command"`
	IssuedBy       string          `json:"issuedBy"`
	Role           string          `json:"role,omitempty"`
	ConnectionID   ConnectionID    `json:"connectionId"`
	IssuedAt       time.Time       `json:"issuedAt"`
}

// CommandForwarder hands device commands to whatever reaches the devices.
type CommandForwarder interface {
	Forward(ctx context.Context, cmd DeviceCommand) error
}
