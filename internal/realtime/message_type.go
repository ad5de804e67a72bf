package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType is the type tag of an outbound message.
type MessageType string

const (
	MessageTypeConnectionStatus   MessageType = "connectionStatus"
	MessageTypeDeviceData         MessageType = "deviceData"
	MessageTypeDeviceAlert        MessageType = "deviceAlert"
	MessageTypeStatisticsUpdate   MessageType = "statisticsUpdate"
	MessageTypeSystemNotification MessageType = "systemNotification"
)

func (mt MessageType) String() string {
	return string(mt)
}

// IsValid checks if the MessageType is a known outbound type
func (mt MessageType) IsValid() bool {
	switch mt {
	case MessageTypeConnectionStatus, MessageTypeDeviceData, MessageTypeDeviceAlert,
		MessageTypeStatisticsUpdate, MessageTypeSystemNotification:
		return true
	default:
		return false
	}
}

// ConnectionStatus values sent in connectionStatus messages.
type ConnectionStatus string

const (
	StatusConnected     ConnectionStatus = "connected"
	StatusAuthenticated ConnectionStatus = "authenticated"
	StatusAuthFailed    ConnectionStatus = "auth-failed"
	StatusJoined        ConnectionStatus = "joined"
	StatusLeft          ConnectionStatus = "left"
	StatusError         ConnectionStatus = "error"
	StatusCommandSent   ConnectionStatus = "command-sent"
)

// Message is the envelope of every frame written to a client.
type Message struct {
	ID        string                 `json:"id"`
	Type      MessageType            `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

func NewMessage(msgType MessageType, data map[string]interface{}) *Message {
	if data == nil {
		data = make(map[string]interface{})
	}
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

func NewStatusMessage(status ConnectionStatus, message string) *Message {
	return NewMessage(MessageTypeConnectionStatus, map[string]interface{}{
		"status":  string(status),
		"message": message,
	})
}

func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// InboundType tags a client request.
type InboundType string

const (
	InboundAuthenticate InboundType = "authenticate"
	InboundJoin         InboundType = "join"
	InboundLeave        InboundType = "leave"
	InboundCommand      InboundType = "command"
)

// InboundMessage is the tagged union read from clients. Data is decoded by the
// handler registered for Type.
type InboundMessage struct {
	Type InboundType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

type AuthenticateData struct {
	Token string `json:"token"`
}

type RoomData struct {
	Room string `json:"room"`
}

type CommandData struct {
	TargetDeviceID string          `json:"targetDeviceId"`
	Command        json.RawMessage `json:"command"`
}
