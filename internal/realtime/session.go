package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const defaultCommandTimeout = 5 * time.Second

type SessionOptions struct {
	Commands CommandForwarder
	// Bound on writing a status reply.
	ReplyTimeout   time.Duration
	CommandTimeout time.Duration
	Logger         *slog.Logger
}

// Session drives one connection's receive side: it decodes inbound frames and
// routes them through inboundHandlers. Frames of one connection are handled one
// at a time by the transport's read loop.
type Session struct {
	conn           *Connection
	registry       *Registry
	commands       CommandForwarder
	replyTimeout   time.Duration
	commandTimeout time.Duration
	logger         *slog.Logger
}

type inboundHandler func(s *Session, ctx context.Context, data json.RawMessage) error

var inboundHandlers = map[InboundType]inboundHandler{
	InboundAuthenticate: (*Session).handleAuthenticate,
	InboundJoin:         (*Session).handleJoin,
	InboundLeave:        (*Session).handleLeave,
	InboundCommand:      (*Session).handleCommand,
}

func NewSession(conn *Connection, registry *Registry, opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	replyTimeout := opts.ReplyTimeout
	if replyTimeout <= 0 {
		replyTimeout = defaultSendTimeout
	}
	commandTimeout := opts.CommandTimeout
	if commandTimeout <= 0 {
		commandTimeout = defaultCommandTimeout
	}

	return &Session{
		conn:           conn,
		registry:       registry,
		commands:       opts.Commands,
		replyTimeout:   replyTimeout,
		commandTimeout: commandTimeout,
		logger:         logger.With("connID", conn.ID()),
	}
}

func (s *Session) Connection() *Connection {
	return s.conn
}

// Start greets the client with its connection id.
func (s *Session) Start() {
	s.reply(StatusConnected, string(s.conn.ID()))
}

// Handle processes one inbound frame. Errors are already reported to the client;
// they are returned for logging. After an AuthError the transport is closed.
func (s *Session) Handle(ctx context.Context, raw []byte) error {
	s.conn.Touch()

	var msg InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.reply(StatusError, "invalid message format")
		return fmt.Errorf("invalid inbound frame: %w", err)
	}

	handler, ok := inboundHandlers[msg.Type]
	if !ok {
		s.reply(StatusError, fmt.Sprintf("unknown message type %q", msg.Type))
		return fmt.Errorf("unknown inbound type %q", msg.Type)
	}

	err := handler(s, ctx, msg.Data)
	if errors.Is(err, ErrConnectionClosed) {
		s.logger.Debug("Message on closed connection", "type", msg.Type)
	}
	return err
}

func (s *Session) handleAuthenticate(ctx context.Context, raw json.RawMessage) error {
	var data AuthenticateData
	if err := decodeData(raw, &data); err != nil {
		s.reply(StatusError, "invalid authenticate message")
		return err
	}

	identity, err := s.registry.Authenticate(ctx, s.conn, data.Token)
	switch {
	case err == nil:
		s.reply(StatusAuthenticated, "authenticated as "+identity.SubjectID)
	case errors.Is(err, ErrAuthFailed):
		s.reply(StatusAuthFailed, "invalid or expired credential")
		if cerr := s.conn.out.Close(); cerr != nil {
			s.logger.Debug("Error closing transport", "error", cerr)
		}
	case errors.Is(err, ErrConnectionClosed):
		// nobody left to tell
	default:
		s.reply(StatusError, err.Error())
	}
	return err
}

func (s *Session) handleJoin(_ context.Context, raw json.RawMessage) error {
	room, err := s.decodeRoom(raw)
	if err != nil {
		return err
	}

	if err := s.registry.Join(s.conn, room); err != nil {
		s.replyErr(err)
		return err
	}
	s.reply(StatusJoined, "joined "+room.String())
	return nil
}

func (s *Session) handleLeave(_ context.Context, raw json.RawMessage) error {
	room, err := s.decodeRoom(raw)
	if err != nil {
		return err
	}

	if err := s.registry.Leave(s.conn, room); err != nil {
		s.replyErr(err)
		return err
	}
	s.reply(StatusLeft, "left "+room.String())
	return nil
}

func (s *Session) handleCommand(ctx context.Context, raw json.RawMessage) error {
	switch s.conn.State() {
	case StateDisconnected:
		return ErrConnectionClosed
	case StateConnected, StateAuthenticating:
		s.replyErr(ErrNotAuthenticated)
		return ErrNotAuthenticated
	}

	var data CommandData
	if err := decodeData(raw, &data); err != nil || data.TargetDeviceID == "" {
		s.reply(StatusError, "invalid command message")
		if err == nil {
			err = errors.New("command without targetDeviceId")
		}
		return err
	}
	if s.commands == nil {
		s.replyErr(ErrCommandsUnavailable)
		return ErrCommandsUnavailable
	}

	identity, _ := s.conn.Identity()
	cmd := DeviceCommand{
		TargetDeviceID: data.TargetDeviceID,
		Command:        data.Command,
		IssuedBy:       identity.SubjectID,
		Role:           identity.Role,
		ConnectionID:   s.conn.ID(),
		IssuedAt:       time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()
	if err := s.commands.Forward(ctx, cmd); err != nil {
		s.logger.Error("Failed to forward command", "deviceID", cmd.TargetDeviceID, "error", err)
		s.reply(StatusError, "failed to send command")
		return fmt.Errorf("forward command: %w", err)
	}

	s.reply(StatusCommandSent, "command sent to "+cmd.TargetDeviceID)
	return nil
}

func (s *Session) decodeRoom(raw json.RawMessage) (Room, error) {
	var data RoomData
	if err := decodeData(raw, &data); err != nil {
		s.reply(StatusError, "invalid room message")
		return "", err
	}
	room, err := ParseRoom(data.Room)
	if err != nil {
		s.replyErr(err)
		return "", err
	}
	return room, nil
}

func (s *Session) replyErr(err error) {
	if errors.Is(err, ErrConnectionClosed) {
		return
	}
	s.reply(StatusError, err.Error())
}

func (s *Session) reply(status ConnectionStatus, message string) {
	data, err := NewStatusMessage(status, message).Encode()
	if err != nil {
		s.logger.Error("Failed to encode status", "status", status, "error", err)
		return
	}
	if err := s.conn.Send(data, s.replyTimeout); err != nil {
		s.logger.Debug("Failed to send status", "status", status, "error", err)
	}
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing data")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid data: %w", err)
	}
	return nil
}
