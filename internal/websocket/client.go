package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"notify-service/internal/config"
	"notify-service/internal/realtime"

	"github.com/gorilla/websocket"
)

var ErrSendTimeout = errors.New("send buffer full")

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultSendBuffer = 256
)

func withDefaults(cfg config.WebSocketConfig) config.WebSocketConfig {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	// pings must go out before the peer's read deadline
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = (cfg.PongWait * 9) / 10
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	return cfg
}

// Client is the gorilla-backed transport of one realtime connection. Frames are
// queued on send and written by writePump; Close lets writePump flush what is
// already queued before the close frame goes out.
type Client struct {
	conn   *websocket.Conn
	cfg    config.WebSocketConfig
	send   chan []byte
	logger *slog.Logger

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newClient(conn *websocket.Conn, cfg config.WebSocketConfig, logger *slog.Logger) *Client {
	cfg = withDefaults(cfg)
	return &Client{
		conn:    conn,
		cfg:     cfg,
		send:    make(chan []byte, cfg.SendBuffer),
		logger:  logger,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Send queues data for the write pump, waiting at most timeout for buffer space.
func (c *Client) Send(data []byte, timeout time.Duration) error {
	select {
	case <-c.closing:
		return realtime.ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.send <- data:
		return nil
	case <-c.closing:
		return realtime.ErrConnectionClosed
	case <-timer.C:
		return ErrSendTimeout
	}
}

// Close is safe to call more than once and from any goroutine.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
	return nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// readPump feeds inbound frames to the session until the peer goes away or the
// client is closed. The caller unregisters the connection afterwards.
func (c *Client) readPump(ctx context.Context, session *realtime.Session) {
	defer c.Close()

	rc := session.Connection()
	if c.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		if c.isClosed() {
			return websocket.ErrCloseSent
		}
		rc.Touch()
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) && !c.isClosed() {
				c.logger.Error("WebSocket error", "error", err)
			} else {
				c.logger.Debug("WebSocket connection closed", "error", err)
			}
			return
		}

		if err := session.Handle(ctx, raw); err != nil {
			c.logger.Debug("Inbound message rejected", "error", err)
		}
		if c.isClosed() {
			return
		}
	}
}

// writePump owns every write to the socket. It pings on PingPeriod and, once the
// client is closing, flushes queued frames, sends a close frame and closes the
// socket, which also unblocks readPump.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("Error closing connection", "error", err)
		}
		close(c.done)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				c.logger.Debug("Error writing message", "error", err)
				c.Close()
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Error sending ping", "error", err)
				c.Close()
				return
			}

		case <-c.closing:
			c.flush()
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.conn.WriteMessage(messageType, data)
}
