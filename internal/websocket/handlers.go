package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"notify-service/internal/config"
	"notify-service/internal/realtime"

	"github.com/gorilla/websocket"
)

type HandlerOptions struct {
	Config config.WebSocketConfig
	// Origins allowed to open a socket. Empty allows only same-host and
	// localhost origins; "*" allows any.
	AllowedOrigins []string
	Commands       realtime.CommandForwarder
	ReplyTimeout   time.Duration
	Logger         *slog.Logger
}

// Handler upgrades HTTP requests and runs one realtime session per socket.
type Handler struct {
	ctx      context.Context
	registry *realtime.Registry
	opts     HandlerOptions
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler builds a Handler. Sessions live until their socket closes or ctx is
// cancelled; ctx is handed to inbound handlers (authentication, commands).
func NewHandler(ctx context.Context, registry *realtime.Registry, opts HandlerOptions) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts.Config = withDefaults(opts.Config)

	h := &Handler{
		ctx:      ctx,
		registry: registry,
		opts:     opts,
		logger:   logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", "remoteAddr", r.RemoteAddr, "error", err)
		return
	}

	client := newClient(conn, h.opts.Config, h.logger)
	rc := h.registry.Register(client)
	client.logger = h.logger.With("connID", rc.ID())

	session := realtime.NewSession(rc, h.registry, realtime.SessionOptions{
		Commands:     h.opts.Commands,
		ReplyTimeout: h.opts.ReplyTimeout,
		Logger:       h.logger,
	})

	h.logger.Info("New WebSocket connection established", "connID", rc.ID(), "remoteAddr", r.RemoteAddr)

	go client.writePump()
	go func() {
		defer h.registry.Unregister(rc)
		session.Start()
		client.readPump(h.ctx, session)
		h.logger.Info("WebSocket connection finished", "connID", rc.ID())
	}()
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// non-browser clients
		return true
	}

	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(origin, allowed) {
			return true
		}
	}

	if len(h.opts.AllowedOrigins) == 0 {
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		return isLoopbackHost(u.Hostname()) || strings.EqualFold(u.Host, r.Host)
	}
	return false
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
