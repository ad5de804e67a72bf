package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"notify-service/internal/realtime"

	"github.com/gin-gonic/gin"
)

// PresenceReader reports users online across every instance.
type PresenceReader interface {
	GetOnlineUsers(ctx context.Context) ([]string, error)
}

type RealtimeHandler struct {
	dispatcher *realtime.Dispatcher
	presence   PresenceReader
	logger     *slog.Logger
}

// NewRealtimeHandler builds the admin endpoints. presence may be nil.
func NewRealtimeHandler(dispatcher *realtime.Dispatcher, presence PresenceReader, logger *slog.Logger) *RealtimeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RealtimeHandler{
		dispatcher: dispatcher,
		presence:   presence,
		logger:     logger,
	}
}

// StatsResponse is the body of GET /realtime/stats.
type StatsResponse struct {
	realtime.ConnectionStats
	Delivery    realtime.DeliveryStats `json:"delivery"`
	OnlineUsers *int                   `json:"onlineUsers,omitempty"`
}

// PublishResponse reports how many connections accepted a published event.
type PublishResponse struct {
	Delivered int `json:"delivered"`
}

// NotificationRequest is the body of POST /realtime/notifications.
type NotificationRequest struct {
	TenantID string                 `json:"tenantId,omitempty"`
	Payload  map[string]interface{} `json:"payload" binding:"required"`
}

// GetStats godoc
// @Summary Realtime connection statistics
// @Description Connections on this instance, tenant room sizes, admin count and delivery counters
// @Tags realtime
// @Produce json
// @Security BearerAuth
// @Success 200 {object} StatsResponse
// @Failure 401 {object} map[string]interface{} "Unauthorized - invalid or missing token"
// @Failure 403 {object} map[string]interface{} "Privileged role required"
// @Router /realtime/stats [get]
func (h *RealtimeHandler) GetStats(c *gin.Context) {
	resp := StatsResponse{
		ConnectionStats: h.dispatcher.ConnectionStats(),
		Delivery:        h.dispatcher.DeliveryStats(),
	}

	if h.presence != nil {
		users, err := h.presence.GetOnlineUsers(c.Request.Context())
		if err != nil {
			h.logger.Warn("Failed to read online users", "error", err)
		} else {
			n := len(users)
			resp.OnlineUsers = &n
		}
	}

	c.JSON(http.StatusOK, resp)
}

// PublishEvent godoc
// @Summary Publish a domain event
// @Description Route a deviceData, deviceAlert, statisticsUpdate or systemNotification event to connected clients
// @Tags realtime
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body realtime.DomainEvent true "Event to publish"
// @Success 202 {object} PublishResponse
// @Failure 400 {object} map[string]interface{} "Bad request - invalid event"
// @Failure 401 {object} map[string]interface{} "Unauthorized - invalid or missing token"
// @Failure 403 {object} map[string]interface{} "Privileged role required"
// @Router /realtime/events [post]
func (h *RealtimeHandler) PublishEvent(c *gin.Context) {
	var ev realtime.DomainEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.publish(c, ev)
}

// PublishNotification godoc
// @Summary Send a system notification
// @Description Broadcast a systemNotification to every connection, or only to one tenant's room when tenantId is set
// @Tags realtime
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body NotificationRequest true "Notification"
// @Success 202 {object} PublishResponse
// @Failure 400 {object} map[string]interface{} "Bad request - invalid input data"
// @Failure 401 {object} map[string]interface{} "Unauthorized - invalid or missing token"
// @Failure 403 {object} map[string]interface{} "Privileged role required"
// @Router /realtime/notifications [post]
func (h *RealtimeHandler) PublishNotification(c *gin.Context) {
	var req NotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.publish(c, realtime.DomainEvent{
		Type:     realtime.MessageTypeSystemNotification,
		TenantID: req.TenantID,
		Payload:  req.Payload,
	})
}

func (h *RealtimeHandler) publish(c *gin.Context, ev realtime.DomainEvent) {
	n, err := h.dispatcher.Publish(ev)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, realtime.ErrUnknownEventType) || errors.Is(err, realtime.ErrInvalidRoom) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("Event published over HTTP", "type", ev.Type, "tenantID", ev.TenantID, "delivered", n)
	c.JSON(http.StatusAccepted, PublishResponse{Delivered: n})
}
