package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type WSHandler struct {
	ws http.Handler
}

// NewWSHandler wraps the websocket upgrade handler for gin.
func NewWSHandler(ws http.Handler) *WSHandler {
	return &WSHandler{ws: ws}
}

// HandleWebSocket godoc
// @Summary WebSocket connection
// @Description Open a realtime socket. The server greets with a connectionStatus "connected" frame; the client must then send {"type":"authenticate","data":{"token":"..."}} before joining rooms.
// @Tags websocket
// @Success 101 "Switching Protocols - WebSocket connection established"
// @Failure 403 "Origin not allowed"
// @Failure 429 {object} map[string]interface{} "Too many connection attempts"
// @Router /ws [get]
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	h.ws.ServeHTTP(c.Writer, c.Request)
}
