package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes wires the websocket endpoints and health check onto the
// gin engine. Handshake authentication happens inside the upgrade handlers
// so rejected credentials get the documented close code instead of an HTTP
// status the browser websocket API cannot observe.
func (h *WebSocketHub) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": h.Registry.Count(),
			"sessions":    h.Sessions.SessionCount(),
		})
	})

	ws := r.Group("/ws")
	{
		ws.GET("/quotes/:quote_id", h.HandleQuoteWS)
		ws.GET("/dashboard/:dashboard_type", h.HandleDashboardWS)
		ws.GET("/notifications", h.HandleNotificationsWS)
	}
}
