package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/duplexlab/wspatterns/internal/ledger"
	"github.com/duplexlab/wspatterns/internal/model"
	"github.com/duplexlab/wspatterns/internal/session"
)

// defaultListLimit bounds GET /api/sessions when no limit is given.
const defaultListLimit = 50

// maxListLimit is the hard cap for GET /api/sessions.
const maxListLimit = 500

// SessionHandler serves the read-only inspection API over the session
// registry and the connection ledger.
type SessionHandler struct {
	registry *session.Registry
	ledger   *ledger.Ledger
}

// NewSessionHandler creates a new SessionHandler. The ledger may be nil when
// the server runs without one; the ledger-backed endpoints then report the
// feature as disabled.
func NewSessionHandler(registry *session.Registry, led *ledger.Ledger) *SessionHandler {
	return &SessionHandler{
		registry: registry,
		ledger:   led,
	}
}

// ConnectionResponse represents a recorded connection in API responses.
type ConnectionResponse struct {
	ID               string `json:"id"`
	Route            string `json:"route"`
	RemoteAddr       string `json:"remoteAddr"`
	Status           string `json:"status"`
	Live             bool   `json:"live"`
	CloseCode        *int   `json:"closeCode,omitempty"`
	CloseReason      string `json:"closeReason,omitempty"`
	MessagesSent     int64  `json:"messagesSent"`
	MessagesReceived int64  `json:"messagesReceived"`
	Duration         string `json:"duration"`
	ConnectedAt      string `json:"connectedAt"`
	DisconnectedAt   string `json:"disconnectedAt,omitempty"`
}

// StatsResponse summarizes the live registry and the recorded history.
type StatsResponse struct {
	ActiveSessions int               `json:"activeSessions"`
	TotalAccepted  uint64            `json:"totalAccepted"`
	RecordedOpen   int               `json:"recordedOpen"`
	RecordedClosed int               `json:"recordedClosed"`
	Routes         []model.RouteStat `json:"routes,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// toConnectionResponse converts a ledger row to its API representation.
// live reports whether the session is still in the registry.
func (h *SessionHandler) toConnectionResponse(conn *model.Connection) *ConnectionResponse {
	_, live := h.registry.Get(conn.ID)

	resp := &ConnectionResponse{
		ID:               conn.ID,
		Route:            conn.Route,
		RemoteAddr:       conn.RemoteAddr,
		Status:           string(conn.Status),
		Live:             live,
		CloseCode:        conn.CloseCode,
		CloseReason:      conn.CloseReason,
		MessagesSent:     conn.MessagesSent,
		MessagesReceived: conn.MessagesReceived,
		Duration:         formatDuration(conn.Duration()),
		ConnectedAt:      conn.ConnectedAt.Format(time.RFC3339),
	}
	if conn.DisconnectedAt != nil {
		resp.DisconnectedAt = conn.DisconnectedAt.Format(time.RFC3339)
	}
	return resp
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// List handles GET /api/sessions - lists recently dispatched connections.
func (h *SessionHandler) List(c *gin.Context) {
	if h.ledger == nil {
		sendError(c, http.StatusServiceUnavailable, "LEDGER_DISABLED", "Connection ledger is not enabled")
		return
	}

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	conns, err := h.ledger.ListRecent(c.Request.Context(), limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list connections: "+err.Error())
		return
	}

	response := make([]*ConnectionResponse, len(conns))
	for i, conn := range conns {
		response[i] = h.toConnectionResponse(conn)
	}

	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/sessions/:id - gets one recorded connection.
func (h *SessionHandler) Get(c *gin.Context) {
	if h.ledger == nil {
		sendError(c, http.StatusServiceUnavailable, "LEDGER_DISABLED", "Connection ledger is not enabled")
		return
	}

	connectionID := c.Param("id")
	if connectionID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Connection ID is required")
		return
	}

	conn, err := h.ledger.GetByID(c.Request.Context(), connectionID)
	if err != nil {
		if errors.Is(err, model.ErrConnectionNotFound) {
			sendError(c, http.StatusNotFound, "CONNECTION_NOT_FOUND", "Connection "+connectionID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get connection: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, h.toConnectionResponse(conn))
}

// Stats handles GET /api/stats - aggregates live and recorded numbers.
func (h *SessionHandler) Stats(c *gin.Context) {
	resp := StatsResponse{
		ActiveSessions: h.registry.Count(),
		TotalAccepted:  h.registry.Total(),
	}

	if h.ledger != nil {
		ctx := c.Request.Context()

		open, err := h.ledger.CountByStatus(ctx, model.ConnectionStatusOpen)
		if err != nil {
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to count connections: "+err.Error())
			return
		}
		closed, err := h.ledger.CountByStatus(ctx, model.ConnectionStatusClosed)
		if err != nil {
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to count connections: "+err.Error())
			return
		}
		routes, err := h.ledger.RouteStats(ctx)
		if err != nil {
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to aggregate routes: "+err.Error())
			return
		}

		resp.RecordedOpen = open
		resp.RecordedClosed = closed
		resp.Routes = routes
	}

	c.JSON(http.StatusOK, resp)
}

// Health handles GET /health - liveness check.
func (h *SessionHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": h.registry.Count(),
	})
}

// RegisterRoutes registers the inspection routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.GET("", h.List)
		sessions.GET("/:id", h.Get)
	}
	rg.GET("/stats", h.Stats)
}

// RegisterHealthRoute registers the health check at the server root.
func (h *SessionHandler) RegisterHealthRoute(r *gin.Engine) {
	r.GET("/health", h.Health)
}
