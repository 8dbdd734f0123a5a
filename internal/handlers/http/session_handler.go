package http

import (
	"errors"
	"net/http"

	"mediconnect/internal/core/domain"
	"mediconnect/internal/core/services"

	"github.com/gin-gonic/gin"
)

type SessionHandler struct {
	sessionService *services.SessionService
	metricsService *services.MetricsService
}

func NewSessionHandler(
	sessionService *services.SessionService,
	metricsService *services.MetricsService,
) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
		metricsService: metricsService,
	}
}

func (h *SessionHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/video")
	{
		api.POST("/session/create", h.CreateSession)
		api.GET("/session/:id", h.GetSession)
		api.POST("/session/:id/peer", h.RegisterPeer)
		api.POST("/session/:id/join", h.Join)
		api.GET("/session/:id/peers", h.ListPeers)
		api.POST("/session/:id/end", h.EndSession)
		api.GET("/stats", h.Stats)
	}
}

type sessionResponse struct {
	SessionID     domain.SessionID     `json:"session_id"`
	RoomID        domain.RoomID        `json:"room_id"`
	AppointmentID domain.AppointmentID `json:"appointment_id"`
	Status        domain.SessionStatus `json:"status"`
	CreatedAt     string               `json:"created_at"`
}

func toSessionResponse(session *domain.CallSession) sessionResponse {
	return sessionResponse{
		SessionID:     session.ID,
		RoomID:        session.RoomID,
		AppointmentID: session.AppointmentID,
		Status:        session.Status,
		CreatedAt:     session.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req struct {
		AppointmentID domain.AppointmentID `json:"appointment_id" binding:"required"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.sessionService.CreateSession(c.Request.Context(), req.AppointmentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, toSessionResponse(session))
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))

	session, err := h.sessionService.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, toSessionResponse(session))
}

func (h *SessionHandler) RegisterPeer(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))

	var req domain.Participant
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.sessionService.RegisterPeer(c.Request.Context(), sessionID, req); err != nil {
		switch {
		case errors.Is(err, domain.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		case errors.Is(err, domain.ErrSessionEnded):
			c.JSON(http.StatusConflict, gin.H{"error": "session already ended"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "registered"})
}

func (h *SessionHandler) Join(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))

	if err := h.sessionService.Join(c.Request.Context(), sessionID); err != nil {
		switch {
		case errors.Is(err, domain.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		case errors.Is(err, domain.ErrSessionEnded):
			c.JSON(http.StatusConflict, gin.H{"error": "session already ended"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "joined"})
}

func (h *SessionHandler) ListPeers(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))

	peers, err := h.sessionService.ListPeers(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if peers == nil {
		peers = []domain.Participant{}
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers})
}

func (h *SessionHandler) EndSession(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))

	if err := h.sessionService.EndSession(c.Request.Context(), sessionID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

func (h *SessionHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.metricsService.Stats())
}
