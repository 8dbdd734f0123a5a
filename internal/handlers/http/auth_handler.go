package http

import (
	"net/http"
	"strings"
	"time"

	"mediconnect/internal/core/domain"
	"mediconnect/internal/core/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type AuthHandler struct {
	authService services.AuthService
	tokenTTL    time.Duration
}

func NewAuthHandler(authService services.AuthService, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		tokenTTL:    tokenTTL,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/auth")
	{
		api.POST("/token", h.IssueToken)
	}
}

type TokenRequest struct {
	UserID string      `json:"user_id" binding:"max=100"`
	Role   domain.Role `json:"user_role" binding:"required"`
	Name   string      `json:"user_name" binding:"required,min=1,max=100"`
}

// IssueToken mints a short-lived call token for one participant. Identity is
// established upstream by the appointment system; this endpoint only encodes
// the asserted role and display name for the video services.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Role != domain.RolePatient && req.Role != domain.RoleDoctor {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_role must be patient or doctor"})
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.UserID == "" {
		req.UserID = uuid.New().String()
	}

	token, err := h.authService.GenerateToken(req.UserID, req.Role, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":      req.UserID,
		"access_token": token,
		"expires_in":   int(h.tokenTTL / time.Second),
	})
}
