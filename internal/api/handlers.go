package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/kdp-orchestrator/internal/apperr"
	"github.com/example/kdp-orchestrator/internal/auth"
	"github.com/example/kdp-orchestrator/internal/logger"
	"github.com/example/kdp-orchestrator/internal/models"
	"github.com/example/kdp-orchestrator/internal/orchestration"
)

// writeError maps err to its HTTP status. Internal errors are logged and
// not echoed.
func writeError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// uintParam reads a numeric path parameter, writing 400 when it is not one.
func uintParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(v), true
}

func principal(c *gin.Context) *auth.Principal {
	p, _ := auth.CurrentPrincipal(c)
	return p
}

func caller(c *gin.Context) orchestration.Caller {
	return orchestration.Caller{UserID: principal(c).UserID, IP: c.ClientIP()}
}

// =================================================================================
// AUTHENTICATION HANDLERS
// =================================================================================

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	auth.TokenPair
	User models.User `json:"user"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	user, err := h.Auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, apperr.ErrUnauthenticated) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		writeError(c, err)
		return
	}
	pair, err := auth.IssueTokens(user, h.Config)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loginResponse{TokenPair: pair, User: *user})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

func (h *Handler) refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	claims, err := auth.ParseToken(req.RefreshToken, auth.TokenRefresh, h.Config)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	id, err := claims.UserID()
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	revoked, err := auth.IsRevoked(c.Request.Context(), h.DB, claims.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if revoked {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	var user models.User
	if err := h.DB.WithContext(c.Request.Context()).First(&user, id).Error; err != nil || !user.Active {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	pair, err := auth.IssueTokens(&user, h.Config)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// logout revokes the presented access token and, when sent, the refresh
// token of the same session. The body is optional.
func (h *Handler) logout(c *gin.Context) {
	var req logoutRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid payload")
			return
		}
	}
	if err := auth.Logout(c.Request.Context(), h.DB, h.Config, principal(c), req.RefreshToken, c.ClientIP()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) me(c *gin.Context) {
	p := principal(c)
	c.JSON(http.StatusOK, gin.H{
		"id":          p.UserID,
		"username":    p.Username,
		"permissions": p.Permissions.Names(),
	})
}

// =================================================================================
// HEALTH
// =================================================================================

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) readyz(c *gin.Context) {
	sqlDB, err := h.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
