package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/kdp-orchestrator/internal/auth"
	"github.com/example/kdp-orchestrator/internal/rbac"
)

func (h *Handler) listRoles(c *gin.Context) {
	roles, err := h.Admin.ListRoles(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, roles)
}

func (h *Handler) listPermissions(c *gin.Context) {
	perms, err := h.Admin.ListPermissions(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, perms)
}

func (h *Handler) bindRole(c *gin.Context) {
	userID, ok := uintParam(c, "userID")
	if !ok {
		return
	}
	roleID, ok := uintParam(c, "roleID")
	if !ok {
		return
	}
	if err := h.Admin.BindRole(c.Request.Context(), principal(c).UserID, userID, roleID, c.ClientIP()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "bound"})
}

type createUserRequest struct {
	Username    string   `json:"username" binding:"required"`
	Email       string   `json:"email"`
	DisplayName string   `json:"displayName"`
	Password    string   `json:"password"`
	Roles       []string `json:"roles"`
}

func (h *Handler) listUsers(c *gin.Context) {
	users, err := h.Admin.ListUsers(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (h *Handler) createUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	var hash string
	if req.Password != "" {
		var err error
		if hash, err = auth.HashPassword(req.Password); err != nil {
			writeError(c, err)
			return
		}
	}
	user, err := h.Admin.CreateUser(c.Request.Context(), principal(c).UserID, rbac.CreateUserInput{
		Username:     req.Username,
		Email:        req.Email,
		DisplayName:  req.DisplayName,
		PasswordHash: hash,
		Roles:        req.Roles,
	}, c.ClientIP())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

type activeRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (h *Handler) setUserActive(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req activeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "active is required")
		return
	}
	user, err := h.Admin.SetUserActive(c.Request.Context(), principal(c).UserID, id, *req.Active, c.ClientIP())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}
