package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/blockfall/blockfall/internal/services"
	apperrors "github.com/blockfall/blockfall/pkg/errors"
	"github.com/blockfall/blockfall/pkg/response"
)

// PermissionHandler exposes the admin surface for per-user grants.
type PermissionHandler struct {
	svc *services.PermissionService
}

func NewPermissionHandler(svc *services.PermissionService) *PermissionHandler {
	return &PermissionHandler{svc: svc}
}

type permissionRequest struct {
	UserID   string `json:"user_id" validate:"required"`
	Resource string `json:"resource" validate:"required,max=100"`
	Action   string `json:"action" validate:"required,max=100"`
}

// GET /api/permissions/:userID
func (h *PermissionHandler) List(c *gin.Context) {
	userID := c.Param("userID")
	if userID == "" {
		response.Error(c, apperrors.NewBadRequest("user id is required"))
		return
	}

	grants, err := h.svc.List(requestContext(c), userID)
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	response.Success(c, http.StatusOK, grants)
}

// POST /api/permissions
func (h *PermissionHandler) Grant(c *gin.Context) {
	var req permissionRequest
	if !bindAndValidate(c, &req) {
		return
	}

	grant, err := h.svc.Grant(requestContext(c), req.UserID, req.Resource, req.Action)
	if err != nil {
		if errors.Is(err, services.ErrPermissionExists) {
			response.Error(c, apperrors.New("PERMISSION_EXISTS", "Permission already granted", http.StatusConflict))
			return
		}
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	response.Success(c, http.StatusCreated, grant)
}

// POST /api/permissions/revoke
func (h *PermissionHandler) Revoke(c *gin.Context) {
	var req permissionRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.svc.Revoke(requestContext(c), req.UserID, req.Resource, req.Action); err != nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}
