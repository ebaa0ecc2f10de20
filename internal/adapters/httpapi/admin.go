package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

type roleRequest struct {
	Name                string                 `json:"name"`
	DefaultPermission   domain.PermissionLevel `json:"default_permission"`
	ReputationThreshold int                    `json:"reputation_threshold"`
}

type fieldPermissionRequest struct {
	RoleID int64                  `json:"role_id"`
	Model  domain.ModelKind       `json:"model"`
	Field  string                 `json:"field"`
	Level  domain.PermissionLevel `json:"permission_level"`
}

type instanceUserRequest struct {
	RoleID     int64 `json:"role_id"`
	Admin      bool  `json:"admin"`
	Reputation int   `json:"reputation"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	var req roleRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	role, err := h.svc.Permissions.CreateRole(r.Context(), p.UserID, domain.Role{
		InstanceID:          p.InstanceID,
		Name:                req.Name,
		DefaultLevel:        req.DefaultPermission,
		ReputationThreshold: req.ReputationThreshold,
	})
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, role)
}

func (h *Handler) setFieldPermission(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	var req fieldPermissionRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	fp, err := h.svc.Permissions.SetFieldPermission(r.Context(), p.UserID, domain.FieldPermission{
		InstanceID: p.InstanceID,
		RoleID:     req.RoleID,
		Model:      req.Model,
		Field:      req.Field,
		Level:      req.Level,
	})
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, fp)
}

func (h *Handler) assignUser(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		h.writeError(w, http.StatusBadRequest, "userID must be a positive integer")
		return
	}
	var req instanceUserRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	user := domain.InstanceUser{
		InstanceID: p.InstanceID,
		UserID:     userID,
		RoleID:     req.RoleID,
		Admin:      req.Admin,
		Reputation: req.Reputation,
	}
	if err := h.svc.Permissions.AssignUser(r.Context(), p.UserID, user); err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, user)
}
