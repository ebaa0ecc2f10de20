package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

type batchRequest struct {
	IDs     []int64 `json:"ids"`
	Approve bool    `json:"approve"`
}

func (h *Handler) listAudits(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	q := r.URL.Query()
	filter := domain.ChangeFilter{
		InstanceID:  p.InstanceID,
		Model:       domain.ModelKind(strings.TrimSpace(q.Get("model"))),
		PendingOnly: q.Get("pending") == "true",
	}

	var err error
	if filter.ModelID, _, err = queryInt(r, "model_id"); err != nil {
		h.writeError(w, http.StatusBadRequest, "model_id must be integer")
		return
	}
	userID, hasUser, err := queryInt(r, "user_id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "user_id must be integer")
		return
	}
	if hasUser {
		filter.UserID = &userID
	}
	action, _, err := queryInt(r, "action")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "action must be integer")
		return
	}
	filter.Action = domain.Action(action)
	if filter.AfterID, _, err = queryInt(r, "after"); err != nil {
		h.writeError(w, http.StatusBadRequest, "after must be integer")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "limit must be integer")
			return
		}
		filter.Limit = limit
	}

	page, err := h.svc.ChangeLog.ListAudits(r.Context(), p.UserID, filter)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	body := map[string]any{"items": page.Items}
	if page.NextAfter != 0 {
		body["next_after"] = page.NextAfter
	}
	h.writeJSON(w, http.StatusOK, body)
}

func (h *Handler) resolveAudit(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := principalFromContext(r.Context())
		id, ok := pathInt(r, "id")
		if !ok {
			h.writeError(w, http.StatusBadRequest, "id must be a positive integer")
			return
		}

		res, err := h.svc.Moderation.Resolve(r.Context(), p.InstanceID, id, p.UserID, approve)
		if err != nil {
			h.handleDomainError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, res)
	}
}

func (h *Handler) resolveBatch(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	var req batchRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if len(req.IDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "ids are required")
		return
	}

	res, err := h.svc.Moderation.ResolveBatch(r.Context(), p.InstanceID, req.IDs, p.UserID, req.Approve)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}
