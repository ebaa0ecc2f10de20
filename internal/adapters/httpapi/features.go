package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

type featureRequest struct {
	OwnerID int64                   `json:"owner_id,omitempty"`
	Values  map[string]domain.Value `json:"values"`
}

type bulkSaveRequest struct {
	Items     []featureRequest `json:"items"`
	ChunkSize int              `json:"chunk_size,omitempty"`
}

func (h *Handler) createFeature(w http.ResponseWriter, r *http.Request) {
	h.saveFeature(w, r, 0)
}

func (h *Handler) updateFeature(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(r, "id")
	if !ok {
		h.writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return
	}
	h.saveFeature(w, r, id)
}

func (h *Handler) saveFeature(w http.ResponseWriter, r *http.Request, id int64) {
	p := principalFromContext(r.Context())
	var req featureRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	saved, err := h.svc.Auditable.Save(r.Context(), domain.Record{
		InstanceID: p.InstanceID,
		Model:      domain.ModelKind(chi.URLParam(r, "model")),
		ID:         id,
		OwnerID:    req.OwnerID,
		Values:     req.Values,
	}, p.UserID)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	status := http.StatusOK
	if id == 0 {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, saved)
}

// bulkSaveFeatures saves items in chunks. The Idempotency-Key header names
// the job: a retried request resumes after the last committed chunk.
func (h *Handler) bulkSaveFeatures(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	jobKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if jobKey == "" {
		h.writeError(w, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}
	var req bulkSaveRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	chunk := req.ChunkSize
	if chunk <= 0 {
		chunk = defaultBulkChunk
	}

	model := domain.ModelKind(chi.URLParam(r, "model"))
	records := make([]domain.Record, 0, len(req.Items))
	for _, item := range req.Items {
		records = append(records, domain.Record{
			InstanceID: p.InstanceID,
			Model:      model,
			OwnerID:    item.OwnerID,
			Values:     item.Values,
		})
	}

	key := "bulk/" + strconv.FormatInt(p.InstanceID, 10) + "/" + jobKey
	res, err := h.svc.Auditable.BulkSave(r.Context(), key, records, p.UserID, chunk)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"total": res.Total,
		"start": res.Start,
		"next":  res.Next,
		"items": res.Saved,
	})
}

func (h *Handler) getFeature(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	id, ok := pathInt(r, "id")
	if !ok {
		h.writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return
	}

	rec, err := h.svc.Auditable.Get(r.Context(), p.InstanceID, domain.ModelKind(chi.URLParam(r, "model")), id, p.UserID)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) deleteFeature(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	id, ok := pathInt(r, "id")
	if !ok {
		h.writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return
	}

	if err := h.svc.Auditable.Delete(r.Context(), p.InstanceID, domain.ModelKind(chi.URLParam(r, "model")), id, p.UserID); err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) featureHistory(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	id, ok := pathInt(r, "id")
	if !ok {
		h.writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return
	}
	model := domain.ModelKind(chi.URLParam(r, "model"))
	if err := domain.ValidateModelKind(model); err != nil {
		h.handleDomainError(w, err)
		return
	}

	items, err := h.svc.ChangeLog.VisibleHistory(r.Context(), p.UserID, p.InstanceID, model, id)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) resolveFeature(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := principalFromContext(r.Context())
		id, ok := pathInt(r, "id")
		if !ok {
			h.writeError(w, http.StatusBadRequest, "id must be a positive integer")
			return
		}

		items, err := h.svc.Moderation.ResolveObject(r.Context(), p.InstanceID, domain.ModelKind(chi.URLParam(r, "model")), id, p.UserID, approve)
		if err != nil {
			h.handleDomainError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}
