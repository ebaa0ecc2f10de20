package httpapi

import (
	"net/http"
	"strings"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

type createUDFRequest struct {
	ModelType    domain.ModelKind   `json:"model_type"`
	Name         string             `json:"name"`
	Datatype     domain.UDFDatatype `json:"datatype"`
	IsCollection bool               `json:"iscollection"`
}

type choiceRequest struct {
	Field  string `json:"field,omitempty"`
	Choice string `json:"choice,omitempty"`
	Old    string `json:"old,omitempty"`
	New    string `json:"new,omitempty"`
}

func (h *Handler) listUDFs(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	defs, err := h.svc.UDFs.Definitions(r.Context(), p.InstanceID, domain.ModelKind(strings.TrimSpace(r.URL.Query().Get("model"))))
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"items": defs})
}

func (h *Handler) createUDF(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	var req createUDFRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	def, err := h.svc.UDFs.Create(r.Context(), p.InstanceID, p.UserID, req.ModelType, req.Name, req.Datatype, req.IsCollection)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, def)
}

func (h *Handler) addChoice(w http.ResponseWriter, r *http.Request) {
	h.changeChoice(w, r, func(defID int64, req choiceRequest) (domain.UDFDefinition, error) {
		p := principalFromContext(r.Context())
		return h.svc.UDFs.AddChoice(r.Context(), p.InstanceID, p.UserID, defID, req.Field, req.Choice)
	})
}

func (h *Handler) updateChoice(w http.ResponseWriter, r *http.Request) {
	h.changeChoice(w, r, func(defID int64, req choiceRequest) (domain.UDFDefinition, error) {
		p := principalFromContext(r.Context())
		return h.svc.UDFs.UpdateChoice(r.Context(), p.InstanceID, p.UserID, defID, req.Field, req.Old, req.New)
	})
}

// deleteChoice takes field and choice from the query string.
func (h *Handler) deleteChoice(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	defID, ok := pathInt(r, "id")
	if !ok {
		h.writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return
	}
	q := r.URL.Query()
	def, err := h.svc.UDFs.DeleteChoice(r.Context(), p.InstanceID, p.UserID, defID, q.Get("field"), q.Get("choice"))
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, def)
}

func (h *Handler) changeChoice(w http.ResponseWriter, r *http.Request, apply func(defID int64, req choiceRequest) (domain.UDFDefinition, error)) {
	defID, ok := pathInt(r, "id")
	if !ok {
		h.writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return
	}
	var req choiceRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	def, err := apply(defID, req)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, def)
}
