package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/treeaudit/internal/core/usecase"
)

type ctxKey string

const (
	principalCtxKey ctxKey = "principal"
	requestIDCtxKey ctxKey = "request_id"
	maxJSONBodySize        = 1 << 20
	defaultBulkChunk       = 100
)

// Services bundles the use cases the HTTP adapter exposes.
type Services struct {
	Auditable   *usecase.AuditableService
	ChangeLog   *usecase.ChangeLogService
	Moderation  *usecase.ModerationService
	UDFs        *usecase.UDFService
	Permissions *usecase.PermissionService
	Auth        *usecase.AuthService
}

type Handler struct {
	svc Services
	log *zap.Logger
}

func NewHandler(svc Services, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, log: log}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requestID)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	r.Get("/healthz", h.healthz)
	r.Get("/openapi.json", h.openapi)

	r.Group(func(pr chi.Router) {
		pr.Use(h.requireAPIKey)

		pr.Post("/v1/features/{model}", h.createFeature)
		pr.Post("/v1/features/{model}/bulk", h.bulkSaveFeatures)
		pr.Get("/v1/features/{model}/{id}", h.getFeature)
		pr.Put("/v1/features/{model}/{id}", h.updateFeature)
		pr.Delete("/v1/features/{model}/{id}", h.deleteFeature)
		pr.Get("/v1/features/{model}/{id}/history", h.featureHistory)
		pr.Post("/v1/features/{model}/{id}/approve", h.resolveFeature(true))
		pr.Post("/v1/features/{model}/{id}/reject", h.resolveFeature(false))

		pr.Get("/v1/audits", h.listAudits)
		pr.Post("/v1/audits/{id}/approve", h.resolveAudit(true))
		pr.Post("/v1/audits/{id}/reject", h.resolveAudit(false))
		pr.Post("/v1/moderation/batch", h.resolveBatch)

		pr.Get("/v1/udfs", h.listUDFs)
		pr.Post("/v1/udfs", h.createUDF)
		pr.Post("/v1/udfs/{id}/choices", h.addChoice)
		pr.Put("/v1/udfs/{id}/choices", h.updateChoice)
		pr.Delete("/v1/udfs/{id}/choices", h.deleteChoice)

		pr.Post("/v1/roles", h.createRole)
		pr.Put("/v1/permissions", h.setFieldPermission)
		pr.Put("/v1/users/{userID}", h.assignUser)
	})

	return r
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) openapi(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, openapiSpec())
}

func (h *Handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDCtxKey, id)))
	})
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.Info("http request",
			zap.String("request_id", requestIDFromContext(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if token == "" {
			auth := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				token = strings.TrimSpace(auth[7:])
			}
		}

		principal, err := h.svc.Auth.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, usecase.ErrUnauthorized) {
				h.writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			h.log.Error("authenticate", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		ctx := context.WithValue(r.Context(), principalCtxKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFromContext(ctx context.Context) usecase.Principal {
	p, _ := ctx.Value(principalCtxKey).(usecase.Principal)
	return p
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDCtxKey).(string)
	return id
}

// decodeBody reads one JSON document into dst, rejecting unknown fields
// and trailing data.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	return ensureEOF(decoder)
}

func ensureEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return errors.New("extra json tokens")
}

func pathInt(r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return v, err == nil && v > 0
}

func queryInt(r *http.Request, name string) (int64, bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		h.log.Error("encode json response", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		h.log.Warn("write response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]any{"error": message})
}

func (h *Handler) handleDomainError(w http.ResponseWriter, err error) {
	var (
		authErr        *domain.AuthorizationError
		validationErr  *domain.ValidationError
		consistencyErr *domain.ModerationConsistencyError
	)
	switch {
	case errors.As(err, &validationErr):
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "validation failed", "fields": validationErr.Fields})
	case errors.As(err, &authErr):
		h.writeJSON(w, http.StatusForbidden, map[string]any{"error": authErr.Error(), "fields": authErr.Fields})
	case errors.As(err, &consistencyErr):
		h.writeError(w, http.StatusConflict, consistencyErr.Error())
	case errors.Is(err, domain.ErrFeatureDisabled):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrAlreadyResolved), errors.Is(err, domain.ErrNotPending), errors.Is(err, domain.ErrAlreadyExists):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidModel), errors.Is(err, domain.ErrInvalidKey):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	default:
		h.log.Error("request failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func openapiSpec() map[string]any {
	op := func(summary string) map[string]any { return map[string]any{"summary": summary} }
	return map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   "treeaudit",
			"version": "1.0.0",
		},
		"paths": map[string]any{
			"/v1/features/{model}":              map[string]any{"post": op("Create feature")},
			"/v1/features/{model}/bulk":         map[string]any{"post": op("Save features in resumable chunks")},
			"/v1/features/{model}/{id}":         map[string]any{"get": op("Get feature"), "put": op("Update feature"), "delete": op("Delete feature")},
			"/v1/features/{model}/{id}/history": map[string]any{"get": op("Feature change history")},
			"/v1/features/{model}/{id}/approve": map[string]any{"post": op("Approve every pending change of a feature")},
			"/v1/features/{model}/{id}/reject":  map[string]any{"post": op("Reject every pending change of a feature")},
			"/v1/audits":                        map[string]any{"get": op("List change records")},
			"/v1/audits/{id}/approve":           map[string]any{"post": op("Approve pending change")},
			"/v1/audits/{id}/reject":            map[string]any{"post": op("Reject pending change")},
			"/v1/moderation/batch":              map[string]any{"post": op("Resolve pending changes in bulk")},
			"/v1/udfs":                          map[string]any{"get": op("List UDF definitions"), "post": op("Create UDF definition")},
			"/v1/udfs/{id}/choices":             map[string]any{"post": op("Add choice"), "put": op("Rename choice"), "delete": op("Delete choice")},
			"/v1/roles":                         map[string]any{"post": op("Create role")},
			"/v1/permissions":                   map[string]any{"put": op("Set field permission")},
			"/v1/users/{userID}":                map[string]any{"put": op("Assign instance user")},
		},
	}
}
