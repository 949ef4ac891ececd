package panelapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jasonchiu/dvirmail/feature/export"
	"github.com/jasonchiu/dvirmail/feature/recipients"
	"github.com/jasonchiu/dvirmail/feature/repository"
)

// Error codes carried in the "code" field of error bodies.
const (
	CodeInvalidEmail         = "invalid_email"
	CodeInvalidDefectFilter  = "invalid_defect_filter"
	CodeDuplicateRecipient   = "duplicate_recipient"
	CodeReadOnlyTenant       = "read_only_tenant"
	CodeConfigurationMissing = "configuration_missing"
	CodeRemoteUnavailable    = "remote_unavailable"
	CodeQueryFailed          = "query_failed"
	CodeWriteFailed          = "write_failed"
	CodeNoRecipients         = "no_recipients"
	CodeNotImplemented       = "not_implemented"
	CodeInvalidRequest       = "invalid_request"
)

const testEmailMessage = "Test email functionality would be implemented in your backend service"

type Handler struct {
	Repo     repository.Repository
	Uploader *export.Uploader
	Logger   *zap.Logger
	Now      func() time.Time
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/test/connection", h.testConnection)
	r.Route("/api/tenants/{database}", func(r chi.Router) {
		r.Post("/ensure", h.ensure)
		r.Get("/recipients", h.list)
		r.Post("/recipients", h.add)
		r.Delete("/recipients/{id}", h.remove)
		r.Put("/settings", h.updateSettings)
		r.Post("/test/connection", h.testConnection)
		r.Post("/test/email", h.testEmail)
		r.Get("/export", h.export)
		r.Post("/export/upload", h.uploadExport)
	})
}

type recipientJSON struct {
	ID                 string                  `json:"id"`
	Email              string                  `json:"email"`
	DatabaseName       string                  `json:"database_name"`
	SendOnlyNewDefects bool                    `json:"send_only_new_defects"`
	DefectFilter       recipients.DefectFilter `json:"defect_filter"`
	CreatedAt          time.Time               `json:"created_at,omitempty"`
}

type listResponse struct {
	Database           string          `json:"database"`
	Count              int             `json:"count"`
	SendOnlyNewDefects bool            `json:"send_only_new_defects"`
	Recipients         []recipientJSON `json:"recipients"`
}

type addRequest struct {
	Email              string `json:"email"`
	DefectFilter       string `json:"defect_filter,omitempty"`
	SendOnlyNewDefects *bool  `json:"send_only_new_defects,omitempty"`
}

type settingsRequest struct {
	SendOnlyNewDefects *bool `json:"send_only_new_defects"`
}

func (h *Handler) ensure(w http.ResponseWriter, r *http.Request) {
	created, err := h.Repo.EnsureTenantConfigured(r.Context(), database(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"created": created})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	l, err := h.Repo.Load(r.Context(), database(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := listResponse{
		Database:           l.Tenant,
		Count:              l.Count(),
		SendOnlyNewDefects: l.SendOnlyNewDefects,
		Recipients:         make([]recipientJSON, 0, l.Count()),
	}
	for _, rc := range l.Recipients {
		out.Recipients = append(out.Recipients, recipientJSON{
			ID:                 rc.ID,
			Email:              rc.Email,
			DatabaseName:       l.Tenant,
			SendOnlyNewDefects: rc.SendOnlyNewDefects,
			DefectFilter:       rc.Filter(),
			CreatedAt:          rc.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) add(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpErrorJSON(w, http.StatusBadRequest, CodeInvalidRequest, "invalid json body")
		return
	}
	filter := recipients.DefectFilter(strings.TrimSpace(req.DefectFilter))
	if filter == "" && req.SendOnlyNewDefects != nil {
		filter = recipients.FilterFor(*req.SendOnlyNewDefects)
	}
	id, err := h.Repo.AddRecipient(r.Context(), database(r), req.Email, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	if err := h.Repo.RemoveRecipient(r.Context(), database(r), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SendOnlyNewDefects == nil {
		httpErrorJSON(w, http.StatusBadRequest, CodeInvalidRequest, "send_only_new_defects is required")
		return
	}
	if err := h.Repo.UpdateSharedSetting(r.Context(), database(r), *req.SendOnlyNewDefects); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) testConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.Repo.Ping(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) testEmail(w http.ResponseWriter, r *http.Request) {
	l, err := h.Repo.Load(r.Context(), database(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if l.Count() == 0 {
		httpErrorJSON(w, http.StatusConflict, CodeNoRecipients,
			"No recipients configured. Add at least one recipient to test the email system.")
		return
	}
	httpErrorJSON(w, http.StatusNotImplemented, CodeNotImplemented, testEmailMessage)
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	doc, data, ok := h.buildExport(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.Filename()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) uploadExport(w http.ResponseWriter, r *http.Request) {
	if h.Uploader == nil {
		httpErrorJSON(w, http.StatusNotImplemented, CodeNotImplemented, "export bucket is not configured")
		return
	}
	doc, data, ok := h.buildExport(w, r)
	if !ok {
		return
	}
	key, err := h.Uploader.Upload(r.Context(), doc.Filename(), data)
	if err != nil {
		h.logger().Error("export upload failed", zap.String("database", doc.Database), zap.Error(err))
		httpErrorJSON(w, http.StatusBadGateway, CodeWriteFailed, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": key, "filename": doc.Filename()})
}

func (h *Handler) buildExport(w http.ResponseWriter, r *http.Request) (export.Document, []byte, bool) {
	l, err := h.Repo.Load(r.Context(), database(r))
	if err != nil {
		h.fail(w, r, err)
		return export.Document{}, nil, false
	}
	doc := export.Build(l, h.now())
	data, err := doc.Encode()
	if err != nil {
		httpErrorJSON(w, http.StatusInternalServerError, CodeInvalidRequest, err.Error())
		return export.Document{}, nil, false
	}
	return doc, data, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	httpErrorJSON(w, status, code, err.Error())
}

// StatusFor maps repository errors to an HTTP status and error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, recipients.ErrInvalidEmail):
		return http.StatusBadRequest, CodeInvalidEmail
	case errors.Is(err, recipients.ErrInvalidDefectFilter):
		return http.StatusBadRequest, CodeInvalidDefectFilter
	case errors.Is(err, recipients.ErrDuplicateRecipient):
		return http.StatusConflict, CodeDuplicateRecipient
	case errors.Is(err, recipients.ErrReadOnlyTenant):
		return http.StatusForbidden, CodeReadOnlyTenant
	case errors.Is(err, recipients.ErrConfigurationMissing):
		return http.StatusNotFound, CodeConfigurationMissing
	case errors.Is(err, recipients.ErrRemoteUnavailable):
		return http.StatusServiceUnavailable, CodeRemoteUnavailable
	case errors.Is(err, recipients.ErrQueryFailed):
		return http.StatusBadGateway, CodeQueryFailed
	case errors.Is(err, recipients.ErrWriteFailed):
		return http.StatusBadGateway, CodeWriteFailed
	default:
		return http.StatusInternalServerError, CodeWriteFailed
	}
}

func database(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "database"))
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return zap.NewNop()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpErrorJSON(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(msg), "code": code})
}
