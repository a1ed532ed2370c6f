package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"consentflow/internal/permission/models"
	"consentflow/internal/permission/service"
	id "consentflow/pkg/domain"
	dErrors "consentflow/pkg/domain-errors"
	"consentflow/pkg/platform/httputil"
	authmw "consentflow/pkg/platform/middleware/auth"
	"consentflow/pkg/requestcontext"
)

const (
	ScopeRead  = "permissions:read"
	ScopeWrite = "permissions:write"
)

// Service defines the permission operations exposed over HTTP.
type Service interface {
	Create(ctx context.Context, req service.CreateRequest) (*models.PermissionRequest, error)
	Get(ctx context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error)
	List(ctx context.Context, statuses ...models.Status) ([]*models.PermissionRequest, error)
	History(ctx context.Context, permissionID id.PermissionID) ([]models.Event, error)
	MarkSent(ctx context.Context, permissionID id.PermissionID) (models.Status, error)
	Accept(ctx context.Context, permissionID id.PermissionID) (models.Status, error)
	Reject(ctx context.Context, permissionID id.PermissionID, reason string) (models.Status, error)
	Revoke(ctx context.Context, permissionID id.PermissionID, reason string) (models.Status, error)
	Terminate(ctx context.Context, permissionID id.PermissionID) (models.Status, error)
	ConfirmExternalTermination(ctx context.Context, permissionID id.PermissionID, succeeded bool, reason string) (models.Status, error)
}

// Handler handles permission request endpoints.
type Handler struct {
	logger    *slog.Logger
	service   Service
	validator authmw.TokenValidator
}

func New(svc Service, validator authmw.TokenValidator, logger *slog.Logger) *Handler {
	return &Handler{
		logger:    logger,
		service:   svc,
		validator: validator,
	}
}

// Register mounts the permission routes on r behind bearer auth.
func (h *Handler) Register(r chi.Router) {
	r.Route("/permission-requests", func(r chi.Router) {
		r.Use(authmw.RequireAuth(h.validator, h.logger))

		r.Group(func(r chi.Router) {
			r.Use(authmw.RequireScope(ScopeRead, h.logger))
			r.Get("/", h.handleList)
			r.Get("/{id}", h.handleGet)
			r.Get("/{id}/events", h.handleHistory)
		})

		r.Group(func(r chi.Router) {
			r.Use(authmw.RequireScope(ScopeWrite, h.logger))
			r.Post("/", h.handleCreate)
			r.Post("/{id}/sent", h.handleTransition(func(ctx context.Context, pid id.PermissionID, _ transitionRequest) (models.Status, error) {
				return h.service.MarkSent(ctx, pid)
			}))
			r.Post("/{id}/accept", h.handleTransition(func(ctx context.Context, pid id.PermissionID, _ transitionRequest) (models.Status, error) {
				return h.service.Accept(ctx, pid)
			}))
			r.Post("/{id}/reject", h.handleTransition(func(ctx context.Context, pid id.PermissionID, req transitionRequest) (models.Status, error) {
				return h.service.Reject(ctx, pid, req.Reason)
			}))
			r.Post("/{id}/revoke", h.handleTransition(func(ctx context.Context, pid id.PermissionID, req transitionRequest) (models.Status, error) {
				return h.service.Revoke(ctx, pid, req.Reason)
			}))
			r.Post("/{id}/terminate", h.handleTransition(func(ctx context.Context, pid id.PermissionID, _ transitionRequest) (models.Status, error) {
				return h.service.Terminate(ctx, pid)
			}))
			r.Post("/{id}/external-termination", h.handleTransition(func(ctx context.Context, pid id.PermissionID, req transitionRequest) (models.Status, error) {
				return h.service.ConfirmExternalTermination(ctx, pid, req.Succeeded, req.Reason)
			}))
		})
	})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid create permission request",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	pr, err := h.service.Create(ctx, req.toService())
	if err != nil {
		h.fail(ctx, "failed to create permission request", err)
		httputil.WriteError(w, err)
		return
	}
	w.Header().Set("Location", "/permission-requests/"+pr.PermissionID.String())
	httputil.WriteJSON(w, http.StatusCreated, toResponse(pr))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.permissionID(w, r)
	if !ok {
		return
	}
	pr, err := h.service.Get(r.Context(), pid)
	if err != nil {
		h.fail(r.Context(), "failed to get permission request", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(pr))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	var statuses []models.Status
	for _, raw := range r.URL.Query()["status"] {
		st, err := models.ParseStatus(raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "unknown status "+raw))
			return
		}
		statuses = append(statuses, st)
	}

	prs, err := h.service.List(r.Context(), statuses...)
	if err != nil {
		h.fail(r.Context(), "failed to list permission requests", err)
		httputil.WriteError(w, err)
		return
	}
	out := make([]permissionResponse, 0, len(prs))
	for _, pr := range prs {
		out = append(out, toResponse(pr))
	}
	httputil.WriteJSON(w, http.StatusOK, listResponse{PermissionRequests: out})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.permissionID(w, r)
	if !ok {
		return
	}
	events, err := h.service.History(r.Context(), pid)
	if err != nil {
		h.fail(r.Context(), "failed to list permission events", err)
		httputil.WriteError(w, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, toEventResponse(e))
	}
	httputil.WriteJSON(w, http.StatusOK, historyResponse{Events: out})
}

type transitionFunc func(ctx context.Context, pid id.PermissionID, req transitionRequest) (models.Status, error)

func (h *Handler) handleTransition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		pid, ok := h.permissionID(w, r)
		if !ok {
			return
		}

		var req transitionRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
				return
			}
		}

		status, err := fn(ctx, pid, req)
		if err != nil {
			h.fail(ctx, "transition rejected", err, "permission_id", pid.String())
			httputil.WriteError(w, err)
			return
		}
		h.logger.InfoContext(ctx, "permission request transitioned",
			"permission_id", pid.String(),
			"status", string(status),
			"subject", requestcontext.Subject(ctx),
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteJSON(w, http.StatusOK, transitionResponse{PermissionID: pid, Status: status})
	}
}

func (h *Handler) permissionID(w http.ResponseWriter, r *http.Request) (id.PermissionID, bool) {
	pid, err := id.ParsePermissionID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid permission id"))
		return id.PermissionID{}, false
	}
	return pid, true
}

// fail logs client errors at warn and everything else at error.
func (h *Handler) fail(ctx context.Context, msg string, err error, attrs ...any) {
	attrs = append(attrs, "error", err.Error(), "request_id", requestcontext.RequestID(ctx))
	if httputil.StatusFor(err) < http.StatusInternalServerError {
		h.logger.WarnContext(ctx, msg, attrs...)
		return
	}
	h.logger.ErrorContext(ctx, msg, attrs...)
}
