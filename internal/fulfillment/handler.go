package fulfillment

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	id "consentflow/pkg/domain"
	dErrors "consentflow/pkg/domain-errors"
	"consentflow/pkg/platform/httputil"
	authmw "consentflow/pkg/platform/middleware/auth"
)

// ScopeConnector is the scope region connectors hold.
const ScopeConnector = "connector"

// Inbox accepts data notifications pushed by region connectors and queues
// them for Tracker.Run.
type Inbox struct {
	queue     chan Notification
	validator authmw.TokenValidator
	logger    *slog.Logger
}

func NewInbox(size int, validator authmw.TokenValidator, logger *slog.Logger) *Inbox {
	return &Inbox{queue: make(chan Notification, size), validator: validator, logger: logger}
}

// Notifications is the feed for Tracker.Run.
func (in *Inbox) Notifications() <-chan Notification {
	return in.queue
}

func (in *Inbox) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(authmw.RequireAuth(in.validator, in.logger))
		r.Use(authmw.RequireScope(ScopeConnector, in.logger))
		r.Post("/connectors/{connector}/permission-requests/{id}/data-end", in.handleDataEnd)
	})
}

type dataEndRequest struct {
	DataEnd time.Time `json:"data_end"`
}

func (in *Inbox) handleDataEnd(w http.ResponseWriter, r *http.Request) {
	pid, err := id.ParsePermissionID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid permission id"))
		return
	}
	var req dataEndRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DataEnd.IsZero() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "data_end must be an RFC 3339 timestamp"))
		return
	}

	select {
	case in.queue <- Notification{PermissionID: pid, DataEnd: req.DataEnd.UTC()}:
	default:
		in.logger.WarnContext(r.Context(), "data notification queue full",
			"connector", chi.URLParam(r, "connector"),
			"permission_id", pid.String(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnavailable, "notification queue full"))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
