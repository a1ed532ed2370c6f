package polling

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"consentflow/internal/fulfillment"
	id "consentflow/pkg/domain"
	dErrors "consentflow/pkg/domain-errors"
	"consentflow/pkg/platform/httputil"
	authmw "consentflow/pkg/platform/middleware/auth"
)

// Triggers lets a region connector announce that new data is available for
// a request. The request is queued for its connector's coordinator and polled
// ahead of the next round.
type Triggers struct {
	coordinators map[id.RegionConnectorID]*Coordinator
	queues       map[id.RegionConnectorID]chan id.PermissionID
	validator    authmw.TokenValidator
	logger       *slog.Logger
}

// NewTriggers gives every coordinator a queue holding up to size pending
// triggers.
func NewTriggers(coordinators map[id.RegionConnectorID]*Coordinator, size int, validator authmw.TokenValidator, logger *slog.Logger) *Triggers {
	queues := make(map[id.RegionConnectorID]chan id.PermissionID, len(coordinators))
	for connectorID := range coordinators {
		queues[connectorID] = make(chan id.PermissionID, size)
	}
	return &Triggers{coordinators: coordinators, queues: queues, validator: validator, logger: logger}
}

// Run drains every connector queue through Coordinator.Run until ctx ends.
func (t *Triggers) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for connectorID, coordinator := range t.coordinators {
		queue := t.queues[connectorID]
		g.Go(func() error {
			return coordinator.Run(ctx, queue)
		})
	}
	return g.Wait()
}

func (t *Triggers) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(authmw.RequireAuth(t.validator, t.logger))
		r.Use(authmw.RequireScope(fulfillment.ScopeConnector, t.logger))
		r.Post("/connectors/{connector}/permission-requests/{id}/poll", t.handlePoll)
	})
}

func (t *Triggers) handlePoll(w http.ResponseWriter, r *http.Request) {
	connectorID := id.RegionConnectorID(chi.URLParam(r, "connector"))
	queue, ok := t.queues[connectorID]
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "connector is not polled"))
		return
	}
	pid, err := id.ParsePermissionID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid permission id"))
		return
	}

	select {
	case queue <- pid:
	default:
		t.logger.WarnContext(r.Context(), "poll trigger queue full",
			"connector", connectorID.String(),
			"permission_id", pid.String(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnavailable, "poll queue full"))
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"result": "queued"})
}
