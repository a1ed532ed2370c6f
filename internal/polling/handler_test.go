package polling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"consentflow/internal/fulfillment"
	"consentflow/internal/permission/models"
	id "consentflow/pkg/domain"
	authmw "consentflow/pkg/platform/middleware/auth"
	"consentflow/pkg/testutil"
)

type connectorToken struct{}

func (connectorToken) ValidateToken(token string) (*authmw.Claims, error) {
	if token != "connector-token" {
		return nil, errors.New("unknown token")
	}
	return &authmw.Claims{Subject: string(connector), Scopes: []string{fulfillment.ScopeConnector}}, nil
}

func (s *CoordinatorSuite) triggerRouter(triggers *Triggers) func(path string) int {
	r := chi.NewRouter()
	triggers.Register(r)
	return func(path string) int {
		req := testutil.WithBearer(testutil.NewRequest(s.T(), http.MethodPost, path), "connector-token")
		return testutil.DoRequest(r, req.WithContext(s.ctx)).Code
	}
}

func (s *CoordinatorSuite) TestTriggerEndpoint() {
	pid := s.accepted(connector, models.Date(2024, time.January, 1), models.Date(2024, time.February, 1))
	s.fetcher.answer(pid, func() (time.Time, error) {
		return models.Date(2024, time.February, 2), nil
	})

	triggers := NewTriggers(map[id.RegionConnectorID]*Coordinator{connector: s.coord}, 4, connectorToken{}, slog.New(slog.DiscardHandler))
	post := s.triggerRouter(triggers)

	s.Equal(http.StatusNotFound, post("/connectors/fr-enedis/permission-requests/"+pid.String()+"/poll"))
	s.Equal(http.StatusBadRequest, post("/connectors/us-green-button/permission-requests/nope/poll"))

	s.Equal(http.StatusAccepted, post("/connectors/us-green-button/permission-requests/"+pid.String()+"/poll"))
	s.Equal(models.StatusAccepted, s.status(pid), "polling happens off the request path")

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- triggers.Run(ctx) }()

	s.Eventually(func() bool {
		pr, err := s.store.FindByID(s.ctx, pid)
		return err == nil && pr.Status == models.StatusFulfilled
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	s.ErrorIs(<-done, context.Canceled)
}

func (s *CoordinatorSuite) TestTriggerQueueFull() {
	pid := s.accepted(connector, models.Date(2024, time.January, 1), models.Date(2024, time.February, 1))
	triggers := NewTriggers(map[id.RegionConnectorID]*Coordinator{connector: s.coord}, 1, connectorToken{}, slog.New(slog.DiscardHandler))
	post := s.triggerRouter(triggers)

	path := "/connectors/us-green-button/permission-requests/" + pid.String() + "/poll"
	s.Equal(http.StatusAccepted, post(path))
	s.Equal(http.StatusServiceUnavailable, post(path))
	s.Zero(s.fetcher.callCount(pid))
}
