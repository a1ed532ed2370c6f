package polling

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"consentflow/internal/permission/models"
	"consentflow/internal/retry"
	id "consentflow/pkg/domain"
	"consentflow/pkg/platform/circuit"
)

// GuardedFetcher stops calling a connector's gateway while it keeps failing
// with transient errors. Rejected calls fail as a provider outage so the
// retry policy treats them like any other transient failure.
type GuardedFetcher struct {
	connector id.RegionConnectorID
	next      Fetcher
	breaker   *circuit.Breaker
	logger    *slog.Logger
}

func NewGuardedFetcher(connector id.RegionConnectorID, next Fetcher, breaker *circuit.Breaker, logger *slog.Logger) *GuardedFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuardedFetcher{connector: connector, next: next, breaker: breaker, logger: logger}
}

func (g *GuardedFetcher) Fetch(ctx context.Context, pr models.PermissionRequest) (time.Time, error) {
	if !g.breaker.Allow() {
		return time.Time{}, retry.NewAdapterError(retry.ErrorProviderOutage, g.connector.String(), "circuit open", nil)
	}

	dataEnd, err := g.next.Fetch(ctx, pr)
	if transient(err) {
		if _, change := g.breaker.RecordFailure(); change.Opened {
			g.logger.WarnContext(ctx, "connector circuit opened", "connector", g.connector.String(), "error", err)
		}
		return dataEnd, err
	}
	if _, change := g.breaker.RecordSuccess(); change.Closed {
		g.logger.InfoContext(ctx, "connector circuit closed", "connector", g.connector.String())
	}
	return dataEnd, err
}

// transient reports whether err says the gateway itself is unhealthy. Answers
// about a single request, including ErrNotReady, count as healthy.
func transient(err error) bool {
	if err == nil || errors.Is(err, ErrNotReady) || errors.Is(err, context.Canceled) {
		return false
	}
	switch retry.GetCategory(err) {
	case retry.ErrorTimeout, retry.ErrorProviderOutage, retry.ErrorRateLimited:
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
