package polling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consentflow/internal/permission/models"
	"consentflow/internal/retry"
	id "consentflow/pkg/domain"
	"consentflow/pkg/platform/circuit"
)

func TestGuardedFetcherOpensOnTransientFailures(t *testing.T) {
	pr := models.PermissionRequest{PermissionID: id.NewPermissionID(), DataSource: models.DataSourceInformation{RegionConnectorID: connector}}
	fetcher := newFakeFetcher()
	fetcher.answer(pr.PermissionID, func() (time.Time, error) {
		return time.Time{}, retry.FromStatus(connector.String(), 503, "down")
	})
	breaker := circuit.New(connector.String(), circuit.WithFailureThreshold(2), circuit.WithCooldown(time.Hour))
	guarded := NewGuardedFetcher(connector, fetcher, breaker, nil)

	for range 3 {
		_, err := guarded.Fetch(context.Background(), pr)
		require.Error(t, err)
		assert.Equal(t, retry.ErrorProviderOutage, retry.GetCategory(err))
	}

	assert.True(t, breaker.IsOpen())
	assert.Equal(t, 2, fetcher.callCount(pr.PermissionID), "third call short-circuited")
}

func TestGuardedFetcherIgnoresRequestLevelErrors(t *testing.T) {
	pr := models.PermissionRequest{PermissionID: id.NewPermissionID(), DataSource: models.DataSourceInformation{RegionConnectorID: connector}}
	fetcher := newFakeFetcher()
	breaker := circuit.New(connector.String(), circuit.WithFailureThreshold(1))
	guarded := NewGuardedFetcher(connector, fetcher, breaker, nil)

	for _, err := range []error{ErrNotReady, retry.FromStatus(connector.String(), 401, "expired"), retry.FromStatus(connector.String(), 404, "gone")} {
		fetcher.answer(pr.PermissionID, func() (time.Time, error) { return time.Time{}, err })
		_, got := guarded.Fetch(context.Background(), pr)
		require.ErrorIs(t, got, err)
	}
	assert.False(t, breaker.IsOpen())
}
