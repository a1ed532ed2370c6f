package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"rate limited", FromStatus("fr-enedis", http.StatusTooManyRequests, "slow down"), OutcomeRetry},
		{"server error", FromStatus("fr-enedis", http.StatusBadGateway, "upstream"), OutcomeRetry},
		{"gateway timeout", FromStatus("fr-enedis", http.StatusGatewayTimeout, ""), OutcomeRetry},
		{"unauthorized", FromStatus("fr-enedis", http.StatusUnauthorized, "token revoked"), OutcomeRevoke},
		{"forbidden", FromStatus("fr-enedis", http.StatusForbidden, ""), OutcomeRevoke},
		{"bad request", FromStatus("fr-enedis", http.StatusBadRequest, "bad meter"), OutcomeInvalid},
		{"unprocessable", FromStatus("fr-enedis", http.StatusUnprocessableEntity, ""), OutcomeInvalid},
		{"teapot", FromStatus("fr-enedis", http.StatusTeapot, ""), OutcomeUnclassified},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), OutcomeRetry},
		{"wrapped adapter error", fmt.Errorf("poll: %w", NewAdapterError(ErrorAuthentication, "es-datadis", "expired", nil)), OutcomeRevoke},
		{"unknown", errors.New("boom"), OutcomeUnclassified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err).Outcome)
		})
	}
	assert.Equal(t, Decision{}, Classify(nil))
}

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, CallTimeout: time.Second}
}

func TestPolicyRetriesTransientFailures(t *testing.T) {
	calls := 0
	d, err := fastPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return FromStatus("dk-energinet", http.StatusServiceUnavailable, "maintenance")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, d.Attempts)
	assert.Equal(t, Outcome(""), d.Outcome)
}

func TestPolicyStopsOnPermanentFailure(t *testing.T) {
	calls := 0
	revoked := FromStatus("dk-energinet", http.StatusUnauthorized, "grant withdrawn")
	d, err := fastPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		return revoked
	})
	assert.ErrorIs(t, err, revoked)
	assert.Equal(t, 1, calls)
	assert.Equal(t, OutcomeRevoke, d.Outcome)
}

func TestPolicyExhaustsAttempts(t *testing.T) {
	calls := 0
	d, err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		return FromStatus("dk-energinet", http.StatusTooManyRequests, "")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, OutcomeRetry, d.Outcome)
	assert.Contains(t, d.Reason, "retries exhausted")
}

func TestPolicyAppliesCallTimeout(t *testing.T) {
	p := fastPolicy(2)
	p.CallTimeout = 10 * time.Millisecond
	calls := 0
	d, err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, OutcomeRetry, d.Outcome)
}

func TestPolicyHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := fastPolicy(10).Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return FromStatus("dk-energinet", http.StatusServiceUnavailable, "")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
