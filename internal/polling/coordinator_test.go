package polling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"consentflow/internal/fulfillment"
	"consentflow/internal/permission/lock"
	"consentflow/internal/permission/models"
	"consentflow/internal/permission/outbox"
	"consentflow/internal/permission/store"
	"consentflow/internal/platform/metrics"
	"consentflow/internal/platform/scheduler"
	"consentflow/internal/retry"
	id "consentflow/pkg/domain"
	"consentflow/pkg/requestcontext"
)

const connector id.RegionConnectorID = "us-green-button"

// fakeFetcher answers per permission id and tracks peak concurrency.
type fakeFetcher struct {
	mu       sync.Mutex
	answers  map[id.PermissionID]func() (time.Time, error)
	calls    map[id.PermissionID]int
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		answers: make(map[id.PermissionID]func() (time.Time, error)),
		calls:   make(map[id.PermissionID]int),
	}
}

func (f *fakeFetcher) answer(pid id.PermissionID, fn func() (time.Time, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[pid] = fn
}

func (f *fakeFetcher) callCount(pid id.PermissionID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[pid]
}

func (f *fakeFetcher) Fetch(ctx context.Context, pr models.PermissionRequest) (time.Time, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		}
	}

	f.mu.Lock()
	f.calls[pr.PermissionID]++
	fn := f.answers[pr.PermissionID]
	f.mu.Unlock()
	if fn == nil {
		return time.Time{}, nil
	}
	return fn()
}

type CoordinatorSuite struct {
	suite.Suite
	ctx     context.Context
	store   *store.InMemoryStore
	outbox  *outbox.Outbox
	fetcher *fakeFetcher
	metrics *metrics.Metrics
	coord   *Coordinator
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func (s *CoordinatorSuite) SetupTest() {
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2024, time.March, 1, 6, 0, 0, 0, time.UTC))
	s.store = store.NewInMemory()
	s.outbox = outbox.New(s.store, lock.NewSharded())
	s.fetcher = newFakeFetcher()
	s.metrics = metrics.New(prometheus.NewRegistry())

	policy := retry.DefaultPolicy()
	policy.BaseDelay = time.Millisecond
	policy.MaxDelay = 2 * time.Millisecond
	policy.MaxAttempts = 3

	s.coord = New(connector, s.fetcher, s.store,
		fulfillment.New(s.store, s.outbox),
		retry.NewResolver(s.store, s.outbox),
		s.outbox,
		WithPolicy(policy),
		WithMaxConcurrent(2),
		WithMetrics(s.metrics),
	)
}

func (s *CoordinatorSuite) accepted(rc id.RegionConnectorID, start time.Time, end time.Time) id.PermissionID {
	pid := id.NewPermissionID()
	w, err := models.NewWindow(start, &end, models.GranularityP1D)
	s.Require().NoError(err)
	at := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	for _, e := range []models.Event{
		models.NewCreatedEvent(pid, models.CreatedDetails{DataSource: models.DataSourceInformation{RegionConnectorID: rc}}, at),
		models.NewValidatedEvent(pid, w, at),
		models.NewStatusEvent(pid, models.StatusSentToAdministrator, "", at),
		models.NewStatusEvent(pid, models.StatusAccepted, "", at),
	} {
		_, err := s.outbox.Commit(s.ctx, e)
		s.Require().NoError(err)
	}
	return pid
}

func (s *CoordinatorSuite) status(pid id.PermissionID) models.Status {
	pr, err := s.store.FindByID(s.ctx, pid)
	s.Require().NoError(err)
	return pr.Status
}

func (s *CoordinatorSuite) TestPollAllOutcomes() {
	jan := models.Date(2024, time.January, 1)
	feb := models.Date(2024, time.February, 1)

	fulfilled := s.accepted(connector, jan, feb)
	s.fetcher.answer(fulfilled, func() (time.Time, error) {
		return models.Date(2024, time.February, 2), nil
	})

	partial := s.accepted(connector, jan, models.Date(2024, time.June, 1))
	s.fetcher.answer(partial, func() (time.Time, error) {
		return models.Date(2024, time.February, 15), nil
	})

	revoked := s.accepted(connector, jan, feb)
	s.fetcher.answer(revoked, func() (time.Time, error) {
		return time.Time{}, retry.FromStatus(string(connector), 401, "token revoked")
	})

	invalid := s.accepted(connector, jan, feb)
	s.fetcher.answer(invalid, func() (time.Time, error) {
		return time.Time{}, retry.FromStatus(string(connector), 404, "meter unknown")
	})

	notReady := s.accepted(connector, jan, feb)
	s.fetcher.answer(notReady, func() (time.Time, error) {
		return time.Time{}, ErrNotReady
	})

	future := s.accepted(connector, models.Date(2024, time.April, 1), models.Date(2024, time.May, 1))
	other := s.accepted("fr-enedis", jan, feb)

	summary, err := s.coord.PollAll(s.ctx)
	s.Require().NoError(err)

	s.Equal(6, summary.Polled)
	s.Equal(1, summary.Results[ResultFulfilled])
	s.Equal(1, summary.Results[ResultUpdated])
	s.Equal(2, summary.Results[ResultFailed])
	s.Equal(1, summary.Results[ResultNotReady])
	s.Equal(1, summary.Results[ResultNotStarted])

	s.Equal(models.StatusFulfilled, s.status(fulfilled))
	s.Equal(models.StatusAccepted, s.status(partial))
	s.Equal(models.StatusRevoked, s.status(revoked))
	s.Equal(models.StatusUnfulfillable, s.status(invalid))
	s.Equal(models.StatusAccepted, s.status(notReady))
	s.Equal(models.StatusAccepted, s.status(future))
	s.Equal(models.StatusAccepted, s.status(other))

	s.Zero(s.fetcher.callCount(future))
	s.Zero(s.fetcher.callCount(other))
	s.Equal(1, s.fetcher.callCount(revoked), "authentication failures are not retried")

	s.Equal(float64(1), promtestutil.ToFloat64(s.metrics.PollResults.WithLabelValues(string(connector), string(ResultFulfilled))))
}

func (s *CoordinatorSuite) TestTransientFailureIsRetried() {
	pid := s.accepted(connector, models.Date(2024, time.January, 1), models.Date(2024, time.February, 1))
	var attempts atomic.Int32
	s.fetcher.answer(pid, func() (time.Time, error) {
		if attempts.Add(1) < 3 {
			return time.Time{}, retry.FromStatus(string(connector), 503, "maintenance")
		}
		return models.Date(2024, time.February, 3), nil
	})

	result, err := s.coord.Poll(s.ctx, pid)
	s.Require().NoError(err)
	s.Equal(ResultFulfilled, result)
	s.Equal(int32(3), attempts.Load())
}

func (s *CoordinatorSuite) TestExhaustedRetriesLeaveRequestAccepted() {
	pid := s.accepted(connector, models.Date(2024, time.January, 1), models.Date(2024, time.February, 1))
	s.fetcher.answer(pid, func() (time.Time, error) {
		return time.Time{}, retry.FromStatus(string(connector), 429, "slow down")
	})

	result, err := s.coord.Poll(s.ctx, pid)
	s.Require().NoError(err)
	s.Equal(ResultFailed, result)
	s.Equal(3, s.fetcher.callCount(pid))
	s.Equal(models.StatusAccepted, s.status(pid))
}

func (s *CoordinatorSuite) TestNotReadyIsRecorded() {
	pid := s.accepted(connector, models.Date(2024, time.January, 1), models.Date(2024, time.February, 1))
	s.fetcher.answer(pid, func() (time.Time, error) {
		return time.Time{}, ErrNotReady
	})

	result, err := s.coord.Poll(s.ctx, pid)
	s.Require().NoError(err)
	s.Equal(ResultNotReady, result)

	events, err := s.store.ListEvents(s.ctx, pid)
	s.Require().NoError(err)
	last := events[len(events)-1]
	s.Equal(models.KindPollingNotReady, last.Kind)
	s.Equal(models.StatusAccepted, s.status(pid))
}

func (s *CoordinatorSuite) TestPollIgnoresRequestsNotAccepted() {
	pid := s.accepted(connector, models.Date(2024, time.January, 1), models.Date(2024, time.February, 1))
	_, err := s.outbox.Commit(s.ctx, models.NewStatusEvent(pid, models.StatusRevoked, "", time.Now()))
	s.Require().NoError(err)

	result, err := s.coord.Poll(s.ctx, pid)
	s.Require().NoError(err)
	s.Equal(ResultIgnored, result)
	s.Zero(s.fetcher.callCount(pid))
}

func (s *CoordinatorSuite) TestPollUnknownRequest() {
	_, err := s.coord.Poll(s.ctx, id.NewPermissionID())
	s.Error(err)
}

func (s *CoordinatorSuite) TestConcurrencyIsBounded() {
	s.fetcher.delay = 20 * time.Millisecond
	for range 6 {
		s.accepted(connector, models.Date(2024, time.January, 1), models.Date(2024, time.June, 1))
	}

	summary, err := s.coord.PollAll(s.ctx)
	s.Require().NoError(err)
	s.Equal(6, summary.Polled)
	s.Equal(6, summary.Results[ResultNoData])
	s.LessOrEqual(s.fetcher.peak.Load(), int32(2))
	s.GreaterOrEqual(s.fetcher.peak.Load(), int32(1))
}

func (s *CoordinatorSuite) TestRunPollsTriggeredRequests() {
	pid := s.accepted(connector, models.Date(2024, time.January, 1), models.Date(2024, time.February, 1))
	s.fetcher.answer(pid, func() (time.Time, error) {
		return models.Date(2024, time.February, 2), nil
	})

	triggers := make(chan id.PermissionID, 2)
	triggers <- pid
	triggers <- id.NewPermissionID()
	close(triggers)

	s.Require().NoError(s.coord.Run(s.ctx, triggers))
	s.Equal(models.StatusFulfilled, s.status(pid))
}

func (s *CoordinatorSuite) TestRunStopsOnCancel() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	err := s.coord.Run(ctx, make(chan id.PermissionID))
	s.True(errors.Is(err, context.Canceled))
}

func (s *CoordinatorSuite) TestRegister() {
	sched := scheduler.New()
	s.NoError(s.coord.Register(sched, "*/15 * * * *"))
	s.Error(s.coord.Register(sched, "not a cron spec"))
}

func (s *CoordinatorSuite) TestCoveredWatermarkIsFulfilledWithoutFetching() {
	pid := id.NewPermissionID()
	end := models.Date(2024, time.February, 1)
	w, err := models.NewWindow(models.Date(2024, time.January, 1), &end, models.GranularityP1D)
	s.Require().NoError(err)
	at := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	for _, e := range []models.Event{
		models.NewCreatedEvent(pid, models.CreatedDetails{DataSource: models.DataSourceInformation{RegionConnectorID: connector}}, at),
		models.NewValidatedEvent(pid, w, at),
		models.NewStatusEvent(pid, models.StatusSentToAdministrator, "", at),
		models.NewLastPolledEvent(pid, models.Date(2024, time.February, 2), at),
		models.NewStatusEvent(pid, models.StatusAccepted, "", at),
	} {
		_, err := s.outbox.Commit(s.ctx, e)
		s.Require().NoError(err)
	}

	result, err := s.coord.Poll(s.ctx, pid)
	s.Require().NoError(err)
	s.Equal(ResultFulfilled, result)
	s.Equal(models.StatusFulfilled, s.status(pid))
	s.Zero(s.fetcher.callCount(pid))
}
