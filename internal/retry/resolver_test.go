package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"consentflow/internal/permission/lock"
	"consentflow/internal/permission/models"
	"consentflow/internal/permission/outbox"
	"consentflow/internal/permission/store"
	id "consentflow/pkg/domain"
	dErrors "consentflow/pkg/domain-errors"
)

type ResolverSuite struct {
	suite.Suite
	ctx      context.Context
	store    *store.InMemoryStore
	outbox   *outbox.Outbox
	resolver *Resolver
}

func TestResolverSuite(t *testing.T) {
	suite.Run(t, new(ResolverSuite))
}

func (s *ResolverSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = store.NewInMemory()
	s.outbox = outbox.New(s.store, lock.NewSharded())
	s.resolver = NewResolver(s.store, s.outbox)
}

func (s *ResolverSuite) request(statuses ...models.Status) id.PermissionID {
	pid := id.NewPermissionID()
	now := time.Now()
	_, err := s.outbox.Commit(s.ctx, models.NewCreatedEvent(pid, models.CreatedDetails{}, now))
	s.Require().NoError(err)
	for _, st := range statuses {
		var e models.Event
		if st == models.StatusValidated {
			e = models.NewValidatedEvent(pid, models.Window{Start: models.Date(2024, 1, 1), Granularity: models.GranularityP1D}, now)
		} else {
			e = models.NewStatusEvent(pid, st, "", now)
		}
		_, err := s.outbox.Commit(s.ctx, e)
		s.Require().NoError(err)
	}
	return pid
}

func (s *ResolverSuite) TestRevoke() {
	s.Run("accepted becomes revoked", func() {
		pid := s.request(models.StatusValidated, models.StatusSentToAdministrator, models.StatusAccepted)
		st, err := s.resolver.Resolve(s.ctx, pid, Decision{Outcome: OutcomeRevoke, Reason: "401"})
		s.Require().NoError(err)
		s.Equal(models.StatusRevoked, st)

		pr, err := s.store.FindByID(s.ctx, pid)
		s.Require().NoError(err)
		s.Equal("401", pr.Message)
	})

	s.Run("before acceptance becomes unfulfillable", func() {
		pid := s.request(models.StatusValidated, models.StatusSentToAdministrator)
		st, err := s.resolver.Resolve(s.ctx, pid, Decision{Outcome: OutcomeRevoke})
		s.Require().NoError(err)
		s.Equal(models.StatusUnfulfillable, st)
	})
}

func (s *ResolverSuite) TestInvalid() {
	s.Run("created becomes malformed", func() {
		pid := s.request()
		st, err := s.resolver.Resolve(s.ctx, pid, Decision{Outcome: OutcomeInvalid, Reason: "unknown meter"})
		s.Require().NoError(err)
		s.Equal(models.StatusMalformed, st)
	})

	s.Run("accepted becomes unfulfillable", func() {
		pid := s.request(models.StatusValidated, models.StatusSentToAdministrator, models.StatusAccepted)
		st, err := s.resolver.Resolve(s.ctx, pid, Decision{Outcome: OutcomeInvalid})
		s.Require().NoError(err)
		s.Equal(models.StatusUnfulfillable, st)
	})
}

func (s *ResolverSuite) TestNoCommit() {
	pid := s.request(models.StatusValidated, models.StatusSentToAdministrator, models.StatusAccepted)
	for _, outcome := range []Outcome{OutcomeRetry, OutcomeUnclassified} {
		st, err := s.resolver.Resolve(s.ctx, pid, Decision{Outcome: outcome})
		s.Require().NoError(err)
		s.Equal(models.StatusAccepted, st)
	}

	terminal := s.request(models.StatusValidated, models.StatusSentToAdministrator, models.StatusRejected)
	st, err := s.resolver.Resolve(s.ctx, terminal, Decision{Outcome: OutcomeRevoke})
	s.Require().NoError(err)
	s.Equal(models.StatusRejected, st)

	events, err := s.store.ListEvents(s.ctx, terminal)
	s.Require().NoError(err)
	s.Len(events, 4)
}

func (s *ResolverSuite) TestUnknownRequest() {
	_, err := s.resolver.Resolve(s.ctx, id.NewPermissionID(), Decision{Outcome: OutcomeRevoke})
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}
