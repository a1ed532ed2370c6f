// Package service creates, validates and drives permission requests
// through the outbox on behalf of the HTTP API and region connectors.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"consentflow/internal/permission/models"
	"consentflow/internal/permission/outbox"
	id "consentflow/pkg/domain"
	dErrors "consentflow/pkg/domain-errors"
	"consentflow/pkg/platform/sentinel"
	"consentflow/pkg/requestcontext"
)

type Committer interface {
	Commit(ctx context.Context, event models.Event, opts ...outbox.CommitOption) (models.Status, error)
}

type Queries interface {
	FindByID(ctx context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error)
	FindByStatus(ctx context.Context, statuses ...models.Status) ([]*models.PermissionRequest, error)
	ListEvents(ctx context.Context, permissionID id.PermissionID) ([]models.Event, error)
}

// Connector holds what the service needs to know about a region connector.
type Connector struct {
	CountryCode string
	// ExternalTermination means the administrator must confirm terminations,
	// so Terminate parks the request in require_external_termination.
	ExternalTermination bool
}

// CreateRequest is the input of Create. Start and End are calendar days as
// the caller sent them (see models.ParseDay); an empty End asks for an
// open-ended window.
type CreateRequest struct {
	ConnectionID               id.ConnectionID
	DataNeedID                 id.DataNeedID
	RegionConnectorID          id.RegionConnectorID
	PermissionAdministratorID  string
	MeteredDataAdministratorID string
	Start                      string
	End                        string
	Granularity                string
}

type Service struct {
	outbox     Committer
	queries    Queries
	connectors map[id.RegionConnectorID]Connector
	logger     *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithConnector registers a region connector requests may target.
func WithConnector(connectorID id.RegionConnectorID, c Connector) Option {
	return func(s *Service) {
		s.connectors[connectorID] = c
	}
}

func New(committer Committer, queries Queries, opts ...Option) *Service {
	s := &Service{
		outbox:     committer,
		queries:    queries,
		connectors: make(map[id.RegionConnectorID]Connector),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create records a new permission request and validates it. Invalid input
// still creates the request; it ends up malformed with the attribute errors
// attached.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.PermissionRequest, error) {
	now := requestcontext.Now(ctx)
	pid := id.NewPermissionID()

	connector := s.connectors[req.RegionConnectorID]
	details := models.CreatedDetails{
		ConnectionID: req.ConnectionID,
		DataNeedID:   req.DataNeedID,
		DataSource: models.DataSourceInformation{
			CountryCode:                connector.CountryCode,
			RegionConnectorID:          req.RegionConnectorID,
			PermissionAdministratorID:  req.PermissionAdministratorID,
			MeteredDataAdministratorID: req.MeteredDataAdministratorID,
		},
	}
	if _, err := s.outbox.Commit(ctx, models.NewCreatedEvent(pid, details, now)); err != nil {
		return nil, err
	}

	window, attrErrs := s.validate(req)
	var event models.Event
	if len(attrErrs) > 0 {
		event = models.NewMalformedEvent(pid, attrErrs, now)
	} else {
		event = models.NewValidatedEvent(pid, window, now)
	}
	if _, err := s.outbox.Commit(ctx, event); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "permission request created",
		"permission_id", pid.String(),
		"connection_id", string(req.ConnectionID),
		"region_connector", req.RegionConnectorID.String(),
		"status", string(event.Status),
	)
	return s.Get(ctx, pid)
}

func (s *Service) validate(req CreateRequest) (models.Window, []models.AttributeError) {
	var errs []models.AttributeError
	if req.DataNeedID == "" {
		errs = append(errs, models.AttributeError{Name: "dataNeedId", Message: "must not be blank"})
	}
	if req.ConnectionID == "" {
		errs = append(errs, models.AttributeError{Name: "connectionId", Message: "must not be blank"})
	}
	if _, ok := s.connectors[req.RegionConnectorID]; !ok {
		errs = append(errs, models.AttributeError{Name: "regionConnectorId", Message: "unknown region connector"})
	}
	granularity, err := models.ParseGranularity(req.Granularity)
	if err != nil {
		errs = append(errs, models.AttributeError{Name: "granularity", Message: "unsupported granularity " + req.Granularity})
	}
	var start time.Time
	if req.Start == "" {
		errs = append(errs, models.AttributeError{Name: "start", Message: "must be set"})
	} else if start, err = models.ParseDay(req.Start); err != nil {
		errs = append(errs, models.AttributeError{Name: "start", Message: "must be a date (YYYY-MM-DD)"})
	}
	var end *time.Time
	if req.End != "" {
		day, err := models.ParseDay(req.End)
		if err != nil {
			errs = append(errs, models.AttributeError{Name: "end", Message: "must be a date (YYYY-MM-DD)"})
		}
		end = &day
	}
	if len(errs) > 0 {
		return models.Window{}, errs
	}

	window, err := models.NewWindow(start, end, granularity)
	if err != nil {
		return models.Window{}, []models.AttributeError{{Name: "end", Message: "must not be before start"}}
	}
	return window, nil
}

// MarkSent records that the request reached the permission administrator.
func (s *Service) MarkSent(ctx context.Context, permissionID id.PermissionID) (models.Status, error) {
	return s.commitStatus(ctx, permissionID, models.StatusSentToAdministrator, "")
}

func (s *Service) MarkUnableToSend(ctx context.Context, permissionID id.PermissionID, reason string) (models.Status, error) {
	return s.commitStatus(ctx, permissionID, models.StatusUnableToSend, reason)
}

func (s *Service) Accept(ctx context.Context, permissionID id.PermissionID) (models.Status, error) {
	return s.commitStatus(ctx, permissionID, models.StatusAccepted, "")
}

func (s *Service) Reject(ctx context.Context, permissionID id.PermissionID, reason string) (models.Status, error) {
	return s.commitStatus(ctx, permissionID, models.StatusRejected, reason)
}

func (s *Service) Revoke(ctx context.Context, permissionID id.PermissionID, reason string) (models.Status, error) {
	return s.commitStatus(ctx, permissionID, models.StatusRevoked, reason)
}

// Terminate ends an accepted request on behalf of the eligible party. For
// connectors whose administrator must confirm, the request waits in
// require_external_termination.
func (s *Service) Terminate(ctx context.Context, permissionID id.PermissionID) (models.Status, error) {
	pr, err := s.Get(ctx, permissionID)
	if err != nil {
		return "", err
	}
	target := models.StatusTerminated
	if s.connectors[pr.DataSource.RegionConnectorID].ExternalTermination {
		target = models.StatusRequireExternalTermination
	}
	return s.commitStatus(ctx, permissionID, target, "")
}

// ConfirmExternalTermination records the administrator's answer to a
// termination request.
func (s *Service) ConfirmExternalTermination(ctx context.Context, permissionID id.PermissionID, succeeded bool, reason string) (models.Status, error) {
	if succeeded {
		return s.commitStatus(ctx, permissionID, models.StatusExternallyTerminated, reason)
	}
	return s.commitStatus(ctx, permissionID, models.StatusFailedToExternallyTerminate, reason)
}

func (s *Service) commitStatus(ctx context.Context, permissionID id.PermissionID, target models.Status, message string) (models.Status, error) {
	return s.outbox.Commit(ctx, models.NewStatusEvent(permissionID, target, message, requestcontext.Now(ctx)))
}

func (s *Service) Get(ctx context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error) {
	pr, err := s.queries.FindByID(ctx, permissionID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "permission request not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load permission request")
	}
	return pr, nil
}

// List returns requests in any of statuses, or every request when none are
// given.
func (s *Service) List(ctx context.Context, statuses ...models.Status) ([]*models.PermissionRequest, error) {
	if len(statuses) == 0 {
		statuses = models.AllStatuses()
	}
	prs, err := s.queries.FindByStatus(ctx, statuses...)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list permission requests")
	}
	return prs, nil
}

// History returns the events of a request in commit order.
func (s *Service) History(ctx context.Context, permissionID id.PermissionID) ([]models.Event, error) {
	if _, err := s.Get(ctx, permissionID); err != nil {
		return nil, err
	}
	events, err := s.queries.ListEvents(ctx, permissionID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list events")
	}
	return events, nil
}
