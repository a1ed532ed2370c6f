package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"consentflow/internal/permission/models"
	id "consentflow/pkg/domain"
	dErrors "consentflow/pkg/domain-errors"
	"consentflow/pkg/platform/sentinel"
	txcontext "consentflow/pkg/platform/tx"
)

//go:embed schema.sql
var schema string

const (
	defaultTxTimeout = 5 * time.Second
	uniqueViolation  = "23505"
)

// PostgresStore persists events and views in PostgreSQL. Writes issued
// inside RunInTx share one transaction carried by the context.
type PostgresStore struct {
	db        *sql.DB
	txTimeout time.Duration
}

// NewPostgres constructs a PostgreSQL-backed permission store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, txTimeout: defaultTxTimeout}
}

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply permission schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) RunInTx(ctx context.Context, fn TxFunc) error {
	if _, ok := txcontext.From(ctx); ok {
		return fn(ctx, s)
	}
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin permission tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, tx), s); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit permission tx: %w", err)
	}
	return nil
}

// eventPayload holds the kind-specific part of an event.
type eventPayload struct {
	Created *models.CreatedDetails  `json:"created,omitempty"`
	Window  *models.Window          `json:"window,omitempty"`
	Errors  []models.AttributeError `json:"errors,omitempty"`
	Message string                  `json:"message,omitempty"`
	DataEnd *time.Time              `json:"data_end,omitempty"`
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e *models.Event) error {
	payload, err := json.Marshal(eventPayload{
		Created: e.Created,
		Window:  e.Window,
		Errors:  e.Errors,
		Message: e.Message,
		DataEnd: e.DataEnd,
	})
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	query := `
		INSERT INTO permission_events (event_id, permission_id, kind, status, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING sequence
	`
	err = txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query,
		e.EventID,
		uuid.UUID(e.PermissionID),
		string(e.Kind),
		string(e.Status),
		payload,
		e.Timestamp,
	).Scan(&e.Sequence)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("append permission event: %w", err)
	}
	return nil
}

const eventColumns = `sequence, event_id, permission_id, kind, status, payload, occurred_at`

func (s *PostgresStore) ListEvents(ctx context.Context, permissionID id.PermissionID) ([]models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM permission_events WHERE permission_id = $1 ORDER BY sequence`
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query, uuid.UUID(permissionID))
	if err != nil {
		return nil, fmt.Errorf("list permission events: %w", err)
	}
	return scanEvents(rows)
}

func (s *PostgresStore) ListAllEvents(ctx context.Context) ([]models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM permission_events ORDER BY sequence`
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list all permission events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]models.Event, error) {
	defer rows.Close()
	var events []models.Event
	for rows.Next() {
		var (
			e       models.Event
			pid     uuid.UUID
			kind    string
			status  string
			payload []byte
		)
		if err := rows.Scan(&e.Sequence, &e.EventID, &pid, &kind, &status, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan permission event: %w", err)
		}
		var p eventPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
		e.PermissionID = id.PermissionID(pid)
		e.Kind = models.EventKind(kind)
		e.Status = models.Status(status)
		e.Timestamp = e.Timestamp.UTC()
		e.Created = p.Created
		e.Window = p.Window
		e.Errors = p.Errors
		e.Message = p.Message
		e.DataEnd = p.DataEnd
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permission events: %w", err)
	}
	return events, nil
}

func (s *PostgresStore) Save(ctx context.Context, pr *models.PermissionRequest) error {
	errs, err := json.Marshal(orEmpty(pr.Errors))
	if err != nil {
		return fmt.Errorf("marshal attribute errors: %w", err)
	}
	var (
		start, end  sql.NullTime
		granularity string
	)
	if pr.Window != nil {
		start = sql.NullTime{Time: pr.Window.Start, Valid: true}
		end = nullTime(pr.Window.End)
		granularity = string(pr.Window.Granularity)
	}

	query := `
		INSERT INTO permission_requests (
			permission_id, connection_id, data_need_id, country_code, region_connector_id,
			permission_administrator_id, metered_data_administrator_id, status,
			window_start, window_end, granularity, last_observed_data_end,
			created_at, status_changed_at, errors, message, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (permission_id) DO UPDATE SET
			status = EXCLUDED.status,
			window_start = EXCLUDED.window_start,
			window_end = EXCLUDED.window_end,
			granularity = EXCLUDED.granularity,
			last_observed_data_end = EXCLUDED.last_observed_data_end,
			status_changed_at = EXCLUDED.status_changed_at,
			errors = EXCLUDED.errors,
			message = EXCLUDED.message,
			version = EXCLUDED.version
	`
	_, err = txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(pr.PermissionID),
		string(pr.ConnectionID),
		string(pr.DataNeedID),
		pr.DataSource.CountryCode,
		string(pr.DataSource.RegionConnectorID),
		pr.DataSource.PermissionAdministratorID,
		pr.DataSource.MeteredDataAdministratorID,
		string(pr.Status),
		start,
		end,
		granularity,
		nullTime(pr.LastObservedDataEnd),
		pr.Created,
		pr.StatusChanged,
		errs,
		pr.Message,
		pr.Version,
	)
	if err != nil {
		return fmt.Errorf("save permission request: %w", err)
	}
	return nil
}

const requestColumns = `
	permission_id, connection_id, data_need_id, country_code, region_connector_id,
	permission_administrator_id, metered_data_administrator_id, status,
	window_start, window_end, granularity, last_observed_data_end,
	created_at, status_changed_at, errors, message, version`

func (s *PostgresStore) FindByID(ctx context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM permission_requests WHERE permission_id = $1`
	row := txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query, uuid.UUID(permissionID))
	pr, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find permission request: %w", err)
	}
	return pr, nil
}

func (s *PostgresStore) FindByStatus(ctx context.Context, statuses ...models.Status) ([]*models.PermissionRequest, error) {
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}
	query := `SELECT ` + requestColumns + ` FROM permission_requests
		WHERE status = ANY($1::text[])
		ORDER BY created_at, permission_id`
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query, pq.Array(values))
	if err != nil {
		return nil, fmt.Errorf("find permission requests by status: %w", err)
	}
	return scanRequests(rows)
}

func (s *PostgresStore) FindStale(ctx context.Context, status models.Status, olderThan time.Time) ([]*models.PermissionRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM permission_requests
		WHERE status = $1 AND status_changed_at < $2
		ORDER BY created_at, permission_id`
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query, string(status), olderThan)
	if err != nil {
		return nil, fmt.Errorf("find stale permission requests: %w", err)
	}
	return scanRequests(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.PermissionRequest, error) {
	var (
		pr                       models.PermissionRequest
		pid                      uuid.UUID
		connectionID, dataNeedID string
		connectorID, status      string
		start, end, lastObserved sql.NullTime
		granularity              string
		errs                     []byte
	)
	err := row.Scan(
		&pid, &connectionID, &dataNeedID, &pr.DataSource.CountryCode, &connectorID,
		&pr.DataSource.PermissionAdministratorID, &pr.DataSource.MeteredDataAdministratorID, &status,
		&start, &end, &granularity, &lastObserved,
		&pr.Created, &pr.StatusChanged, &errs, &pr.Message, &pr.Version,
	)
	if err != nil {
		return nil, err
	}
	pr.PermissionID = id.PermissionID(pid)
	pr.ConnectionID = id.ConnectionID(connectionID)
	pr.DataNeedID = id.DataNeedID(dataNeedID)
	pr.DataSource.RegionConnectorID = id.RegionConnectorID(connectorID)
	pr.Status = models.Status(status)
	pr.Created = pr.Created.UTC()
	pr.StatusChanged = pr.StatusChanged.UTC()
	if start.Valid {
		w := models.Window{Start: models.Day(start.Time), Granularity: models.Granularity(granularity)}
		if end.Valid {
			e := models.Day(end.Time)
			w.End = &e
		}
		pr.Window = &w
	}
	if lastObserved.Valid {
		t := lastObserved.Time.UTC()
		pr.LastObservedDataEnd = &t
	}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &pr.Errors); err != nil {
			return nil, fmt.Errorf("unmarshal attribute errors: %w", err)
		}
		if len(pr.Errors) == 0 {
			pr.Errors = nil
		}
	}
	return &pr, nil
}

func scanRequests(rows *sql.Rows) ([]*models.PermissionRequest, error) {
	defer rows.Close()
	out := make([]*models.PermissionRequest, 0)
	for rows.Next() {
		pr, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan permission request: %w", err)
		}
		out = append(out, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permission requests: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}

func orEmpty(errs []models.AttributeError) []models.AttributeError {
	if errs == nil {
		return []models.AttributeError{}
	}
	return errs
}
