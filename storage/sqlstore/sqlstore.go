package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/overtonx/hookrelay/storage"
)

const (
	tableEvents  = "webhook_events"
	tableTenants = "webhook_tenants"
)

// SQL queries
const (
	createEventQuery = `
		INSERT INTO %s (tenant_id, event_id, status, payload, target_url, attempts, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	getEventQuery = `
		SELECT tenant_id, event_id, status, payload, target_url, attempts, last_attempt_at, last_error, created_at, expires_at
		FROM %s
		WHERE tenant_id = ? AND event_id = ?`

	updateStatusQuery = `
		UPDATE %s
		SET status = ?, attempts = ?, last_attempt_at = ?, last_error = ?
		WHERE tenant_id = ? AND event_id = ? AND status <> ? AND attempts = ?`

	deleteExpiredQuery = `DELETE FROM %s WHERE expires_at < ? LIMIT ?`

	getTenantQuery = `
		SELECT tenant_id, api_key, target_url, signing_secret, active
		FROM %s
		WHERE tenant_id = ?`

	resolveCredentialQuery = `
		SELECT tenant_id, api_key, target_url, signing_secret, active
		FROM %s
		WHERE api_key = ?`

	putTenantQuery = `
		INSERT INTO %s (tenant_id, api_key, target_url, signing_secret, active)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE api_key = VALUES(api_key), target_url = VALUES(target_url),
			signing_secret = VALUES(signing_secret), active = VALUES(active)`
)

const mysqlDuplicateEntry = 1062

// SQLStore is a MySQL-backed storage.Store. Every statement runs inside the
// transaction carried by ctx when one was opened through the trm manager.
type SQLStore struct {
	db     *sql.DB
	getter *trmsql.CtxGetter
	logger *zap.Logger
}

var _ storage.Store = (*SQLStore)(nil)

func NewSQLStore(db *sql.DB, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:     db,
		getter: trmsql.DefaultCtxGetter,
		logger: logger,
	}
}

func (s *SQLStore) conn(ctx context.Context) trmsql.Tr {
	return s.getter.DefaultTrOrDB(ctx, s.db)
}

func (s *SQLStore) CreateEvent(ctx context.Context, event *storage.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	query := fmt.Sprintf(createEventQuery, tableEvents)
	_, err := s.conn(ctx).ExecContext(ctx, query,
		event.TenantID,
		event.EventID,
		string(event.Status),
		event.Payload,
		event.TargetURL,
		event.Attempts,
		event.CreatedAt,
		event.ExpiresAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return storage.ErrEventAlreadyExists
		}
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

func (s *SQLStore) GetEvent(ctx context.Context, tenantID, eventID string) (storage.Event, error) {
	query := fmt.Sprintf(getEventQuery, tableEvents)
	row := s.conn(ctx).QueryRowContext(ctx, query, tenantID, eventID)

	var (
		event         storage.Event
		status        string
		lastAttemptAt sql.NullTime
		lastError     sql.NullString
	)
	err := row.Scan(
		&event.TenantID,
		&event.EventID,
		&status,
		&event.Payload,
		&event.TargetURL,
		&event.Attempts,
		&lastAttemptAt,
		&lastError,
		&event.CreatedAt,
		&event.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Event{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Event{}, fmt.Errorf("failed to load event: %w", err)
	}

	event.Status = storage.EventStatus(status)
	if lastAttemptAt.Valid {
		at := lastAttemptAt.Time.UTC()
		event.LastAttemptAt = &at
	}
	event.LastError = lastError.String
	return event, nil
}

func (s *SQLStore) UpdateStatus(ctx context.Context, u storage.StatusUpdate) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	lastError := sql.NullString{String: u.LastError, Valid: u.LastError != ""}

	query := fmt.Sprintf(updateStatusQuery, tableEvents)
	res, err := s.conn(ctx).ExecContext(ctx, query,
		string(u.Status),
		u.Attempts,
		u.LastAttemptAt,
		lastError,
		u.TenantID,
		u.EventID,
		string(storage.StatusDelivered),
		u.ExpectedAttempts,
	)
	if err != nil {
		return fmt.Errorf("failed to update event status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Nothing matched: either the row is gone or a concurrent writer moved it.
	if _, err := s.GetEvent(ctx, u.TenantID, u.EventID); err != nil {
		return err
	}
	s.logger.Debug("Conditional status update lost",
		zap.String("tenant_id", u.TenantID),
		zap.String("event_id", u.EventID),
		zap.Int("expected_attempts", u.ExpectedAttempts),
	)
	return storage.ErrConflict
}

func (s *SQLStore) DeleteExpiredEvents(ctx context.Context, now time.Time, limit int) (int64, error) {
	query := fmt.Sprintf(deleteExpiredQuery, tableEvents)
	res, err := s.conn(ctx).ExecContext(ctx, query, now.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired events: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) GetTenant(ctx context.Context, tenantID string) (storage.Tenant, error) {
	query := fmt.Sprintf(getTenantQuery, tableTenants)
	return s.scanTenant(s.conn(ctx).QueryRowContext(ctx, query, tenantID))
}

func (s *SQLStore) ResolveCredential(ctx context.Context, apiKey string) (storage.Tenant, error) {
	query := fmt.Sprintf(resolveCredentialQuery, tableTenants)
	tenant, err := s.scanTenant(s.conn(ctx).QueryRowContext(ctx, query, apiKey))
	if err != nil {
		return storage.Tenant{}, err
	}
	if !tenant.Active {
		return storage.Tenant{}, storage.ErrTenantInactive
	}
	return tenant, nil
}

func (s *SQLStore) PutTenant(ctx context.Context, tenant storage.Tenant) error {
	apiKey := sql.NullString{String: tenant.APIKey, Valid: tenant.APIKey != ""}
	query := fmt.Sprintf(putTenantQuery, tableTenants)
	_, err := s.conn(ctx).ExecContext(ctx, query,
		tenant.TenantID,
		apiKey,
		tenant.TargetURL,
		tenant.SigningSecret,
		tenant.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to save tenant: %w", err)
	}
	return nil
}

func (s *SQLStore) scanTenant(row *sql.Row) (storage.Tenant, error) {
	var (
		tenant storage.Tenant
		apiKey sql.NullString
	)
	err := row.Scan(&tenant.TenantID, &apiKey, &tenant.TargetURL, &tenant.SigningSecret, &tenant.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Tenant{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Tenant{}, fmt.Errorf("failed to load tenant: %w", err)
	}
	tenant.APIKey = apiKey.String
	return tenant, nil
}

// EnsureTables creates the event and tenant tables if they do not exist.
func (s *SQLStore) EnsureTables(ctx context.Context) error {
	if err := s.createEventsTable(ctx); err != nil {
		return err
	}
	return s.createTenantsTable(ctx)
}

func (s *SQLStore) createEventsTable(ctx context.Context) error {
	// payload is stored as bytes: a JSON column would re-serialize the
	// document and break the signature over the stored body.
	query := `
		CREATE TABLE IF NOT EXISTS webhook_events (
			tenant_id       VARCHAR(128)  NOT NULL,
			event_id        VARCHAR(64)   NOT NULL,
			status          VARCHAR(16)   NOT NULL COMMENT 'PENDING, DELIVERED, FAILED',
			payload         MEDIUMBLOB    NOT NULL,
			target_url      VARCHAR(2048) NOT NULL,
			attempts        INT           NOT NULL DEFAULT 0,
			last_attempt_at TIMESTAMP(6)  NULL,
			last_error      VARCHAR(512)  NULL,
			created_at      TIMESTAMP(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			expires_at      TIMESTAMP(6)  NOT NULL,
			updated_at      TIMESTAMP(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
			PRIMARY KEY (tenant_id, event_id),
			INDEX idx_status_created (status, created_at),
			INDEX idx_expires_at (expires_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create webhook_events table: %w", err)
	}
	return nil
}

func (s *SQLStore) createTenantsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS webhook_tenants (
			tenant_id      VARCHAR(128)  NOT NULL PRIMARY KEY,
			api_key        VARCHAR(255)  NULL UNIQUE,
			target_url     VARCHAR(2048) NOT NULL,
			signing_secret VARCHAR(255)  NOT NULL,
			active         BOOLEAN       NOT NULL DEFAULT TRUE,
			updated_at     TIMESTAMP(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create webhook_tenants table: %w", err)
	}
	return nil
}
