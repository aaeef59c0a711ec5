package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/go-sql-driver/mysql"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/relay/storage"
)

const tableEvents = "outbox_events"

const recordColumns = `id, aggregate_id, aggregate_type, event_type, payload, headers, occurred_at, processed_at, status, retry_count, error_message`

// SQL queries
const (
	appendQuery = `
		INSERT INTO %s (id, aggregate_id, aggregate_type, event_type, payload, headers, occurred_at, status, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	fetchPendingQuery = `
		SELECT ` + recordColumns + `
		FROM %s
		WHERE status = ?
		ORDER BY occurred_at ASC
		LIMIT ?`

	findByIDQuery = `SELECT ` + recordColumns + ` FROM %s WHERE id = ?`

	findByAggregateQuery = `
		SELECT ` + recordColumns + `
		FROM %s
		WHERE aggregate_id = ? AND aggregate_type = ?
		ORDER BY occurred_at ASC`

	markProcessedQuery = `UPDATE %s SET status = ?, processed_at = ?, error_message = NULL WHERE id = ? AND status <> ?`

	markFailedQuery = `
		UPDATE %s
		SET status = ?, retry_count = retry_count + 1, error_message = ?
		WHERE id = ? AND status = ?`

	resetForRetryQuery = `UPDATE %s SET status = ?, error_message = NULL WHERE id = ? AND status = ?`

	resetFailedQuery = `
		UPDATE %s
		SET status = ?, error_message = NULL
		WHERE status = ? AND retry_count < ?
		ORDER BY occurred_at ASC
		LIMIT ?`

	deleteProcessedQuery = `DELETE FROM %s WHERE status = ? AND processed_at < ?`
)

const mysqlDuplicateEntry = 1062

// SQLStore is the MySQL implementation of storage.Store.
// Every query runs on the transaction found in ctx (see go-transaction-manager) or on the pool.
type SQLStore struct {
	db     *sql.DB
	getter *trmsql.CtxGetter
	clock  clockwork.Clock
	logger *zap.Logger
}

type Option func(*SQLStore)

func WithClock(clock clockwork.Clock) Option {
	return func(s *SQLStore) {
		s.clock = clock
	}
}

func WithCtxGetter(getter *trmsql.CtxGetter) Option {
	return func(s *SQLStore) {
		s.getter = getter
	}
}

func NewSQLStore(db *sql.DB, logger *zap.Logger, opts ...Option) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SQLStore{
		db:     db,
		getter: trmsql.DefaultCtxGetter,
		clock:  clockwork.NewRealClock(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLStore) conn(ctx context.Context) trmsql.Tr {
	return s.getter.DefaultTrOrDB(ctx, s.db)
}

func (s *SQLStore) Append(ctx context.Context, record *storage.Record) error {
	var headersJSON []byte
	if len(record.Headers) > 0 {
		var err error
		headersJSON, err = json.Marshal(record.Headers)
		if err != nil {
			return fmt.Errorf("failed to marshal headers: %w", err)
		}
	}

	query := fmt.Sprintf(appendQuery, tableEvents)
	_, err := s.conn(ctx).ExecContext(ctx, query,
		record.ID,
		record.AggregateID,
		record.AggregateType,
		record.EventType,
		[]byte(record.Payload),
		headersJSON,
		record.OccurredAt.UTC(),
		record.Status,
		record.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("failed to save outbox record: %w", convertFromDBError(err))
	}
	return nil
}

func (s *SQLStore) FetchPending(ctx context.Context, limit int) ([]storage.Record, error) {
	query := fmt.Sprintf(fetchPendingQuery, tableEvents)
	rows, err := s.conn(ctx).QueryContext(ctx, query, storage.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *SQLStore) FindByID(ctx context.Context, id string) (*storage.Record, error) {
	query := fmt.Sprintf(findByIDQuery, tableEvents)
	record, err := scanRecord(s.conn(ctx).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox record: %w", err)
	}
	return &record, nil
}

func (s *SQLStore) FindByAggregate(ctx context.Context, aggregateID, aggregateType string) ([]storage.Record, error) {
	query := fmt.Sprintf(findByAggregateQuery, tableEvents)
	rows, err := s.conn(ctx).QueryContext(ctx, query, aggregateID, aggregateType)
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregate records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// MarkProcessed is a no-op for a record that is already PROCESSED.
func (s *SQLStore) MarkProcessed(ctx context.Context, record *storage.Record) error {
	if record.IsProcessed() {
		return nil
	}

	updated := *record
	if err := updated.MarkProcessed(s.clock.Now()); err != nil {
		return err
	}

	query := fmt.Sprintf(markProcessedQuery, tableEvents)
	_, err := s.conn(ctx).ExecContext(ctx, query,
		storage.StatusProcessed,
		*updated.ProcessedAt,
		record.ID,
		storage.StatusProcessed,
	)
	if err != nil {
		return fmt.Errorf("failed to mark record %s as processed: %w", record.ID, err)
	}

	*record = updated
	return nil
}

func (s *SQLStore) MarkFailed(ctx context.Context, record *storage.Record, errorMessage string) error {
	updated := *record
	if err := updated.MarkFailed(errorMessage); err != nil {
		return err
	}

	query := fmt.Sprintf(markFailedQuery, tableEvents)
	res, err := s.conn(ctx).ExecContext(ctx, query,
		storage.StatusFailed,
		errorMessage,
		record.ID,
		storage.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to mark record %s as failed: %w", record.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: record %s is no longer pending", storage.ErrInvalidTransition, record.ID)
	}

	*record = updated
	return nil
}

func (s *SQLStore) ResetForRetry(ctx context.Context, id string) error {
	query := fmt.Sprintf(resetForRetryQuery, tableEvents)
	res, err := s.conn(ctx).ExecContext(ctx, query, storage.StatusPending, id, storage.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to reset record %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	record, err := s.FindByID(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, record.Status, storage.StatusPending)
}

func (s *SQLStore) ResetFailed(ctx context.Context, limit int, maxRetries int) (int64, error) {
	query := fmt.Sprintf(resetFailedQuery, tableEvents)
	res, err := s.conn(ctx).ExecContext(ctx, query, storage.StatusPending, storage.StatusFailed, maxRetries, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed records: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) DeleteProcessed(ctx context.Context, retention time.Duration) (int64, error) {
	deleteTime := s.clock.Now().UTC().Add(-retention)
	query := fmt.Sprintf(deleteProcessedQuery, tableEvents)
	res, err := s.conn(ctx).ExecContext(ctx, query, storage.StatusProcessed, deleteTime)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (storage.Record, error) {
	var (
		record       storage.Record
		payload      []byte
		headers      []byte
		processedAt  sql.NullTime
		status       string
		errorMessage sql.NullString
	)
	if err := row.Scan(
		&record.ID,
		&record.AggregateID,
		&record.AggregateType,
		&record.EventType,
		&payload,
		&headers,
		&record.OccurredAt,
		&processedAt,
		&status,
		&record.RetryCount,
		&errorMessage,
	); err != nil {
		return storage.Record{}, err
	}

	parsed, err := storage.ParseStatus(status)
	if err != nil {
		return storage.Record{}, err
	}
	record.Status = parsed
	record.Payload = json.RawMessage(payload)
	if processedAt.Valid {
		t := processedAt.Time.UTC()
		record.ProcessedAt = &t
	}
	record.ErrorMessage = errorMessage.String

	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &record.Headers); err != nil {
			return storage.Record{}, fmt.Errorf("failed to unmarshal headers of %s: %w", record.ID, err)
		}
	}
	return record, nil
}

func scanRecords(rows *sql.Rows) ([]storage.Record, error) {
	var records []storage.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading outbox rows: %w", err)
	}
	return records, nil
}

// convertFromDBError converts specific driver errors to storage errors.
func convertFromDBError(err error) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
		return storage.ErrRecordAlreadyExists
	}
	return err
}

// EnsureTables creates the outbox table if it does not exist.
func (s *SQLStore) EnsureTables(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS outbox_events (
			id             CHAR(36)     NOT NULL PRIMARY KEY,
			aggregate_id   VARCHAR(255) NOT NULL,
			aggregate_type VARCHAR(100) NOT NULL,
			event_type     VARCHAR(100) NOT NULL,
			payload        LONGBLOB     NOT NULL COMMENT 'event JSON, stored byte for byte',
			headers        JSON         NULL,
			occurred_at    TIMESTAMP(6) NOT NULL,
			processed_at   TIMESTAMP(6) NULL,
			status         VARCHAR(20)  NOT NULL COMMENT 'PENDING, PROCESSED, FAILED',
			retry_count    INT          NOT NULL DEFAULT 0,
			error_message  TEXT         NULL,
			INDEX idx_outbox_status_occurred (status, occurred_at),
			INDEX idx_outbox_aggregate (aggregate_id, aggregate_type),
			INDEX idx_outbox_event_type (event_type)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create outbox_events table: %w", err)
	}
	return nil
}
