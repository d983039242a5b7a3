package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/opennetfab/opennetfab/pkg/model"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		cfg: cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection and set PRAGMAs
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Push records one device outcome for a job. A second push for the same
// (job, device) pair is a no-op: the first write wins and counts do not
// change.
func (s *SQLiteStore) Push(ctx context.Context, jobID uuid.UUID, outcome *model.DeviceOutcome) error {
	logs, err := json.Marshal(outcome.Logs)
	if err != nil {
		return fmt.Errorf("failed to encode outcome logs: %w", err)
	}

	var errKind, errMessage *string
	if outcome.Error != nil {
		errKind = &outcome.Error.Kind
		errMessage = &outcome.Error.Message
	}

	query := `
		INSERT INTO device_outcomes (
			job_id, device_id, status, started_at, finished_at, logs, diff, error_kind, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, device_id) DO NOTHING
	`

	_, err = s.db.ExecContext(ctx, query,
		jobID.String(),
		outcome.DeviceID,
		outcome.Status,
		outcome.StartedAt.UTC(),
		outcome.FinishedAt.UTC(),
		string(logs),
		outcome.Diff,
		errKind,
		errMessage,
	)

	if err != nil {
		return fmt.Errorf("failed to push device outcome: %w", err)
	}

	return nil
}

// Finalize persists the job's terminal record. Re-finalizing the same job,
// as happens when a redelivered queue item re-runs it, overwrites the
// previous record.
func (s *SQLiteStore) Finalize(ctx context.Context, record *model.JobRecord) error {
	query := `
		INSERT INTO job_records (
			job_id, job_name, overall_status, started_at, finished_at,
			succeeded, failed, skipped, timed_out, cancelled, rolled_back
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			job_name = excluded.job_name,
			overall_status = excluded.overall_status,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			skipped = excluded.skipped,
			timed_out = excluded.timed_out,
			cancelled = excluded.cancelled,
			rolled_back = excluded.rolled_back,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err := s.db.ExecContext(ctx, query,
		record.JobID.String(),
		record.JobName,
		record.OverallStatus,
		record.StartedAt.UTC(),
		record.FinishedAt.UTC(),
		record.Counts.Succeeded,
		record.Counts.Failed,
		record.Counts.Skipped,
		record.Counts.TimedOut,
		record.Counts.Cancelled,
		record.Counts.RolledBack,
	)

	if err != nil {
		return fmt.Errorf("failed to finalize job record: %w", err)
	}

	return nil
}

// GetRecord retrieves a finalized job record by job ID
func (s *SQLiteStore) GetRecord(ctx context.Context, jobID uuid.UUID) (*model.JobRecord, error) {
	query := `
		SELECT job_id, job_name, overall_status, started_at, finished_at,
		       succeeded, failed, skipped, timed_out, cancelled, rolled_back
		FROM job_records
		WHERE job_id = ?
	`

	record := &model.JobRecord{}
	var id string
	err := s.db.QueryRowContext(ctx, query, jobID.String()).Scan(
		&id,
		&record.JobName,
		&record.OverallStatus,
		&record.StartedAt,
		&record.FinishedAt,
		&record.Counts.Succeeded,
		&record.Counts.Failed,
		&record.Counts.Skipped,
		&record.Counts.TimedOut,
		&record.Counts.Cancelled,
		&record.Counts.RolledBack,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job record not found: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job record: %w", err)
	}

	record.JobID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("failed to parse job id: %w", err)
	}

	return record, nil
}

// ListRecords lists finalized job records with pagination
func (s *SQLiteStore) ListRecords(ctx context.Context, limit, offset int) ([]*model.JobRecord, error) {
	query := `
		SELECT job_id, job_name, overall_status, started_at, finished_at,
		       succeeded, failed, skipped, timed_out, cancelled, rolled_back
		FROM job_records
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list job records: %w", err)
	}
	defer rows.Close()

	records := []*model.JobRecord{}
	for rows.Next() {
		record := &model.JobRecord{}
		var id string
		err := rows.Scan(
			&id,
			&record.JobName,
			&record.OverallStatus,
			&record.StartedAt,
			&record.FinishedAt,
			&record.Counts.Succeeded,
			&record.Counts.Failed,
			&record.Counts.Skipped,
			&record.Counts.TimedOut,
			&record.Counts.Cancelled,
			&record.Counts.RolledBack,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job record: %w", err)
		}
		record.JobID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("failed to parse job id: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job records: %w", err)
	}

	return records, nil
}

// ListOutcomes lists a job's device outcomes in arrival order
func (s *SQLiteStore) ListOutcomes(ctx context.Context, jobID uuid.UUID) ([]*model.DeviceOutcome, error) {
	query := `
		SELECT device_id, status, started_at, finished_at, logs, diff, error_kind, error_message
		FROM device_outcomes
		WHERE job_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, jobID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list device outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []*model.DeviceOutcome{}
	for rows.Next() {
		outcome := &model.DeviceOutcome{}
		var logs string
		var errKind, errMessage *string
		err := rows.Scan(
			&outcome.DeviceID,
			&outcome.Status,
			&outcome.StartedAt,
			&outcome.FinishedAt,
			&logs,
			&outcome.Diff,
			&errKind,
			&errMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device outcome: %w", err)
		}
		if err := json.Unmarshal([]byte(logs), &outcome.Logs); err != nil {
			return nil, fmt.Errorf("failed to decode outcome logs: %w", err)
		}
		if errKind != nil {
			outcome.Error = &model.OutcomeError{Kind: *errKind}
			if errMessage != nil {
				outcome.Error.Message = *errMessage
			}
		}
		outcomes = append(outcomes, outcome)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating device outcomes: %w", err)
	}

	return outcomes, nil
}

// Enqueue adds an item to the queue and makes it immediately visible. A zero
// ItemID or EnqueuedAt is filled in before the item is serialized.
func (s *SQLiteStore) Enqueue(ctx context.Context, item *model.QueueItem) (uuid.UUID, error) {
	if item.ItemID == uuid.Nil {
		item.ItemID = uuid.New()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode queue item: %w", err)
	}

	query := `
		INSERT INTO queue_items (
			item_id, job_id, payload, inventory_snapshot_ref, enqueued_at, attempt_count, visible_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		item.ItemID.String(),
		item.Job.ID.String(),
		string(payload),
		item.InventorySnapshotRef,
		item.EnqueuedAt.UTC(),
		item.AttemptCount,
		time.Now().UnixMilli(),
	)

	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue item: %w", err)
	}

	return item.ItemID, nil
}

// Dequeue leases the oldest visible item for visibilityTimeout, returning
// (nil, nil) when nothing is ready. The lease increments the attempt count,
// so redeliveries after a crashed worker or an expired lease count toward
// the caller's attempt bound. An undecodable payload is reported as a
// CorruptItemError with the lease left in place.
func (s *SQLiteStore) Dequeue(ctx context.Context, visibilityTimeout time.Duration) (*model.QueueItem, error) {
	now := time.Now()
	deadline := now.Add(visibilityTimeout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin dequeue transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id       string
		payload  string
		attempts int
	)
	selectQuery := `
		SELECT item_id, payload, attempt_count
		FROM queue_items
		WHERE visible_at <= ?
		ORDER BY enqueued_at, item_id
		LIMIT 1
	`
	err = tx.QueryRowContext(ctx, selectQuery, now.UnixMilli()).Scan(&id, &payload, &attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select queue item: %w", err)
	}

	updateQuery := `UPDATE queue_items SET visible_at = ?, attempt_count = attempt_count + 1 WHERE item_id = ?`
	if _, err := tx.ExecContext(ctx, updateQuery, deadline.UnixMilli(), id); err != nil {
		return nil, fmt.Errorf("failed to lease queue item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dequeue transaction: %w", err)
	}

	itemID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queue item id %q: %w", id, err)
	}

	item := &model.QueueItem{}
	if err := json.Unmarshal([]byte(payload), item); err != nil {
		return nil, &CorruptItemError{ItemID: itemID, Err: err}
	}

	// Stored columns are authoritative for delivery accounting
	item.ItemID = itemID
	item.AttemptCount = attempts + 1
	item.VisibilityDeadline = deadline

	return item, nil
}

// Ack removes a delivered item from the queue
func (s *SQLiteStore) Ack(ctx context.Context, itemID uuid.UUID) error {
	query := `DELETE FROM queue_items WHERE item_id = ?`

	result, err := s.db.ExecContext(ctx, query, itemID.String())
	if err != nil {
		return fmt.Errorf("failed to ack queue item: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("queue item not found: %s", itemID)
	}

	return nil
}

// Nack returns a delivered item to the visible set after requeueAfter
func (s *SQLiteStore) Nack(ctx context.Context, itemID uuid.UUID, requeueAfter time.Duration) error {
	query := `UPDATE queue_items SET visible_at = ? WHERE item_id = ?`

	result, err := s.db.ExecContext(ctx, query, time.Now().Add(requeueAfter).UnixMilli(), itemID.String())
	if err != nil {
		return fmt.Errorf("failed to nack queue item: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("queue item not found: %s", itemID)
	}

	return nil
}

// DeadLetter moves an item from the queue to the quarantined set
func (s *SQLiteStore) DeadLetter(ctx context.Context, itemID uuid.UUID, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dead-letter transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		jobID      string
		payload    string
		attempts   int
		enqueuedAt time.Time
	)
	selectQuery := `SELECT job_id, payload, attempt_count, enqueued_at FROM queue_items WHERE item_id = ?`
	err = tx.QueryRowContext(ctx, selectQuery, itemID.String()).Scan(&jobID, &payload, &attempts, &enqueuedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("queue item not found: %s", itemID)
	}
	if err != nil {
		return fmt.Errorf("failed to select queue item: %w", err)
	}

	insertQuery := `
		INSERT INTO dead_letters (
			item_id, job_id, payload, reason, attempt_count, enqueued_at, dead_lettered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, insertQuery,
		itemID.String(),
		jobID,
		payload,
		reason,
		attempts,
		enqueuedAt,
		time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE item_id = ?`, itemID.String()); err != nil {
		return fmt.Errorf("failed to remove dead-lettered item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dead-letter transaction: %w", err)
	}

	return nil
}

// ListDeadLetters lists quarantined items with pagination
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, limit, offset int) ([]*DeadLetter, error) {
	query := `
		SELECT item_id, job_id, payload, reason, attempt_count, enqueued_at, dead_lettered_at
		FROM dead_letters
		ORDER BY dead_lettered_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	letters := []*DeadLetter{}
	for rows.Next() {
		letter := &DeadLetter{}
		var itemID, jobID string
		err := rows.Scan(
			&itemID,
			&jobID,
			&letter.Payload,
			&letter.Reason,
			&letter.AttemptCount,
			&letter.EnqueuedAt,
			&letter.DeadLetteredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		letter.ItemID, err = uuid.Parse(itemID)
		if err != nil {
			return nil, fmt.Errorf("failed to parse dead letter item id: %w", err)
		}
		letter.JobID, err = uuid.Parse(jobID)
		if err != nil {
			return nil, fmt.Errorf("failed to parse dead letter job id: %w", err)
		}
		letters = append(letters, letter)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}

	return letters, nil
}

// QueueStats reports current queue occupancy
func (s *SQLiteStore) QueueStats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}
	now := time.Now().UnixMilli()

	query := `
		SELECT
			COUNT(CASE WHEN visible_at <= ? THEN 1 END),
			COUNT(CASE WHEN visible_at > ? THEN 1 END)
		FROM queue_items
	`
	if err := s.db.QueryRowContext(ctx, query, now, now).Scan(&stats.Visible, &stats.Leased); err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&stats.DeadLettered); err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}

	return stats, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
