package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"permitalert/internal/domain"
)

// SQLiteStore persists notifications in a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// notificationRow is the flat column layout of one notification.
type notificationRow struct {
	ID            string        `db:"id"`
	EventID       string        `db:"event_id"`
	UserID        string        `db:"user_id"`
	Channel       string        `db:"channel"`
	Status        string        `db:"status"`
	Attempts      int           `db:"attempts"`
	LastAttemptMS sql.NullInt64 `db:"last_attempt_ms"`
	DeliveredMS   sql.NullInt64 `db:"delivered_ms"`
	RetryAfterMS  sql.NullInt64 `db:"retry_after_ms"`
	Terminal      int           `db:"terminal"`
	Error         string        `db:"error"`
	Event         string        `db:"event"`
	Metadata      string        `db:"metadata"`
	CreatedMS     int64         `db:"created_ms"`
}

const selectNotification = `SELECT id, event_id, user_id, channel, status, attempts,
	last_attempt_ms, delivered_ms, retry_after_ms, terminal, error, event, metadata, created_ms
	FROM notifications`

// NewSQLiteStore opens (or creates) database at path, enables WAL, and migrates schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One writer keeps claims serialized without SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// runMigrations applies outstanding schema migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// Put inserts or replaces notification.
func (s *SQLiteStore) Put(ctx context.Context, notification domain.Notification) error {
	row, err := toRow(notification)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO notifications (
			id, event_id, user_id, channel, status, attempts,
			last_attempt_ms, delivered_ms, retry_after_ms, terminal, error,
			event, metadata, created_ms
		) VALUES (
			:id, :event_id, :user_id, :channel, :status, :attempts,
			:last_attempt_ms, :delivered_ms, :retry_after_ms, :terminal, :error,
			:event, :metadata, :created_ms
		)`, row)
	if err != nil {
		return fmt.Errorf("putting notification %s: %w", notification.ID, err)
	}
	return nil
}

// Get reads one notification by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (domain.Notification, error) {
	var row notificationRow
	if err := s.db.GetContext(ctx, &row, selectNotification+" WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Notification{}, ErrNotFound
		}
		return domain.Notification{}, fmt.Errorf("getting notification %s: %w", id, err)
	}
	return fromRow(row)
}

// Claim flips a retryable row to processing with one conditional UPDATE.
// The lease end goes into retry_after_ms so an abandoned claim becomes due again.
func (s *SQLiteStore) Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (domain.Notification, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = ?, retry_after_ms = ?
		WHERE id = ? AND terminal = 0 AND status IN (?, ?, ?)
		AND (retry_after_ms IS NULL OR retry_after_ms <= ?)`,
		string(domain.StatusProcessing), now.Add(lease).UnixMilli(), id,
		string(domain.StatusDeferred), string(domain.StatusFailed), string(domain.StatusProcessing),
		now.UnixMilli(),
	)
	if err != nil {
		return domain.Notification{}, fmt.Errorf("claiming notification %s: %w", id, err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return domain.Notification{}, err
		}
		return domain.Notification{}, ErrConflict
	}
	return s.Get(ctx, id)
}

// Update replaces mutable fields of existing notification.
func (s *SQLiteStore) Update(ctx context.Context, notification domain.Notification) error {
	row, err := toRow(notification)
	if err != nil {
		return err
	}
	result, err := s.db.NamedExecContext(ctx, `
		UPDATE notifications SET
			status = :status, attempts = :attempts,
			last_attempt_ms = :last_attempt_ms, delivered_ms = :delivered_ms,
			retry_after_ms = :retry_after_ms, terminal = :terminal, error = :error,
			event = :event, metadata = :metadata
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("updating notification %s: %w", notification.ID, err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRetryable lists non-terminal deferred/failed rows and expired claims due at now.
func (s *SQLiteStore) ListRetryable(ctx context.Context, now time.Time) ([]domain.Notification, error) {
	return s.list(ctx, selectNotification+`
		WHERE terminal = 0 AND status IN (?, ?, ?)
		AND (retry_after_ms IS NULL OR retry_after_ms <= ?)
		ORDER BY created_ms, id`,
		string(domain.StatusDeferred), string(domain.StatusFailed), string(domain.StatusProcessing),
		now.UnixMilli())
}

// ListByEvent lists rows for one event.
func (s *SQLiteStore) ListByEvent(ctx context.Context, eventID string) ([]domain.Notification, error) {
	return s.list(ctx, selectNotification+" WHERE event_id = ? ORDER BY created_ms, id", eventID)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// list runs select query and decodes rows.
func (s *SQLiteStore) list(ctx context.Context, query string, args ...interface{}) ([]domain.Notification, error) {
	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	out := make([]domain.Notification, 0, len(rows))
	for _, row := range rows {
		n, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// toRow flattens notification into columns.
func toRow(n domain.Notification) (notificationRow, error) {
	event, err := json.Marshal(n.Event)
	if err != nil {
		return notificationRow{}, fmt.Errorf("marshaling event for notification %s: %w", n.ID, err)
	}
	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return notificationRow{}, fmt.Errorf("marshaling metadata for notification %s: %w", n.ID, err)
	}
	return notificationRow{
		ID:            n.ID,
		EventID:       n.EventID,
		UserID:        n.UserID,
		Channel:       string(n.Channel),
		Status:        string(n.Status),
		Attempts:      n.Attempts,
		LastAttemptMS: nullMillis(n.LastAttemptAt),
		DeliveredMS:   nullMillis(n.DeliveredAt),
		RetryAfterMS:  nullMillis(n.RetryAfter),
		Terminal:      boolToInt(n.Terminal),
		Error:         n.Error,
		Event:         string(event),
		Metadata:      string(meta),
		CreatedMS:     n.CreatedAt.UnixMilli(),
	}, nil
}

// fromRow rebuilds notification from columns.
func fromRow(row notificationRow) (domain.Notification, error) {
	n := domain.Notification{
		ID:            row.ID,
		EventID:       row.EventID,
		UserID:        row.UserID,
		Channel:       domain.Channel(row.Channel),
		Status:        domain.NotificationStatus(row.Status),
		Attempts:      row.Attempts,
		LastAttemptAt: timeFromNull(row.LastAttemptMS),
		DeliveredAt:   timeFromNull(row.DeliveredMS),
		RetryAfter:    timeFromNull(row.RetryAfterMS),
		Terminal:      row.Terminal != 0,
		Error:         row.Error,
		CreatedAt:     time.UnixMilli(row.CreatedMS).UTC(),
	}
	if row.Event != "" {
		if err := json.Unmarshal([]byte(row.Event), &n.Event); err != nil {
			return domain.Notification{}, fmt.Errorf("unmarshaling event for notification %s: %w", row.ID, err)
		}
	}
	if row.Metadata != "" && row.Metadata != "null" {
		if err := json.Unmarshal([]byte(row.Metadata), &n.Metadata); err != nil {
			return domain.Notification{}, fmt.Errorf("unmarshaling metadata for notification %s: %w", row.ID, err)
		}
	}
	return n, nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
