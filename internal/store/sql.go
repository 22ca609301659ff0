package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pos-sync-service/internal/config"
	"pos-sync-service/internal/database"
	"pos-sync-service/internal/logger"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

const entryColumns = `id, owner_id, operation_type, direction, entity_type, entity_id, external_id, status,
	error_message, error_details, metadata, retry_count, max_retries, next_retry_at, superseded_by, created_at`

// SQLStore keeps the sync log in MySQL or SQLite through database/sql.
type SQLStore struct {
	db  *database.Database
	now func() time.Time
}

type Option func(*SQLStore)

// WithClock replaces time.Now, used by tests to pin "now".
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) { s.now = now }
}

func NewSQLStore(db *database.Database, opts ...Option) *SQLStore {
	s := &SQLStore{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// New opens the state database described by cfg. SQLite stores get their
// schema created on open; MySQL schema is managed by migrations.
func New(cfg config.StateStorage, opts ...Option) (*SQLStore, error) {
	switch cfg.Type {
	case "sqlite":
		db, err := database.Open("sqlite", database.SQLiteDSN(cfg.FilePath))
		if err != nil {
			return nil, err
		}
		s := NewSQLStore(db, opts...)
		if err := s.EnsureSchema(context.Background()); err != nil {
			db.Close()
			return nil, err
		}
		return s, nil
	default:
		return NewMySQLStore(cfg, opts...)
	}
}

func NewMySQLStore(cfg config.StateStorage, opts ...Option) (*SQLStore, error) {
	dsn := database.MySQLDSN(config.DatabaseConnection{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		Database: cfg.Database,
	})

	// Retry loop for Ping
	var (
		db  *database.Database
		err error
	)
	maxRetries := 30
	for i := 0; i < maxRetries; i++ {
		db, err = database.Open("mysql", dsn)
		if err == nil {
			break
		}
		logger.Log.Info("Waiting for state DB...", zap.Error(err), zap.Int("attempt", i+1))
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to ping mysql after retries: %w", err)
	}

	return NewSQLStore(db, opts...), nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) clock() time.Time {
	return s.now().UTC()
}

func (s *SQLStore) Record(ctx context.Context, e *SyncLogEntry) error {
	if e.OwnerID == "" {
		return fmt.Errorf("record: owner id is required")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.Direction == "" {
		e.Direction = SourceToPOS
	}
	if e.MaxRetries <= 0 {
		e.MaxRetries = DefaultMaxRetries
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock()
	}
	e.CreatedAt = e.CreatedAt.UTC()

	if !e.Status.Valid() || !e.OperationType.Valid() || !e.Direction.Valid() {
		return fmt.Errorf("record: invalid status %q, operation %q or direction %q", e.Status, e.OperationType, e.Direction)
	}
	if e.Status == StatusRetrying && (!e.NextRetryAt.Valid || e.RetryCount >= e.MaxRetries) {
		return fmt.Errorf("record: %w: retrying entry needs next_retry_at and retry_count < max_retries", ErrInvalidTransition)
	}
	if e.Status != StatusRetrying {
		e.NextRetryAt = sql.NullTime{}
	}

	query := `INSERT INTO sync_log (` + entryColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB.ExecContext(ctx, query,
		e.ID,
		e.OwnerID,
		e.OperationType,
		e.Direction,
		e.EntityType,
		e.EntityID,
		e.ExternalID,
		e.Status,
		e.ErrorMessage,
		rawOrNull(e.ErrorDetails),
		rawOrNull(e.Metadata),
		e.RetryCount,
		e.MaxRetries,
		utcNullTime(e.NextRetryAt),
		e.SupersededBy,
		e.CreatedAt,
	)
	return persistErr("record", err)
}

// UpdateOutcome moves a pending row to its outcome. Only pending rows move,
// so a row is written by exactly one dispatch.
func (s *SQLStore) UpdateOutcome(ctx context.Context, id string, o Outcome) error {
	if !o.Status.Valid() || o.Status == StatusPending {
		return fmt.Errorf("update outcome: %w: target status %q", ErrInvalidTransition, o.Status)
	}

	var next sql.NullTime
	if o.Status == StatusRetrying {
		if o.NextRetryAt == nil {
			return fmt.Errorf("update outcome: %w: retrying without next_retry_at", ErrInvalidTransition)
		}
		next = sql.NullTime{Time: o.NextRetryAt.UTC(), Valid: true}
	}

	query := `UPDATE sync_log SET status = ?, external_id = COALESCE(?, external_id), error_message = ?,
			  error_details = ?, retry_count = ?, next_retry_at = ?
			  WHERE id = ? AND status = 'pending' AND (? <> 'retrying' OR ? < max_retries)`

	res, err := s.db.DB.ExecContext(ctx, query,
		o.Status,
		NullString(o.ExternalID),
		NullString(o.ErrorMessage),
		rawOrNull(o.ErrorDetails),
		o.RetryCount,
		next,
		id,
		o.Status,
		o.RetryCount,
	)
	if err != nil {
		return persistErr("update outcome", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("update outcome", err)
	}
	if n == 0 {
		return fmt.Errorf("update outcome %s: %w", id, ErrInvalidTransition)
	}
	return nil
}

// MarkSuperseded links a serviced retrying row to the row that replaced it.
func (s *SQLStore) MarkSuperseded(ctx context.Context, id, byID string) error {
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE sync_log SET superseded_by = ? WHERE id = ? AND status = 'retrying' AND superseded_by IS NULL`,
		byID, id)
	if err != nil {
		return persistErr("mark superseded", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("mark superseded", err)
	}
	if n == 0 {
		return fmt.Errorf("mark superseded %s: %w", id, ErrInvalidTransition)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*SyncLogEntry, error) {
	row := s.db.DB.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM sync_log WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistErr("get", err)
	}
	return e, nil
}

func (s *SQLStore) History(ctx context.Context, ownerID string, limit int, f HistoryFilter) ([]*SyncLogEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	where := []string{"owner_id = ?"}
	args := []any{ownerID}
	if f.OperationType != "" {
		where = append(where, "operation_type = ?")
		args = append(args, f.OperationType)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	args = append(args, limit)

	query := `SELECT ` + entryColumns + ` FROM sync_log WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, seq DESC LIMIT ?`
	return s.query(ctx, "history", query, args...)
}

func (s *SQLStore) Errors(ctx context.Context, ownerID string, windowDays int) ([]*SyncLogEntry, error) {
	if windowDays <= 0 {
		windowDays = 7
	}
	since := s.clock().AddDate(0, 0, -windowDays)

	query := `SELECT ` + entryColumns + ` FROM sync_log
			  WHERE owner_id = ? AND status = 'error' AND created_at >= ?
			  ORDER BY created_at DESC, seq DESC`
	return s.query(ctx, "errors", query, ownerID, since)
}

func (s *SQLStore) PendingRetries(ctx context.Context, ownerID string) ([]*SyncLogEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM sync_log
			  WHERE owner_id = ? AND status = 'retrying' AND superseded_by IS NULL
			  AND next_retry_at IS NOT NULL AND next_retry_at <= ? AND retry_count < max_retries
			  ORDER BY next_retry_at ASC, seq ASC`
	return s.query(ctx, "pending retries", query, ownerID, s.clock())
}

func (s *SQLStore) DueOwners(ctx context.Context) ([]string, error) {
	rows, err := s.db.DB.QueryContext(ctx, `SELECT DISTINCT owner_id FROM sync_log
			  WHERE status = 'retrying' AND superseded_by IS NULL
			  AND next_retry_at IS NOT NULL AND next_retry_at <= ? AND retry_count < max_retries
			  ORDER BY owner_id`, s.clock())
	if err != nil {
		return nil, persistErr("due owners", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, persistErr("due owners", err)
		}
		owners = append(owners, id)
	}
	return owners, persistErr("due owners", rows.Err())
}

// LatestExternalID returns the POS-side id of the entity's most recent entry
// that knew one, or "" if it has never synced.
func (s *SQLStore) LatestExternalID(ctx context.Context, ownerID, entityType, entityID string) (string, error) {
	var ext string
	err := s.db.DB.QueryRowContext(ctx, `SELECT external_id FROM sync_log
			  WHERE owner_id = ? AND entity_type = ? AND entity_id = ? AND external_id IS NOT NULL
			  ORDER BY created_at DESC, seq DESC LIMIT 1`, ownerID, entityType, entityID).Scan(&ext)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", persistErr("latest external id", err)
	}
	return ext, nil
}

func (s *SQLStore) query(ctx context.Context, op, query string, args ...any) ([]*SyncLogEntry, error) {
	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr(op, err)
	}
	defer rows.Close()

	var entries []*SyncLogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, persistErr(op, err)
		}
		entries = append(entries, e)
	}
	return entries, persistErr(op, rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(r scanner) (*SyncLogEntry, error) {
	var (
		e        SyncLogEntry
		details  sql.NullString
		metadata sql.NullString
	)
	err := r.Scan(
		&e.ID,
		&e.OwnerID,
		&e.OperationType,
		&e.Direction,
		&e.EntityType,
		&e.EntityID,
		&e.ExternalID,
		&e.Status,
		&e.ErrorMessage,
		&details,
		&metadata,
		&e.RetryCount,
		&e.MaxRetries,
		&e.NextRetryAt,
		&e.SupersededBy,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if details.Valid {
		e.ErrorDetails = []byte(details.String)
	}
	if metadata.Valid {
		e.Metadata = []byte(metadata.String)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	if e.NextRetryAt.Valid {
		e.NextRetryAt.Time = e.NextRetryAt.Time.UTC()
	}
	return &e, nil
}

func rawOrNull(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}

func utcNullTime(t sql.NullTime) sql.NullTime {
	if t.Valid {
		t.Time = t.Time.UTC()
	}
	return t
}
