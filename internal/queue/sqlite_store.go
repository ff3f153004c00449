package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sap-alerte/fieldsync/internal/events"
	"github.com/sap-alerte/fieldsync/internal/models"
)

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1

// SQLiteStore implements the offline collections on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger

	closeOnce sync.Once
}

// NewSQLiteStore opens (or creates) the queue database.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000&_sync=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer keeps retry increments and deletes strictly ordered.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_queue_store"),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// SQLiteOpener returns an Opener for a database file.
func SQLiteOpener(dbPath string, logger *events.Logger) Opener {
	return func(ctx context.Context) (Store, error) {
		return NewSQLiteStore(dbPath, logger)
	}
}

// initialize creates tables and indexes.
func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS pending_collectes (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        payload TEXT NOT NULL,
        enqueued_at INTEGER NOT NULL,
        synced INTEGER NOT NULL DEFAULT 0,
        synced_at INTEGER,
        retry_count INTEGER NOT NULL DEFAULT 0,
        last_error TEXT
    );

    CREATE INDEX IF NOT EXISTS idx_collectes_enqueued_at ON pending_collectes(enqueued_at);
    CREATE INDEX IF NOT EXISTS idx_collectes_synced ON pending_collectes(synced);
    CREATE INDEX IF NOT EXISTS idx_collectes_synced_at ON pending_collectes(synced_at);

    CREATE TABLE IF NOT EXISTS pending_requests (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        method TEXT NOT NULL,
        url TEXT NOT NULL,
        enqueued_at INTEGER NOT NULL,
        synced INTEGER NOT NULL DEFAULT 0,
        synced_at INTEGER
    );

    CREATE INDEX IF NOT EXISTS idx_requests_enqueued_at ON pending_requests(enqueued_at);
    CREATE INDEX IF NOT EXISTS idx_requests_synced ON pending_requests(synced);
    CREATE INDEX IF NOT EXISTS idx_requests_synced_at ON pending_requests(synced_at);

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// Add inserts a collecte.
func (s *SQLiteStore) Add(ctx context.Context, payload json.RawMessage, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO pending_collectes (payload, enqueued_at, synced, retry_count)
        VALUES (?, ?, 0, 0)
    `, string(payload), at.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert collecte: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read insert id: %w", err)
	}

	s.logger.WithField("mutation_id", id).Debug("Collecte stored")
	return id, nil
}

const collecteColumns = `id, payload, enqueued_at, synced, synced_at, retry_count, last_error`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMutation(row rowScanner) (*models.QueuedMutation, error) {
	var (
		m         models.QueuedMutation
		payload   string
		enqueued  int64
		synced    int
		syncedAt  sql.NullInt64
		lastError sql.NullString
	)

	if err := row.Scan(&m.ID, &payload, &enqueued, &synced, &syncedAt, &m.RetryCount, &lastError); err != nil {
		return nil, err
	}

	m.Collection = models.CollectionCollectes
	m.Payload = json.RawMessage(payload)
	m.EnqueuedAt = time.UnixMilli(enqueued)
	m.Synced = synced != 0
	if syncedAt.Valid {
		t := time.UnixMilli(syncedAt.Int64)
		m.SyncedAt = &t
	}
	if lastError.Valid {
		m.LastError = lastError.String
	}

	return &m, nil
}

// Get returns one collecte.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*models.QueuedMutation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+collecteColumns+` FROM pending_collectes WHERE id = ?`, id)

	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrMutationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query collecte: %w", err)
	}

	return m, nil
}

// ListPending returns unsynced collectes in id order.
func (s *SQLiteStore) ListPending(ctx context.Context) ([]*models.QueuedMutation, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+collecteColumns+`
        FROM pending_collectes
        WHERE synced = 0
        ORDER BY id
    `)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var pending []*models.QueuedMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collecte row: %w", err)
		}
		pending = append(pending, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}

	return pending, nil
}

// MarkSynced flags a collecte synced.
func (s *SQLiteStore) MarkSynced(ctx context.Context, id int64, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var synced int
	err = tx.QueryRowContext(ctx, `SELECT synced FROM pending_collectes WHERE id = ?`, id).Scan(&synced)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query collecte: %w", err)
	}

	if synced == 0 {
		if _, err := tx.ExecContext(ctx, `
            UPDATE pending_collectes SET synced = 1, synced_at = ? WHERE id = ?
        `, at.UnixMilli(), id); err != nil {
			return false, fmt.Errorf("mark synced: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}

	return true, nil
}

// RecordFailure increments the retry count of a collecte.
func (s *SQLiteStore) RecordFailure(ctx context.Context, id int64, reason string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
        UPDATE pending_collectes
        SET retry_count = retry_count + 1, last_error = ?
        WHERE id = ?
    `, reason, id)
	if err != nil {
		return 0, fmt.Errorf("update retry count: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return 0, models.ErrMutationNotFound
	}

	var retries int
	if err := tx.QueryRowContext(ctx, `SELECT retry_count FROM pending_collectes WHERE id = ?`, id).Scan(&retries); err != nil {
		return 0, fmt.Errorf("read retry count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	return retries, nil
}

// ResetRetries re-arms a collecte for automatic sync.
func (s *SQLiteStore) ResetRetries(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE pending_collectes SET retry_count = 0, last_error = NULL WHERE id = ?
    `, id)
	if err != nil {
		return fmt.Errorf("reset retries: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrMutationNotFound
	}

	return nil
}

// Delete removes a collecte.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_collectes WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete collecte: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	return n > 0, nil
}

// CountPending counts unsynced collectes.
func (s *SQLiteStore) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_collectes WHERE synced = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// AddRequest records an offline request notice.
func (s *SQLiteStore) AddRequest(ctx context.Context, req models.OfflineRequest) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO pending_requests (method, url, enqueued_at, synced)
        VALUES (?, ?, ?, 0)
    `, req.Method, req.URL, req.Timestamp.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert request: %w", err)
	}

	return res.LastInsertId()
}

// ListPendingRequests returns unsynced request records.
func (s *SQLiteStore) ListPendingRequests(ctx context.Context) ([]*models.OfflineRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, method, url, enqueued_at
        FROM pending_requests
        WHERE synced = 0
        ORDER BY id
    `)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var reqs []*models.OfflineRequest
	for rows.Next() {
		var (
			r  models.OfflineRequest
			ts int64
		)
		if err := rows.Scan(&r.ID, &r.Method, &r.URL, &ts); err != nil {
			return nil, fmt.Errorf("scan request row: %w", err)
		}
		r.Timestamp = time.UnixMilli(ts)
		reqs = append(reqs, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}

	return reqs, nil
}

// MarkRequestsSynced flags every pending request record synced.
func (s *SQLiteStore) MarkRequestsSynced(ctx context.Context, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE pending_requests SET synced = 1, synced_at = ? WHERE synced = 0
    `, at.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("mark requests synced: %w", err)
	}

	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeSynced deletes rows from both collections that were synced before
// cutoff.
func (s *SQLiteStore) PurgeSynced(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	total := 0
	for _, table := range []string{models.CollectionCollectes, models.CollectionRequests} {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE synced = 1 AND synced_at IS NOT NULL AND synced_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("purge %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	if total > 0 {
		s.logger.WithField("deleted", total).Info("Purged synced records")
	}

	return total, nil
}

// Clear wipes both collections.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{models.CollectionCollectes, models.CollectionRequests} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	return tx.Commit()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}
