package satchel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteBackendConfig configures the SQLite storage backend.
type SQLiteBackendConfig struct {
	// Path to the SQLite database file
	Path string

	// CacheSize is the SQLite page cache size in KB (default: 2000 = 2MB)
	CacheSize int

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int

	// MaxConnections is the max number of database connections
	MaxConnections int

	// CompressionThreshold is the payload size in bytes above which entry
	// data is snappy-compressed before storage. Zero uses the default of
	// 1KB; negative disables compression.
	CompressionThreshold int
}

// DefaultSQLiteBackendConfig returns default configuration.
func DefaultSQLiteBackendConfig(path string) SQLiteBackendConfig {
	return SQLiteBackendConfig{
		Path:                 path,
		CacheSize:            2000,
		JournalMode:          "WAL",
		Synchronous:          "NORMAL",
		BusyTimeout:          5000,
		MaxConnections:       10,
		CompressionThreshold: 1024,
	}
}

// sqliteMigrations are applied in order on open; each application is recorded
// in the migrations table.
var sqliteMigrations = []struct {
	version int
	name    string
	sql     string
}{
	{1, "create_entries", `
		CREATE TABLE IF NOT EXISTS entries (
			key TEXT PRIMARY KEY,
			partition TEXT NOT NULL,
			data BLOB NOT NULL,
			compressed INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			ttl_ns INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL,
			checksum TEXT NOT NULL DEFAULT '',
			insert_seq INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entries_partition ON entries(partition);
		CREATE INDEX IF NOT EXISTS idx_entries_seq ON entries(insert_seq);
	`},
	{2, "create_actions", `
		CREATE TABLE IF NOT EXISTS actions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			payload BLOB NOT NULL,
			enqueued_at INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0
		);
	`},
	{3, "create_integrity_log", `
		CREATE TABLE IF NOT EXISTS integrity_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			kind TEXT NOT NULL,
			key TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT ''
		);
	`},
	{4, "create_backup_copies", `
		CREATE TABLE IF NOT EXISTS backup_copies (
			key TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			checksum TEXT NOT NULL,
			saved_at INTEGER NOT NULL
		);
	`},
}

// SQLiteBackend implements Backend using SQLite. Entry commits run inside
// transactions so cross-context writers against the same database file are
// linearized by SQLite, not by in-process locks.
type SQLiteBackend struct {
	db     *sql.DB
	config SQLiteBackendConfig
	mu     sync.RWMutex
	closed bool

	// Prepared statements for common operations
	selectEntry  *sql.Stmt
	deleteEntry  *sql.Stmt
	appendAction *sql.Stmt
	listActions  *sql.Stmt
	updateRetry  *sql.Stmt
	deleteAction *sql.Stmt
	appendEvent  *sql.Stmt
	putBackup    *sql.Stmt
	selectBackup *sql.Stmt
}

// NewSQLiteBackend opens (or creates) a SQLite-backed store at config.Path.
func NewSQLiteBackend(config SQLiteBackendConfig) (*SQLiteBackend, error) {
	if config.Path == "" {
		return nil, errors.New("sqlite backend requires a path")
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}
	if config.CompressionThreshold == 0 {
		config.CompressionThreshold = 1024
	}

	dsn := fmt.Sprintf("%s?_cache_size=%d&_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.CacheSize, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	backend := &SQLiteBackend{
		db:     db,
		config: config,
	}

	if err := backend.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	if err := backend.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return backend, nil
}

// migrate applies pending schema migrations and records each one.
func (s *SQLiteBackend) migrate() error {
	baseSchema := `
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		);
	`
	if _, err := s.db.Exec(baseSchema); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var current int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM migrations`).Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	for _, m := range sqliteMigrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.version, m.name, time.Now().UnixNano()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// prepareStatements prepares common SQL statements for better performance.
func (s *SQLiteBackend) prepareStatements() error {
	stmts := []struct {
		dst  **sql.Stmt
		name string
		sql  string
	}{
		{&s.selectEntry, "select entry",
			`SELECT key, partition, data, compressed, created_at, ttl_ns, version, checksum, insert_seq
			 FROM entries WHERE key = ?`},
		{&s.deleteEntry, "delete entry", `DELETE FROM entries WHERE key = ?`},
		{&s.appendAction, "append action",
			`INSERT INTO actions (id, type, payload, enqueued_at, retry_count) VALUES (?, ?, ?, ?, ?)`},
		{&s.listActions, "list actions",
			`SELECT id, type, payload, enqueued_at, retry_count FROM actions ORDER BY seq`},
		{&s.updateRetry, "update retry", `UPDATE actions SET retry_count = ? WHERE id = ?`},
		{&s.deleteAction, "delete action", `DELETE FROM actions WHERE id = ?`},
		{&s.appendEvent, "append event",
			`INSERT INTO integrity_log (ts, kind, key, details) VALUES (?, ?, ?, ?)`},
		{&s.putBackup, "put backup",
			`INSERT OR REPLACE INTO backup_copies (key, data, checksum, saved_at) VALUES (?, ?, ?, ?)`},
		{&s.selectBackup, "select backup",
			`SELECT data, checksum FROM backup_copies WHERE key = ?`},
	}
	for _, st := range stmts {
		prepared, err := s.db.Prepare(st.sql)
		if err != nil {
			return fmt.Errorf("failed to prepare %s statement: %w", st.name, err)
		}
		*st.dst = prepared
	}
	return nil
}

func (s *SQLiteBackend) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *SQLiteBackend) encode(data []byte) ([]byte, bool) {
	if s.config.CompressionThreshold < 0 || len(data) < s.config.CompressionThreshold {
		return data, false
	}
	return snappy.Encode(nil, data), true
}

func decodeEntryData(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("%w: snappy decode: %v", ErrCorruptionDetected, err)
	}
	return out, nil
}

// GetEntry returns the stored entry for key, or ErrNotFound.
func (s *SQLiteBackend) GetEntry(ctx context.Context, key string) (*StoredEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return scanEntry(s.selectEntry.QueryRowContext(ctx, key))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*StoredEntry, error) {
	var (
		entry      StoredEntry
		compressed int
		createdAt  int64
		ttl        int64
	)
	err := row.Scan(&entry.Key, &entry.Partition, &entry.Data, &compressed,
		&createdAt, &ttl, &entry.Version, &entry.Checksum, &entry.InsertSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}
	entry.CreatedAt = time.Unix(0, createdAt).UTC()
	entry.TTL = time.Duration(ttl)
	entry.Data, err = decodeEntryData(entry.Data, compressed != 0)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// CompareAndPutEntry commits an entry inside one transaction, enforcing the
// monotonic version invariant against concurrent writers from any context
// sharing the database file.
func (s *SQLiteBackend) CompareAndPutEntry(ctx context.Context, entry StoredEntry, base int64) (*StoredEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin entry commit: %w", err)
	}
	defer tx.Rollback()

	var prior, insertSeq int64
	err = tx.QueryRowContext(ctx, `SELECT version, insert_seq FROM entries WHERE key = ?`, entry.Key).
		Scan(&prior, &insertSeq)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(insert_seq), 0) + 1 FROM entries`).Scan(&insertSeq)
		if err != nil {
			return nil, fmt.Errorf("assign insert seq: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("read prior version: %w", err)
	}

	if base >= 0 && base < prior {
		return nil, staleWriteError(entry.Partition, entry.Key, base, prior)
	}

	version := prior + 1
	if base < 0 && entry.Version > version {
		version = entry.Version
	}
	entry.Version = version
	entry.InsertSeq = insertSeq

	stored, compressed := s.encode(entry.Data)
	flag := 0
	if compressed {
		flag = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO entries (key, partition, data, compressed, created_at, ttl_ns, version, checksum, insert_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Key, string(entry.Partition), stored, flag,
		entry.CreatedAt.UnixNano(), int64(entry.TTL), entry.Version, entry.Checksum, entry.InsertSeq)
	if err != nil {
		return nil, fmt.Errorf("write entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit entry: %w", err)
	}
	out := entry
	return &out, nil
}

// DeleteEntry removes an entry; deleting a missing key is not an error.
func (s *SQLiteBackend) DeleteEntry(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.deleteEntry.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return nil
}

// ListEntries returns entries in insertion order, optionally filtered by
// partition.
func (s *SQLiteBackend) ListEntries(ctx context.Context, partition Partition) ([]StoredEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT key, partition, data, compressed, created_at, ttl_ns, version, checksum, insert_seq
		FROM entries ORDER BY insert_seq`
	args := []any{}
	if partition != "" {
		query = `SELECT key, partition, data, compressed, created_at, ttl_ns, version, checksum, insert_seq
			FROM entries WHERE partition = ? ORDER BY insert_seq`
		args = append(args, string(partition))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var out []StoredEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

// AppendAction durably appends a pending action.
func (s *SQLiteBackend) AppendAction(ctx context.Context, action PendingAction) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	payload, err := encodePayload(action.Payload)
	if err != nil {
		return err
	}
	_, err = s.appendAction.ExecContext(ctx, action.ID, string(action.Type), payload,
		action.EnqueuedAt.UnixNano(), action.RetryCount)
	if err != nil {
		return fmt.Errorf("failed to append action: %w", err)
	}
	return nil
}

// ListActions returns pending actions in enqueue order.
func (s *SQLiteBackend) ListActions(ctx context.Context) ([]PendingAction, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.listActions.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var out []PendingAction
	for rows.Next() {
		var (
			action     PendingAction
			actionType string
			payload    []byte
			enqueuedAt int64
		)
		if err := rows.Scan(&action.ID, &actionType, &payload, &enqueuedAt, &action.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		action.Type = ActionType(actionType)
		action.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
		action.Payload, err = decodePayload(action.Type, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, action)
	}
	return out, rows.Err()
}

// UpdateActionRetry re-persists an action's retry count.
func (s *SQLiteBackend) UpdateActionRetry(ctx context.Context, id string, retryCount int) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.updateRetry.ExecContext(ctx, retryCount, id)
	if err != nil {
		return fmt.Errorf("failed to update action retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAction removes an action by id.
func (s *SQLiteBackend) DeleteAction(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.deleteAction.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("failed to delete action: %w", err)
	}
	return nil
}

// AppendIntegrityEvent appends to the durable integrity log.
func (s *SQLiteBackend) AppendIntegrityEvent(ctx context.Context, event IntegrityLogEntry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.appendEvent.ExecContext(ctx, event.Timestamp.UnixNano(),
		string(event.Kind), event.Key, event.Details)
	if err != nil {
		return fmt.Errorf("failed to append integrity event: %w", err)
	}
	return nil
}

// ListIntegrityEvents returns the most recent events, newest last.
func (s *SQLiteBackend) ListIntegrityEvents(ctx context.Context, limit int) ([]IntegrityLogEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, kind, key, details FROM (
			SELECT seq, ts, kind, key, details FROM integrity_log ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrity events: %w", err)
	}
	defer rows.Close()

	var out []IntegrityLogEntry
	for rows.Next() {
		var (
			event IntegrityLogEntry
			ts    int64
			kind  string
		)
		if err := rows.Scan(&ts, &kind, &event.Key, &event.Details); err != nil {
			return nil, fmt.Errorf("failed to scan integrity event: %w", err)
		}
		event.Timestamp = time.Unix(0, ts).UTC()
		event.Kind = IntegrityEventKind(kind)
		out = append(out, event)
	}
	return out, rows.Err()
}

// ClearIntegrityEvents empties the integrity log.
func (s *SQLiteBackend) ClearIntegrityEvents(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM integrity_log`); err != nil {
		return fmt.Errorf("failed to clear integrity log: %w", err)
	}
	return nil
}

// PutBackupCopy stores a checksum-stamped backup copy for a key.
func (s *SQLiteBackend) PutBackupCopy(ctx context.Context, key string, data []byte, checksum string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.putBackup.ExecContext(ctx, key, data, checksum, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store backup copy: %w", err)
	}
	return nil
}

// GetBackupCopy returns the backup copy and its checksum, or ErrNotFound.
func (s *SQLiteBackend) GetBackupCopy(ctx context.Context, key string) ([]byte, string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, "", err
	}
	var (
		data     []byte
		checksum string
	)
	err := s.selectBackup.QueryRowContext(ctx, key).Scan(&data, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read backup copy: %w", err)
	}
	return data, checksum, nil
}

// Migrations lists applied schema migrations, oldest first.
func (s *SQLiteBackend) Migrations(ctx context.Context) ([]MigrationRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT version, name, applied_at FROM migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	defer rows.Close()

	var out []MigrationRecord
	for rows.Next() {
		var (
			rec MigrationRecord
			ts  int64
		)
		if err := rows.Scan(&rec.Version, &rec.Name, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		rec.AppliedAt = time.Unix(0, ts).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Reset clears entries, actions, backup copies, and integrity events.
// Migration history survives.
func (s *SQLiteBackend) Reset(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback()
	for _, table := range []string{"entries", "actions", "integrity_log", "backup_copies"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// Close releases backend resources.
func (s *SQLiteBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{
		s.selectEntry, s.deleteEntry, s.appendAction, s.listActions,
		s.updateRetry, s.deleteAction, s.appendEvent, s.putBackup, s.selectBackup,
	} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}
