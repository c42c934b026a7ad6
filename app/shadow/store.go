package shadow

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// table names, all instrumentation objects share TablePrefix
const (
	TablePrefix  = "_y2k__"
	CountsTable  = TablePrefix + "execution_counts"
	ProfileTable = TablePrefix + "profile_log"

	schemaVersion = 1
	memoryPath    = ":memory:"
)

// ExecutionCount is an aggregated record, one per fingerprint
type ExecutionCount struct {
	ID       int64  `db:"id"`
	Hash     string `db:"hash"`
	ExeCount int64  `db:"exe_count"`
	SQLText  string `db:"sql_text"`
}

// ProfileEntry is a single completed execution from the append-only profile log
type ProfileEntry struct {
	ID        int64
	Hash      string
	SQLText   string
	Duration  time.Duration
	Timestamp time.Time
}

// Sample is one completed execution to record
type Sample struct {
	Hash     string
	SQL      string
	Duration time.Duration
	At       time.Time
}

// Params of the store
type Params struct {
	BusyTimeout  time.Duration // how long to wait on the shadow file lock
	WriteTimeout time.Duration // max time for a single record call
	Retries      int           // attempts for transient busy/locked failures
	RetryDelay   time.Duration
}

// Store is a write handle to the trace database
type Store struct {
	db     *sqlx.DB
	path   string
	params Params
}

// Open opens (creating if needed) trace database at path and ensures its schema
func Open(path string, params Params) (*Store, error) {
	params = params.withDefaults()
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace database %s: %w", path, err)
	}
	// single connection serializes writers of this process and keeps in-memory db alive
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, path: path, params: params}
	if err := s.init(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("%w (also failed to close db: %v)", err, closeErr)
		}
		return nil, err
	}
	log.Printf("[DEBUG] trace database %s ready", path)
	return s, nil
}

// OpenMemory makes a private in-memory trace database, used for hosts without a stable path
func OpenMemory(params Params) (*Store, error) {
	return Open(memoryPath, params)
}

func (s *Store) init() error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", s.params.BusyTimeout.Milliseconds()),
	}
	if s.path != memoryPath {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL") // better concurrency across processes
	}
	for _, q := range pragmas {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to set %q on %s: %w", q, s.path, err)
		}
	}
	return s.ensureSchema()
}

// ensureSchema is safe to run against an existing trace database
func (s *Store) ensureSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS ` + CountsTable + ` (
			id INTEGER PRIMARY KEY,
			hash TEXT NOT NULL UNIQUE,
			exe_count INTEGER NOT NULL DEFAULT 0,
			sql_text TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + ProfileTable + ` (
			id INTEGER PRIMARY KEY,
			hash TEXT NOT NULL,
			sql_text TEXT NOT NULL,
			duration_ns INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + TablePrefix + `idx_profile_log_hash ON ` + ProfileTable + `(hash)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to create schema in %s: %w", s.path, err)
		}
	}

	var version int
	if err := s.db.Get(&version, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("failed to read schema version of %s: %w", s.path, err)
	}
	switch {
	case version > schemaVersion:
		return fmt.Errorf("trace database %s has schema version %d, supported up to %d", s.path, version, schemaVersion)
	case version < schemaVersion:
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return fmt.Errorf("failed to set schema version of %s: %w", s.path, err)
		}
	}

	// verify both tables are in place
	var count int
	err := s.db.Get(&count, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN (?, ?)`,
		CountsTable, ProfileTable)
	if err != nil {
		return fmt.Errorf("failed to verify schema of %s: %w", s.path, err)
	}
	if count != 2 {
		return fmt.Errorf("trace database %s has %d of 2 expected tables", s.path, count)
	}
	return nil
}

// Path returns location of the trace database
func (s *Store) Path() string { return s.path }

// Record upserts execution count and appends profile entry in a single transaction,
// so the count always matches the number of profile rows for the hash
func (s *Store) Record(smpl Sample) error {
	return s.write(func(ctx context.Context, tx *sqlx.Tx) error {
		if err := upsertCount(ctx, tx, smpl.Hash, smpl.SQL); err != nil {
			return err
		}
		return insertProfile(ctx, tx, smpl)
	})
}

// RecordExecution increments execution count for hash, inserting the record on first use.
// Hooks use Record, which does this and AppendProfile atomically.
func (s *Store) RecordExecution(hash, sqlText string) error {
	return s.write(func(ctx context.Context, tx *sqlx.Tx) error {
		return upsertCount(ctx, tx, hash, sqlText)
	})
}

// AppendProfile adds a profile log entry without touching the count.
// Hooks use Record to keep both tables in step.
func (s *Store) AppendProfile(hash, sqlText string, duration time.Duration) error {
	return s.write(func(ctx context.Context, tx *sqlx.Tx) error {
		return insertProfile(ctx, tx, Sample{Hash: hash, SQL: sqlText, Duration: duration})
	})
}

func upsertCount(ctx context.Context, tx *sqlx.Tx, hash, sqlText string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO `+CountsTable+` (hash, exe_count, sql_text) VALUES (?, 1, ?)
		ON CONFLICT(hash) DO UPDATE SET exe_count = exe_count + 1, sql_text = excluded.sql_text`,
		hash, sqlText)
	if err != nil {
		return fmt.Errorf("failed to record execution of %s: %w", hash, err)
	}
	return nil
}

func insertProfile(ctx context.Context, tx *sqlx.Tx, smpl Sample) error {
	at := smpl.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO `+ProfileTable+` (hash, sql_text, duration_ns, created_at) VALUES (?, ?, ?, ?)`,
		smpl.Hash, smpl.SQL, smpl.Duration.Nanoseconds(), at.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to append profile of %s: %w", smpl.Hash, err)
	}
	return nil
}

// write runs fn in a transaction, retrying transient lock failures
func (s *Store) write(fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.params.WriteTimeout)
	defer cancel()

	errPermanent := errors.New("permanent")
	var lastErr error
	rptr := repeater.New(&strategy.FixedDelay{Repeats: s.params.Retries, Delay: s.params.RetryDelay})
	err := rptr.Do(ctx, func() error {
		lastErr = s.inTx(ctx, fn)
		if lastErr != nil && !isTransient(lastErr) {
			return errPermanent
		}
		return lastErr
	}, errPermanent)
	if err != nil && lastErr != nil {
		return lastErr
	}
	return err
}

func (s *Store) inTx(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isTransient checks for busy and locked sqlite errors, worth another attempt
func isTransient(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	code := serr.Code() & 0xff // primary result code
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

// Counts returns all execution count records ordered by id
func (s *Store) Counts() ([]ExecutionCount, error) {
	res := []ExecutionCount{}
	if err := s.db.Select(&res, `SELECT id, hash, exe_count, sql_text FROM `+CountsTable+` ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to query execution counts: %w", err)
	}
	return res, nil
}

// Count returns execution count record for hash, nil if hash never executed
func (s *Store) Count(hash string) (*ExecutionCount, error) {
	res := []ExecutionCount{}
	err := s.db.Select(&res, `SELECT id, hash, exe_count, sql_text FROM `+CountsTable+` WHERE hash = ?`, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution count of %s: %w", hash, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return &res[0], nil
}

// Profiles returns profile entries for hash in order of recording, all entries if hash is empty
func (s *Store) Profiles(hash string) ([]ProfileEntry, error) {
	query := `SELECT id, hash, sql_text, duration_ns, created_at FROM ` + ProfileTable
	args := []any{}
	if hash != "" {
		query += ` WHERE hash = ?`
		args = append(args, hash)
	}
	query += ` ORDER BY id`

	rows := []struct {
		ID         int64  `db:"id"`
		Hash       string `db:"hash"`
		SQLText    string `db:"sql_text"`
		DurationNs int64  `db:"duration_ns"`
		CreatedAt  int64  `db:"created_at"`
	}{}
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query profile log: %w", err)
	}

	res := make([]ProfileEntry, 0, len(rows))
	for _, r := range rows {
		res = append(res, ProfileEntry{
			ID:        r.ID,
			Hash:      r.Hash,
			SQLText:   r.SQLText,
			Duration:  time.Duration(r.DurationNs),
			Timestamp: time.Unix(0, r.CreatedAt),
		})
	}
	return res, nil
}

// Tables lists names of tables in the trace database
func (s *Store) Tables() ([]string, error) {
	res := []string{}
	err := s.db.Select(&res, `SELECT name FROM sqlite_master WHERE type='table' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return res, nil
}

// Close closes the trace database handle
func (s *Store) Close() error {
	return s.db.Close()
}

func (p Params) withDefaults() Params {
	if p.BusyTimeout <= 0 {
		p.BusyTimeout = 5 * time.Second
	}
	if p.WriteTimeout <= 0 {
		p.WriteTimeout = 5 * time.Second
	}
	if p.Retries <= 0 {
		p.Retries = 3
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = 10 * time.Millisecond
	}
	return p
}
