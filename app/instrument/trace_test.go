//go:build sqlite_trace || trace

package instrument

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/y2ktrace/app/diag"
	"github.com/umputun/y2ktrace/app/fingerprint"
	"github.com/umputun/y2ktrace/app/shadow"
)

// openInstrumented registers extension driver and opens host database with it
func openInstrumented(t *testing.T, ext *Extension, dsn string) *sql.DB {
	t.Helper()
	name := uniqueDriver("sqlite3_y2k")
	require.NoError(t, ext.Register(name))
	db, err := sql.Open(name, dsn)
	require.NoError(t, err)
	require.NoError(t, db.Ping())
	return db
}

// openTrace opens trace database with an independent handle
func openTrace(t *testing.T, hostPath string) *shadow.Store {
	t.Helper()
	tracePath, err := shadow.ResolvePath(hostPath)
	require.NoError(t, err)
	store, err := shadow.Open(tracePath, shadow.Params{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLoad_TablesIsolation(t *testing.T) {
	assert.True(t, TraceSupported)
	ext := New(Options{})
	defer ext.Close()

	hostPath := filepath.Join(t.TempDir(), "foo.db")
	db := openInstrumented(t, ext, hostPath)
	defer db.Close()

	var hostTables int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name LIKE '\_y2k\_\_%' ESCAPE '\'`).
		Scan(&hostTables))
	assert.Equal(t, 0, hostTables, "no instrumentation tables in host database")

	assert.FileExists(t, filepath.Join(filepath.Dir(hostPath), "foo.trace.db"))
	tables, err := openTrace(t, hostPath).Tables()
	require.NoError(t, err)
	assert.Equal(t, []string{shadow.CountsTable, shadow.ProfileTable}, tables)
}

func TestLoad_CountsExecutions(t *testing.T) {
	ext := New(Options{})
	defer ext.Close()

	hostPath := filepath.Join(t.TempDir(), "app.db")
	db := openInstrumented(t, ext, hostPath)
	defer db.Close()

	_, err := db.Exec("CREATE TABLE test (id INTEGER PRIMARY KEY, value TEXT)")
	require.NoError(t, err)
	const n = 7
	for i := 0; i < n; i++ {
		_, err = db.Exec("INSERT INTO test (value) VALUES (1)")
		require.NoError(t, err)
	}

	store := openTrace(t, hostPath)
	hash := fingerprint.Of("INSERT INTO test (value) VALUES (1)")
	cnt, err := store.Count(hash)
	require.NoError(t, err)
	require.NotNil(t, cnt)
	assert.Equal(t, int64(n), cnt.ExeCount)
	assert.Equal(t, "INSERT INTO test (value) VALUES (1)", cnt.SQLText)

	profiles, err := store.Profiles(hash)
	require.NoError(t, err)
	assert.Len(t, profiles, n)
	for _, p := range profiles {
		assert.GreaterOrEqual(t, p.Duration, time.Duration(0), "sqlite measures with ms granularity, zero is fine")
	}

	create, err := store.Count(fingerprint.Of("CREATE TABLE test (id INTEGER PRIMARY KEY, value TEXT)"))
	require.NoError(t, err)
	require.NotNil(t, create)
	assert.Equal(t, int64(1), create.ExeCount)
}

func TestLoad_PlaceholdersNotExpanded(t *testing.T) {
	ext := New(Options{})
	defer ext.Close()

	hostPath := filepath.Join(t.TempDir(), "app.db")
	db := openInstrumented(t, ext, hostPath)
	defer db.Close()

	_, err := db.Exec("CREATE TABLE test (id INTEGER PRIMARY KEY, value TEXT)")
	require.NoError(t, err)
	for _, v := range []string{"a", "b", "c"} {
		_, err = db.Exec("INSERT INTO test (value) VALUES (?)", v)
		require.NoError(t, err)
	}

	cnt, err := openTrace(t, hostPath).Count(fingerprint.Of("INSERT INTO test (value) VALUES (?)"))
	require.NoError(t, err)
	require.NotNil(t, cnt)
	assert.Equal(t, int64(3), cnt.ExeCount, "bound values don't split the fingerprint")
}

func TestLoad_LogLines(t *testing.T) {
	ext := New(Options{})
	defer ext.Close()

	db := openInstrumented(t, ext, filepath.Join(t.TempDir(), "app.db"))
	defer db.Close()
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	capt := diag.NewCapture(0)
	require.NoError(t, capt.Start())
	defer capt.Stop()

	_, err = conn.ExecContext(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, []string{"DEBUG: STMT traced - SELECT 1", "DEBUG: PROFILE traced - SELECT 1"}, capt.Messages())
}

func TestLoad_CommentPrefixedQuery(t *testing.T) {
	ext := New(Options{})
	defer ext.Close()

	hostPath := filepath.Join(t.TempDir(), "app.db")
	db := openInstrumented(t, ext, hostPath)
	defer db.Close()
	db.SetMaxOpenConns(1)

	capt := diag.NewCapture(0)
	require.NoError(t, capt.Start())
	defer capt.Stop()

	q := "-- report query\nSELECT 1"
	var v int
	require.NoError(t, db.QueryRow(q).Scan(&v))
	assert.Equal(t, 1, v)
	assert.Equal(t, []string{"DEBUG: STMT traced - " + q, "DEBUG: PROFILE traced - " + q}, capt.Messages())

	cnt, err := openTrace(t, hostPath).Count(fingerprint.Of(q))
	require.NoError(t, err)
	require.NotNil(t, cnt, "comment-prefixed statement recorded")
	assert.Equal(t, int64(1), cnt.ExeCount)
	assert.Equal(t, q, cnt.SQLText)
}

func TestLoad_TriggerRecordedAsParent(t *testing.T) {
	ext := New(Options{})
	defer ext.Close()

	hostPath := filepath.Join(t.TempDir(), "app.db")
	db := openInstrumented(t, ext, hostPath)
	defer db.Close()
	db.SetMaxOpenConns(1)

	for _, q := range []string{
		"CREATE TABLE t (v INTEGER)",
		"CREATE TABLE audit (v INTEGER)",
		"CREATE TRIGGER t_audit AFTER INSERT ON t BEGIN INSERT INTO audit VALUES (new.v); END",
	} {
		_, err := db.Exec(q)
		require.NoError(t, err)
	}

	capt := diag.NewCapture(0)
	require.NoError(t, capt.Start())
	defer capt.Stop()
	_, err := db.Exec("INSERT INTO t VALUES (1)")
	require.NoError(t, err)
	msgs := capt.Messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, "DEBUG: STMT traced - INSERT INTO t VALUES (1)", msgs[0])
	assert.Contains(t, msgs, "DEBUG: STMT traced - -- TRIGGER t_audit")
	assert.Equal(t, "DEBUG: PROFILE traced - INSERT INTO t VALUES (1)", msgs[len(msgs)-1])

	store := openTrace(t, hostPath)
	cnt, err := store.Count(fingerprint.Of("INSERT INTO t VALUES (1)"))
	require.NoError(t, err)
	require.NotNil(t, cnt)
	assert.Equal(t, int64(1), cnt.ExeCount)
	trg, err := store.Count(fingerprint.Of("-- TRIGGER t_audit"))
	require.NoError(t, err)
	assert.Nil(t, trg, "trigger subprogram not recorded on its own")
}

func TestLoad_ScriptSharesFingerprint(t *testing.T) {
	ext := New(Options{})
	defer ext.Close()

	hostPath := filepath.Join(t.TempDir(), "app.db")
	db := openInstrumented(t, ext, hostPath)
	defer db.Close()

	_, err := db.Exec("CREATE TABLE a (v INTEGER); INSERT INTO a VALUES (5);")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO a VALUES (5)")
	require.NoError(t, err)

	cnt, err := openTrace(t, hostPath).Count(fingerprint.Of("INSERT INTO a VALUES (5)"))
	require.NoError(t, err)
	require.NotNil(t, cnt)
	assert.Equal(t, int64(2), cnt.ExeCount, "trailing semicolon doesn't split the record")
}

func TestLoad_InitLogLines(t *testing.T) {
	capt := diag.NewCapture(0)
	require.NoError(t, capt.Start())
	defer capt.Stop()

	ext := New(Options{})
	defer ext.Close()
	hostPath := filepath.Join(t.TempDir(), "app.db")
	db := openInstrumented(t, ext, hostPath)
	defer db.Close()

	msgs := capt.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "Initializing SQLite Instrumentation Extension", msgs[0])
	assert.Contains(t, msgs[1], "Created trace database: ")
	assert.Contains(t, msgs[1], "app.trace.db")
	assert.Equal(t, "SQLite Instrumentation Extension initialized successfully", msgs[2])
}

func TestLoad_RollbackKeepsInstrumentation(t *testing.T) {
	ext := New(Options{})
	defer ext.Close()

	hostPath := filepath.Join(t.TempDir(), "app.db")
	db := openInstrumented(t, ext, hostPath)
	defer db.Close()

	_, err := db.Exec("CREATE TABLE test (id INTEGER PRIMARY KEY, value TEXT)")
	require.NoError(t, err)

	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = tx.Exec("INSERT INTO test (value) VALUES ('rolled back')")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	var rows int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM test").Scan(&rows))
	assert.Equal(t, 0, rows, "host data rolled back")

	cnt, err := openTrace(t, hostPath).Count(fingerprint.Of("INSERT INTO test (value) VALUES ('rolled back')"))
	require.NoError(t, err)
	require.NotNil(t, cnt, "instrumentation survives host rollback")
	assert.Equal(t, int64(1), cnt.ExeCount)
}

func TestLoad_TwiceSameHost(t *testing.T) {
	hostPath := filepath.Join(t.TempDir(), "app.db")

	ext := New(Options{})
	db1 := openInstrumented(t, ext, hostPath)
	_, err := db1.Exec("SELECT 1")
	require.NoError(t, err)

	// second connection to the same file through another extension instance
	ext2 := New(Options{})
	db2 := openInstrumented(t, ext2, hostPath)
	_, err = db2.Exec("SELECT 1")
	require.NoError(t, err)
	require.NoError(t, db1.Close())
	require.NoError(t, db2.Close())
	require.NoError(t, ext.Close())
	require.NoError(t, ext2.Close())

	// reopen, schema creation must not reset counts
	ext3 := New(Options{})
	defer ext3.Close()
	db3 := openInstrumented(t, ext3, hostPath)
	defer db3.Close()
	_, err = db3.Exec("SELECT 1")
	require.NoError(t, err)

	cnt, err := openTrace(t, hostPath).Count(fingerprint.Of("SELECT 1"))
	require.NoError(t, err)
	require.NotNil(t, cnt)
	assert.Equal(t, int64(3), cnt.ExeCount)
}

func TestLoad_SharedStoreAcrossConnections(t *testing.T) {
	ext := New(Options{})
	defer ext.Close()

	hostPath := filepath.Join(t.TempDir(), "app.db")
	db := openInstrumented(t, ext, hostPath)
	db.SetMaxOpenConns(4)

	ctx := context.Background()
	conns := make([]*sql.Conn, 0, 4)
	for i := 0; i < 4; i++ {
		c, err := db.Conn(ctx)
		require.NoError(t, err)
		conns = append(conns, c)
	}
	assert.Equal(t, 4, ext.Connections())
	tracePath, err := shadow.ResolvePath(hostPath)
	require.NoError(t, err)
	assert.Equal(t, 4, ext.registry.Refs(tracePath), "one store shared by all connections")

	for _, c := range conns {
		_, err := c.ExecContext(ctx, "SELECT 1")
		require.NoError(t, err)
		require.NoError(t, c.Close())
	}

	require.NoError(t, db.Close())
	assert.Equal(t, 0, ext.Connections(), "released on connection close")
	assert.Equal(t, 0, ext.registry.Refs(tracePath))

	cnt, err := openTrace(t, hostPath).Count(fingerprint.Of("SELECT 1"))
	require.NoError(t, err)
	require.NotNil(t, cnt)
	assert.Equal(t, int64(4), cnt.ExeCount)
}

func TestLoad_MemoryHost(t *testing.T) {
	t.Run("in-memory trace database", func(t *testing.T) {
		ext := New(Options{Memory: MemoryShadow})
		defer ext.Close()
		db := openInstrumented(t, ext, ":memory:")
		defer db.Close()

		_, err := db.Exec("SELECT 1")
		require.NoError(t, err)
		assert.Equal(t, 1, ext.Connections())
		_, err = os.Stat(":memory:.trace.db")
		assert.True(t, os.IsNotExist(err), "no trace file for memory host")
	})

	t.Run("rejected", func(t *testing.T) {
		ext := New(Options{Memory: MemoryReject})
		defer ext.Close()
		name := uniqueDriver("sqlite3_y2k_reject")
		require.NoError(t, ext.Register(name))
		db, err := sql.Open(name, ":memory:")
		require.NoError(t, err)
		defer db.Close()

		err = db.Ping()
		require.Error(t, err)
		assert.ErrorIs(t, err, shadow.ErrNoStablePath)
		assert.Equal(t, 0, ext.Connections())
	})
}

func TestLoad_SchemaFailure(t *testing.T) {
	dir := t.TempDir()
	// directory in place of the trace file makes schema creation fail
	require.NoError(t, os.Mkdir(filepath.Join(dir, "app.trace.db"), 0o700))

	ext := New(Options{})
	defer ext.Close()
	name := uniqueDriver("sqlite3_y2k_fail")
	require.NoError(t, ext.Register(name))
	db, err := sql.Open(name, filepath.Join(dir, "app.db"))
	require.NoError(t, err)
	defer db.Close()

	err = db.Ping()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "y2k load failed")
	assert.Equal(t, 0, ext.Connections())
}

func TestLoad_WriteFailureDoesNotBreakHost(t *testing.T) {
	ext := New(Options{})
	hostPath := filepath.Join(t.TempDir(), "app.db")
	db := openInstrumented(t, ext, hostPath)
	defer db.Close()
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	// trace database closed under the live connection
	require.NoError(t, ext.registry.Close())

	capt := diag.NewCapture(0)
	require.NoError(t, capt.Start())
	defer capt.Stop()

	var one int
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT 1").Scan(&one), "host statement still succeeds")
	assert.Equal(t, 1, one)

	entries := capt.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, diag.CodeError, entries[1].Code)
	assert.Contains(t, entries[1].Message, "y2k: shadow write failed")
	assert.Equal(t, "DEBUG: PROFILE traced - SELECT 1", entries[2].Message)
}
