package instrument

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var driverSeq int32

// uniqueDriver makes a driver name not registered yet, sql.Register panics on duplicates
func uniqueDriver(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, atomic.AddInt32(&driverSeq, 1))
}

func TestHostPath(t *testing.T) {
	var paths []string
	name := uniqueDriver("sqlite3_hostpath")
	sql.Register(name, &sqlite3.SQLiteDriver{ConnectHook: func(conn *sqlite3.SQLiteConn) error {
		p, err := HostPath(conn)
		if err != nil {
			return err
		}
		paths = append(paths, p)
		return nil
	}})

	dbPath := filepath.Join(t.TempDir(), "app.db")
	for _, dsn := range []string{dbPath, ":memory:", ""} {
		db, err := sql.Open(name, dsn)
		require.NoError(t, err)
		require.NoError(t, db.Ping())
		require.NoError(t, db.Close())
	}

	require.Len(t, paths, 3)
	assert.Equal(t, filepath.Base(dbPath), filepath.Base(paths[0]))
	assert.Empty(t, paths[1], "in-memory database has no file")
	assert.Empty(t, paths[2], "temporary database has no file")
}

func TestExtension_Register(t *testing.T) {
	ext := New(Options{})
	defer ext.Close()

	name := uniqueDriver("sqlite3_y2k_register")
	require.NoError(t, ext.Register(name))
	assert.Error(t, ext.Register(name), "duplicate name rejected")
	assert.Error(t, ext.Register("sqlite3"), "mattn default driver name taken")
}
