// Package instrument is the load entry point of the sqlite instrumentation.
// Extension.Load wires trace and profile hooks to a mattn/go-sqlite3 connection and brings
// the trace database online; Extension.Register installs Load as the ConnectHook of a named
// database/sql driver, so every connection opened through it is instrumented.
//
// Hooks need sqlite3_trace_v2, available only when built with the sqlite_trace tag.
// Without it Load fails with ErrTraceUnsupported.
package instrument

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	log "github.com/go-pkgz/lgr"
	"github.com/mattn/go-sqlite3"

	"github.com/umputun/y2ktrace/app/diag"
	"github.com/umputun/y2ktrace/app/hooks"
	"github.com/umputun/y2ktrace/app/shadow"
)

// ErrTraceUnsupported returned by Load if the binary built without trace support
var ErrTraceUnsupported = errors.New("sqlite trace is not supported by this build, use -tags sqlite_trace")

// errMainNotFound returned if database_list has no main entry
var errMainNotFound = errors.New("main database not found")

// MemoryPolicy defines what to do for hosts without a file
type MemoryPolicy int

// memory policies
const (
	MemoryShadow MemoryPolicy = iota // private in-memory trace database per connection
	MemoryReject                     // fail the load
)

// Options of the extension
type Options struct {
	Memory MemoryPolicy
	Shadow shadow.Params
}

// Extension keeps trace databases shared by all connections it is loaded into
type Extension struct {
	opts     Options
	registry *shadow.Registry

	mu      sync.Mutex
	tracers map[*sqlite3.SQLiteConn]*hooks.Tracer
}

// New makes Extension
func New(opts Options) *Extension {
	return &Extension{
		opts:     opts,
		registry: shadow.NewRegistry(opts.Shadow),
		tracers:  map[*sqlite3.SQLiteConn]*hooks.Tracer{},
	}
}

// Register makes database/sql driver with the extension loaded into every new connection
func (e *Extension) Register(driverName string) error {
	if slices.Contains(sql.Drivers(), driverName) {
		return fmt.Errorf("sql driver %q already registered", driverName)
	}
	sql.Register(driverName, &sqlite3.SQLiteDriver{ConnectHook: e.Load})
	log.Printf("[DEBUG] instrumented sqlite driver %q registered", driverName)
	return nil
}

// Load instruments conn. It resolves trace database from the main database of the
// connection, ensures its schema and registers hooks. On error nothing stays attached.
func (e *Extension) Load(conn *sqlite3.SQLiteConn) error {
	diag.Log(diag.CodeWarning, "Initializing SQLite Instrumentation Extension")

	hostPath, err := HostPath(conn)
	if err != nil {
		return fmt.Errorf("y2k load failed: %w", err)
	}

	tr, tracePath, err := e.attach(hostPath)
	if err != nil {
		return fmt.Errorf("y2k load failed for %q: %w", hostPath, err)
	}

	if err := setTrace(conn, tr, func() { e.detach(conn, tr) }); err != nil {
		tr.Close()
		return fmt.Errorf("y2k load failed, can't register hooks: %w", err)
	}

	e.mu.Lock()
	prev := e.tracers[conn]
	e.tracers[conn] = tr
	e.mu.Unlock()
	if prev != nil {
		prev.Close() // loaded again, previous hooks replaced by setTrace
	}

	diag.Log(diag.CodeWarning, "Created trace database: "+tracePath)
	diag.Log(diag.CodeWarning, "SQLite Instrumentation Extension initialized successfully")
	return nil
}

// attach makes tracer writing to the trace database of hostPath
func (e *Extension) attach(hostPath string) (tr *hooks.Tracer, tracePath string, err error) {
	tracePath, err = shadow.ResolvePath(hostPath)
	if errors.Is(err, shadow.ErrNoStablePath) && e.opts.Memory == MemoryShadow {
		store, err := shadow.OpenMemory(e.opts.Shadow)
		if err != nil {
			return nil, "", err
		}
		tr = hooks.New(store, func() {
			if err := store.Close(); err != nil {
				diag.Log(diag.CodeError, fmt.Sprintf("y2k: failed to close in-memory trace database: %v", err))
			}
		})
		return tr, store.Path(), nil
	}
	if err != nil {
		return nil, "", err
	}

	store, err := e.registry.Acquire(tracePath)
	if err != nil {
		return nil, "", err
	}
	tr = hooks.New(store, func() {
		if err := e.registry.Release(tracePath); err != nil {
			diag.Log(diag.CodeError, fmt.Sprintf("y2k: failed to release trace database: %v", err))
		}
	})
	return tr, store.Path(), nil
}

// detach called on connection close
func (e *Extension) detach(conn *sqlite3.SQLiteConn, tr *hooks.Tracer) {
	e.mu.Lock()
	if e.tracers[conn] == tr {
		delete(e.tracers, conn)
	}
	e.mu.Unlock()
	tr.Close()
}

// Connections returns number of instrumented connections still open
func (e *Extension) Connections() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tracers)
}

// Close releases all trace databases. Hooks of still open connections keep running,
// their writes fail and get logged.
func (e *Extension) Close() error {
	e.mu.Lock()
	tracers := make([]*hooks.Tracer, 0, len(e.tracers))
	for conn, tr := range e.tracers {
		tracers = append(tracers, tr)
		delete(e.tracers, conn)
	}
	e.mu.Unlock()

	for _, tr := range tracers {
		tr.Close()
	}
	return e.registry.Close()
}

// HostPath returns file of the main database of conn, empty for in-memory and temporary databases
func HostPath(conn *sqlite3.SQLiteConn) (string, error) {
	rows, err := conn.Query("PRAGMA database_list", nil)
	if err != nil {
		return "", fmt.Errorf("can't query database list: %w", err)
	}
	defer rows.Close()

	dest := make([]driver.Value, len(rows.Columns()))
	if len(dest) < 3 {
		return "", fmt.Errorf("unexpected database list columns %v", rows.Columns())
	}
	for {
		if err := rows.Next(dest); err != nil {
			if errors.Is(err, io.EOF) {
				return "", errMainNotFound
			}
			return "", fmt.Errorf("can't read database list: %w", err)
		}
		seq, _ := dest[0].(int64)
		if seq == 0 && asString(dest[1]) == "main" {
			return asString(dest[2]), nil
		}
	}
}

func asString(v driver.Value) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	}
	return ""
}
