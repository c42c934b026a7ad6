// Package hooks implements trace and profile handlers attached to an instrumented connection.
// Handlers are called synchronously by the host engine. Stmt only logs and remembers the
// statement text, Profile records the completed execution through Recorder, which must write
// to a handle other than the instrumented connection. Recorder failures are logged to the
// diag channel and never returned to the host.
package hooks

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/umputun/y2ktrace/app/diag"
	"github.com/umputun/y2ktrace/app/fingerprint"
	"github.com/umputun/y2ktrace/app/shadow"
)

//go:generate moq -out mocks/recorder.go -pkg mocks -skip-ensure -fmt goimports . Recorder

// log line prefixes, the statement text follows verbatim
const (
	StmtPrefix    = "DEBUG: STMT traced - "
	ProfilePrefix = "DEBUG: PROFILE traced - "
)

// text of trigger subprogram events, sqlite reports "-- TRIGGER <name>"
const triggerPrefix = "-- TRIGGER "

// Recorder stores completed executions
type Recorder interface {
	Record(smpl shadow.Sample) error
}

// Tracer keeps per-connection state between stmt and profile events.
// A statement handle maps to the text seen by the last stmt event for it.
type Tracer struct {
	rec     Recorder
	onClose func()
	now     func() time.Time

	mu      sync.Mutex
	pending map[uintptr]string
	closed  sync.Once
}

// New makes Tracer writing to rec. onClose, if set, is called once by Close
func New(rec Recorder, onClose func()) *Tracer {
	return &Tracer{rec: rec, onClose: onClose, now: time.Now, pending: map[uintptr]string{}}
}

// Stmt handles statement start. Trigger subprograms are reported with the handle of the
// statement running them and "-- TRIGGER name" text; they are logged but don't replace
// the pending text. A top-level statement starting with a comment is a regular statement.
func (t *Tracer) Stmt(handle uintptr, sql string) {
	t.mu.Lock()
	if _, running := t.pending[handle]; !running || !strings.HasPrefix(sql, triggerPrefix) {
		t.pending[handle] = sql
	}
	t.mu.Unlock()
	diag.Log(diag.CodeWarning, StmtPrefix+sql)
}

// Profile handles statement completion with elapsed run time
func (t *Tracer) Profile(handle uintptr, elapsed time.Duration) {
	t.mu.Lock()
	sql, ok := t.pending[handle]
	delete(t.pending, handle)
	t.mu.Unlock()

	if !ok {
		// started before the tracer was attached
		diag.Log(diag.CodeWarning, fmt.Sprintf("y2k: profile event for unknown statement 0x%x skipped", handle))
		return
	}

	smpl := shadow.Sample{Hash: fingerprint.Of(sql), SQL: sql, Duration: elapsed, At: t.now()}
	if t.rec != nil {
		if err := t.rec.Record(smpl); err != nil {
			diag.Log(diag.CodeError, fmt.Sprintf("y2k: shadow write failed for %s: %v", smpl.Hash, err))
		}
	}
	diag.Log(diag.CodeWarning, ProfilePrefix+sql)
}

// Pending returns number of statements started and not completed yet
func (t *Tracer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close drops pending statements and calls onClose. Safe to call multiple times
func (t *Tracer) Close() {
	t.closed.Do(func() {
		t.mu.Lock()
		t.pending = map[uintptr]string{}
		t.mu.Unlock()
		if t.onClose != nil {
			t.onClose()
		}
	})
}
