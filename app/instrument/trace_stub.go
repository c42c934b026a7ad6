//go:build !sqlite_trace && !trace

package instrument

import (
	"github.com/mattn/go-sqlite3"

	"github.com/umputun/y2ktrace/app/hooks"
)

// TraceSupported is true if hooks can be registered
const TraceSupported = false

func setTrace(*sqlite3.SQLiteConn, *hooks.Tracer, func()) error {
	return ErrTraceUnsupported
}
