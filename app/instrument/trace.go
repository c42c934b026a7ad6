//go:build sqlite_trace || trace

package instrument

import (
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/umputun/y2ktrace/app/hooks"
)

// TraceSupported is true if hooks can be registered
const TraceSupported = true

func setTrace(conn *sqlite3.SQLiteConn, tr *hooks.Tracer, onClose func()) error {
	return conn.SetTrace(&sqlite3.TraceConfig{
		Callback: func(info sqlite3.TraceInfo) int {
			switch info.EventCode {
			case sqlite3.TraceStmt:
				tr.Stmt(info.StmtHandle, info.StmtOrTrigger)
			case sqlite3.TraceProfile:
				tr.Profile(info.StmtHandle, time.Duration(info.RunTimeNanosec))
			case sqlite3.TraceClose:
				onClose()
			}
			return 0
		},
		EventMask:       sqlite3.TraceStmt | sqlite3.TraceProfile | sqlite3.TraceClose,
		WantExpandedSQL: false, // statement text, not bound values
	})
}
