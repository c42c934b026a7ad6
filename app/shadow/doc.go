// Package shadow manages the trace database living next to an instrumented host database.
// The path of the trace database is derived from the host path (app.db -> app.trace.db),
// its schema is created idempotently and all writes go through a dedicated handle on the
// pure Go sqlite engine, so they are never part of the host connection's transactions and
// never trigger host trace callbacks.
//
// One Store is shared by all host connections resolving to the same trace path, see Registry.
// Each store keeps a single pooled connection, which serializes writes inside the process;
// busy_timeout and WAL handle the cross-process case.
package shadow
