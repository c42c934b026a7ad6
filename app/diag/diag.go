// Package diag is the process-wide diagnostic log channel used by the instrumentation.
// It plays the role of sqlite3_log: every traced event and every recovered failure is sent
// here as a (code, message) pair.
//
// Only one subscriber can be installed at a time. Install fails if another subscriber is
// active, Uninstall drops it and sends messages back to lgr. Subscribers are called
// synchronously from statement execution paths and must not block.
package diag

import (
	"errors"
	"sync"

	log "github.com/go-pkgz/lgr"
)

// result codes passed along with messages, same values as sqlite uses for sqlite3_log
const (
	CodeError   = 1  // SQLITE_ERROR
	CodeWarning = 28 // SQLITE_WARNING
)

// ErrAlreadyInstalled returned by Install if a subscriber is active
var ErrAlreadyInstalled = errors.New("diag subscriber already installed")

// Subscriber receives every message sent to the channel
type Subscriber func(code int, msg string)

var (
	mu    sync.RWMutex
	sub   Subscriber
	owner any // set for subscribers installed with installOwned
)

// Install sets the single active subscriber
func Install(s Subscriber) error {
	return installOwned(nil, s)
}

func installOwned(o any, s Subscriber) error {
	if s == nil {
		return errors.New("nil diag subscriber")
	}
	mu.Lock()
	defer mu.Unlock()
	if sub != nil {
		return ErrAlreadyInstalled
	}
	sub, owner = s, o
	return nil
}

// Uninstall removes active subscriber. Safe to call if nothing installed
func Uninstall() {
	mu.Lock()
	sub, owner = nil, nil
	mu.Unlock()
}

// uninstallOwned removes active subscriber only if it was installed by o
func uninstallOwned(o any) bool {
	mu.Lock()
	defer mu.Unlock()
	if sub == nil || owner != o {
		return false
	}
	sub, owner = nil, nil
	return true
}

// Log sends message to the active subscriber, or to lgr if none installed
func Log(code int, msg string) {
	mu.RLock()
	s := sub
	mu.RUnlock()
	if s != nil {
		s(code, msg)
		return
	}
	if code == CodeWarning {
		log.Printf("[DEBUG] %s", msg)
		return
	}
	log.Printf("[WARN] %s (code %d)", msg, code)
}
