package diag

import (
	"sync"
)

// Entry is a single captured message
type Entry struct {
	Code    int
	Message string
}

// Capture collects last N messages of the channel in a circular buffer. Thread safe.
type Capture struct {
	maxEntries int
	entries    []Entry
	mu         sync.Mutex
}

// NewCapture makes Capture keeping up to maximum entries, 0 means unlimited
func NewCapture(maximum int) *Capture {
	return &Capture{maxEntries: maximum}
}

// Start installs capture as the channel subscriber
func (c *Capture) Start() error {
	return installOwned(c, c.Subscribe)
}

// Stop uninstalls the capture if it is the active subscriber; captured entries are kept.
// Subscribers installed by anyone else stay in place.
func (c *Capture) Stop() {
	uninstallOwned(c)
}

// Subscribe satisfies Subscriber
func (c *Capture) Subscribe(code int, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.entries = c.entries[1:]
	}
	c.entries = append(c.entries, Entry{Code: code, Message: msg})
}

// Entries returns copy of captured entries
func (c *Capture) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := make([]Entry, len(c.entries))
	copy(res, c.entries)
	return res
}

// Messages returns captured messages in order of arrival
func (c *Capture) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		res = append(res, e.Message)
	}
	return res
}

// Clear drops all captured entries
func (c *Capture) Clear() {
	c.mu.Lock()
	c.entries = nil
	c.mu.Unlock()
}
