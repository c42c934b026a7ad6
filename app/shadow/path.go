package shadow

import (
	"errors"
	"path/filepath"
	"strings"
)

// TraceSuffix replaces extension of the host database file
const TraceSuffix = ".trace.db"

// ErrNoStablePath returned for hosts without on-disk file, i.e. in-memory or temporary databases
var ErrNoStablePath = errors.New("host database has no stable file path")

// ResolvePath makes trace database path for the host database path.
// The extension of the last path element is swapped for .trace.db, all other segments are kept.
func ResolvePath(hostPath string) (string, error) {
	if IsMemory(hostPath) {
		return "", ErrNoStablePath
	}
	ext := filepath.Ext(hostPath)
	base := strings.TrimSuffix(hostPath, ext)
	if base == "" || strings.HasSuffix(base, string(filepath.Separator)) {
		// dot-file like "/data/.db", keep it as a name
		base += ext
	}
	return base + TraceSuffix, nil
}

// IsMemory checks if host path describes a database without a file.
// sqlite reports empty file name for both in-memory and temporary databases.
func IsMemory(hostPath string) bool {
	p := strings.TrimSpace(hostPath)
	switch {
	case p == "", p == ":memory:":
		return true
	case strings.HasPrefix(p, "file::memory:"):
		return true
	case strings.HasPrefix(p, "file:") && strings.Contains(p, "mode=memory"):
		return true
	}
	return false
}
