// Package cachedir resolves the per-user cache root used by the staging GC
// and the freeze pipeline (spec.md §6's "Cache root respects the standard
// per-user cache-directory convention with a fallback to a hard-coded
// per-UID temp subpath").
package cachedir

import (
	"fmt"
	"os"
	"path/filepath"
)

const subdir = "coldstow"

// Root returns the coldstow cache root, creating it (mode 0700) if
// necessary. Resolution order: $XDG_CACHE_HOME/coldstow, then
// $HOME/.cache/coldstow, then /tmp/coldstow-<uid> as a last resort for
// environments with neither variable set (e.g. minimal containers).
func Root() (string, error) {
	var base string
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		base = filepath.Join(xdg, subdir)
	} else if home, err := os.UserHomeDir(); err == nil && home != "" {
		base = filepath.Join(home, ".cache", subdir)
	} else {
		base = filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d", subdir, os.Getuid()))
	}

	if err := os.MkdirAll(base, 0o700); err != nil {
		return "", fmt.Errorf("cachedir: cannot create %s: %w", base, err)
	}
	return base, nil
}
