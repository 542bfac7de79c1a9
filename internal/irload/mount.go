package irload

import (
	"context"
	"io/fs"
	"os"
	"time"
)

// Mount tracks whether a storage directory is present. It stands in for
// the USB host's mount state.
type Mount struct {
	dir     string
	mounted bool
}

// NewMount returns a tracker for dir. The first Poll reports a change if the
// directory already exists.
func NewMount(dir string) *Mount {
	return &Mount{dir: dir}
}

// Dir returns the tracked directory.
func (m *Mount) Dir() string { return m.dir }

// FS returns the directory as a file system.
func (m *Mount) FS() fs.FS { return os.DirFS(m.dir) }

// Mounted reports the state seen by the last Poll.
func (m *Mount) Mounted() bool { return m.mounted }

// Poll checks the directory and reports the current state and whether it
// differs from the previous poll.
func (m *Mount) Poll() (mounted, changed bool) {
	info, err := os.Stat(m.dir)
	mounted = err == nil && info.IsDir()
	changed = mounted != m.mounted
	m.mounted = mounted

	return mounted, changed
}

// Watch polls every interval until ctx is done and calls fn on each
// transition. fn runs on the calling goroutine.
func (m *Mount) Watch(ctx context.Context, interval time.Duration, fn func(mounted bool)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if mounted, changed := m.Poll(); changed {
			fn(mounted)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
