package store

import (
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FreshnessChecker monitors the meta file for external replacement. A
// long-lived handle whose directory is rebuilt underneath it (restored
// backup, compaction by another tool) would otherwise keep serving the
// stale index. Detection is stat-based, keyed on the inode: meta is
// replaced by rename on every commit this process makes, so the
// checker's baseline is refreshed through UpdateState after each local
// write, and a foreign inode means a foreign writer.
type FreshnessChecker struct {
	path    string
	mu      sync.Mutex
	enabled bool
	onStale func() error

	lastInode uint64
	lastMtime time.Time
	lastSize  int64

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFreshnessChecker creates a checker for a store's meta file. The
// onStale callback reloads the owner's state when replacement is seen.
func NewFreshnessChecker(prefix string, onStale func() error) *FreshnessChecker {
	fc := &FreshnessChecker{
		path:    filepath.Join(prefix, metaName),
		enabled: true,
		onStale: onStale,
	}
	fc.captureFileState()
	return fc
}

func (fc *FreshnessChecker) captureFileState() {
	info, err := os.Stat(fc.path)
	if err != nil {
		return
	}
	fc.lastMtime = info.ModTime()
	fc.lastSize = info.Size()
	fc.lastInode = fileInode(info)
}

func fileInode(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}

// Check examines the meta file and triggers the callback when it has
// been replaced by another writer. Returns true when that happened.
func (fc *FreshnessChecker) Check() bool {
	fc.mu.Lock()
	if !fc.enabled {
		fc.mu.Unlock()
		return false
	}

	info, err := os.Stat(fc.path)
	if err != nil {
		// Mid-replace window; try again on the next event.
		fc.mu.Unlock()
		return false
	}

	replaced := false
	inode := fileInode(info)
	if inode != 0 && fc.lastInode != 0 {
		replaced = inode != fc.lastInode
	} else {
		replaced = !info.ModTime().Equal(fc.lastMtime) || info.Size() != fc.lastSize
	}

	if !replaced {
		fc.mu.Unlock()
		return false
	}

	fc.lastInode = inode
	fc.lastMtime = info.ModTime()
	fc.lastSize = info.Size()
	callback := fc.onStale

	// Run the callback outside the lock: it takes the store lock, and the
	// store calls UpdateState (which takes this lock) while holding it.
	fc.mu.Unlock()
	debugf("meta replaced externally, reloading")
	if callback != nil {
		_ = callback()
	}
	return true
}

// Watch starts event-driven checking through fsnotify on the store
// directory. Without it the owner may still call Check before reads.
func (fc *FreshnessChecker) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(fc.path)); err != nil {
		_ = w.Close()
		return err
	}

	fc.mu.Lock()
	fc.watcher = w
	fc.done = make(chan struct{})
	done := fc.done
	fc.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) == metaName {
					fc.Check()
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return nil
}

// UpdateState re-baselines after the owner itself wrote or reloaded.
func (fc *FreshnessChecker) UpdateState() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.captureFileState()
}

// Disable stops checking and tears down the watcher.
func (fc *FreshnessChecker) Disable() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.enabled = false
	if fc.watcher != nil {
		_ = fc.watcher.Close()
		fc.watcher = nil
	}
	if fc.done != nil {
		close(fc.done)
		fc.done = nil
	}
}

// IsEnabled reports whether checking is active.
func (fc *FreshnessChecker) IsEnabled() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.enabled
}

// DebugState returns the tracked baseline for tests.
func (fc *FreshnessChecker) DebugState() (inode uint64, mtime time.Time, size int64) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.lastInode, fc.lastMtime, fc.lastSize
}

// EnableFreshnessChecking wires a checker into the store. Reads do not
// consult it implicitly; the owner decides when Check runs (or starts
// Watch for event-driven checking).
func (s *Store) EnableFreshnessChecking() *FreshnessChecker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freshness == nil {
		s.freshness = NewFreshnessChecker(s.prefix, s.Reload)
	}
	return s.freshness
}

// Reload rebuilds the index from disk. Used after external replacement.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.load()
}
