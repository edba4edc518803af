package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/urkeldb/urkel/internal/engine"
)

// errLocked reports that another process holds the store lock.
var errLocked = errors.New("store is locked")

// LockInfo is the metadata written into the lock file while a store is
// open. It is advisory; the flock is what actually excludes openers.
type LockInfo struct {
	PID       int       `json:"pid"`
	Prefix    string    `json:"prefix"`
	StartedAt time.Time `json:"started_at"`
}

// FileLock holds the store directory's exclusive lock.
type FileLock struct {
	f    *os.File
	path string
}

// AcquireLock takes the exclusive lock for a store directory. A held
// lock surfaces as BADOPEN: two handles on one store corrupt the log.
func AcquireLock(prefix string) (*FileLock, error) {
	path := filepath.Join(prefix, lockName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644) // #nosec G304 - prefix comes from caller config
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w (%w)", err, engine.ErrnoBadOpen)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s (%w)", errLocked, path, engine.ErrnoBadOpen)
	}

	info := LockInfo{PID: os.Getpid(), Prefix: prefix, StartedAt: time.Now()}
	if data, err := json.Marshal(info); err == nil {
		_ = f.Truncate(0)
		_, _ = f.WriteAt(data, 0)
	}
	return &FileLock{f: f, path: path}, nil
}

// Release drops the lock. The file itself is left in place; Destroy
// removes it with the rest of the store.
func (l *FileLock) Release() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close() // closing drops the flock
	l.f = nil
	return err
}

// ProbeLock reports whether a store directory is currently locked, and
// by which process when that can be read back. It acquires and
// immediately releases the lock, so it is safe to call before Destroy.
func ProbeLock(prefix string) (locked bool, pid int) {
	path := filepath.Join(prefix, lockName)
	f, err := os.OpenFile(path, os.O_RDWR, 0) // #nosec G304 - controlled path
	if err != nil {
		return false, 0
	}
	defer func() { _ = f.Close() }()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		// Lock is held; read the holder's metadata best-effort.
		var info LockInfo
		if err := json.NewDecoder(f).Decode(&info); err == nil {
			pid = info.PID
		}
		return true, pid
	}
	return false, 0
}
