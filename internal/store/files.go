package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urkeldb/urkel/internal/engine"
)

// IsStoreDir reports whether prefix looks like a valid tree directory:
// a readable meta file plus at least one data file.
func IsStoreDir(prefix string) bool {
	if _, err := readMeta(prefix); err != nil {
		return false
	}
	ids, err := dataFileIDs(prefix)
	return err == nil && len(ids) > 0
}

// Destroy removes a store's on-disk state. It refuses when the store is
// live-locked or when the directory does not carry consistent metadata.
func Destroy(prefix string) error {
	if locked, pid := ProbeLock(prefix); locked {
		return fmt.Errorf("store %s is locked by pid %d (%w)", prefix, pid, engine.ErrnoBadOpen)
	}
	if _, err := readMeta(prefix); err != nil {
		return fmt.Errorf("not a tree directory: %s (%w)", prefix, engine.ErrnoBadOpen)
	}
	ids, err := dataFileIDs(prefix)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("not a tree directory: %s (%w)", prefix, engine.ErrnoBadOpen)
	}

	for _, id := range ids {
		if err := os.Remove(dataFilePath(prefix, id)); err != nil {
			return fmt.Errorf("destroy: %w (%w)", err, engine.ErrnoBadOpen)
		}
	}
	if err := os.Remove(filepath.Join(prefix, metaName)); err != nil {
		return fmt.Errorf("destroy: %w (%w)", err, engine.ErrnoBadOpen)
	}
	_ = os.Remove(filepath.Join(prefix, metaName) + ".tmp")
	_ = os.Remove(filepath.Join(prefix, lockName))
	// Leave the directory if the user put anything else in it.
	_ = os.Remove(prefix)
	return nil
}

// Stat reports the on-disk footprint of a store directory. The lock
// file is not part of the data set and is excluded.
func Stat(prefix string) (engine.Stats, error) {
	if !IsStoreDir(prefix) {
		return engine.Stats{}, fmt.Errorf("not a tree directory: %s (%w)", prefix, engine.ErrnoBadOpen)
	}
	var stats engine.Stats
	entries, err := os.ReadDir(prefix)
	if err != nil {
		return engine.Stats{}, fmt.Errorf("stat: %w (%w)", err, engine.ErrnoBadOpen)
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == lockName {
			continue
		}
		if e.Name() != metaName && !dataFilePattern.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		stats.Files++
		stats.Size += info.Size()
	}
	return stats, nil
}
