// Package store implements the append-only node log behind the on-disk
// engine. A store directory holds a meta file, a lock file while open,
// and numbered data files of hash-addressed records. Nodes are only
// ever appended; historical roots stay resolvable until compaction.
package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/urkeldb/urkel/internal/engine"
)

// DefaultMaxFileSize is the data-file rollover threshold.
const DefaultMaxFileSize = int64(256 << 20)

// recordHeaderSize is hash(32) + payload length(4).
const recordHeaderSize = engine.HashSize + 4

var dataFilePattern = regexp.MustCompile(`^\d{10}$`)

// debugf conditionally logs when URKEL_DEBUG is set.
var debugf = func(format string, args ...interface{}) {
	if os.Getenv("URKEL_DEBUG") != "" {
		log.Printf("[store] "+format, args...)
	}
}

// Record is one hash-addressed log entry.
type Record struct {
	Hash engine.Hash
	Data []byte
}

type recordLoc struct {
	file uint32
	off  int64
	n    uint32
}

// Store is an open node log. All methods are safe for concurrent use;
// appends are serialized, reads run concurrently.
type Store struct {
	prefix      string
	maxFileSize int64

	mu          sync.RWMutex
	lock        *FileLock
	index       map[engine.Hash]recordLoc
	files       map[uint32]*os.File
	currentID   uint32
	currentSize int64
	root        engine.Hash
	records     uint64
	freshness   *FreshnessChecker
	closed      bool
}

// Open opens (or initializes) the store at prefix, taking the directory
// lock. All failure modes surface as BADOPEN.
func Open(prefix string) (*Store, error) {
	return OpenWithFileSize(prefix, DefaultMaxFileSize)
}

// OpenWithFileSize opens a store with a custom rollover threshold.
func OpenWithFileSize(prefix string, maxFileSize int64) (*Store, error) {
	if prefix == "" {
		return nil, fmt.Errorf("empty store prefix (%w)", engine.ErrnoBadOpen)
	}
	if err := os.MkdirAll(prefix, 0o750); err != nil {
		return nil, fmt.Errorf("create store directory: %w (%w)", err, engine.ErrnoBadOpen)
	}
	lock, err := AcquireLock(prefix)
	if err != nil {
		return nil, err
	}

	s := &Store{
		prefix:      prefix,
		maxFileSize: maxFileSize,
		lock:        lock,
	}
	if err := s.load(); err != nil {
		_ = lock.Release()
		return nil, err
	}
	debugf("opened %s root=%x records=%d", prefix, s.root[:4], s.records)
	return s, nil
}

// load (re)builds the in-memory index from meta and the data files.
// Callers outside Open must hold s.mu.
func (s *Store) load() error {
	s.closeFiles()
	s.index = make(map[engine.Hash]recordLoc)
	s.files = make(map[uint32]*os.File)

	m, err := readMeta(s.prefix)
	switch {
	case os.IsNotExist(err):
		// Fresh store: commit an empty meta so the directory becomes a
		// valid tree directory even before the first write.
		m = &meta{Root: engine.ZeroHash}
		if err := writeMeta(s.prefix, m); err != nil {
			return fmt.Errorf("initialize meta: %w (%w)", err, engine.ErrnoBadOpen)
		}
	case err != nil:
		return fmt.Errorf("read meta: %w (%w)", err, engine.ErrnoBadOpen)
	}

	ids, err := dataFileIDs(s.prefix)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		ids = []uint32{1}
	}
	for _, id := range ids {
		f, err := os.OpenFile(dataFilePath(s.prefix, id), os.O_RDWR|os.O_CREATE, 0o644) // #nosec G304
		if err != nil {
			return fmt.Errorf("open data file %010d: %w (%w)", id, err, engine.ErrnoBadOpen)
		}
		s.files[id] = f
	}
	s.currentID = ids[len(ids)-1]

	var records uint64
	for _, id := range ids {
		size, err := s.scanFile(id, id == s.currentID, &records)
		if err != nil {
			return err
		}
		if id == s.currentID {
			s.currentSize = size
		}
	}

	if m.Root != engine.ZeroHash {
		if _, ok := s.index[m.Root]; !ok {
			return fmt.Errorf("meta root %x not present in log (%w)", m.Root[:8], engine.ErrnoBadOpen)
		}
	}
	s.root = m.Root
	s.records = records
	return nil
}

// scanFile indexes one data file. A torn record at the tail of the last
// file is the signature of a crash mid-append; it is truncated away.
// Anywhere else it is corruption.
func (s *Store) scanFile(id uint32, last bool, records *uint64) (int64, error) {
	f := s.files[id]
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat data file: %w (%w)", err, engine.ErrnoBadOpen)
	}
	size := info.Size()

	var off int64
	header := make([]byte, recordHeaderSize)
	for off < size {
		if _, err := f.ReadAt(header, off); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return 0, fmt.Errorf("read record header: %w (%w)", err, engine.ErrnoBadOpen)
		}
		n := binary.BigEndian.Uint32(header[engine.HashSize:])
		if off+recordHeaderSize+int64(n) > size {
			break
		}
		var h engine.Hash
		copy(h[:], header)
		s.index[h] = recordLoc{file: id, off: off + recordHeaderSize, n: n}
		off += recordHeaderSize + int64(n)
		*records++
	}

	if off < size {
		if !last {
			return 0, fmt.Errorf("torn record in data file %010d (%w)", id, engine.ErrnoBadOpen)
		}
		debugf("truncating torn tail of %010d: %d -> %d", id, size, off)
		if err := f.Truncate(off); err != nil {
			return 0, fmt.Errorf("truncate torn tail: %w (%w)", err, engine.ErrnoBadOpen)
		}
	}
	return off, nil
}

// Prefix returns the store directory.
func (s *Store) Prefix() string {
	return s.prefix
}

// Root returns the current root.
func (s *Store) Root() engine.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

// Records returns the indexed record count.
func (s *Store) Records() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records
}

// Has reports whether a record exists for h.
func (s *Store) Has(h engine.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[h]
	return ok
}

// Record reads the record for h. Missing records return ErrnoNotFound;
// the caller decides whether that means an absent root or a broken log.
func (s *Store) Record(h engine.Hash) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, engine.ErrnoBadOpen
	}
	loc, ok := s.index[h]
	if !ok {
		return nil, engine.ErrnoNotFound
	}
	data := make([]byte, loc.n)
	if _, err := s.files[loc.file].ReadAt(data, loc.off); err != nil {
		return nil, fmt.Errorf("read record: %w (%w)", err, engine.ErrnoCorruption)
	}
	return data, nil
}

// Append writes a batch of records followed by a meta update moving the
// root. The batch and the root move land together: the meta rename is
// the commit point.
func (s *Store) Append(recs []Record, root engine.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return engine.ErrnoBadOpen
	}

	written := false
	for _, rec := range recs {
		if _, ok := s.index[rec.Hash]; ok {
			continue
		}
		if err := s.appendRecord(rec); err != nil {
			return err
		}
		written = true
	}
	if written {
		if err := s.files[s.currentID].Sync(); err != nil {
			return fmt.Errorf("sync data file: %w (%w)", err, engine.ErrnoBadWrite)
		}
	}
	if root != engine.ZeroHash {
		if _, ok := s.index[root]; !ok {
			return fmt.Errorf("commit root %x has no record (%w)", root[:8], engine.ErrnoBadWrite)
		}
	}
	if err := writeMeta(s.prefix, &meta{Root: root, Records: s.records}); err != nil {
		return err
	}
	s.root = root
	if s.freshness != nil {
		s.freshness.UpdateState()
	}
	return nil
}

func (s *Store) appendRecord(rec Record) error {
	size := int64(recordHeaderSize + len(rec.Data))
	if s.currentSize+size > s.maxFileSize && s.currentSize > 0 {
		id := s.currentID + 1
		f, err := os.OpenFile(dataFilePath(s.prefix, id), os.O_RDWR|os.O_CREATE, 0o644) // #nosec G304
		if err != nil {
			return fmt.Errorf("roll data file: %w (%w)", err, engine.ErrnoBadWrite)
		}
		if err := s.files[s.currentID].Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("sync data file: %w (%w)", err, engine.ErrnoBadWrite)
		}
		s.files[id] = f
		s.currentID = id
		s.currentSize = 0
	}

	buf := make([]byte, 0, size)
	buf = append(buf, rec.Hash[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(rec.Data)))
	buf = append(buf, rec.Data...)
	if _, err := s.files[s.currentID].WriteAt(buf, s.currentSize); err != nil {
		return fmt.Errorf("append record: %w (%w)", err, engine.ErrnoBadWrite)
	}
	s.index[rec.Hash] = recordLoc{file: s.currentID, off: s.currentSize + recordHeaderSize, n: uint32(len(rec.Data))}
	s.currentSize += size
	s.records++
	return nil
}

// SetRoot switches the in-memory root to a historical one. The on-disk
// meta keeps the last committed root; reopening restores it.
func (s *Store) SetRoot(root engine.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return engine.ErrnoBadOpen
	}
	if root != engine.ZeroHash {
		if _, ok := s.index[root]; !ok {
			return engine.ErrnoNotFound
		}
	}
	s.root = root
	return nil
}

// SwapFrom replaces this store's log with the one at tmpPrefix, then
// reloads. The directory lock stays held across the swap. tmpPrefix is
// consumed: its files move, and the directory is removed.
func (s *Store) SwapFrom(tmpPrefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return engine.ErrnoBadOpen
	}
	s.closeFiles()

	ids, err := dataFileIDs(s.prefix)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := os.Remove(dataFilePath(s.prefix, id)); err != nil {
			return fmt.Errorf("remove data file: %w (%w)", err, engine.ErrnoBadWrite)
		}
	}
	tmpIDs, err := dataFileIDs(tmpPrefix)
	if err != nil {
		return err
	}
	for _, id := range tmpIDs {
		if err := os.Rename(dataFilePath(tmpPrefix, id), dataFilePath(s.prefix, id)); err != nil {
			return fmt.Errorf("move data file: %w (%w)", err, engine.ErrnoBadWrite)
		}
	}
	if err := os.Rename(filepath.Join(tmpPrefix, metaName), filepath.Join(s.prefix, metaName)); err != nil {
		return fmt.Errorf("move meta: %w (%w)", err, engine.ErrnoBadWrite)
	}
	_ = os.Remove(filepath.Join(tmpPrefix, lockName))
	_ = os.Remove(tmpPrefix)

	if err := s.load(); err != nil {
		return err
	}
	if s.freshness != nil {
		s.freshness.UpdateState()
	}
	return nil
}

// Close syncs and closes the log and drops the directory lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.freshness != nil {
		s.freshness.Disable()
	}
	var firstErr error
	if f, ok := s.files[s.currentID]; ok {
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closeFiles()
	if err := s.lock.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Store) closeFiles() {
	for _, f := range s.files {
		_ = f.Close()
	}
	s.files = nil
}

func dataFilePath(prefix string, id uint32) string {
	return filepath.Join(prefix, fmt.Sprintf("%010d", id))
}

func dataFileIDs(prefix string) ([]uint32, error) {
	entries, err := os.ReadDir(prefix)
	if err != nil {
		return nil, fmt.Errorf("read store directory: %w (%w)", err, engine.ErrnoBadOpen)
	}
	var ids []uint32
	for _, e := range entries {
		if e.IsDir() || !dataFilePattern.MatchString(e.Name()) {
			continue
		}
		var id uint32
		if _, err := fmt.Sscanf(e.Name(), "%d", &id); err == nil && id > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		if id != uint32(i+1) {
			return nil, fmt.Errorf("data file sequence has a gap at %010d (%w)", i+1, engine.ErrnoBadOpen)
		}
	}
	return ids, nil
}
