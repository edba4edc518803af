package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"

	"github.com/urkeldb/urkel/internal/engine"
)

const (
	metaName = "meta"
	lockName = "lock"

	metaMagic   = "URKL"
	metaVersion = 1

	// magic(4) version(4) root(32) records(8) checksum(32)
	metaSize = 4 + 4 + engine.HashSize + 8 + engine.HashSize
)

type meta struct {
	Root    engine.Hash
	Records uint64
}

func (m *meta) encode() []byte {
	out := make([]byte, 0, metaSize)
	out = append(out, metaMagic...)
	out = binary.BigEndian.AppendUint32(out, metaVersion)
	out = append(out, m.Root[:]...)
	out = binary.BigEndian.AppendUint64(out, m.Records)
	sum := blake2b.Sum256(out)
	return append(out, sum[:]...)
}

func decodeMeta(data []byte) (*meta, error) {
	if len(data) != metaSize || string(data[:4]) != metaMagic {
		return nil, engine.ErrnoCorruption
	}
	if binary.BigEndian.Uint32(data[4:]) != metaVersion {
		return nil, engine.ErrnoCorruption
	}
	body, sum := data[:metaSize-engine.HashSize], data[metaSize-engine.HashSize:]
	want := blake2b.Sum256(body)
	if want != engine.Hash(sum) {
		return nil, engine.ErrnoCorruption
	}
	m := &meta{Records: binary.BigEndian.Uint64(data[8+engine.HashSize:])}
	copy(m.Root[:], data[8:])
	return m, nil
}

// writeMeta persists the meta file atomically: the new contents land in
// a temp file which is fsynced and renamed over the old one.
func writeMeta(prefix string, m *meta) error {
	path := filepath.Join(prefix, metaName)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) // #nosec G304
	if err != nil {
		return fmt.Errorf("write meta: %w (%w)", err, engine.ErrnoBadWrite)
	}
	if _, err := f.Write(m.encode()); err != nil {
		_ = f.Close()
		return fmt.Errorf("write meta: %w (%w)", err, engine.ErrnoBadWrite)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync meta: %w (%w)", err, engine.ErrnoBadWrite)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close meta: %w (%w)", err, engine.ErrnoBadWrite)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename meta: %w (%w)", err, engine.ErrnoBadWrite)
	}
	return nil
}

func readMeta(prefix string) (*meta, error) {
	data, err := os.ReadFile(filepath.Join(prefix, metaName)) // #nosec G304
	if err != nil {
		return nil, err
	}
	return decodeMeta(data)
}
