package urkel

import "runtime"

const (
	// DefaultIteratorCache is the per-fill prefetch size on disk.
	DefaultIteratorCache = 100

	// memoryIteratorCache is the prefetch size on the memory engine,
	// where a fill is a map walk rather than a disk read.
	memoryIteratorCache = 1
)

// Options configures a Tree.
type Options struct {
	// Prefix is the path of the tree directory. Required unless Memory
	// is set.
	Prefix string

	// Memory selects the in-memory engine. Prefix is ignored.
	Memory bool

	// IteratorCache is the number of entries an iterator prefetches
	// per engine fill. Zero selects the engine default.
	IteratorCache int

	// Watch enables event-driven freshness checking on the store
	// directory, for long-lived handles whose directory may be
	// replaced externally. Disk engine only.
	Watch bool

	// PoolSize is the worker count for blocking engine calls. Zero
	// selects max(DefaultPoolSize, GOMAXPROCS).
	PoolSize int
}

func (o Options) withDefaults() Options {
	if o.IteratorCache <= 0 {
		if o.Memory {
			o.IteratorCache = memoryIteratorCache
		} else {
			o.IteratorCache = DefaultIteratorCache
		}
	}
	if o.PoolSize <= 0 {
		o.PoolSize = DefaultPoolSize
		if n := runtime.GOMAXPROCS(0); n > o.PoolSize {
			o.PoolSize = n
		}
	}
	return o
}
