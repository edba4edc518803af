package urkel

import (
	"context"
	"runtime"
	"sync"

	"github.com/urkeldb/urkel/internal/engine"
)

// VirtualBatch is a batch that buffers mutations in memory and flushes
// them to the engine lazily. Insert and Remove are synchronous and
// never touch the worker pool; the buffered sequence is applied in one
// engine call before any operation whose answer could depend on it.
//
// The key cache tracks what the buffer would make visible: an insert
// caches the value, a remove evicts the key. A cache hit answers a
// read directly; a miss with a non-empty buffer forces a flush first,
// because a buffered remove hides an underlying key that the engine
// would still report.
type VirtualBatch struct {
	x *txn

	bmu   sync.Mutex
	ops   []engine.Op
	cache map[Hash][]byte
}

// VirtualBatch creates a buffering batch over the Tree's current
// committed root.
func (t *Tree) VirtualBatch() (*VirtualBatch, error) {
	x, err := newTxn(t, "vbatch", nil)
	if err != nil {
		return nil, err
	}
	vb := &VirtualBatch{x: x, cache: make(map[Hash][]byte)}
	runtime.SetFinalizer(vb, func(vb *VirtualBatch) { vb.x.requestClose() })
	return vb, nil
}

func (vb *VirtualBatch) Open(ctx context.Context) error  { return vb.x.open(ctx) }
func (vb *VirtualBatch) Close(ctx context.Context) error { return vb.x.close(ctx) }
func (vb *VirtualBatch) State() State                    { return vb.x.State() }

// ready checks the underlying handle without scheduling anything.
func (vb *VirtualBatch) ready(op string) error {
	vb.x.h.mu.Lock()
	defer vb.x.h.mu.Unlock()
	return wrapErr(op, vb.x.h.ready())
}

// IsFlushed reports whether the buffer is empty.
func (vb *VirtualBatch) IsFlushed() bool {
	vb.bmu.Lock()
	defer vb.bmu.Unlock()
	return len(vb.ops) == 0
}

// BufferedOps returns the buffered operation count.
func (vb *VirtualBatch) BufferedOps() int {
	vb.bmu.Lock()
	defer vb.bmu.Unlock()
	return len(vb.ops)
}

// Insert buffers key=value. Synchronous: no engine call happens.
func (vb *VirtualBatch) Insert(key Hash, value []byte) error {
	if len(value) > MaxValueSize {
		return wrapErr("insert", engine.ErrnoInval)
	}
	if err := vb.ready("insert"); err != nil {
		return err
	}
	val := append([]byte(nil), value...)
	vb.bmu.Lock()
	vb.ops = append(vb.ops, engine.Op{Type: engine.OpInsert, Key: key, Value: val})
	vb.cache[key] = val
	vb.bmu.Unlock()
	return nil
}

// Remove buffers the deletion of key. Synchronous.
func (vb *VirtualBatch) Remove(key Hash) error {
	if err := vb.ready("remove"); err != nil {
		return err
	}
	vb.bmu.Lock()
	vb.ops = append(vb.ops, engine.Op{Type: engine.OpRemove, Key: key})
	delete(vb.cache, key)
	vb.bmu.Unlock()
	return nil
}

// flushLocked hands the buffered sequence to the engine in one worker
// call. On success buffer and cache reset; on failure both survive and
// the engine error surfaces. Caller holds bmu.
func (vb *VirtualBatch) flushLocked(ctx context.Context) error {
	if len(vb.ops) == 0 {
		return nil
	}
	ops := vb.ops
	if err := vb.x.apply(ctx, ops); err != nil {
		return err
	}
	vb.ops = nil
	vb.cache = make(map[Hash][]byte)
	return nil
}

// Flush applies all buffered operations now.
func (vb *VirtualBatch) Flush(ctx context.Context) error {
	vb.bmu.Lock()
	defer vb.bmu.Unlock()
	return vb.flushLocked(ctx)
}

// Get returns the value for key as the batch would commit it. Cached
// keys are answered from the buffer without engine involvement.
func (vb *VirtualBatch) Get(ctx context.Context, key Hash) ([]byte, bool, error) {
	vb.bmu.Lock()
	if v, ok := vb.cache[key]; ok {
		vb.bmu.Unlock()
		if err := vb.ready("get"); err != nil {
			return nil, false, err
		}
		return append([]byte(nil), v...), true, nil
	}
	if err := vb.flushLocked(ctx); err != nil {
		vb.bmu.Unlock()
		return nil, false, err
	}
	vb.bmu.Unlock()
	return vb.x.get(ctx, key)
}

// Has reports whether the batch's view contains key.
func (vb *VirtualBatch) Has(ctx context.Context, key Hash) (bool, error) {
	_, ok, err := vb.Get(ctx, key)
	return ok, err
}

// Prove builds a proof over the batch's view, flushing first when
// anything is buffered.
func (vb *VirtualBatch) Prove(ctx context.Context, key Hash) (*Proof, error) {
	if err := vb.Flush(ctx); err != nil {
		return nil, err
	}
	return vb.x.prove(ctx, key)
}

// RootHash flushes any buffered operations and returns the working
// root.
func (vb *VirtualBatch) RootHash(ctx context.Context) (Hash, error) {
	if err := vb.Flush(ctx); err != nil {
		return ZeroHash, err
	}
	return vb.x.rootHash(ctx)
}

// RootHashSync is the inline variant. It refuses while operations are
// buffered: flushing is an engine write and needs the async path.
func (vb *VirtualBatch) RootHashSync() (Hash, error) {
	if !vb.IsFlushed() {
		return ZeroHash, wrapErr("rootHash", ErrTxNotFlushed)
	}
	return vb.x.rootHashSync()
}

// Inject flushes, then re-pins the batch at a historical root.
func (vb *VirtualBatch) Inject(ctx context.Context, root Hash) error {
	if err := vb.Flush(ctx); err != nil {
		return err
	}
	return vb.x.inject(ctx, root)
}

// InjectSync refuses while operations are buffered.
func (vb *VirtualBatch) InjectSync(root Hash) error {
	if !vb.IsFlushed() {
		return wrapErr("inject", ErrTxNotFlushed)
	}
	// The engine's inject is cheap; run it inline like the other sync
	// variants.
	etx, err := vb.x.begin("inject")
	if err != nil {
		return err
	}
	ierr := etx.Inject(root)
	if ierr == nil {
		vb.x.h.mu.Lock()
		vb.x.root = root
		vb.x.h.mu.Unlock()
	}
	vb.x.h.endWork()
	return wrapErr("inject", ierr)
}

// Commit flushes, then commits, advancing the Tree's root.
func (vb *VirtualBatch) Commit(ctx context.Context) (Hash, error) {
	if err := vb.Flush(ctx); err != nil {
		return ZeroHash, err
	}
	return vb.x.commit(ctx)
}

// Clear discards the buffered operations and the cache, then resets
// the engine's staged state back to the pinned root.
func (vb *VirtualBatch) Clear(ctx context.Context) error {
	vb.bmu.Lock()
	vb.ops = nil
	vb.cache = make(map[Hash][]byte)
	vb.bmu.Unlock()
	return vb.x.clear(ctx)
}

// Iterator refuses while operations are buffered: the cursor's view is
// frozen at creation, and silently flushing inside a read-only
// constructor would hide a write barrier. Flush first.
func (vb *VirtualBatch) Iterator() (*Iterator, error) {
	if !vb.IsFlushed() {
		return nil, wrapErr("iterator", ErrTxNotFlushed)
	}
	return vb.x.iterator("iterator")
}
