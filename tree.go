package urkel

import (
	"context"
	"errors"
	"runtime"

	"github.com/urkeldb/urkel/internal/engine"
	"github.com/urkeldb/urkel/internal/engine/disk"
	"github.com/urkeldb/urkel/internal/engine/memory"
)

// Tree is the root handle: it owns the engine store, the committed
// root, and the registry of open transactions. A Tree starts closed;
// Open attaches the engine, Close detaches it once every child and
// in-flight worker has unwound. Dropping an open Tree without closing
// it is tolerated: the finalizer queues the same close request.
type Tree struct {
	h    handle
	opts Options
	pool *workerPool
	eng  engine.Store // non-nil exactly while open
}

// New creates a closed Tree. No I/O happens until Open.
func New(opts Options) *Tree {
	t := &Tree{opts: opts.withDefaults()}
	t.h.init(ErrNotOpen, ErrAlreadyOpen)
	t.pool = newWorkerPool(t.opts.PoolSize)
	t.h.dispatchClose = t.dispatchClose
	t.h.cleanup = t.pool.close
	runtime.SetFinalizer(t, (*Tree).finalize)
	return t
}

func openEngine(opts Options) (engine.Store, error) {
	if opts.Memory {
		return memory.New(), nil
	}
	db, err := disk.Open(opts.Prefix)
	if err != nil {
		return nil, err
	}
	if opts.Watch {
		if err := db.Watch(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

// State returns the handle's lifecycle state.
func (t *Tree) State() State {
	t.h.mu.Lock()
	defer t.h.mu.Unlock()
	return t.h.state
}

// Prefix returns the configured tree directory.
func (t *Tree) Prefix() string {
	return t.opts.Prefix
}

// Open attaches the engine store. Rejected unless the Tree is plainly
// closed; a failed open leaves it closed and retryable.
func (t *Tree) Open(ctx context.Context) error {
	t.h.mu.Lock()
	if t.h.state != StateClosed || t.h.pendingClose != nil {
		var err error
		switch {
		case t.h.state == StateOpening:
			err = ErrOpening
		case t.h.state == StateClosing || t.h.pendingClose != nil:
			err = ErrClosing
		default:
			err = t.h.errAlreadyOpen
		}
		t.h.mu.Unlock()
		return wrapErr("open", err)
	}
	t.h.state = StateOpening
	t.h.workers++
	t.h.mu.Unlock()

	ch := make(chan error, 1)
	t.pool.schedule(func() {
		eng, err := openEngine(t.opts)
		t.h.mu.Lock()
		t.h.workers--
		if err != nil {
			t.h.state = StateClosed
		} else {
			t.h.state = StateOpen
			t.eng = eng
		}
		f := t.h.finalCheck()
		t.h.mu.Unlock()
		if f != nil {
			f()
		}
		ch <- wrapErr("open", err)
	})
	return awaitErr(ctx, ch)
}

// Close requests the Tree's close and waits for it. The request is
// recorded immediately: every open transaction (and through them every
// iterator) is told to close, and the Tree's own close worker runs
// once children and in-flight workers drain. Repeated calls join the
// same pending request. A close of an already-closed Tree is a no-op.
func (t *Tree) Close(ctx context.Context) error {
	t.h.mu.Lock()
	req, f := t.h.requestCloseLocked()
	t.h.mu.Unlock()
	if f != nil {
		f()
	}
	if req == nil {
		return nil
	}
	select {
	case <-req.done:
		return req.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tree) dispatchClose(req *closeReq) {
	t.pool.schedule(func() {
		t.h.mu.Lock()
		eng := t.eng
		t.h.mu.Unlock()

		var err error
		if eng != nil {
			err = eng.Close()
		}

		t.h.mu.Lock()
		t.h.workers--
		t.h.state = StateClosed
		t.h.pendingClose = nil
		t.eng = nil
		f := t.h.finalCheck()
		t.h.mu.Unlock()
		if f != nil {
			f()
		}
		req.err = wrapErr("close", err)
		close(req.done)
	})
}

// finalize runs when the owner dropped the Tree without closing it.
// It queues a close plus cleanup and returns; it never blocks the GC.
func (t *Tree) finalize() {
	debugf("tree dropped while %s, scheduling cleanup", t.h.state)
	t.h.mu.Lock()
	t.h.mustCleanup = true
	if t.h.state != StateClosed && t.h.pendingClose == nil {
		t.h.pendingClose = newCloseReq()
		if t.h.children.Len() > 0 {
			t.h.mustCloseChildren = true
		}
	}
	f := t.h.finalCheck()
	t.h.mu.Unlock()
	if f != nil {
		f()
	}
}

// begin is the shared preamble of every operation: refuse unless open,
// then count the worker and pin the engine handle.
func (t *Tree) begin(op string) (engine.Store, error) {
	t.h.mu.Lock()
	defer t.h.mu.Unlock()
	if err := t.h.ready(); err != nil {
		return nil, wrapErr(op, err)
	}
	t.h.workers++
	return t.eng, nil
}

// RootHash returns the current committed root.
func (t *Tree) RootHash(ctx context.Context) (Hash, error) {
	eng, err := t.begin("rootHash")
	if err != nil {
		return ZeroHash, err
	}
	ch := scheduleWork(t.pool, &t.h, func() Hash { return eng.Root() })
	return await(ctx, ch)
}

// RootHashSync is the inline variant of RootHash.
func (t *Tree) RootHashSync() (Hash, error) {
	eng, err := t.begin("rootHash")
	if err != nil {
		return ZeroHash, err
	}
	root := eng.Root()
	t.h.endWork()
	return root, nil
}

type valueRes struct {
	value []byte
	err   error
}

// absent maps the engine's NOTFOUND to a plain "not there" result;
// every other failure propagates.
func absent(r valueRes, op string) ([]byte, bool, error) {
	if errors.Is(r.err, engine.ErrnoNotFound) {
		return nil, false, nil
	}
	if r.err != nil {
		return nil, false, wrapErr(op, r.err)
	}
	return r.value, true, nil
}

// Get returns the value for key at the current root. A missing key is
// not an error: it reports ok=false.
func (t *Tree) Get(ctx context.Context, key Hash) ([]byte, bool, error) {
	eng, err := t.begin("get")
	if err != nil {
		return nil, false, err
	}
	ch := scheduleWork(t.pool, &t.h, func() valueRes {
		v, err := eng.Get(key)
		return valueRes{v, err}
	})
	r, err := await(ctx, ch)
	if err != nil {
		return nil, false, err
	}
	return absent(r, "get")
}

// GetSync is the inline variant of Get.
func (t *Tree) GetSync(key Hash) ([]byte, bool, error) {
	eng, err := t.begin("get")
	if err != nil {
		return nil, false, err
	}
	v, gerr := eng.Get(key)
	t.h.endWork()
	return absent(valueRes{v, gerr}, "get")
}

// Has reports whether key exists at the current root.
func (t *Tree) Has(ctx context.Context, key Hash) (bool, error) {
	v, ok, err := t.Get(ctx, key)
	_ = v
	return ok, err
}

// HasSync is the inline variant of Has.
func (t *Tree) HasSync(key Hash) (bool, error) {
	_, ok, err := t.GetSync(key)
	return ok, err
}

// Inject switches the Tree's view to a historical root. Unknown roots
// fail with NOTFOUND.
func (t *Tree) Inject(ctx context.Context, root Hash) error {
	eng, err := t.begin("inject")
	if err != nil {
		return err
	}
	ch := scheduleWork(t.pool, &t.h, func() error { return eng.Inject(root) })
	ierr, err := await(ctx, ch)
	if err != nil {
		return err
	}
	return wrapErr("inject", ierr)
}

// Prove builds a proof for key at the current root.
func (t *Tree) Prove(ctx context.Context, key Hash) (*Proof, error) {
	eng, err := t.begin("prove")
	if err != nil {
		return nil, err
	}
	ch := scheduleWork(t.pool, &t.h, func() valueRes {
		raw, perr := eng.Prove(key)
		return valueRes{raw, perr}
	})
	r, err := await(ctx, ch)
	if err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, wrapErr("prove", r.err)
	}
	return &Proof{raw: r.value}, nil
}

// ProveSync is the inline variant of Prove.
func (t *Tree) ProveSync(key Hash) (*Proof, error) {
	eng, err := t.begin("prove")
	if err != nil {
		return nil, err
	}
	raw, perr := eng.Prove(key)
	t.h.endWork()
	if perr != nil {
		return nil, wrapErr("prove", perr)
	}
	return &Proof{raw: raw}, nil
}

// Compact rebuilds the store via tmpPrefix, keeping only nodes
// reachable from root (the current root when root is nil). Historical
// roots stop resolving afterwards.
func (t *Tree) Compact(ctx context.Context, tmpPrefix string, root *Hash) error {
	eng, err := t.begin("compact")
	if err != nil {
		return err
	}
	var target *Hash
	if root != nil {
		r := *root
		target = &r
	}
	ch := scheduleWork(t.pool, &t.h, func() error {
		r := eng.Root()
		if target != nil {
			r = *target
		}
		return eng.Compact(tmpPrefix, r)
	})
	cerr, err := await(ctx, ch)
	if err != nil {
		return err
	}
	return wrapErr("compact", cerr)
}

// PoolStats reports the worker pool's counters.
func (t *Tree) PoolStats() PoolStats {
	return t.pool.stats()
}

// testHookWork, when set, runs at the start of every pooled operation,
// before the engine call. Tests use it to hold workers in flight.
var testHookWork func()

// scheduleWork runs work on the pool, settles the handle's worker
// count (which may release a deferred close), then delivers the result
// exactly once.
func scheduleWork[T any](p *workerPool, h *handle, work func() T) <-chan T {
	ch := make(chan T, 1)
	p.schedule(func() {
		if testHookWork != nil {
			testHookWork()
		}
		v := work()
		h.endWork()
		ch <- v
	})
	return ch
}

func awaitErr(ctx context.Context, ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
