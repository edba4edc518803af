package urkel

import (
	"container/list"
	"context"
	"runtime"

	"github.com/urkeldb/urkel/internal/engine"
)

// txn is the shared transaction core behind Snapshot, Transaction and
// VirtualBatch: a registered child of the Tree holding an engine tx
// handle pinned at a root captured when the handle opened.
//
// A txn pins its Tree: while it is registered the Tree's close worker
// cannot dispatch, and the Tree object stays reachable through the
// back-reference. Registration happens at construction; it is undone
// in the close worker's completion, and in the completion of a FAILED
// open as well. A handle that failed to open but stayed
// registered would wedge the Tree's close forever.
type txn struct {
	h    handle
	tree *Tree
	eng  engine.Store // pinned at construction; outlives us by I5

	elem       *list.Element
	registered bool

	initRoot *Hash // requested historical root, nil for "current"
	root     Hash  // pinned root; moves on inject and commit
	etx      engine.Tx
}

func newTxn(t *Tree, op string, initRoot *Hash) (*txn, error) {
	t.h.mu.Lock()
	defer t.h.mu.Unlock()
	if err := t.h.ready(); err != nil {
		return nil, wrapErr(op, err)
	}
	x := &txn{tree: t, eng: t.eng}
	if initRoot != nil {
		r := *initRoot
		x.initRoot = &r
	}
	x.h.init(ErrTxNotOpen, ErrTxAlreadyOpen)
	x.h.dispatchClose = x.dispatchClose
	x.elem = t.h.addChild(x)
	x.registered = true
	return x, nil
}

// State returns the handle's lifecycle state.
func (x *txn) State() State {
	x.h.mu.Lock()
	defer x.h.mu.Unlock()
	return x.h.state
}

// unregisterFromTree leaves the Tree's child registry exactly once.
func (x *txn) unregisterFromTree() {
	x.h.mu.Lock()
	if !x.registered {
		x.h.mu.Unlock()
		return
	}
	x.registered = false
	elem := x.elem
	x.h.mu.Unlock()
	x.tree.h.unregister(elem)
}

// open attaches the engine tx handle, pinning the requested root (or
// the Tree's current root). At most one open succeeds; after a failed
// open the handle is closed, unregistered, and may be opened again.
func (x *txn) open(ctx context.Context) error {
	x.h.mu.Lock()
	if x.h.state != StateClosed || x.h.pendingClose != nil {
		var err error
		switch {
		case x.h.state == StateOpening:
			err = ErrOpening
		case x.h.state == StateClosing || x.h.pendingClose != nil:
			err = ErrClosing
		default:
			err = x.h.errAlreadyOpen
		}
		x.h.mu.Unlock()
		return wrapErr("open", err)
	}
	x.h.state = StateOpening
	x.h.workers++
	registered := x.registered
	x.h.mu.Unlock()

	// A previous failed open unregistered us; take a fresh slot. The
	// Tree may have started closing in the meantime, which refuses.
	if !registered {
		t := x.tree
		t.h.mu.Lock()
		if err := t.h.ready(); err != nil {
			t.h.mu.Unlock()
			x.h.mu.Lock()
			x.h.state = StateClosed
			x.h.workers--
			f := x.h.finalCheck()
			x.h.mu.Unlock()
			if f != nil {
				f()
			}
			return wrapErr("open", err)
		}
		elem := t.h.addChild(x)
		t.h.mu.Unlock()
		x.h.mu.Lock()
		x.elem = elem
		x.registered = true
		x.h.mu.Unlock()
	}

	ch := make(chan error, 1)
	x.tree.pool.schedule(func() {
		root := x.eng.Root()
		if x.initRoot != nil {
			root = *x.initRoot
		}
		etx, err := x.eng.Tx(root)

		x.h.mu.Lock()
		x.h.workers--
		if err != nil {
			x.h.state = StateClosed
		} else {
			x.h.state = StateOpen
			x.etx = etx
			x.root = root
		}
		f := x.h.finalCheck()
		x.h.mu.Unlock()
		if f != nil {
			f()
		}
		if err != nil {
			// Every completion path unregisters, success or failure;
			// a failed open left on the registry blocks the Tree's
			// close and outlives the handle it belongs to.
			x.unregisterFromTree()
		}
		ch <- wrapErr("open", err)
	})
	return awaitErr(ctx, ch)
}

// requestClose records a close request without waiting. Used by the
// Tree's close fan-out, the owner's Close, and finalizers.
func (x *txn) requestClose() *closeReq {
	x.h.mu.Lock()
	req, f := x.h.requestCloseLocked()
	x.h.mu.Unlock()
	if f != nil {
		f()
	}

	// A handle that settled without a close worker (never opened, or a
	// failed open already torn down) has no completion path left to
	// leave the registry; do it here. Unregistering twice is guarded.
	x.h.mu.Lock()
	settled := x.h.state == StateClosed && x.h.pendingClose == nil
	x.h.mu.Unlock()
	if settled {
		x.unregisterFromTree()
	}
	return req
}

// close waits for the handle to fully close.
func (x *txn) close(ctx context.Context) error {
	req := x.requestClose()
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

func (x *txn) dispatchClose(req *closeReq) {
	x.tree.pool.schedule(func() {
		x.h.mu.Lock()
		etx := x.etx
		x.h.mu.Unlock()

		var err error
		if etx != nil {
			err = etx.Close()
		}

		x.h.mu.Lock()
		x.h.workers--
		x.h.state = StateClosed
		x.h.pendingClose = nil
		x.etx = nil
		f := x.h.finalCheck()
		x.h.mu.Unlock()
		if f != nil {
			f()
		}
		x.unregisterFromTree()
		req.err = wrapErr("close", err)
		close(req.done)
	})
}

func (x *txn) begin(op string) (engine.Tx, error) {
	x.h.mu.Lock()
	defer x.h.mu.Unlock()
	if err := x.h.ready(); err != nil {
		return nil, wrapErr(op, err)
	}
	x.h.workers++
	return x.etx, nil
}

func (x *txn) rootHash(ctx context.Context) (Hash, error) {
	etx, err := x.begin("rootHash")
	if err != nil {
		return ZeroHash, err
	}
	type res struct {
		root Hash
		err  error
	}
	ch := scheduleWork(x.tree.pool, &x.h, func() res {
		r, rerr := etx.Root()
		return res{r, rerr}
	})
	r, err := await(ctx, ch)
	if err != nil {
		return ZeroHash, err
	}
	return r.root, wrapErr("rootHash", r.err)
}

func (x *txn) rootHashSync() (Hash, error) {
	etx, err := x.begin("rootHash")
	if err != nil {
		return ZeroHash, err
	}
	root, rerr := etx.Root()
	x.h.endWork()
	return root, wrapErr("rootHash", rerr)
}

func (x *txn) get(ctx context.Context, key Hash) ([]byte, bool, error) {
	etx, err := x.begin("get")
	if err != nil {
		return nil, false, err
	}
	ch := scheduleWork(x.tree.pool, &x.h, func() valueRes {
		v, gerr := etx.Get(key)
		return valueRes{v, gerr}
	})
	r, err := await(ctx, ch)
	if err != nil {
		return nil, false, err
	}
	return absent(r, "get")
}

func (x *txn) getSync(key Hash) ([]byte, bool, error) {
	etx, err := x.begin("get")
	if err != nil {
		return nil, false, err
	}
	v, gerr := etx.Get(key)
	x.h.endWork()
	return absent(valueRes{v, gerr}, "get")
}

func (x *txn) has(ctx context.Context, key Hash) (bool, error) {
	_, ok, err := x.get(ctx, key)
	return ok, err
}

func (x *txn) hasSync(key Hash) (bool, error) {
	_, ok, err := x.getSync(key)
	return ok, err
}

func (x *txn) prove(ctx context.Context, key Hash) (*Proof, error) {
	etx, err := x.begin("prove")
	if err != nil {
		return nil, err
	}
	ch := scheduleWork(x.tree.pool, &x.h, func() valueRes {
		raw, perr := etx.Prove(key)
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

func (x *txn) proveSync(key Hash) (*Proof, error) {
	etx, err := x.begin("prove")
	if err != nil {
		return nil, err
	}
	raw, perr := etx.Prove(key)
	x.h.endWork()
	if perr != nil {
		return nil, wrapErr("prove", perr)
	}
	return &Proof{raw: raw}, nil
}

func (x *txn) inject(ctx context.Context, root Hash) error {
	etx, err := x.begin("inject")
	if err != nil {
		return err
	}
	ch := scheduleWork(x.tree.pool, &x.h, func() error {
		ierr := etx.Inject(root)
		if ierr == nil {
			x.h.mu.Lock()
			x.root = root
			x.h.mu.Unlock()
		}
		return ierr
	})
	ierr, err := await(ctx, ch)
	if err != nil {
		return err
	}
	return wrapErr("inject", ierr)
}

func (x *txn) insert(ctx context.Context, key Hash, value []byte) error {
	etx, err := x.begin("insert")
	if err != nil {
		return err
	}
	val := append([]byte(nil), value...)
	ch := scheduleWork(x.tree.pool, &x.h, func() error { return etx.Insert(key, val) })
	ierr, err := await(ctx, ch)
	if err != nil {
		return err
	}
	return wrapErr("insert", ierr)
}

func (x *txn) insertSync(key Hash, value []byte) error {
	etx, err := x.begin("insert")
	if err != nil {
		return err
	}
	ierr := etx.Insert(key, append([]byte(nil), value...))
	x.h.endWork()
	return wrapErr("insert", ierr)
}

func (x *txn) remove(ctx context.Context, key Hash) error {
	etx, err := x.begin("remove")
	if err != nil {
		return err
	}
	ch := scheduleWork(x.tree.pool, &x.h, func() error { return etx.Remove(key) })
	rerr, err := await(ctx, ch)
	if err != nil {
		return err
	}
	return wrapErr("remove", rerr)
}

func (x *txn) removeSync(key Hash) error {
	etx, err := x.begin("remove")
	if err != nil {
		return err
	}
	rerr := etx.Remove(key)
	x.h.endWork()
	return wrapErr("remove", rerr)
}

func (x *txn) commit(ctx context.Context) (Hash, error) {
	etx, err := x.begin("commit")
	if err != nil {
		return ZeroHash, err
	}
	type res struct {
		root Hash
		err  error
	}
	ch := scheduleWork(x.tree.pool, &x.h, func() res {
		root, cerr := etx.Commit()
		if cerr == nil {
			x.h.mu.Lock()
			x.root = root
			x.h.mu.Unlock()
		}
		return res{root, cerr}
	})
	r, err := await(ctx, ch)
	if err != nil {
		return ZeroHash, err
	}
	return r.root, wrapErr("commit", r.err)
}

func (x *txn) apply(ctx context.Context, ops []engine.Op) error {
	etx, err := x.begin("flush")
	if err != nil {
		return err
	}
	ch := scheduleWork(x.tree.pool, &x.h, func() error { return etx.Apply(ops) })
	aerr, err := await(ctx, ch)
	if err != nil {
		return err
	}
	return wrapErr("flush", aerr)
}

func (x *txn) clear(ctx context.Context) error {
	etx, err := x.begin("clear")
	if err != nil {
		return err
	}
	ch := scheduleWork(x.tree.pool, &x.h, func() error {
		etx.Clear()
		return nil
	})
	_, err = await(ctx, ch)
	return err
}

func (x *txn) clearSync() error {
	etx, err := x.begin("clear")
	if err != nil {
		return err
	}
	etx.Clear()
	x.h.endWork()
	return nil
}

// verify checks a proof against the handle's pinned root.
func (x *txn) verify(key Hash, proof *Proof) ([]byte, bool, error) {
	x.h.mu.Lock()
	root := x.root
	err := x.h.ready()
	x.h.mu.Unlock()
	if err != nil {
		return nil, false, wrapErr("verify", err)
	}
	return Verify(root, key, proof)
}

// iterator opens a cursor over the handle's current view and registers
// it as a child, pinning this txn until the cursor closes.
func (x *txn) iterator(op string) (*Iterator, error) {
	x.h.mu.Lock()
	defer x.h.mu.Unlock()
	if err := x.h.ready(); err != nil {
		return nil, wrapErr(op, err)
	}
	c := newIterator(x, x.etx.Iterator(), x.tree.opts.IteratorCache)
	c.elem = x.h.addChild(c)
	c.registered = true
	return wrapIterator(c), nil
}

// Snapshot is a read-only view pinned at a root. It exposes no
// mutating operations; the engine handle underneath is the same shape
// a batch uses.
type Snapshot struct {
	x *txn
}

// Snapshot creates a read-only child view. With root nil the view pins
// the Tree's current committed root at Open time; otherwise it pins
// the given historical root, and Open fails with NOTFOUND when the
// store cannot resolve it.
func (t *Tree) Snapshot(root *Hash) (*Snapshot, error) {
	x, err := newTxn(t, "snapshot", root)
	if err != nil {
		return nil, err
	}
	s := &Snapshot{x: x}
	runtime.SetFinalizer(s, func(s *Snapshot) { s.x.requestClose() })
	return s, nil
}

func (s *Snapshot) Open(ctx context.Context) error  { return s.x.open(ctx) }
func (s *Snapshot) Close(ctx context.Context) error { return s.x.close(ctx) }
func (s *Snapshot) State() State                    { return s.x.State() }

// RootHash returns the pinned root. It is constant until Inject.
func (s *Snapshot) RootHash(ctx context.Context) (Hash, error) { return s.x.rootHash(ctx) }
func (s *Snapshot) RootHashSync() (Hash, error)                { return s.x.rootHashSync() }

func (s *Snapshot) Get(ctx context.Context, key Hash) ([]byte, bool, error) {
	return s.x.get(ctx, key)
}
func (s *Snapshot) GetSync(key Hash) ([]byte, bool, error) { return s.x.getSync(key) }
func (s *Snapshot) Has(ctx context.Context, key Hash) (bool, error) {
	return s.x.has(ctx, key)
}
func (s *Snapshot) HasSync(key Hash) (bool, error) { return s.x.hasSync(key) }

func (s *Snapshot) Prove(ctx context.Context, key Hash) (*Proof, error) {
	return s.x.prove(ctx, key)
}
func (s *Snapshot) ProveSync(key Hash) (*Proof, error) { return s.x.proveSync(key) }

// Inject re-pins the view at another historical root.
func (s *Snapshot) Inject(ctx context.Context, root Hash) error { return s.x.inject(ctx, root) }

// Verify checks a proof against the snapshot's pinned root.
func (s *Snapshot) Verify(key Hash, proof *Proof) ([]byte, bool, error) {
	return s.x.verify(key, proof)
}

// Iterator opens a cursor over the snapshot's view.
func (s *Snapshot) Iterator() (*Iterator, error) { return s.x.iterator("iterator") }

// Transaction is a read/write batch: reads see the pinned root plus
// staged mutations, Commit persists them atomically and advances the
// Tree's root.
type Transaction struct {
	x *txn
}

// Transaction creates a batch over the Tree's current committed root.
func (t *Tree) Transaction() (*Transaction, error) {
	x, err := newTxn(t, "transaction", nil)
	if err != nil {
		return nil, err
	}
	b := &Transaction{x: x}
	runtime.SetFinalizer(b, func(b *Transaction) { b.x.requestClose() })
	return b, nil
}

func (b *Transaction) Open(ctx context.Context) error  { return b.x.open(ctx) }
func (b *Transaction) Close(ctx context.Context) error { return b.x.close(ctx) }
func (b *Transaction) State() State                    { return b.x.State() }

// RootHash returns the working root, staged mutations included. It is
// computed by the engine on demand.
func (b *Transaction) RootHash(ctx context.Context) (Hash, error) { return b.x.rootHash(ctx) }
func (b *Transaction) RootHashSync() (Hash, error)                { return b.x.rootHashSync() }

func (b *Transaction) Get(ctx context.Context, key Hash) ([]byte, bool, error) {
	return b.x.get(ctx, key)
}
func (b *Transaction) GetSync(key Hash) ([]byte, bool, error) { return b.x.getSync(key) }
func (b *Transaction) Has(ctx context.Context, key Hash) (bool, error) {
	return b.x.has(ctx, key)
}
func (b *Transaction) HasSync(key Hash) (bool, error) { return b.x.hasSync(key) }

func (b *Transaction) Prove(ctx context.Context, key Hash) (*Proof, error) {
	return b.x.prove(ctx, key)
}
func (b *Transaction) ProveSync(key Hash) (*Proof, error) { return b.x.proveSync(key) }

// Insert stages key=value.
func (b *Transaction) Insert(ctx context.Context, key Hash, value []byte) error {
	return b.x.insert(ctx, key, value)
}
func (b *Transaction) InsertSync(key Hash, value []byte) error { return b.x.insertSync(key, value) }

// Remove stages the deletion of key. Removing an absent key is a
// no-op.
func (b *Transaction) Remove(ctx context.Context, key Hash) error { return b.x.remove(ctx, key) }
func (b *Transaction) RemoveSync(key Hash) error                  { return b.x.removeSync(key) }

// Commit atomically persists the staged mutations. On success the new
// root becomes both this batch's root and the Tree's; on failure the
// batch is unchanged and stays usable.
func (b *Transaction) Commit(ctx context.Context) (Hash, error) { return b.x.commit(ctx) }

// Clear discards all staged mutations, returning to the pinned root.
func (b *Transaction) Clear(ctx context.Context) error { return b.x.clear(ctx) }
func (b *Transaction) ClearSync() error                { return b.x.clearSync() }

// Inject re-pins the batch at a historical root, discarding staged
// mutations.
func (b *Transaction) Inject(ctx context.Context, root Hash) error { return b.x.inject(ctx, root) }

// Verify checks a proof against the batch's pinned root.
func (b *Transaction) Verify(key Hash, proof *Proof) ([]byte, bool, error) {
	return b.x.verify(key, proof)
}

// Iterator opens a cursor over the batch's current view, staged
// mutations included.
func (b *Transaction) Iterator() (*Iterator, error) { return b.x.iterator("iterator") }
