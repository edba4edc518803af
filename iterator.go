package urkel

import (
	"container/list"
	"context"
	"runtime"

	"github.com/urkeldb/urkel/internal/engine"
)

// testHookIterNext, when set, runs at the start of every asynchronous
// next worker, before the engine call. Tests use it to hold a fill in
// flight while they inspect or close the surrounding handles.
var testHookIterNext func()

// iterCore is the registered cursor state. The transaction's registry
// holds the core, not the public wrapper: dropping the wrapper is what
// tells the GC the user is done, and its finalizer queues the close
// that eventually unregisters the core.
type iterCore struct {
	h handle
	x *txn

	elem       *list.Element
	registered bool

	eit      engine.Iterator // nil once closed
	cacheMax int
	cache    []engine.Entry
	pos      int
	nexting  bool
	finished bool
}

// Iterator is a forward cursor over a transaction's view. It
// prefetches entries from the engine in fills of the configured cache
// size and hands them out one at a time. At most one Next may be in
// flight; a close requested mid-fill is queued and honored when the
// fill lands.
//
// An Iterator pins its transaction: the transaction cannot finish
// closing until the cursor has closed or been collected.
type Iterator struct {
	c *iterCore
}

func newIterator(x *txn, eit engine.Iterator, cacheMax int) *iterCore {
	c := &iterCore{x: x, eit: eit, cacheMax: cacheMax}
	c.h.init(ErrIterNotOpen, ErrAlreadyOpen)
	c.h.state = StateOpen
	c.h.dispatchClose = c.dispatchClose
	return c
}

func wrapIterator(c *iterCore) *Iterator {
	it := &Iterator{c: c}
	runtime.SetFinalizer(it, func(it *Iterator) {
		debugf("iterator dropped, scheduling close")
		it.c.requestClose()
	})
	return it
}

// State returns the handle's lifecycle state.
func (it *Iterator) State() State {
	it.c.h.mu.Lock()
	defer it.c.h.mu.Unlock()
	return it.c.h.state
}

type nextRes struct {
	entry Entry
	ok    bool
	err   error
}

// popLocked hands out the next cached entry. Caller holds h.mu.
func (c *iterCore) popLocked() (Entry, bool) {
	if c.pos >= len(c.cache) {
		return Entry{}, false
	}
	e := c.cache[c.pos]
	c.pos++
	return Entry{Key: e.Key, Value: e.Value}, true
}

// beginNext is the shared preamble of both Next variants. It either
// hands back a cached entry (done=true) or marks a fill in flight.
func (c *iterCore) beginNext() (e Entry, ok bool, done bool, eit engine.Iterator, err error) {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	if rerr := c.h.ready(); rerr != nil {
		return Entry{}, false, true, nil, wrapErr("next", rerr)
	}
	if c.nexting {
		return Entry{}, false, true, nil, wrapErr("next", ErrIterBusy)
	}
	if e, ok := c.popLocked(); ok {
		return e, true, true, nil, nil
	}
	if c.finished {
		return Entry{}, false, true, nil, nil
	}
	c.nexting = true
	c.h.workers++
	return Entry{}, false, false, c.eit, nil
}

// finishNext lands a fill: stash the entries, pop the first, and run
// final-check, which may release a close queued behind this fill.
func (c *iterCore) finishNext(entries []engine.Entry, done bool, err error) (Entry, bool, error) {
	c.h.mu.Lock()
	c.nexting = false
	c.h.workers--
	var entry Entry
	var ok bool
	if err == nil {
		c.cache = entries
		c.pos = 0
		if done {
			c.finished = true
		}
		entry, ok = c.popLocked()
	}
	f := c.h.finalCheck()
	c.h.mu.Unlock()
	if f != nil {
		f()
	}
	if err != nil {
		return Entry{}, false, wrapErr("next", err)
	}
	return entry, ok, nil
}

// Next returns the next entry in key order. ok=false without an error
// is the terminal result; asking again keeps returning it. Issuing a
// second Next while one is in flight is a programming error and fails
// with ITER_BUSY.
func (it *Iterator) Next(ctx context.Context) (Entry, bool, error) {
	c := it.c
	e, ok, done, eit, err := c.beginNext()
	if done {
		return e, ok, err
	}

	ch := make(chan nextRes, 1)
	c.x.tree.pool.schedule(func() {
		if testHookIterNext != nil {
			testHookIterNext()
		}
		entries, finished, nerr := eit.Next(c.cacheMax)
		entry, ok, rerr := c.finishNext(entries, finished, nerr)
		ch <- nextRes{entry: entry, ok: ok, err: rerr}
	})

	r, err := await(ctx, ch)
	if err != nil {
		return Entry{}, false, err
	}
	return r.entry, r.ok, r.err
}

// NextSync is the inline variant of Next: the engine fill runs on the
// calling goroutine.
func (it *Iterator) NextSync() (Entry, bool, error) {
	c := it.c
	e, ok, done, eit, err := c.beginNext()
	if done {
		return e, ok, err
	}
	entries, finished, nerr := eit.Next(c.cacheMax)
	return c.finishNext(entries, finished, nerr)
}

// requestClose records a close request without waiting.
func (c *iterCore) requestClose() *closeReq {
	c.h.mu.Lock()
	req, f := c.h.requestCloseLocked()
	c.h.mu.Unlock()
	if f != nil {
		f()
	}

	// Same guard as the transaction tier: a settled handle has no
	// close completion left to leave the registry.
	c.h.mu.Lock()
	settled := c.h.state == StateClosed && c.h.pendingClose == nil
	c.h.mu.Unlock()
	if settled {
		c.unregisterFromTxn()
	}
	return req
}

// Close releases the cursor. A close racing an in-flight Next is
// queued; the completing fill releases it.
func (it *Iterator) Close(ctx context.Context) error {
	req := it.c.requestClose()
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

func (c *iterCore) dispatchClose(req *closeReq) {
	c.x.tree.pool.schedule(func() {
		c.h.mu.Lock()
		eit := c.eit
		c.h.mu.Unlock()

		var err error
		if eit != nil {
			err = eit.Close()
		}

		c.h.mu.Lock()
		c.h.workers--
		c.h.state = StateClosed
		c.h.pendingClose = nil
		c.eit = nil
		c.cache = nil
		c.pos = 0
		f := c.h.finalCheck()
		c.h.mu.Unlock()
		if f != nil {
			f()
		}
		c.unregisterFromTxn()
		req.err = wrapErr("close", err)
		close(req.done)
	})
}

func (c *iterCore) unregisterFromTxn() {
	c.h.mu.Lock()
	if !c.registered {
		c.h.mu.Unlock()
		return
	}
	c.registered = false
	elem := c.elem
	c.h.mu.Unlock()
	c.x.h.unregister(elem)
}
