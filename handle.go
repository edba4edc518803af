package urkel

import (
	"container/list"
	"sync"
)

// State is a handle's lifecycle position.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// closeReq is a pending close. Everyone who requests a close of the
// same handle gets the same request back and waits on the same channel.
type closeReq struct {
	done chan struct{}
	err  error
}

func newCloseReq() *closeReq {
	return &closeReq{done: make(chan struct{})}
}

// childHandle is what a parent can do to a registered child: ask it to
// close. The request is a recording, not an action; the child's own
// final-check decides when its close worker actually runs.
type childHandle interface {
	requestClose() *closeReq
}

// handle is the lifecycle state shared by Tree, transactions and
// iterators: the four-state machine, the in-flight worker count, the
// child registry and the three deferred-action flags.
//
// All fields are guarded by mu. Methods below are called with mu held
// unless noted; the ones that can trigger deferred work return a
// followup function to be run after mu is released, which keeps the
// lock ordering flat (a parent never takes a child's lock while
// holding its own, and vice versa).
type handle struct {
	mu sync.Mutex

	state    State
	workers  int
	children *list.List

	pendingClose      *closeReq
	mustCloseChildren bool
	mustCleanup       bool

	// dispatchClose schedules the owner's close worker. Runs as a
	// followup, outside mu.
	dispatchClose func(*closeReq)

	// cleanup releases owner resources after the final close when the
	// owner was dropped. Runs as a followup, outside mu.
	cleanup func()

	// Per-tier "not usable" errors, so a closed transaction reports
	// TX_NOT_OPEN while a closed tree reports NOT_OPEN.
	errNotOpen     error
	errOpening     error
	errClosing     error
	errAlreadyOpen error
}

func (h *handle) init(notOpen, alreadyOpen error) {
	h.children = list.New()
	h.errNotOpen = notOpen
	h.errOpening = ErrOpening
	h.errClosing = ErrClosing
	h.errAlreadyOpen = alreadyOpen
}

// ready refuses operations on a handle that is not plainly open. A
// queued close counts as closing: no new work may start behind it.
func (h *handle) ready() error {
	switch h.state {
	case StateOpen:
		if h.pendingClose != nil {
			return h.errClosing
		}
		return nil
	case StateOpening:
		return h.errOpening
	case StateClosing:
		return h.errClosing
	default:
		return h.errNotOpen
	}
}

// finalCheck is the only place a close worker is dispatched and the
// only place a dropped handle is cleaned up. It must run after every
// event that could satisfy its preconditions: a worker completing, a
// close being requested, a child unregistering, the owner dropping.
//
// The flags stay separate on purpose. mustCloseChildren fires once and
// fans out; pendingClose stays set until the close worker completes so
// repeated close calls join the same request; mustCleanup survives
// both and runs last, once nothing else can touch the handle.
func (h *handle) finalCheck() func() {
	if h.workers > 0 {
		return nil
	}
	if h.mustCloseChildren {
		h.mustCloseChildren = false
		kids := make([]childHandle, 0, h.children.Len())
		for e := h.children.Front(); e != nil; e = e.Next() {
			kids = append(kids, e.Value.(childHandle))
		}
		return func() {
			for _, k := range kids {
				k.requestClose()
			}
		}
	}
	if h.children.Len() > 0 {
		return nil
	}
	if h.pendingClose != nil {
		if h.state == StateClosed {
			// Close requested before the handle ever opened (or after
			// a failed open): there is nothing to release, settle the
			// request in place. A cleanup queued behind it still runs.
			req := h.pendingClose
			h.pendingClose = nil
			cleanup := h.cleanup
			if !h.mustCleanup {
				cleanup = nil
			}
			h.mustCleanup = false
			return func() {
				close(req.done)
				if cleanup != nil {
					cleanup()
				}
			}
		}
		h.state = StateClosing
		h.workers = 1
		req := h.pendingClose
		d := h.dispatchClose
		return func() { d(req) }
	}
	if h.mustCleanup {
		h.mustCleanup = false
		return h.cleanup
	}
	return nil
}

// requestCloseLocked records a close request, creating it on first use.
// Returns nil when the handle is already fully closed with nothing
// queued. The followup must run after mu is released.
func (h *handle) requestCloseLocked() (*closeReq, func()) {
	if h.state == StateClosed && h.pendingClose == nil && !h.mustCloseChildren {
		return nil, nil
	}
	if h.pendingClose == nil {
		h.pendingClose = newCloseReq()
		if h.children.Len() > 0 {
			h.mustCloseChildren = true
		}
	}
	return h.pendingClose, h.finalCheck()
}

// addChild registers a child and returns its registry slot.
func (h *handle) addChild(c childHandle) *list.Element {
	return h.children.PushBack(c)
}

// endWork is the worker-completion bookkeeping shared by every
// operation. Called without mu held.
func (h *handle) endWork() {
	h.mu.Lock()
	h.workers--
	if h.workers < 0 {
		panic("urkel: negative worker count")
	}
	f := h.finalCheck()
	h.mu.Unlock()
	if f != nil {
		f()
	}
}

// unregister removes a child's registry slot and re-evaluates deferred
// work; an emptied registry may release a queued close. Called by the
// child, without any lock held.
func (h *handle) unregister(e *list.Element) {
	h.mu.Lock()
	if e.Value == nil {
		h.mu.Unlock()
		panic("urkel: unregistering a child twice")
	}
	h.children.Remove(e)
	e.Value = nil
	f := h.finalCheck()
	h.mu.Unlock()
	if f != nil {
		f()
	}
}

// snapshotCounts reads debug counters. Caller holds mu.
func (h *handle) snapshotCounts() (workers, children int, closeQueued, childCloseQueued bool) {
	return h.workers, h.children.Len(), h.pendingClose != nil, h.mustCloseChildren
}
