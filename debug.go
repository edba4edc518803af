package urkel

// Debug snapshots expose the lifecycle machinery read-only. They exist
// for tests: every assertion about deferred closes, worker drains and
// child registries runs against these.

// IterDebug is an iterator's lifecycle snapshot.
type IterDebug struct {
	Nexting       bool   `json:"nexting"`
	State         string `json:"state"`
	IsCloseQueued bool   `json:"is_close_queued"`
	CacheMaxSize  int    `json:"cache_max_size"`
	CacheSize     int    `json:"cache_size"`
	BufferSize    int    `json:"buffer_size"`
}

// TxDebug is a transaction's lifecycle snapshot.
type TxDebug struct {
	Workers           int         `json:"workers"`
	Iters             int         `json:"iters"`
	State             string      `json:"state"`
	IsCloseQueued     bool        `json:"is_close_queued"`
	IsIterCloseQueued bool        `json:"is_iter_close_queued"`
	Iterators         []IterDebug `json:"iterators,omitempty"`
}

// TreeDebug is the Tree's lifecycle snapshot.
type TreeDebug struct {
	Workers         int       `json:"workers"`
	Txs             int       `json:"txs"`
	State           string    `json:"state"`
	IsCloseQueued   bool      `json:"is_close_queued"`
	IsTxCloseQueued bool      `json:"is_tx_close_queued"`
	Transactions    []TxDebug `json:"transactions,omitempty"`
}

// DebugInfo captures the Tree's handle state, expanding into child
// transactions and their iterators on request. Handles are locked one
// at a time, never nested, so the snapshot may straddle transitions
// that happen mid-walk; at quiescence it is exact.
func (t *Tree) DebugInfo(expandTxs, expandIters bool) TreeDebug {
	t.h.mu.Lock()
	workers, txs, closeQueued, txCloseQueued := t.h.snapshotCounts()
	info := TreeDebug{
		Workers:         workers,
		Txs:             txs,
		State:           t.h.state.String(),
		IsCloseQueued:   closeQueued,
		IsTxCloseQueued: txCloseQueued,
	}
	var kids []*txn
	if expandTxs {
		for e := t.h.children.Front(); e != nil; e = e.Next() {
			kids = append(kids, e.Value.(*txn))
		}
	}
	t.h.mu.Unlock()

	for _, x := range kids {
		info.Transactions = append(info.Transactions, x.debugInfo(expandIters))
	}
	return info
}

func (x *txn) debugInfo(expandIters bool) TxDebug {
	x.h.mu.Lock()
	workers, iters, closeQueued, iterCloseQueued := x.h.snapshotCounts()
	info := TxDebug{
		Workers:           workers,
		Iters:             iters,
		State:             x.h.state.String(),
		IsCloseQueued:     closeQueued,
		IsIterCloseQueued: iterCloseQueued,
	}
	var kids []*iterCore
	if expandIters {
		for e := x.h.children.Front(); e != nil; e = e.Next() {
			kids = append(kids, e.Value.(*iterCore))
		}
	}
	x.h.mu.Unlock()

	for _, c := range kids {
		info.Iterators = append(info.Iterators, c.debugInfo())
	}
	return info
}

func (c *iterCore) debugInfo() IterDebug {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	buffered := 0
	for _, e := range c.cache[c.pos:] {
		buffered += len(e.Value) + HashSize
	}
	return IterDebug{
		Nexting:       c.nexting,
		State:         c.h.state.String(),
		IsCloseQueued: c.h.pendingClose != nil,
		CacheMaxSize:  c.cacheMax,
		CacheSize:     len(c.cache) - c.pos,
		BufferSize:    buffered,
	}
}
