// Package applier converts logged records into effective, durable
// table state (§4.5): the writer/applier actor, its transaction
// table, and the tab_gone error-containment policy.
package applier

import "sync"

// TxnState is a transaction's position in its COMMIT/ABORT/CLEANUP
// lifecycle as observed by the applier, independent of whatever state
// the originating session thinks it is in.
type TxnState uint8

const (
	TxnActive TxnState = iota
	TxnCommitted
	TxnAborted
	TxnCleaned
)

// TxnTable is the applier's in-memory view of transaction endings,
// rebuilt from the log during recovery and kept current afterwards.
// It replaces the source's TransactionManager for this narrower
// purpose: the applier only needs to know how a transaction ended and
// whether its post-commit cleanup already ran, not full MVCC state.
type TxnTable struct {
	mu    sync.RWMutex
	state map[uint32]TxnState
}

// NewTxnTable builds an empty transaction table.
func NewTxnTable() *TxnTable {
	return &TxnTable{state: make(map[uint32]TxnState)}
}

// Commit records that xactID ended in a commit.
func (t *TxnTable) Commit(xactID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state[xactID] = TxnCommitted
}

// Abort records that xactID ended in a rollback.
func (t *TxnTable) Abort(xactID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state[xactID] = TxnAborted
}

// Cleanup records that the background writer finished post-commit GC
// for xactID; entries in this state are safe to drop on the next
// checkpoint.
func (t *TxnTable) Cleanup(xactID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state[xactID] = TxnCleaned
}

// State reports what is known about xactID; an unknown id reports
// TxnActive, matching the source's assumption that an xact not yet
// seen ending is still open.
func (t *TxnTable) State(xactID uint32) TxnState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.state[xactID]; ok {
		return s
	}
	return TxnActive
}

// Forget drops every entry in TxnCleaned state, called after a
// checkpoint has made them irrelevant to recovery.
func (t *TxnTable) Forget() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, s := range t.state {
		if s == TxnCleaned {
			delete(t.state, id)
		}
	}
}
