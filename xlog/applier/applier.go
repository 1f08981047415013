package applier

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/pbxt/xlogd/xlog"
)

// TableStore is the external collaborator the applier drives: record
// and row-table mutation, in-place header patches for GC records, and
// the overflow ("external") record log. Row/index data formats live
// outside this module's contract (§1); a concrete storage engine
// implements this interface.
type TableStore interface {
	WriteRecordImage(tabID uint32, recID uint64, rec *xlog.Record) error
	UpdateFreeListHead(tabID uint32, recID uint64, head uint64) error
	WriteRow(tabID uint32, rowID uint64, rec *xlog.Record) error
	PatchRecordHeader(tabID uint32, recID uint64, kind xlog.RecordKind) error
	WriteExternal(logID xlog.LogID, rec *xlog.Record) error
}

// Applier is the writer/applier actor of §4.5: it consumes records in
// log order from a single sequential reader and makes their effects
// durable in the table store, maintaining the per-table op_seq
// ordering and the transaction table as it goes.
type Applier struct {
	store TableStore
	Txns  *TxnTable

	mu           sync.Mutex
	lastOpSeq    map[uint32]uint64 // tab_id -> last applied op_seq
	tabGone      map[uint32]bool
	highWaterTab uint32
	highWaterXid uint32
	deletable    map[xlog.LogID]bool
}

// New builds an applier writing through to store.
func New(store TableStore) *Applier {
	return &Applier{
		store:     store,
		Txns:      NewTxnTable(),
		lastOpSeq: make(map[uint32]uint64),
		tabGone:   make(map[uint32]bool),
		deletable: make(map[xlog.LogID]bool),
	}
}

// HighWaterTabID reports the largest table id observed via NEW_TAB.
func (a *Applier) HighWaterTabID() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.highWaterTab
}

// HighWaterXactID reports the largest transaction id observed via
// COMMIT/ABORT.
func (a *Applier) HighWaterXactID() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.highWaterXid
}

// TakeDeletableLogs drains and returns the set of log ids marked
// deletable by DEL_LOG records since the last call, used by the
// checkpointer to build its deletable list (§4.4).
func (a *Applier) TakeDeletableLogs() []xlog.LogID {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]xlog.LogID, 0, len(a.deletable))
	for id := range a.deletable {
		out = append(out, id)
		delete(a.deletable, id)
	}
	return out
}

// ReleaseDeletable re-marks log ids as deletable. Used when a caller
// of TakeDeletableLogs decides, for a reason the applier has no
// visibility into (a retention floor, an in-flight reader), not to
// delete some of them yet, so they are reconsidered on the next call
// instead of being silently forgotten.
func (a *Applier) ReleaseDeletable(ids []xlog.LogID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		a.deletable[id] = true
	}
}

// Apply dispatches one record to the appropriate table handler
// (§4.5's dispatch table). It never returns an error for a failed
// table action: per §4.5's error-handling rule, a failing table is
// marked tab_gone and skipped for the rest of the run; recovery must
// not abort because one table is missing. Every path returns nil; a
// tag it does not list is written through as a record image.
func (a *Applier) Apply(rec *xlog.Record) error {
	switch rec.Kind {
	case xlog.KindHeader, xlog.KindNewLog, xlog.KindEndOfLog:
		return nil

	case xlog.KindNewTab:
		a.mu.Lock()
		if rec.TabID > a.highWaterTab {
			a.highWaterTab = rec.TabID
		}
		a.mu.Unlock()
		return nil

	case xlog.KindDelLog:
		a.mu.Lock()
		a.deletable[rec.LogID] = true
		a.mu.Unlock()
		return nil

	case xlog.KindCommit:
		a.Txns.Commit(rec.XactID)
		a.bumpXactHighWater(rec.XactID)
		return nil

	case xlog.KindAbort:
		a.Txns.Abort(rec.XactID)
		a.bumpXactHighWater(rec.XactID)
		return nil

	case xlog.KindCleanup:
		a.Txns.Cleanup(rec.XactID)
		return nil

	case xlog.KindOpSync:
		return nil

	case xlog.KindNoOp:
		a.advanceOpSeq(rec.TabID, rec.OpSeq)
		return nil

	case xlog.KindExtRecOK, xlog.KindExtRecDel:
		// EXT_REC_* rides the generic mutation encoding (§3); the
		// external log id it targets travels in the tab_id field.
		// EXT_REC_OK payloads are snappy-compressed on write (extended
		// records hold oversized values, rarely re-read); expand before
		// handing the record to the store.
		extLogID := xlog.LogID(rec.TabID)
		a.applyTable(true, rec.TabID, func() error {
			if rec.Kind != xlog.KindExtRecOK {
				return a.store.WriteExternal(extLogID, rec)
			}
			payload, err := xlog.DecompressExternalPayload(rec.Payload)
			if err != nil {
				return err
			}
			decoded := *rec
			decoded.Payload = payload
			return a.store.WriteExternal(extLogID, &decoded)
		})
		return nil

	case xlog.KindRowNew, xlog.KindRowNewFL, xlog.KindRowAddRec, xlog.KindRowSet, xlog.KindRowFreed:
		a.applyTable(true, rec.TabID, func() error {
			return a.store.WriteRow(rec.TabID, rec.RowID, rec)
		})
		return nil

	case xlog.KindRecFreed, xlog.KindRecRemoved, xlog.KindRecRemovedExt, xlog.KindRecRemovedBI,
		xlog.KindRecMoved, xlog.KindRecCleaned, xlog.KindRecCleaned1, xlog.KindRecUnlinked:
		a.applyTable(true, rec.TabID, func() error {
			return a.store.PatchRecordHeader(rec.TabID, rec.RecID, rec.Kind)
		})
		return nil

	default:
		// every INSERT/UPDATE/DELETE (and _BG/_FL) variant, plus
		// REC_MODIFIED: a per-table, op-sequenced mutation.
		if !a.checkOpSeq(rec) {
			return nil
		}
		a.applyTable(true, rec.TabID, func() error {
			if err := a.store.WriteRecordImage(rec.TabID, rec.RecID, rec); err != nil {
				return err
			}
			if rec.Kind.HasFreeListUpdate() {
				return a.store.UpdateFreeListHead(rec.TabID, rec.RecID, rec.FreeList)
			}
			return nil
		})
		return nil
	}
}

// checkOpSeq enforces the per-table op-sequence ordering for
// non-background-applicable kinds: a record whose op_seq is at or
// below the last one applied for its table is skipped. Gaps are not
// detected: a record whose op_seq jumps ahead is applied and becomes
// the new last op_seq. Background-applicable (_BG) kinds are always
// applied.
func (a *Applier) checkOpSeq(rec *xlog.Record) bool {
	if !rec.Kind.HasOpSeq() {
		return true
	}
	if rec.Kind.IsBackgroundApplicable() {
		a.advanceOpSeq(rec.TabID, rec.OpSeq)
		return true
	}
	a.mu.Lock()
	last := a.lastOpSeq[rec.TabID]
	a.mu.Unlock()
	if rec.OpSeq != 0 && rec.OpSeq <= last {
		return false // already applied, or out of order: idempotent skip
	}
	a.advanceOpSeq(rec.TabID, rec.OpSeq)
	return true
}

func (a *Applier) advanceOpSeq(tabID uint32, opSeq uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if opSeq > a.lastOpSeq[tabID] {
		a.lastOpSeq[tabID] = opSeq
	}
}

func (a *Applier) bumpXactHighWater(xactID uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if xactID > a.highWaterXid {
		a.highWaterXid = xactID
	}
}

// applyTable runs fn unless tabID is already marked gone, containing
// any failure to that one table instead of aborting the whole run.
func (a *Applier) applyTable(guard bool, tabID uint32, fn func() error) {
	if !guard {
		return
	}
	a.mu.Lock()
	gone := a.tabGone[tabID]
	a.mu.Unlock()
	if gone {
		return
	}
	if err := fn(); err != nil {
		a.mu.Lock()
		a.tabGone[tabID] = true
		a.mu.Unlock()
		logrus.Warnf("applier: table %d unavailable, skipping further records: %v", tabID, err)
	}
}
