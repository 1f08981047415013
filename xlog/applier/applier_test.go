package applier

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pbxt/xlogd/xlog"
)

type fakeStore struct {
	writes      map[uint64][]byte
	freeLists   map[uint64]uint64
	rows        map[uint64][]byte
	patches     []xlog.RecordKind
	external    map[xlog.LogID][]byte
	failTabID   uint32
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		writes:    make(map[uint64][]byte),
		freeLists: make(map[uint64]uint64),
		rows:      make(map[uint64][]byte),
		external:  make(map[xlog.LogID][]byte),
	}
}

func (f *fakeStore) WriteRecordImage(tabID uint32, recID uint64, rec *xlog.Record) error {
	if tabID == f.failTabID {
		return errors.New("table gone")
	}
	f.writes[recID] = rec.Payload
	return nil
}
func (f *fakeStore) UpdateFreeListHead(tabID uint32, recID uint64, head uint64) error {
	f.freeLists[recID] = head
	return nil
}
func (f *fakeStore) WriteRow(tabID uint32, rowID uint64, rec *xlog.Record) error {
	f.rows[rowID] = rec.Payload
	return nil
}
func (f *fakeStore) PatchRecordHeader(tabID uint32, recID uint64, kind xlog.RecordKind) error {
	f.patches = append(f.patches, kind)
	return nil
}
func (f *fakeStore) WriteExternal(logID xlog.LogID, rec *xlog.Record) error {
	f.external[logID] = rec.Payload
	return nil
}

func TestApplierWritesRecordImageAndFreeList(t *testing.T) {
	store := newFakeStore()
	a := New(store)

	rec := &xlog.Record{Kind: xlog.KindInsertFL, TabID: 1, RecID: 7, OpSeq: 1, FreeList: 99, Payload: []byte("row")}
	require.NoError(t, a.Apply(rec))

	require.Equal(t, []byte("row"), store.writes[7])
	require.Equal(t, uint64(99), store.freeLists[7])
}

func TestApplierSkipsStaleOpSeq(t *testing.T) {
	store := newFakeStore()
	a := New(store)

	require.NoError(t, a.Apply(&xlog.Record{Kind: xlog.KindInsert, TabID: 1, RecID: 1, OpSeq: 5, Payload: []byte("v5")}))
	require.NoError(t, a.Apply(&xlog.Record{Kind: xlog.KindInsert, TabID: 1, RecID: 1, OpSeq: 3, Payload: []byte("v3-stale")}))

	require.Equal(t, []byte("v5"), store.writes[1])
}

func TestApplierBackgroundApplicableSkipsGap(t *testing.T) {
	store := newFakeStore()
	a := New(store)

	require.NoError(t, a.Apply(&xlog.Record{Kind: xlog.KindInsertBG, TabID: 1, RecID: 1, OpSeq: 100, Payload: []byte("ahead")}))
	require.Equal(t, []byte("ahead"), store.writes[1])
}

func TestApplierTransactionTableTracksEnding(t *testing.T) {
	store := newFakeStore()
	a := New(store)

	require.NoError(t, a.Apply(&xlog.Record{Kind: xlog.KindCommit, XactID: 10}))
	require.Equal(t, TxnCommitted, a.Txns.State(10))

	require.NoError(t, a.Apply(&xlog.Record{Kind: xlog.KindCleanup, XactID: 10}))
	require.Equal(t, TxnCleaned, a.Txns.State(10))
}

func TestApplierNewTabBumpsHighWater(t *testing.T) {
	store := newFakeStore()
	a := New(store)
	require.NoError(t, a.Apply(&xlog.Record{Kind: xlog.KindNewTab, TabID: 44}))
	require.Equal(t, uint32(44), a.HighWaterTabID())
}

func TestApplierMarksTableGoneOnFailure(t *testing.T) {
	store := newFakeStore()
	store.failTabID = 1
	a := New(store)

	require.NoError(t, a.Apply(&xlog.Record{Kind: xlog.KindInsert, TabID: 1, RecID: 1, OpSeq: 1, Payload: []byte("x")}))
	require.NoError(t, a.Apply(&xlog.Record{Kind: xlog.KindInsert, TabID: 1, RecID: 2, OpSeq: 2, Payload: []byte("y")}))
	require.Empty(t, store.writes)
}

func TestApplierExtRecDecompressesPayload(t *testing.T) {
	store := newFakeStore()
	a := New(store)

	original := []byte("overflow payload data repeated repeated repeated repeated")
	compressed := xlog.CompressExternalPayload(original)

	rec := &xlog.Record{Kind: xlog.KindExtRecOK, TabID: 9, RecID: 1, Payload: compressed}
	require.NoError(t, a.Apply(rec))
	require.Equal(t, original, store.external[xlog.LogID(9)])
}

func TestApplierDelLogMarksDeletable(t *testing.T) {
	store := newFakeStore()
	a := New(store)
	require.NoError(t, a.Apply(&xlog.Record{Kind: xlog.KindDelLog, LogID: 5}))
	require.Equal(t, []xlog.LogID{5}, a.TakeDeletableLogs())
	require.Empty(t, a.TakeDeletableLogs())
}
