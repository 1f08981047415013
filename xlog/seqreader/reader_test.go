package seqreader

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pbxt/xlogd/xlog"
	"github.com/pbxt/xlogd/xlog/logcache"
)

func TestReaderReplaysAppendedRecords(t *testing.T) {
	dir := t.TempDir()
	cache := logcache.New(4, 1, func(logID uint32) (*os.File, error) {
		return os.Open(xlog.LogFilePath(dir, xlog.LogID(logID)))
	})
	w, err := xlog.Open(xlog.WriterConfig{Dir: dir, FileThreshold: 1 << 20, BufferSize: 4096}, cache, 1, xlog.LogOffset(xlog.EncodedHeaderLen))
	require.NoError(t, err)

	want := []*xlog.Record{
		{Kind: xlog.KindNewTab, TabID: 1},
		{Kind: xlog.KindInsert, TabID: 1, RecID: 1, OpSeq: 1, Payload: []byte("row-1")},
		{Kind: xlog.KindCommit, XactID: 1},
	}
	for _, rec := range want {
		_, err := w.Append(rec.Encode(), nil, true)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	open := func(id xlog.LogID) (*os.File, error) {
		return os.Open(xlog.LogFilePath(dir, id))
	}
	r := New(cache, open)
	require.NoError(t, r.Start(1, xlog.LogOffset(xlog.EncodedHeaderLen), false))

	var got []*xlog.Record
	for {
		rec, _, err := r.Next()
		if err == xlog.ErrNoMoreRecords {
			break
		}
		require.NoError(t, err)
		got = append(got, rec)
	}

	require.Len(t, got, len(want))
	for i, rec := range want {
		require.Equal(t, rec.Kind, got[i].Kind)
		require.Equal(t, rec.TabID, got[i].TabID)
		require.Equal(t, rec.XactID, got[i].XactID)
		require.Equal(t, rec.Payload, got[i].Payload)
	}
}

func TestReaderNextAdvancesCursorPastNewLogWithMissingSuccessor(t *testing.T) {
	dir := t.TempDir()
	cache := logcache.New(4, 1, func(logID uint32) (*os.File, error) {
		return os.Open(xlog.LogFilePath(dir, xlog.LogID(logID)))
	})
	w, err := xlog.Open(xlog.WriterConfig{Dir: dir, FileThreshold: 1 << 20, BufferSize: 4096}, cache, 1, xlog.LogOffset(xlog.EncodedHeaderLen))
	require.NoError(t, err)

	// Simulate a crash between the NEW_LOG record being durable and the
	// successor file's header being written (§8 boundary case): the
	// NEW_LOG record for log 2 is flushed, but xlog-00000002.xt never
	// gets created.
	newLog := &xlog.Record{Kind: xlog.KindNewLog, LogID: 2}
	_, err = w.Append(newLog.Encode(), nil, true)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	open := func(id xlog.LogID) (*os.File, error) {
		return os.Open(xlog.LogFilePath(dir, id))
	}
	r := New(cache, open)
	require.NoError(t, r.Start(1, xlog.LogOffset(xlog.EncodedHeaderLen), true))

	rec, _, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, xlog.KindNewLog, rec.Kind)
	require.Equal(t, xlog.Position{LogID: 2, Offset: xlog.EncodedHeaderLen}, r.Position())

	_, _, err = r.Next()
	require.Equal(t, xlog.ErrNoMoreRecords, err)
}

func TestReaderStartMissingFileWithMissingOK(t *testing.T) {
	dir := t.TempDir()
	cache := logcache.New(4, 1, func(logID uint32) (*os.File, error) {
		return os.Open(xlog.LogFilePath(dir, xlog.LogID(logID)))
	})
	open := func(id xlog.LogID) (*os.File, error) {
		return os.Open(xlog.LogFilePath(dir, id))
	}
	r := New(cache, open)
	require.NoError(t, r.Start(99, 0, true))

	_, _, err := r.Next()
	require.Equal(t, xlog.ErrNoMoreRecords, err)
}
