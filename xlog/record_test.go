package xlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := NewHeader(7)
	h.AccumulatedFreeSpace = 1024
	h.LastCleanEOF = 8192
	h.CompactionStatus = 1

	buf := h.Encode()
	assert.Len(t, buf, EncodedHeaderLen)

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h.LogID, got.LogID)
	assert.Equal(t, h.AccumulatedFreeSpace, got.AccumulatedFreeSpace)
	assert.Equal(t, h.LastCleanEOF, got.LastCleanEOF)
	assert.Equal(t, h.CompactionStatus, got.CompactionStatus)
	assert.Equal(t, HeaderMagic, got.Magic)
}

func TestHeaderDecodeRejectsBadMagic(t *testing.T) {
	buf := NewHeader(1).Encode()
	buf[40] ^= 0xFF // corrupt the last magic byte
	buf[1] = checksum8(buf[2:41])
	_, err := DecodeHeader(buf)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindCorrupt))
}

func TestRecordRoundTripFixedKinds(t *testing.T) {
	cases := []*Record{
		{Kind: KindNewLog, LogID: 42},
		{Kind: KindDelLog, LogID: 7},
		{Kind: KindNewTab, TabID: 99},
		{Kind: KindCommit, XactID: 123},
		{Kind: KindAbort, XactID: 456},
		{Kind: KindCleanup, XactID: 789},
		{Kind: KindOpSync, Time: 1690000000},
		{Kind: KindNoOp, OpSeq: 5, TabID: 3},
		{Kind: KindRecFreed, OpSeq: 9, TabID: 2, RecID: 1000},
		{Kind: KindEndOfLog},
	}
	for _, want := range cases {
		buf := want.Encode()
		got, n, err := DecodeRecord(buf)
		require.NoError(t, err, "kind %v", want.Kind)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, want.Kind, got.Kind)
		assert.Equal(t, want.LogID, got.LogID)
		assert.Equal(t, want.TabID, got.TabID)
		assert.Equal(t, want.XactID, got.XactID)
		assert.Equal(t, want.OpSeq, got.OpSeq)
		assert.Equal(t, want.RecID, got.RecID)
	}
}

func TestRecordRoundTripMutation(t *testing.T) {
	want := &Record{
		Kind:      KindInsert,
		OpSeq:     17,
		TabID:     4,
		RecID:     55,
		Size:      8,
		RecType:   1,
		StatID:    2,
		PrevRecID: 54,
		XactID:    88,
		RowID:     200,
		Payload:   []byte("hello world"),
	}
	buf := want.Encode()
	got, n, err := DecodeRecord(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, want.Payload, got.Payload)
	assert.Equal(t, want.OpSeq, got.OpSeq)
	assert.Equal(t, want.TabID, got.TabID)
	assert.Equal(t, want.RecID, got.RecID)
	assert.Equal(t, want.RowID, got.RowID)
}

func TestRecordRoundTripFreeListVariant(t *testing.T) {
	want := &Record{
		Kind:     KindUpdateFL,
		OpSeq:    3,
		TabID:    1,
		RecID:    2,
		FreeList: 999,
		Payload:  []byte("x"),
	}
	buf := want.Encode()
	got, _, err := DecodeRecord(buf)
	require.NoError(t, err)
	assert.True(t, got.Kind.HasFreeListUpdate())
	assert.Equal(t, want.FreeList, got.FreeList)
}

func TestRecordChecksumDetectsCorruption(t *testing.T) {
	rec := &Record{Kind: KindInsert, TabID: 1, RecID: 1, Payload: []byte("abc")}
	buf := rec.Encode()
	buf[len(buf)-1] ^= 0xFF
	_, _, err := DecodeRecord(buf)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindCorrupt))
}

func TestRecordLenMatchesEncodedLength(t *testing.T) {
	rec := &Record{Kind: KindDelete, TabID: 1, RecID: 1, Payload: []byte("payload-bytes")}
	buf := rec.Encode()
	n, err := RecordLen(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
}

func TestBackgroundApplicableKinds(t *testing.T) {
	assert.True(t, KindUpdateBG.IsBackgroundApplicable())
	assert.False(t, KindUpdate.IsBackgroundApplicable())
}

func TestExternalPayloadRoundTrip(t *testing.T) {
	payload := []byte("a reasonably long overflow value worth compressing, repeated repeated repeated")
	compressed := CompressExternalPayload(payload)
	got, err := DecompressExternalPayload(compressed)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
