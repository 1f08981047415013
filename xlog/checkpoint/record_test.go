package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pbxt/xlogd/xlog"
)

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	rec := &Record{
		Version:         1,
		Number:          42,
		RestartLogID:    3,
		RestartOffset:   8192,
		HighWaterTabID:  10,
		HighWaterXactID: 500,
		IndexLogID:      3,
		IndexOffset:     8192,
		Deletable:       []xlog.LogID{1, 2},
	}
	buf := rec.Encode()
	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, rec.Number, got.Number)
	require.Equal(t, rec.RestartLogID, got.RestartLogID)
	require.Equal(t, rec.RestartOffset, got.RestartOffset)
	require.Equal(t, rec.HighWaterTabID, got.HighWaterTabID)
	require.Equal(t, rec.HighWaterXactID, got.HighWaterXactID)
	require.Equal(t, rec.Deletable, got.Deletable)
}

func TestRecordEncodeDecodeEmptyDeletable(t *testing.T) {
	rec := &Record{Version: 1, Number: 1, RestartLogID: 1, RestartOffset: 41}
	got, err := Decode(rec.Encode())
	require.NoError(t, err)
	require.Empty(t, got.Deletable)
}

func TestRecordDecodeRejectsBadChecksum(t *testing.T) {
	rec := &Record{Version: 1, Number: 1, RestartLogID: 1}
	buf := rec.Encode()
	buf[20] ^= 0xFF
	_, err := Decode(buf)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestRecordDecodeRejectsShortBuffer(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrCorrupt)
}
