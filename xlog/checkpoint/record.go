// Package checkpoint implements the checkpoint protocol: the on-disk
// checkpoint record, file rotation between the two checkpoint files,
// and the periodic checkpointer actor (§4.4).
package checkpoint

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/pbxt/xlogd/xlog"
)

// headerSize is the checkpoint record's own header_size field, stored
// for forward-compatibility the same way the log header stores one.
const headerSize = 44

// Record is the durable restart point (§3, §6's exact byte layout).
type Record struct {
	Version         uint16
	Number          uint64 // 48-bit, monotonic
	RestartLogID    xlog.LogID
	RestartOffset   xlog.LogOffset // 48-bit
	HighWaterTabID  uint32
	HighWaterXactID uint32
	IndexLogID      xlog.LogID
	IndexOffset     xlog.LogOffset // 48-bit
	Deletable       []xlog.LogID
}

func putUint48(b []byte, v uint64) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(v))
	binary.LittleEndian.PutUint16(b[4:6], uint16(v>>32))
}

func getUint48(b []byte) uint64 {
	lo := uint64(binary.LittleEndian.Uint32(b[0:4]))
	hi := uint64(binary.LittleEndian.Uint16(b[4:6]))
	return lo | hi<<32
}

// Encode serializes r to its exact on-disk layout, computing the
// CRC-16 over every byte except the checksum field itself.
func (r *Record) Encode() []byte {
	n := len(r.Deletable)
	buf := make([]byte, 44+2*n)

	binary.LittleEndian.PutUint32(buf[2:6], headerSize)
	binary.LittleEndian.PutUint16(buf[6:8], r.Version)
	putUint48(buf[8:14], r.Number)
	binary.LittleEndian.PutUint32(buf[14:18], uint32(r.RestartLogID))
	putUint48(buf[18:24], uint64(r.RestartOffset))
	binary.LittleEndian.PutUint32(buf[24:28], r.HighWaterTabID)
	binary.LittleEndian.PutUint32(buf[28:32], r.HighWaterXactID)
	binary.LittleEndian.PutUint32(buf[32:36], uint32(r.IndexLogID))
	putUint48(buf[36:42], uint64(r.IndexOffset))
	binary.LittleEndian.PutUint16(buf[42:44], uint16(n))
	for i, id := range r.Deletable {
		binary.LittleEndian.PutUint16(buf[44+2*i:46+2*i], uint16(id))
	}

	crc := crc16(buf[2:])
	binary.LittleEndian.PutUint16(buf[0:2], crc)
	return buf
}

// crc16 is the additive 16-bit checksum specified in §3: a running sum
// over every covered byte, not the CCITT polynomial CRC.
func crc16(body []byte) uint16 {
	var sum uint16
	for i, b := range body {
		sum += uint16(b) << (8 * uint(i%2))
	}
	return sum
}

// ErrCorrupt is returned by Decode on a checksum, size or version
// mismatch — the caller falls back to the other checkpoint file or, if
// neither is valid, to a from-scratch recovery start (§4.6).
var ErrCorrupt = errors.New("checkpoint: corrupt record")

// Decode parses a checkpoint record previously produced by Encode.
func Decode(buf []byte) (*Record, error) {
	if len(buf) < 44 {
		return nil, ErrCorrupt
	}
	want := crc16(buf[2:44])
	got := binary.LittleEndian.Uint16(buf[0:2])
	n := binary.LittleEndian.Uint16(buf[42:44])
	full := 44 + int(n)*2
	if len(buf) < full {
		return nil, ErrCorrupt
	}
	want = crc16(buf[2:full])
	if got != want {
		return nil, ErrCorrupt
	}
	ver := binary.LittleEndian.Uint16(buf[6:8])
	if ver == 0 || ver > 1 {
		return nil, ErrCorrupt
	}

	r := &Record{
		Version:         ver,
		Number:          getUint48(buf[8:14]),
		RestartLogID:    xlog.LogID(binary.LittleEndian.Uint32(buf[14:18])),
		RestartOffset:   xlog.LogOffset(getUint48(buf[18:24])),
		HighWaterTabID:  binary.LittleEndian.Uint32(buf[24:28]),
		HighWaterXactID: binary.LittleEndian.Uint32(buf[28:32]),
		IndexLogID:      xlog.LogID(binary.LittleEndian.Uint32(buf[32:36])),
		IndexOffset:     xlog.LogOffset(getUint48(buf[36:42])),
	}
	r.Deletable = make([]xlog.LogID, n)
	for i := range r.Deletable {
		r.Deletable[i] = xlog.LogID(binary.LittleEndian.Uint16(buf[44+2*i : 46+2*i]))
	}
	return r, nil
}
