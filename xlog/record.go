package xlog

import (
	"github.com/golang/snappy"
	"github.com/juju/errors"
)

// RecordKind is the 1-byte tag that begins every record in the log
// stream (§3).
type RecordKind byte

const (
	KindHeader RecordKind = 0x01

	KindNewLog RecordKind = 0x02
	KindDelLog RecordKind = 0x03
	KindNewTab RecordKind = 0x04

	KindCommit  RecordKind = 0x05
	KindAbort   RecordKind = 0x06
	KindCleanup RecordKind = 0x07

	KindRecModified RecordKind = 0x10
	KindUpdate      RecordKind = 0x11
	KindUpdateBG    RecordKind = 0x12
	KindInsert      RecordKind = 0x13
	KindInsertBG    RecordKind = 0x14
	KindDelete      RecordKind = 0x15
	KindDeleteBG    RecordKind = 0x16
	KindUpdateFL    RecordKind = 0x17
	KindUpdateBGFL  RecordKind = 0x18
	KindInsertFL    RecordKind = 0x19
	KindInsertBGFL  RecordKind = 0x1A
	KindDeleteFL    RecordKind = 0x1B
	KindDeleteBGFL  RecordKind = 0x1C

	KindRecFreed      RecordKind = 0x20
	KindRecRemoved    RecordKind = 0x21
	KindRecRemovedExt RecordKind = 0x22
	KindRecRemovedBI  RecordKind = 0x23
	KindRecMoved      RecordKind = 0x24
	KindRecCleaned    RecordKind = 0x25
	KindRecCleaned1   RecordKind = 0x26
	KindRecUnlinked   RecordKind = 0x27

	KindRowNew    RecordKind = 0x30
	KindRowNewFL  RecordKind = 0x31
	KindRowAddRec RecordKind = 0x32
	KindRowSet    RecordKind = 0x33
	KindRowFreed  RecordKind = 0x34

	KindOpSync RecordKind = 0x40

	KindExtRecOK  RecordKind = 0x41
	KindExtRecDel RecordKind = 0x42

	KindNoOp    RecordKind = 0x50
	KindEndOfLog RecordKind = 0x7F
)

// backgroundApplicable is the set of record kinds the applier is
// permitted to apply out of op-sequence order (§3, §4.5).
var backgroundApplicable = map[RecordKind]bool{
	KindUpdateBG:   true,
	KindInsertBG:   true,
	KindDeleteBG:   true,
	KindUpdateBGFL: true,
	KindInsertBGFL: true,
	KindDeleteBGFL: true,
}

// IsBackgroundApplicable reports whether the applier may skip ahead
// over a gap for this record kind.
func (k RecordKind) IsBackgroundApplicable() bool {
	return backgroundApplicable[k]
}

// HasFreeListUpdate reports whether this kind carries an extra
// free-list head update (the _FL variants).
func (k RecordKind) HasFreeListUpdate() bool {
	switch k {
	case KindUpdateFL, KindUpdateBGFL, KindInsertFL, KindInsertBGFL, KindDeleteFL, KindDeleteBGFL, KindRowNewFL:
		return true
	default:
		return false
	}
}

// HasOpSeq reports whether the record participates in the per-table
// operation sequence (§3 invariant 3).
func (k RecordKind) HasOpSeq() bool {
	switch k {
	case KindRecModified, KindUpdate, KindUpdateBG, KindInsert, KindInsertBG,
		KindDelete, KindDeleteBG, KindUpdateFL, KindUpdateBGFL, KindInsertFL,
		KindInsertBGFL, KindDeleteFL, KindDeleteBGFL, KindNoOp:
		return true
	default:
		return false
	}
}

var (
	errBadTag      = errors.New("xlog: unexpected record tag")
	errBadChecksum = errors.New("xlog: checksum mismatch")
	errBadMagic    = errors.New("xlog: bad header magic")
	errBadVersion  = errors.New("xlog: unsupported header version")
)

// Record is a decoded mutation record: the tagged variant carrying an
// op_seq, table id, record id and the new record image (§3). Non-
// mutation kinds (COMMIT, ABORT, NEW_TAB, DEL_LOG, ...) populate only
// the fields relevant to them; Payload carries the free-form body.
type Record struct {
	Kind RecordKind

	OpSeq    uint64
	TabID    uint32
	RecID    uint64
	Size     uint32
	FreeList uint64

	RecType    uint8
	StatID     uint32
	PrevRecID  uint64
	XactID     uint32
	RowID      uint64
	Payload    []byte

	// LogID is set on NEW_LOG/DEL_LOG records (the referenced log).
	LogID LogID
	// Time is set on OP_SYNC records.
	Time int64
}

// fixedBodySize returns the encoded body length (excluding tag and
// checksum) for record kinds whose layout is fixed, independent of
// payload. Mutation kinds are variable-length and carry a 4-byte
// length prefix ahead of the payload instead (§4.3: "length-prefixed
// for the variable-length ones").
func (k RecordKind) fixedBodySize() (int, bool) {
	switch k {
	case KindNewLog, KindDelLog:
		return 4, true
	case KindNewTab:
		return 4, true
	case KindCommit, KindAbort, KindCleanup:
		return 4, true
	case KindOpSync:
		return 8, true
	case KindNoOp:
		return 12, true
	case KindRecFreed, KindRecRemoved, KindRecRemovedExt, KindRecRemovedBI,
		KindRecMoved, KindRecCleaned, KindRecCleaned1, KindRecUnlinked:
		return 20, true
	case KindEndOfLog:
		return 0, true
	default:
		return 0, false
	}
}

// Encode serializes r to its on-disk byte representation: tag,
// checksum, then the kind-specific body. The checksum covers every
// byte of the body (invariant: recomputed identically on decode).
func (r *Record) Encode() []byte {
	var body []byte
	switch r.Kind {
	case KindNewLog, KindDelLog:
		body = make([]byte, 4)
		byteOrder.PutUint32(body, uint32(r.LogID))
	case KindNewTab:
		body = make([]byte, 4)
		byteOrder.PutUint32(body, r.TabID)
	case KindCommit, KindAbort, KindCleanup:
		body = make([]byte, 4)
		byteOrder.PutUint32(body, r.XactID)
	case KindOpSync:
		body = make([]byte, 8)
		byteOrder.PutUint64(body, uint64(r.Time))
	case KindNoOp:
		body = make([]byte, 12)
		byteOrder.PutUint64(body[0:8], r.OpSeq)
		byteOrder.PutUint32(body[8:12], r.TabID)
	case KindRecFreed, KindRecRemoved, KindRecRemovedExt, KindRecRemovedBI,
		KindRecMoved, KindRecCleaned, KindRecCleaned1, KindRecUnlinked:
		body = make([]byte, 20)
		byteOrder.PutUint64(body[0:8], r.OpSeq)
		byteOrder.PutUint32(body[8:12], r.TabID)
		byteOrder.PutUint64(body[12:20], r.RecID)
	case KindEndOfLog:
		body = nil
	default:
		body = r.encodeMutationBody()
	}

	buf := make([]byte, 2+len(body))
	buf[0] = byte(r.Kind)
	copy(buf[2:], body)
	buf[1] = checksum8(buf[2:])
	return buf
}

// encodeMutationBody handles INSERT/UPDATE/DELETE (and _BG/_FL
// variants), REC_MODIFIED, ROW_* and EXT_REC_* — every kind whose
// length depends on a payload.
func (r *Record) encodeMutationBody() []byte {
	head := make([]byte, 8+4+8+4)
	byteOrder.PutUint64(head[0:8], r.OpSeq)
	byteOrder.PutUint32(head[8:12], r.TabID)
	byteOrder.PutUint64(head[12:20], r.RecID)
	byteOrder.PutUint32(head[20:24], r.Size)

	image := make([]byte, 1+4+8+4+8)
	image[0] = r.RecType
	byteOrder.PutUint32(image[1:5], r.StatID)
	byteOrder.PutUint64(image[5:13], r.PrevRecID)
	byteOrder.PutUint32(image[13:17], r.XactID)
	byteOrder.PutUint64(image[17:25], r.RowID)

	var flBytes []byte
	if r.Kind.HasFreeListUpdate() {
		flBytes = make([]byte, 8)
		byteOrder.PutUint64(flBytes, r.FreeList)
	}

	lenPrefix := make([]byte, 4)
	byteOrder.PutUint32(lenPrefix, uint32(len(r.Payload)))

	body := make([]byte, 0, len(head)+len(image)+len(flBytes)+len(lenPrefix)+len(r.Payload))
	body = append(body, head...)
	body = append(body, image...)
	body = append(body, flBytes...)
	body = append(body, lenPrefix...)
	body = append(body, r.Payload...)
	return body
}

// DecodeRecord parses one record from buf (tag + checksum + body
// already present). It does not consume bytes beyond the record; the
// caller (SeqReader) determines how many bytes to pass in using
// fixedBodySize or, for variable kinds, by first reading the header
// and length prefix.
func DecodeRecord(buf []byte) (*Record, int, error) {
	if len(buf) < 2 {
		return nil, 0, Wrap(KindCorrupt, "decode-record", ErrShortRead)
	}
	kind := RecordKind(buf[0])
	checksum := buf[1]

	if size, ok := kind.fixedBodySize(); ok {
		total := 2 + size
		if len(buf) < total {
			return nil, 0, Wrap(KindCorrupt, "decode-record", ErrShortRead)
		}
		if checksum8(buf[2:total]) != checksum {
			return nil, 0, Wrap(KindCorrupt, "decode-record", errBadChecksum)
		}
		r, err := decodeFixedBody(kind, buf[2:total])
		return r, total, err
	}

	const mutationHeadLen = 8 + 4 + 8 + 4 + 1 + 4 + 8 + 4 + 8
	if len(buf) < 2+mutationHeadLen {
		return nil, 0, Wrap(KindCorrupt, "decode-record", ErrShortRead)
	}
	cursor := 2
	r := &Record{Kind: kind}
	r.OpSeq = byteOrder.Uint64(buf[cursor:])
	cursor += 8
	r.TabID = byteOrder.Uint32(buf[cursor:])
	cursor += 4
	r.RecID = byteOrder.Uint64(buf[cursor:])
	cursor += 8
	r.Size = byteOrder.Uint32(buf[cursor:])
	cursor += 4
	r.RecType = buf[cursor]
	cursor++
	r.StatID = byteOrder.Uint32(buf[cursor:])
	cursor += 4
	r.PrevRecID = byteOrder.Uint64(buf[cursor:])
	cursor += 8
	r.XactID = byteOrder.Uint32(buf[cursor:])
	cursor += 4
	r.RowID = byteOrder.Uint64(buf[cursor:])
	cursor += 8

	if kind.HasFreeListUpdate() {
		if len(buf) < cursor+8 {
			return nil, 0, Wrap(KindCorrupt, "decode-record", ErrShortRead)
		}
		r.FreeList = byteOrder.Uint64(buf[cursor:])
		cursor += 8
	}

	if len(buf) < cursor+4 {
		return nil, 0, Wrap(KindCorrupt, "decode-record", ErrShortRead)
	}
	payloadLen := int(byteOrder.Uint32(buf[cursor:]))
	cursor += 4
	if payloadLen < 0 || len(buf) < cursor+payloadLen {
		return nil, 0, Wrap(KindCorrupt, "decode-record", ErrShortRead)
	}
	r.Payload = append([]byte(nil), buf[cursor:cursor+payloadLen]...)
	cursor += payloadLen

	if checksum8(buf[2:cursor]) != checksum {
		return nil, 0, Wrap(KindCorrupt, "decode-record", errBadChecksum)
	}
	return r, cursor, nil
}

func decodeFixedBody(kind RecordKind, body []byte) (*Record, error) {
	r := &Record{Kind: kind}
	switch kind {
	case KindNewLog, KindDelLog:
		r.LogID = LogID(byteOrder.Uint32(body))
	case KindNewTab:
		r.TabID = byteOrder.Uint32(body)
	case KindCommit, KindAbort, KindCleanup:
		r.XactID = byteOrder.Uint32(body)
	case KindOpSync:
		r.Time = int64(byteOrder.Uint64(body))
	case KindNoOp:
		r.OpSeq = byteOrder.Uint64(body[0:8])
		r.TabID = byteOrder.Uint32(body[8:12])
	case KindRecFreed, KindRecRemoved, KindRecRemovedExt, KindRecRemovedBI,
		KindRecMoved, KindRecCleaned, KindRecCleaned1, KindRecUnlinked:
		r.OpSeq = byteOrder.Uint64(body[0:8])
		r.TabID = byteOrder.Uint32(body[8:12])
		r.RecID = byteOrder.Uint64(body[12:20])
	case KindEndOfLog:
		// no fields
	}
	return r, nil
}

// CompressExternalPayload prepares a payload for storage in an
// EXT_REC_OK record: extended records hold the rare oversized values
// (BLOBs, long text), which compress well and are read back much less
// often than they are written, so the cost is paid once at write time.
func CompressExternalPayload(payload []byte) []byte {
	return snappy.Encode(nil, payload)
}

// DecompressExternalPayload reverses CompressExternalPayload.
func DecompressExternalPayload(payload []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, Wrap(KindCorrupt, "decompress-external", err)
	}
	return out, nil
}

// RecordLen reports how many bytes buf's leading record occupies,
// without fully decoding it — used by SeqReader.Skip. Returns an error
// if buf is too short to determine the length.
func RecordLen(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, Wrap(KindCorrupt, "record-len", ErrShortRead)
	}
	kind := RecordKind(buf[0])
	if size, ok := kind.fixedBodySize(); ok {
		return 2 + size, nil
	}
	const mutationHeadLen = 8 + 4 + 8 + 4 + 1 + 4 + 8 + 4 + 8
	cursor := 2 + mutationHeadLen
	if kind.HasFreeListUpdate() {
		cursor += 8
	}
	if len(buf) < cursor+4 {
		return 0, Wrap(KindCorrupt, "record-len", ErrShortRead)
	}
	payloadLen := int(byteOrder.Uint32(buf[cursor:]))
	cursor += 4 + payloadLen
	return cursor, nil
}
