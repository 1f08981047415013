package xlog

import "encoding/binary"

// HeaderSize is the value stored in the header's own header_size
// field (§6); kept distinct from the header record's actual encoded
// length for historical-compatibility reasons the source documents but
// does not use further.
const HeaderSize = 32

// EncodedHeaderLen is the number of bytes Header.Encode produces: tag
// (1) + checksum (1) + the 39-byte body described in §6.
const EncodedHeaderLen = HeaderSize + 9

// HeaderMagic identifies a PBXT-style transaction log file.
const HeaderMagic uint32 = 0xAE88FE12

// HeaderVersion is the only header version this package understands.
const HeaderVersion uint16 = 1

// byteOrder is the fixed endianness used for every multi-byte field in
// this implementation. The source records byte order as a per-database
// config choice (§6); this port fixes it to little-endian, the
// historical default noted next to header_size, rather than modelling a
// pluggable byte order end to end.
var byteOrder = binary.LittleEndian

// Header is the first record of every log file (kind tag HEADER).
type Header struct {
	Checksum            byte
	HeaderSize          uint32
	AccumulatedFreeSpace uint64
	LastCleanEOF        uint64
	CompactionPosition  uint64
	CompactionStatus    byte
	LogID               LogID
	Version             uint16
	Magic               uint32
}

// NewHeader builds a fresh header for a newly created log file.
func NewHeader(id LogID) *Header {
	return &Header{
		HeaderSize: HeaderSize,
		LogID:      id,
		Version:    HeaderVersion,
		Magic:      HeaderMagic,
	}
}

// Encode writes the header's exact on-disk byte layout (§6):
//
//	0  1  tag
//	1  1  checksum
//	2  4  header_size
//	6  8  accumulated_free_space
//	14 8  last_clean_eof
//	22 8  compaction_position
//	30 1  compaction_status
//	31 4  log_id
//	35 2  version
//	37 4  magic
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize+9)
	buf[0] = byte(KindHeader)
	byteOrder.PutUint32(buf[2:6], h.HeaderSize)
	byteOrder.PutUint64(buf[6:14], h.AccumulatedFreeSpace)
	byteOrder.PutUint64(buf[14:22], h.LastCleanEOF)
	byteOrder.PutUint64(buf[22:30], h.CompactionPosition)
	buf[30] = h.CompactionStatus
	byteOrder.PutUint32(buf[31:35], uint32(h.LogID))
	byteOrder.PutUint16(buf[35:37], h.Version)
	byteOrder.PutUint32(buf[37:41], h.Magic)
	buf[1] = checksum8(append(append([]byte{}, buf[2:41]...)))
	return buf
}

// DecodeHeader parses a header record previously produced by Encode.
// It returns a Corrupt error on a tag, magic or version mismatch.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < int(HeaderSize)+9 {
		return nil, Wrap(KindCorrupt, "decode-header", ErrShortRead)
	}
	if RecordKind(buf[0]) != KindHeader {
		return nil, Wrap(KindCorrupt, "decode-header", errBadTag)
	}
	want := checksum8(buf[2:41])
	if buf[1] != want {
		return nil, Wrap(KindCorrupt, "decode-header", errBadChecksum)
	}
	h := &Header{
		Checksum:             buf[1],
		HeaderSize:           byteOrder.Uint32(buf[2:6]),
		AccumulatedFreeSpace: byteOrder.Uint64(buf[6:14]),
		LastCleanEOF:         byteOrder.Uint64(buf[14:22]),
		CompactionPosition:   byteOrder.Uint64(buf[22:30]),
		CompactionStatus:     buf[30],
		LogID:                LogID(byteOrder.Uint32(buf[31:35])),
		Version:              byteOrder.Uint16(buf[35:37]),
		Magic:                byteOrder.Uint32(buf[37:41]),
	}
	if h.Magic != HeaderMagic {
		return nil, Wrap(KindCorrupt, "decode-header", errBadMagic)
	}
	if h.Version == 0 || h.Version > HeaderVersion {
		return nil, Wrap(KindCorrupt, "decode-header", errBadVersion)
	}
	return h, nil
}
