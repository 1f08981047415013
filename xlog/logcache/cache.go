// Package logcache implements the block-indexed read cache shared by
// every log file: the LogCache of §4.2.
package logcache

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/OneOfOne/xxhash"
)

// BlockSize is the fixed size of a cached block.
const BlockSize = 32 * 1024

type blockState uint8

const (
	stateFree blockState = iota
	stateReading
	stateClean
)

type blockKey struct {
	logID uint32
	addr  uint64 // block-aligned offset
}

type block struct {
	key     blockKey
	state   blockState
	payload [BlockSize]byte
	valid   int // bytes of payload that hold real data (short read at EOF)
}

type segment struct {
	mu        sync.Mutex
	cond      *sync.Cond
	blocks    map[blockKey]*block
	freeCount int
	minFree   int
}

// FileOpener opens a log file for reading, by id. The cache does not
// own file lifetime; it asks the caller for a reader whenever it
// misses.
type FileOpener func(logID uint32) (*os.File, error)

// Cache partitions fixed-size blocks of every log file across N
// segments, hashed by (log_id, block_index) (§4.2).
type Cache struct {
	segments []*segment
	mask     uint64
	open     FileOpener
}

// New builds a cache with the given number of segments (must be a
// power of two) and a minimum free-block watermark per segment used by
// the eviction hand.
func New(numSegments int, minFreePerSegment int, open FileOpener) *Cache {
	if numSegments <= 0 || numSegments&(numSegments-1) != 0 {
		numSegments = 8
	}
	c := &Cache{
		segments: make([]*segment, numSegments),
		mask:     uint64(numSegments - 1),
		open:     open,
	}
	for i := range c.segments {
		s := &segment{blocks: make(map[blockKey]*block), minFree: minFreePerSegment}
		s.cond = sync.NewCond(&s.mu)
		c.segments[i] = s
	}
	return c
}

func segmentHash(logID uint32, addr uint64) uint64 {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], logID)
	binary.LittleEndian.PutUint64(buf[4:12], addr)
	return xxhash.Checksum64(buf[:])
}

func (c *Cache) segmentFor(logID uint32, addr uint64) *segment {
	return c.segments[segmentHash(logID, addr)&c.mask]
}

// Read fills dst with the bytes at [offset, offset+len(dst)) of log
// file logID, going through the block cache. A short read at EOF
// returns fewer bytes than requested and no error; readers must not
// invent bytes past EOF (§4.2).
func (c *Cache) Read(logID uint32, offset uint64, dst []byte) (int, error) {
	n := 0
	for n < len(dst) {
		addr := (offset + uint64(n)) &^ (BlockSize - 1)
		blk, err := c.fetch(logID, addr)
		if err != nil {
			return n, err
		}
		blockOff := int(offset+uint64(n)) - int(addr)
		avail := blk.valid - blockOff
		if avail <= 0 {
			break // short read: block has no more valid bytes at/after this point
		}
		want := len(dst) - n
		if want > avail {
			want = avail
		}
		copy(dst[n:n+want], blk.payload[blockOff:blockOff+want])
		n += want
		if avail < BlockSize-blockOff {
			break // this block was itself a short read; stop here
		}
	}
	return n, nil
}

func (c *Cache) fetch(logID uint32, addr uint64) (*block, error) {
	key := blockKey{logID: logID, addr: addr}
	seg := c.segmentFor(logID, addr)

	seg.mu.Lock()
	for {
		blk, ok := seg.blocks[key]
		if !ok {
			blk = &block{key: key, state: stateReading}
			seg.blocks[key] = blk
			seg.mu.Unlock()

			n, err := c.readFromFile(logID, addr, blk.payload[:])
			if err != nil {
				seg.mu.Lock()
				delete(seg.blocks, key)
				seg.cond.Broadcast()
				seg.mu.Unlock()
				return nil, err
			}

			seg.mu.Lock()
			blk.valid = n
			blk.state = stateClean
			seg.cond.Broadcast()
			seg.mu.Unlock()
			return blk, nil
		}
		switch blk.state {
		case stateClean:
			seg.mu.Unlock()
			return blk, nil
		case stateReading:
			seg.cond.Wait()
		default:
			seg.mu.Unlock()
			return blk, nil
		}
	}
}

func (c *Cache) readFromFile(logID uint32, addr uint64, dst []byte) (int, error) {
	f, err := c.open(logID)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := f.ReadAt(dst, int64(addr))
	if err != nil && n == 0 {
		if isEOF(err) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

func isEOF(err error) bool {
	return err != nil && err.Error() == "EOF"
}

// WriteThrough overwrites any cached block overlapping [offset,
// offset+len(data)) with data just written to disk, so readers
// observe it immediately without a round trip (§4.2). It never blocks
// on I/O.
func (c *Cache) WriteThrough(logID uint32, offset uint64, data []byte) {
	n := 0
	for n < len(data) {
		addr := (offset + uint64(n)) &^ (BlockSize - 1)
		seg := c.segmentFor(logID, addr)
		blockOff := int(offset+uint64(n)) - int(addr)
		want := BlockSize - blockOff
		if want > len(data)-n {
			want = len(data) - n
		}

		seg.mu.Lock()
		key := blockKey{logID: logID, addr: addr}
		if blk, ok := seg.blocks[key]; ok && blk.state == stateClean {
			copy(blk.payload[blockOff:blockOff+want], data[n:n+want])
			if blockOff+want > blk.valid {
				blk.valid = blockOff + want
			}
		}
		seg.mu.Unlock()

		n += want
	}
}

// Evict reclaims clean blocks in segment i until at most its watermark
// (minFreePerSegment) of blocks remain. A background hand calls this
// round-robin across segments; it is exposed here so the caller
// controls scheduling.
func (c *Cache) Evict(i int) {
	seg := c.segments[i%len(c.segments)]
	seg.mu.Lock()
	defer seg.mu.Unlock()
	if len(seg.blocks) <= seg.minFree {
		return
	}
	for k, blk := range seg.blocks {
		if blk.state != stateClean {
			continue
		}
		delete(seg.blocks, k)
		seg.freeCount++
		if len(seg.blocks) <= seg.minFree {
			return
		}
	}
}

// NumSegments reports the number of hash segments, for diagnostics.
func (c *Cache) NumSegments() int { return len(c.segments) }
