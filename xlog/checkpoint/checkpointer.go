package checkpoint

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pierrec/lz4/v4"
	"github.com/sirupsen/logrus"

	"github.com/pbxt/xlogd/xlog"
)

func checkpointPath(dir string, idx int) string {
	return filepath.Join(dir, "xlog-cp-"+itoa(idx)+".xt")
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	return string(rune('0' + v))
}

// compressFile lz4-frames the checkpoint record before it hits disk.
// The record is tiny on its own but its deletable-log list can grow
// with a large backlog of unflushed tables, and the file is read only
// at startup, so the CPU/size trade favors compaction.
func compressFile(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressFile(buf []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(buf))
	return io.ReadAll(zr)
}

// Load scans the two checkpoint files and returns the one with the
// greatest valid checkpoint number (checksum ok, version in range). If
// neither is valid it returns (nil, nil): recovery then starts just
// past the header of the highest existing log file, or of log 1.
func Load(dir string) (*Record, error) {
	var best *Record
	for idx := 0; idx < 2; idx++ {
		compressed, err := os.ReadFile(checkpointPath(dir, idx))
		if err != nil {
			continue
		}
		buf, err := decompressFile(compressed)
		if err != nil {
			continue
		}
		rec, err := Decode(buf)
		if err != nil {
			continue
		}
		if best == nil || rec.Number > best.Number {
			best = rec
		}
	}
	return best, nil
}

// TableFlusher flushes one table's in-memory dirty state (record/row
// file and index) to reach a candidate restart point (§4.4 step 3).
type TableFlusher interface {
	FlushTable(tabID uint32) error
}

// Snapshotter reports the positions the checkpointer needs in order to
// build a restart point candidate (§4.4 step 1).
type Snapshotter interface {
	WriteCursor() xlog.Position
	IndexRecoveryCursor() xlog.Position
	HighWaterTabID() uint32
	HighWaterXactID() uint32
	DirtyTables() []uint32
	DeletableLogs(minLogID xlog.LogID) []xlog.LogID
}

// Checkpointer drives the protocol of §4.4: snapshot positions,
// cooperatively flush every dirty table, fsync, then write and
// publish the less-recently-used checkpoint file.
type Checkpointer struct {
	dir            string
	bytesThreshold int64

	mu         sync.Mutex
	cond       *sync.Cond
	lastNumber uint64

	nextToFlush int
	flushCount  int
	flushing    []uint32
}

// NewCheckpointer builds a checkpointer over dir, triggering every
// bytesThreshold bytes appended (the checkpoint_bytes config key).
func NewCheckpointer(dir string, bytesThreshold int64) *Checkpointer {
	c := &Checkpointer{dir: dir, bytesThreshold: bytesThreshold}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// ShouldTrigger reports whether bytesSinceLast has crossed the
// configured threshold.
func (c *Checkpointer) ShouldTrigger(bytesSinceLast int64) bool {
	return c.bytesThreshold > 0 && bytesSinceLast >= c.bytesThreshold
}

// LastNumber returns the most recently published checkpoint number.
func (c *Checkpointer) LastNumber() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastNumber
}

// SeedNumber primes the checkpoint counter after recovery loads an
// existing checkpoint record, so the next Run call keeps the sequence
// strictly increasing (§8 invariant 5).
func (c *Checkpointer) SeedNumber(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.lastNumber {
		c.lastNumber = n
	}
}

// Run executes one full checkpoint round. flush is called once per
// dirty table, in order, by Run itself; there is no way for another
// caller to report a table as already flushed, so none is skipped. The
// first flush error aborts the round without publishing a checkpoint.
func (c *Checkpointer) Run(snap Snapshotter, flush TableFlusher) (*Record, error) {
	cpLog := snap.WriteCursor()
	indexCP := snap.IndexRecoveryCursor()
	tables := snap.DirtyTables()

	c.mu.Lock()
	c.flushing = tables
	c.nextToFlush = 0
	c.flushCount = 0
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if c.nextToFlush >= len(c.flushing) {
			c.mu.Unlock()
			break
		}
		tabID := c.flushing[c.nextToFlush]
		c.nextToFlush++
		c.mu.Unlock()

		if err := flush.FlushTable(tabID); err != nil {
			return nil, xlog.Wrap(xlog.KindIO, "checkpoint-flush-table", err)
		}
		c.mu.Lock()
		c.flushCount++
		c.cond.Broadcast()
		c.mu.Unlock()
	}

	minLog := cpLog.LogID
	if indexCP.LogID < minLog {
		minLog = indexCP.LogID
	}
	deletable := snap.DeletableLogs(minLog)

	c.mu.Lock()
	number := c.lastNumber + 1
	c.mu.Unlock()

	rec := &Record{
		Version:         HeaderVersion,
		Number:          number,
		RestartLogID:    cpLog.LogID,
		RestartOffset:   cpLog.Offset,
		HighWaterTabID:  snap.HighWaterTabID(),
		HighWaterXactID: snap.HighWaterXactID(),
		IndexLogID:      indexCP.LogID,
		IndexOffset:     indexCP.Offset,
		Deletable:       deletable,
	}

	if err := c.publish(rec); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lastNumber = number
	c.mu.Unlock()

	logrus.Infof("checkpoint %d: restart=%s deleted=%v", number, cpLog, deletable)
	return rec, nil
}

// HeaderVersion mirrors xlog.HeaderVersion for the checkpoint record's
// own version field; kept local to avoid a needless cross-package
// constant dependency.
const HeaderVersion = 1

// publish writes rec to the less-recently-used of the two checkpoint
// files, fsyncs, then leaves the other file as-is (it becomes the new
// LRU slot implicitly, since file selection is cp_no&1).
func (c *Checkpointer) publish(rec *Record) error {
	idx := int(rec.Number & 1)
	path := checkpointPath(c.dir, idx)
	tmp := path + ".tmp"

	compressed, err := compressFile(rec.Encode())
	if err != nil {
		return xlog.Wrap(xlog.KindIO, "checkpoint-write", err)
	}

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return xlog.Wrap(xlog.KindIO, "checkpoint-write", err)
	}
	if _, err := f.Write(compressed); err != nil {
		f.Close()
		return xlog.Wrap(xlog.KindIO, "checkpoint-write", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return xlog.Wrap(xlog.KindIO, "checkpoint-write", err)
	}
	if err := f.Close(); err != nil {
		return xlog.Wrap(xlog.KindIO, "checkpoint-write", err)
	}
	return os.Rename(tmp, path)
}
