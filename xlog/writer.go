package xlog

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pbxt/xlogd/xlog/logcache"
)

// WriterConfig bundles the tunables from §6's configuration table that
// apply to the append path.
type WriterConfig struct {
	Dir            string
	FileThreshold  int64 // xlog_file_threshold
	BufferSize     int   // xlog_buffer_size, applies to both buffers
}

// LogWriter is the single append point shared by every transaction
// thread. It owns the append buffer, the write buffer and the open
// file descriptor for the current log (§4.1).
//
// Lock order is append-buffer lock -> write mutex, matching the
// deadlock argument in §5: append never blocks on I/O, flush is the
// only place that performs a blocking pwrite+fsync.
type LogWriter struct {
	cfg   WriterConfig
	cache *logcache.Cache

	bufMu     sync.Mutex // the "spin lock": guards the append buffer and cursors
	appendBuf []byte
	appendAt  Position // position of appendBuf[0]

	writeMu   sync.Mutex
	writeCond *sync.Cond
	writeBuf  []byte
	writeAt   Position // position of writeBuf[0], set when bufMu hands it off

	flushed Position // last position known durable
	failed  bool

	file      *os.File
	fileLogID LogID
	fileEnd   LogOffset // current on-disk length of the open file

	nextLogID LogID
}

// Open creates or continues a log file for append at the given
// (log_id, offset), used both by a brand-new database (offset ==
// EncodedHeaderLen) and by recovery reopening the file where replay stopped.
func Open(cfg WriterConfig, cache *logcache.Cache, id LogID, offset LogOffset) (*LogWriter, error) {
	w := &LogWriter{cfg: cfg, cache: cache, nextLogID: id}
	w.writeCond = sync.NewCond(&w.writeMu)

	path := logFilePath(cfg.Dir, id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, Wrap(KindIO, "open", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Wrap(KindIO, "open", err)
	}
	if info.Size() == 0 {
		hdr := NewHeader(id).Encode()
		if _, err := f.WriteAt(hdr, 0); err != nil {
			f.Close()
			return nil, Wrap(KindIO, "open", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, Wrap(KindIO, "open", err)
		}
	}
	if err := f.Truncate(int64(offset)); err != nil {
		f.Close()
		return nil, Wrap(KindIO, "open", err)
	}
	w.file = f
	w.fileLogID = id
	w.fileEnd = offset
	w.flushed = Position{LogID: id, Offset: offset}
	w.appendAt = w.flushed
	return w, nil
}

func logFilePath(dir string, id LogID) string {
	return filepath.Join(dir, fmtLogName(id))
}

// LogFilePath exposes the writer's log-file naming scheme to callers
// outside this package (recovery, checkpoint deletion) that need to
// open or unlink a specific log file directly.
func LogFilePath(dir string, id LogID) string {
	return logFilePath(dir, id)
}

func fmtLogName(id LogID) string {
	return "xlog-" + padID(uint32(id)) + ".xt"
}

func padID(id uint32) string {
	const width = 8
	s := itoa(uint64(id))
	for len(s) < width {
		s = "0" + s
	}
	return s
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Append reserves space for one or two byte slices (a primary record
// and an optional secondary one written atomically alongside it),
// returning the position assigned to the first byte. Outside a file
// rotation (which flushes the current file and creates the next one)
// and a commit (which waits in Flush until the appended bytes are
// durable), it performs no I/O: it may swap the append buffer into the
// write buffer, but the actual pwrite happens in Flush.
func (w *LogWriter) Append(primary, secondary []byte, commit bool) (Position, error) {
	w.bufMu.Lock()
	if w.failed {
		w.bufMu.Unlock()
		return Position{}, ErrWriterFailed
	}

	total := len(primary) + len(secondary)
	if w.needsRotation(total) {
		if err := w.rotateLocked(); err != nil {
			w.failed = true
			w.bufMu.Unlock()
			return Position{}, Wrap(KindIO, "append-rotate", err)
		}
	}

	pos := Position{LogID: w.fileLogID, Offset: w.appendAt.Offset + LogOffset(len(w.appendBuf))}
	w.appendBuf = append(w.appendBuf, primary...)
	w.appendBuf = append(w.appendBuf, secondary...)

	if len(w.appendBuf) >= w.cfg.BufferSize {
		w.handOffLocked()
	}
	w.bufMu.Unlock()

	if commit {
		end := Position{LogID: pos.LogID, Offset: pos.Offset + LogOffset(total)}
		if err := w.Flush(end); err != nil {
			return pos, err
		}
	}
	return pos, nil
}

// needsRotation reports whether appending size more bytes would cross
// the current file's threshold and size is at most the threshold minus
// HeaderSize (§4.1 rotation rule); a record larger than that is
// appended to the current file without rotating.
func (w *LogWriter) needsRotation(size int) bool {
	would := int64(w.appendAt.Offset) + int64(len(w.appendBuf)) + int64(size)
	return would > w.cfg.FileThreshold && int64(size) <= w.cfg.FileThreshold-HeaderSize
}

// rotateLocked writes an END_OF_LOG pad and a NEW_LOG marker into the
// current file's append buffer, flushes it and seals the file's header,
// then creates log_id+1, writes and syncs its HEADER record directly,
// and starts an empty append buffer just past it. Must hold bufMu.
func (w *LogWriter) rotateLocked() error {
	pad := (&Record{Kind: KindEndOfLog}).Encode()
	next := w.nextLogID + 1
	nl := (&Record{Kind: KindNewLog, LogID: next}).Encode()
	w.appendBuf = append(w.appendBuf, pad...)
	w.appendBuf = append(w.appendBuf, nl...)
	w.handOffLocked()

	w.writeMu.Lock()
	if err := w.flushPendingLocked(); err != nil {
		w.writeMu.Unlock()
		return err
	}
	w.writeMu.Unlock()

	if err := sealHeader(w.file, w.fileEnd); err != nil {
		return err
	}

	path := logFilePath(w.cfg.Dir, next)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	hdr := NewHeader(next).Encode()
	if _, err := f.WriteAt(hdr, 0); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	w.file.Close()
	w.file = f
	w.fileLogID = next
	w.fileEnd = LogOffset(len(hdr))
	w.nextLogID = next
	w.appendBuf = nil
	w.appendAt = Position{LogID: next, Offset: w.fileEnd}
	return nil
}

// handOffLocked moves the append buffer into the write buffer and
// wakes the writer. Must hold bufMu; acquires writeMu briefly.
func (w *LogWriter) handOffLocked() {
	if len(w.appendBuf) == 0 {
		return
	}
	w.writeMu.Lock()
	if len(w.writeBuf) == 0 {
		w.writeAt = w.appendAt
	}
	w.writeBuf = append(w.writeBuf, w.appendBuf...)
	w.writeCond.Broadcast()
	w.writeMu.Unlock()

	w.appendAt = Position{LogID: w.appendAt.LogID, Offset: w.appendAt.Offset + LogOffset(len(w.appendBuf))}
	w.appendBuf = w.appendBuf[:0]
}

// Flush blocks until the flush cursor has advanced at least to pos.
// Group commit: the first caller to observe pending bytes performs the
// pwrite+fsync for everyone; later callers see flushed >= pos and
// return without doing I/O (§4.1).
func (w *LogWriter) Flush(pos Position) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	for w.flushed.Less(pos) {
		if w.failed {
			return ErrWriterFailed
		}
		if len(w.writeBuf) == 0 {
			// nothing handed off yet for this position: pull the append
			// buffer over ourselves. writeMu is released first so the
			// bufMu -> writeMu order handOffLocked relies on is kept.
			w.writeMu.Unlock()
			w.bufMu.Lock()
			w.handOffLocked()
			w.bufMu.Unlock()
			w.writeMu.Lock()
		}
		if err := w.flushPendingLocked(); err != nil {
			w.failed = true
			return Wrap(KindIO, "flush", err)
		}
	}
	return nil
}

// flushPendingLocked performs exactly one pwrite + fsync of whatever
// is currently in the write buffer. Must hold writeMu.
func (w *LogWriter) flushPendingLocked() error {
	if len(w.writeBuf) == 0 {
		return nil
	}
	buf := w.writeBuf
	at := w.writeAt
	w.writeBuf = nil

	if _, err := w.file.WriteAt(buf, int64(at.Offset)); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	if w.cache != nil {
		w.cache.WriteThrough(uint32(at.LogID), uint64(at.Offset), buf)
	}

	w.fileEnd = at.Offset + LogOffset(len(buf))
	w.flushed = Position{LogID: at.LogID, Offset: w.fileEnd}
	w.writeAt = Position{}
	w.writeCond.Broadcast()
	return nil
}

// LogData is the convenience append+optional-wait helper described in
// §4.1 ("log_data").
func (w *LogWriter) LogData(primary []byte, commit bool) (Position, error) {
	return w.Append(primary, nil, commit)
}

// Failed reports whether a prior flush I/O error has put the writer in
// the failed state (§4.1, §7): only recovery can clear it.
func (w *LogWriter) Failed() bool {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.failed
}

// CurrentLogID returns the log file currently open for append.
func (w *LogWriter) CurrentLogID() LogID {
	w.bufMu.Lock()
	defer w.bufMu.Unlock()
	return w.fileLogID
}

// FlushedPosition returns the position up to which bytes are durable
// on disk (the last successful pwrite+fsync), as distinct from bytes
// merely buffered in the append stage. The engine's checkpoint restart
// cursor is the applier's position (engine.Engine.WriteCursor), which
// never runs ahead of this one.
func (w *LogWriter) FlushedPosition() Position {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.flushed
}

// Close flushes any pending bytes, rewrites the current file's header
// with its clean end-of-file (§3 invariant 2), and closes the file.
func (w *LogWriter) Close() error {
	w.bufMu.Lock()
	w.handOffLocked()
	w.bufMu.Unlock()

	w.writeMu.Lock()
	err := w.flushPendingLocked()
	w.writeMu.Unlock()
	if err != nil {
		return err
	}
	if err := sealHeader(w.file, w.fileEnd); err != nil {
		return err
	}
	return w.file.Close()
}

// sealHeader rewrites a log file's header with the byte offset of its
// clean end-of-file, so a later open can tell where a prior clean
// rotation or shutdown left off (§3 invariant 2, §4.1 rotation
// bookkeeping). AccumulatedFreeSpace is left untouched: the writer
// never interprets what it appends, so byte-level free-space
// accounting belongs to the table-level compaction code that does
// understand record semantics (out of scope, §1), not to this file.
func sealHeader(f *os.File, eof LogOffset) error {
	buf := make([]byte, EncodedHeaderLen)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return err
	}
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return err
	}
	hdr.LastCleanEOF = uint64(eof)
	if _, err := f.WriteAt(hdr.Encode(), 0); err != nil {
		return err
	}
	return f.Sync()
}
