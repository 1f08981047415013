// Package engine is the top-level handle for one database (§9 design
// note): rather than the source's global mutable state
// (fs_globals/trace_globals), every public operation hangs off one
// Engine value constructed explicitly at startup and torn down
// explicitly at shutdown. It owns the writer, the log cache, the
// checkpointer and the applier, and wires them together the way
// recovery expects to find them.
package engine

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pbxt/xlogd/server/conf"
	"github.com/pbxt/xlogd/xlog"
	"github.com/pbxt/xlogd/xlog/applier"
	"github.com/pbxt/xlogd/xlog/checkpoint"
	"github.com/pbxt/xlogd/xlog/logcache"
	"github.com/pbxt/xlogd/xlog/recovery"
	"github.com/pbxt/xlogd/xlog/seqreader"
)

// applyPollInterval is how often the background applier retries Next
// after it catches up to the durable tail.
const applyPollInterval = 20 * time.Millisecond

// evictSweepInterval is how often the cache eviction hand advances to
// the next segment.
const evictSweepInterval = 1 * time.Second

// Engine is one open database: the append path, the block cache, the
// background applier driving durable table state forward, and the
// checkpointer that gates log deletion on the applier's progress.
type Engine struct {
	cfg *conf.Cfg

	Writer       *xlog.LogWriter
	Cache        *logcache.Cache
	Checkpointer *checkpoint.Checkpointer
	Applier      *applier.Applier

	store       applier.TableStore
	applyReader *seqreader.Reader

	appliedMu  sync.Mutex
	appliedPos xlog.Position

	bytesSinceCP int64 // atomic
	evictHand    int64 // atomic, next segment for the eviction sweep

	stop chan struct{}
	wg   sync.WaitGroup
}

// Open runs recovery (§4.6) and starts the background applier,
// checkpointer and cache-eviction loops, matching step 6 of the
// recovery driver: "signal ready; start the writer and checkpointer
// threads."
func Open(cfg *conf.Cfg, store applier.TableStore) (*Engine, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, xlog.Wrap(xlog.KindIO, "engine-open", err)
	}

	app := applier.New(store)

	res, err := recovery.Run(cfg.Dir, app, func(pct float64) {
		logrus.Debugf("recovery: %.1f%% scanned", pct)
	})
	if err != nil {
		return nil, err
	}

	open := func(id xlog.LogID) (*os.File, error) {
		return os.Open(xlog.LogFilePath(cfg.Dir, id))
	}
	cache := logcache.New(cfg.CacheSize, 4, func(logID uint32) (*os.File, error) {
		return open(xlog.LogID(logID))
	})

	writerCfg := xlog.WriterConfig{
		Dir:           cfg.Dir,
		FileThreshold: cfg.FileThreshold,
		BufferSize:    cfg.BufferSize,
	}
	writer, err := xlog.Open(writerCfg, cache, res.AppendLogID, res.AppendOffset)
	if err != nil {
		return nil, err
	}

	cp := checkpoint.NewCheckpointer(cfg.Dir, cfg.CheckpointBytes)
	if res.Checkpoint != nil {
		cp.SeedNumber(res.Checkpoint.Number)
	}

	applyReader := seqreader.New(cache, open)
	if err := applyReader.Start(res.AppendLogID, res.AppendOffset, true); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:          cfg,
		Writer:       writer,
		Cache:        cache,
		Checkpointer: cp,
		Applier:      app,
		store:        store,
		applyReader:  applyReader,
		appliedPos:   xlog.Position{LogID: res.AppendLogID, Offset: res.AppendOffset},
		stop:         make(chan struct{}),
	}

	e.wg.Add(3)
	go e.applyLoop()
	go e.checkpointLoop()
	go e.evictLoop()

	logrus.Infof("xlogd: engine open, resuming append at %s", xlog.Position{LogID: res.AppendLogID, Offset: res.AppendOffset})
	return e, nil
}

// Append writes primary (and optional secondary) bytes through the
// writer, counting appended bytes toward the next checkpoint trigger.
func (e *Engine) Append(primary, secondary []byte, commit bool) (xlog.Position, error) {
	pos, err := e.Writer.Append(primary, secondary, commit)
	if err == nil {
		atomic.AddInt64(&e.bytesSinceCP, int64(len(primary)+len(secondary)))
	}
	return pos, err
}

// NewReader builds a sequential reader over the engine's log files,
// sharing the engine's cache. Independent of the engine's own
// background applier reader.
func (e *Engine) NewReader() *seqreader.Reader {
	open := func(id xlog.LogID) (*os.File, error) {
		return os.Open(xlog.LogFilePath(e.cfg.Dir, id))
	}
	return seqreader.New(e.Cache, open)
}

// applyLoop is the writer/applier actor (§2, §4.5): the one component
// whose entire purpose is turning "logged" into "applied". It trails
// the flushed tail continuously, applying each record through Applier
// as soon as it is durable, and advances the applied cursor the
// checkpointer treats as the real restart point — a record is never
// eligible for its log file to be deleted merely because it was
// flushed; it must also have passed through here.
func (e *Engine) applyLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		default:
		}

		rec, pos, err := e.applyReader.Next()
		if err == xlog.ErrNoMoreRecords {
			select {
			case <-e.stop:
				return
			case <-time.After(applyPollInterval):
			}
			continue
		}
		if err != nil {
			logrus.Errorf("xlogd: background apply stopped at %s: %v", pos, err)
			return
		}

		if applyErr := e.Applier.Apply(rec); applyErr != nil {
			logrus.Errorf("xlogd: background apply failed at %s: %v", pos, applyErr)
			return
		}
		e.setAppliedPosition(e.applyReader.Position())
	}
}

func (e *Engine) setAppliedPosition(pos xlog.Position) {
	e.appliedMu.Lock()
	e.appliedPos = pos
	e.appliedMu.Unlock()
}

// AppliedPosition reports the position up to which every record has
// been applied to the table store, not merely flushed to disk.
func (e *Engine) AppliedPosition() xlog.Position {
	e.appliedMu.Lock()
	defer e.appliedMu.Unlock()
	return e.appliedPos
}

// checkpointLoop triggers a checkpoint round whenever the configured
// byte threshold has been crossed since the last one (§4.4); it also
// ticks periodically so an idle database still checkpoints eventually.
func (e *Engine) checkpointLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			n := atomic.LoadInt64(&e.bytesSinceCP)
			if !e.Checkpointer.ShouldTrigger(n) {
				continue
			}
			if _, err := e.Checkpointer.Run(e, e.flusher()); err != nil {
				logrus.Errorf("checkpoint failed: %v", err)
				continue
			}
			atomic.StoreInt64(&e.bytesSinceCP, 0)
			e.Applier.Txns.Forget()
		}
	}
}

// evictLoop runs the LogCache's background eviction hand (§4.2) across
// segments round-robin, so a long-running engine's cache stays bounded
// instead of growing without limit.
func (e *Engine) evictLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(evictSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			i := int(atomic.AddInt64(&e.evictHand, 1)) % e.Cache.NumSegments()
			e.Cache.Evict(i)
		}
	}
}

// flusher adapts the store (if it implements TableFlusher) to the
// checkpointer's protocol; stores that hold nothing dirty in memory
// may opt out by not implementing it.
func (e *Engine) flusher() checkpoint.TableFlusher {
	if f, ok := e.store.(checkpoint.TableFlusher); ok {
		return f
	}
	return noopFlusher{}
}

type noopFlusher struct{}

func (noopFlusher) FlushTable(tabID uint32) error { return nil }

// Snapshotter implementation: the engine itself reports the positions
// and bookkeeping the checkpointer needs (§4.4 step 1).

// WriteCursor reports the position up to which the background
// applier has caught the table store up, not merely the writer's
// flushed position: a checkpoint captures a restart point recovery
// can safely resume applying from, and nothing before that point may
// have its log file deleted until the applier — not just the writer —
// has actually gone past it.
func (e *Engine) WriteCursor() xlog.Position {
	return e.AppliedPosition()
}

// IndexRecoveryCursor reports the position index recovery can resume
// from; stores without a separate index recovery stream report the
// same position as WriteCursor.
func (e *Engine) IndexRecoveryCursor() xlog.Position {
	return e.WriteCursor()
}

// HighWaterTabID reports the largest table id observed so far.
func (e *Engine) HighWaterTabID() uint32 { return e.Applier.HighWaterTabID() }

// HighWaterXactID reports the largest transaction id observed so far.
func (e *Engine) HighWaterXactID() uint32 { return e.Applier.HighWaterXactID() }

// DirtyTables reports which tables have unflushed mutations, as the
// store's own DirtyTables method reports them; a store without that
// method yields no tables, so a checkpoint flushes none.
func (e *Engine) DirtyTables() []uint32 {
	if d, ok := e.store.(interface{ DirtyTables() []uint32 }); ok {
		return d.DirtyTables()
	}
	return nil
}

// DeletableLogs reports log files strictly below minLogID that the
// applier has observed via DEL_LOG, excluding whatever floor
// xlog_file_count (§6) requires retaining regardless of DEL_LOG: the
// most recent FileCount log files below minLogID stay on disk even if
// the applier considers them deletable.
func (e *Engine) DeletableLogs(minLogID xlog.LogID) []xlog.LogID {
	retainFloor := minLogID
	if e.cfg.FileCount > 0 {
		if minLogID > xlog.LogID(e.cfg.FileCount) {
			retainFloor = minLogID - xlog.LogID(e.cfg.FileCount)
		} else {
			retainFloor = 0
		}
	}

	out := e.Applier.TakeDeletableLogs()
	var filtered, keep []xlog.LogID
	for _, id := range out {
		if id < retainFloor {
			filtered = append(filtered, id)
		} else {
			keep = append(keep, id)
		}
	}
	if len(keep) > 0 {
		e.Applier.ReleaseDeletable(keep)
	}
	return filtered
}

// Close stops the background loops and flushes and closes the writer.
func (e *Engine) Close() error {
	close(e.stop)
	e.wg.Wait()
	return e.Writer.Close()
}
