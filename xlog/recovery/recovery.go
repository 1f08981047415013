// Package recovery implements the startup recovery driver (§4.6): it
// runs once before any client work is accepted, replays the durable
// log tail through the applier, and hands back the position the
// writer must resume appending from.
package recovery

import (
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pbxt/xlogd/xlog"
	"github.com/pbxt/xlogd/xlog/applier"
	"github.com/pbxt/xlogd/xlog/checkpoint"
	"github.com/pbxt/xlogd/xlog/logcache"
	"github.com/pbxt/xlogd/xlog/seqreader"
)

// ProgressFunc is called periodically during replay with the
// percentage (0-100) of total log bytes scanned so far (§4.6 step 3).
type ProgressFunc func(percent float64)

// Result is everything the writer and checkpointer need in order to
// resume after recovery completes.
type Result struct {
	Checkpoint    *checkpoint.Record // nil if neither checkpoint file was valid
	AppendLogID   xlog.LogID
	AppendOffset  xlog.LogOffset
	RecordsReplayed int
}

// Run executes the recovery driver against the log files in dir,
// applying every valid record through app. It never returns a
// Corrupt error for trailing garbage: per §3 invariant 1 and §4.3,
// anything at or after the first unparseable byte is treated as an
// incomplete tail, not a fatal condition.
func Run(dir string, app *applier.Applier, progress ProgressFunc) (*Result, error) {
	cp, err := checkpoint.Load(dir)
	if err != nil {
		return nil, err
	}

	var startLogID xlog.LogID
	var startOffset xlog.LogOffset
	if cp != nil {
		for _, id := range cp.Deletable {
			path := xlog.LogFilePath(dir, id)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logrus.Warnf("recovery: could not unlink deletable log %d: %v", id, err)
			}
		}
		startLogID = cp.RestartLogID
		startOffset = cp.RestartOffset
	} else {
		startLogID = highestExistingLogID(dir)
		if startLogID == xlog.NoLogID {
			startLogID = 1
		}
		startOffset = xlog.EncodedHeaderLen
	}

	totalBytes := sumLogFileSizes(dir)

	open := func(id xlog.LogID) (*os.File, error) {
		return os.Open(xlog.LogFilePath(dir, id))
	}
	cache := logcache.New(8, 4, func(logID uint32) (*os.File, error) {
		return open(xlog.LogID(logID))
	})
	reader := seqreader.New(cache, open)

	if err := reader.Start(startLogID, startOffset, true); err != nil {
		return nil, err
	}

	last := xlog.Position{LogID: startLogID, Offset: startOffset}
	count := 0
	scanned := int64(0)

	for {
		rec, pos, err := reader.Next()
		if err == xlog.ErrNoMoreRecords {
			break
		}
		if xlog.IsKind(err, xlog.KindCorrupt) {
			logrus.Warnf("recovery: stopping replay at %s: %v", pos, err)
			break
		}
		if err != nil {
			return nil, err
		}

		if applyErr := app.Apply(rec); applyErr != nil {
			return nil, applyErr
		}

		last = reader.Position()
		count++
		scanned = int64(pos.Offset)
		if progress != nil && totalBytes > 0 {
			progress(100 * float64(scanned) / float64(totalBytes))
		}
	}

	if cp != nil {
		logrus.Infof("recovery: replayed %d records from checkpoint %d, resuming at %s", count, cp.Number, last)
	} else {
		logrus.Infof("recovery: replayed %d records from scratch, resuming at %s", count, last)
	}

	return &Result{
		Checkpoint:      cp,
		AppendLogID:     last.LogID,
		AppendOffset:    last.Offset,
		RecordsReplayed: count,
	}, nil
}

// highestExistingLogID scans dir for xlog-NNNNNNNN.xt files and
// returns the greatest id present, or NoLogID if none exist.
func highestExistingLogID(dir string) xlog.LogID {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return xlog.NoLogID
	}
	var max xlog.LogID
	for _, e := range entries {
		id, ok := parseLogFileName(e.Name())
		if ok && id > max {
			max = id
		}
	}
	return max
}

func parseLogFileName(name string) (xlog.LogID, bool) {
	if !strings.HasPrefix(name, "xlog-") || !strings.HasSuffix(name, ".xt") {
		return 0, false
	}
	mid := strings.TrimSuffix(strings.TrimPrefix(name, "xlog-"), ".xt")
	n, err := strconv.ParseUint(mid, 10, 32)
	if err != nil {
		return 0, false
	}
	return xlog.LogID(n), true
}

func sumLogFileSizes(dir string) int64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		if _, ok := parseLogFileName(e.Name()); !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total
}
