// Command xlogd runs the transaction log/recovery core as a
// standalone process: it opens (and if necessary recovers) a log
// directory and keeps the writer and checkpointer running.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/pbxt/xlogd/engine"
	"github.com/pbxt/xlogd/logger"
	"github.com/pbxt/xlogd/server/conf"
	"github.com/pbxt/xlogd/xlog"
)

func main() {
	configPath := flag.String("config", "", "path to xlogd.ini")
	flag.Parse()

	cfg := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: *configPath})
	logger.InitLogger(logger.LogConfig{LogLevel: cfg.RecoveryLogLevel})

	e, err := engine.Open(cfg, nullStore{})
	if err != nil {
		logrus.Fatalf("xlogd: failed to open: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := e.Close(); err != nil {
		logrus.Errorf("xlogd: error during shutdown: %v", err)
		os.Exit(1)
	}
}

// nullStore is a placeholder applier.TableStore for running xlogd
// standalone, with no embedding storage engine wired in: every
// mutation is accepted and discarded. A real deployment replaces this
// with the storage engine's record/row/index implementation.
type nullStore struct{}

func (nullStore) WriteRecordImage(tabID uint32, recID uint64, rec *xlog.Record) error { return nil }
func (nullStore) UpdateFreeListHead(tabID uint32, recID uint64, head uint64) error     { return nil }
func (nullStore) WriteRow(tabID uint32, rowID uint64, rec *xlog.Record) error          { return nil }
func (nullStore) PatchRecordHeader(tabID uint32, recID uint64, kind xlog.RecordKind) error {
	return nil
}
func (nullStore) WriteExternal(logID xlog.LogID, rec *xlog.Record) error { return nil }
