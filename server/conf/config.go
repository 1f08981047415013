package conf

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

var ConfigPath string

type CommandLineArgs struct {
	ConfigPath string
}

/**
[xlog]
dir               = /var/lib/xlogd
file_threshold    = 67108864
file_count        = 4
buffer_size       = 262144
cache_size        = 128
checkpoint_bytes  = 16777216
recovery_log_level = info
*/
type Cfg struct {
	Raw *ini.File

	Dir string

	FileThreshold int64 // xlog_file_threshold: rotate when a file would exceed this size
	FileCount     int   // xlog_file_count: static lower bound on retained log files
	BufferSize    int   // xlog_buffer_size: append/write buffer size
	CacheSize     int   // xlog_cache_size: number of LogCache segments

	CheckpointBytes int64 // checkpoint_bytes: trigger a checkpoint every N bytes appended

	RecoveryLogLevel string // recovery_log_level: logrus level name used during replay
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw:              ini.Empty(),
		Dir:              ".",
		FileThreshold:    64 * 1024 * 1024,
		FileCount:        4,
		BufferSize:       256 * 1024,
		CacheSize:        128,
		CheckpointBytes:  16 * 1024 * 1024,
		RecoveryLogLevel: "info",
	}
}

func (cfg *Cfg) Load(args *CommandLineArgs) *Cfg {
	setHomePath(args)
	iniFile, err := cfg.loadConfiguration(args)
	if err != nil {
		logrus.Fatalf("failed to load configuration: %v", err)
	}
	cfg.Raw = iniFile

	cfg.parseXLogCfg(cfg.Raw.Section("xlog"))
	return cfg
}

func setHomePath(args *CommandLineArgs) {
	if args.ConfigPath != "" {
		ConfigPath = args.ConfigPath
		return
	}
	ConfigPath, _ = filepath.Abs(".")
}

func (cfg *Cfg) parseXLogCfg(section *ini.Section) *Cfg {
	cfg.Dir = section.Key("dir").MustString(cfg.Dir)
	cfg.FileThreshold = section.Key("file_threshold").MustInt64(cfg.FileThreshold)
	cfg.FileCount = section.Key("file_count").MustInt(cfg.FileCount)
	cfg.BufferSize = section.Key("buffer_size").MustInt(cfg.BufferSize)
	cfg.CacheSize = section.Key("cache_size").MustInt(cfg.CacheSize)
	cfg.CheckpointBytes = section.Key("checkpoint_bytes").MustInt64(cfg.CheckpointBytes)
	cfg.RecoveryLogLevel = section.Key("recovery_log_level").MustString(cfg.RecoveryLogLevel)
	return cfg
}

func (cfg *Cfg) loadConfiguration(args *CommandLineArgs) (*ini.File, error) {
	defaultConfigFile := args.ConfigPath
	if defaultConfigFile == "" {
		return ini.Empty(), nil
	}

	if _, err := os.Stat(defaultConfigFile); os.IsNotExist(err) {
		logrus.Warnf("xlogd: config file %q not found, using defaults", defaultConfigFile)
		return ini.Empty(), nil
	}

	parsedFile, err := ini.Load(defaultConfigFile)
	if err != nil {
		return nil, err
	}
	return parsedFile, nil
}
