package config

import (
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// Config holds the ktd server's startup configuration.
type Config struct {
	LogLevel     logrus.Level `json:"log_level"`
	ListenAddr   string       `json:"listen_addr" default:":1978"`
	BinaryAddr   string       `json:"binary_addr" default:":1979"`
	RESTAddr     string       `json:"rest_addr" default:":1980"`
	DBNames      []string     `json:"db_names"`
	CapacityRecs int64        `json:"capacity_records"`
	CapacitySize int64        `json:"capacity_size"`

	SnapshotPath      string        `json:"snapshot_path"`
	SnapshotInterval  time.Duration `json:"snapshot_interval"`
	UlogDir           string        `json:"ulog_dir"`
	UlogFileLimit     int64         `json:"ulog_file_limit" default:"268435456"`
	AsyncSyncInterval time.Duration `json:"async_sync_interval"`

	ServerID        uint16 `json:"server_id" default:"1"`
	ReplicationHost string `json:"replication_host"`
	ReplicationPort string `json:"replication_port"`
	WhiteSID        bool   `json:"white_sid"`

	IdleSweepInterval time.Duration `json:"idle_sweep_interval"`
	HardSyncInterval  time.Duration `json:"hard_sync_interval"`
}

// DefaultConfig returns the defaults a bare `ktd serve` starts with: one
// unnamed database, no replication, and the update log disabled until
// a directory is configured. Scalar defaults come from the struct tags;
// durations and the log level have no tag-expressible form and are set
// here.
func DefaultConfig() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	c.LogLevel = logrus.InfoLevel
	c.DBNames = []string{""}
	c.AsyncSyncInterval = time.Second
	c.IdleSweepInterval = 500 * time.Millisecond
	c.HardSyncInterval = 10 * time.Second
	return c
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
