package main

import (
	"context"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/ktd/internal/groutine"
	"github.com/srg/ktd/internal/kv"
	"github.com/srg/ktd/internal/replication"
	"github.com/srg/ktd/internal/script"
	"github.com/srg/ktd/internal/timeddb"
	"github.com/srg/ktd/internal/ulog"
	"github.com/srg/ktd/internal/worker"
	"github.com/srg/ktd/pkg/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ktd server",
	Long: `Starts the ktd server: opens one TimedDB per configured database name,
an update log if a ulog directory is set, and listens for RPC/HTTP-TSV,
binary, and REST connections. If --replication-host and --replication-port
are set, a replication Slave thread also pulls from that master into the
first database; the binary listener keeps serving this server's own
update log to slaves either way.`,
	RunE: runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("listen-addr", config.DefaultConfig().ListenAddr, "TSV/RPC listen address")
	flags.String("binary-addr", config.DefaultConfig().BinaryAddr, "binary protocol listen address")
	flags.String("rest-addr", config.DefaultConfig().RESTAddr, "REST HTTP listen address")
	flags.StringSlice("db", config.DefaultConfig().DBNames, "database names (repeatable); first is the default index-0 database")
	flags.Int64("capacity-records", 0, "evict records beyond this count (0 disables)")
	flags.Int64("capacity-size", 0, "evict records beyond this total size in bytes (0 disables)")
	flags.String("ulog-dir", "", "update log directory (empty disables replication logging)")
	flags.Int64("ulog-file-limit", config.DefaultConfig().UlogFileLimit, "rotate update log files at this size")
	flags.Duration("async-sync-interval", config.DefaultConfig().AsyncSyncInterval, "background fsync interval for the update log")
	flags.Uint16("server-id", config.DefaultConfig().ServerID, "this server's replication origin id")
	flags.String("replication-host", "", "master host to replicate from (enables slave mode)")
	flags.String("replication-port", "", "master port to replicate from")
	flags.Bool("white-sid", false, "replicate only records originating from --server-id instead of excluding them")
	flags.String("snapshot-path", "", "directory to write periodic snapshots into")
	flags.Duration("snapshot-interval", 0, "periodic snapshot interval (0 disables)")
	flags.Duration("idle-sweep-interval", config.DefaultConfig().IdleSweepInterval, "idle housekeeping vacuum period")
	flags.Duration("hard-sync-interval", config.DefaultConfig().HardSyncInterval, "periodic hard-synchronize period")
	flags.String("script", "", "Lua script file backing play_script (re-read on SIGHUP)")
	flags.String("pid-file", "", "write the server PID to this file")
}

func configFromFlags(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	flags := cmd.Flags()

	cfg.ListenAddr, _ = flags.GetString("listen-addr")
	cfg.BinaryAddr, _ = flags.GetString("binary-addr")
	cfg.RESTAddr, _ = flags.GetString("rest-addr")
	cfg.DBNames, _ = flags.GetStringSlice("db")
	cfg.CapacityRecs, _ = flags.GetInt64("capacity-records")
	cfg.CapacitySize, _ = flags.GetInt64("capacity-size")
	cfg.UlogDir, _ = flags.GetString("ulog-dir")
	cfg.UlogFileLimit, _ = flags.GetInt64("ulog-file-limit")
	cfg.AsyncSyncInterval, _ = flags.GetDuration("async-sync-interval")
	cfg.ServerID, _ = flags.GetUint16("server-id")
	cfg.ReplicationHost, _ = flags.GetString("replication-host")
	cfg.ReplicationPort, _ = flags.GetString("replication-port")
	cfg.WhiteSID, _ = flags.GetBool("white-sid")
	cfg.SnapshotPath, _ = flags.GetString("snapshot-path")
	cfg.SnapshotInterval, _ = flags.GetDuration("snapshot-interval")
	cfg.IdleSweepInterval, _ = flags.GetDuration("idle-sweep-interval")
	cfg.HardSyncInterval, _ = flags.GetDuration("hard-sync-interval")

	if len(cfg.DBNames) == 0 {
		cfg.DBNames = []string{""}
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	cfg, err := configFromFlags(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var log *ulog.Logger
	var trigger timeddb.Trigger
	if cfg.UlogDir != "" {
		log, err = ulog.Open(cfg.UlogDir, cfg.UlogFileLimit, cfg.AsyncSyncInterval, logger)
		if err != nil {
			return err
		}
		defer log.Close()
		trigger = &replication.UlogTrigger{Log: log}
	}

	dbs := make([]*timeddb.TimedDB, len(cfg.DBNames))
	for i := range cfg.DBNames {
		dbs[i] = timeddb.Open(kv.NewMemStore(), timeddb.Options{
			DBID:          uint16(i),
			ServerID:      cfg.ServerID,
			CapacityCount: cfg.CapacityRecs,
			CapacitySize:  cfg.CapacitySize,
			Trigger:       trigger,
			Logger:        logger,
		})
	}
	defer func() {
		for _, db := range dbs {
			db.Close()
		}
	}()

	var scriptEngine *script.Engine
	if len(dbs) > 0 {
		scriptEngine = script.NewEngine(dbs[0], logger)
		defer scriptEngine.Close()
		if scriptPath, _ := cmd.Flags().GetString("script"); scriptPath != "" {
			if err := scriptEngine.LoadFile(scriptPath); err != nil {
				return err
			}
		}
	}

	if pidPath, _ := cmd.Flags().GetString("pid-file"); pidPath != "" {
		if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
			return err
		}
		defer os.Remove(pidPath)
	}

	srv := worker.NewServer(dbs, cfg.DBNames, scriptEngine, log, cfg.ServerID, logger)
	srv.StartHousekeeping(ctx, cfg.IdleSweepInterval, cfg.HardSyncInterval)
	defer srv.StopHousekeeping()

	if cfg.ReplicationHost != "" && cfg.ReplicationPort != "" && len(dbs) > 0 {
		addr := net.JoinHostPort(cfg.ReplicationHost, cfg.ReplicationPort)
		dial := func(dialCtx context.Context) (io.ReadWriteCloser, error) {
			d := net.Dialer{Timeout: 10 * time.Second}
			return d.DialContext(dialCtx, "tcp", addr)
		}
		rtsPath := filepath.Join(os.TempDir(), "ktd-rts-"+strconv.Itoa(int(cfg.ServerID)))
		if cfg.UlogDir != "" {
			rtsPath = filepath.Join(cfg.UlogDir, "rts")
		}
		slave := replication.NewSlave(dbs[0], 0, cfg.ServerID, rtsPath, dial, logger)
		slave.WhiteSID = cfg.WhiteSID
		srv.Slave = slave
		groutine.Go(ctx, "replication.slave", func(ctx context.Context) {
			if err := slave.Run(ctx); err != nil {
				logger.WithError(err).Warn("replication slave exited")
			}
		})
	}

	if cfg.SnapshotPath != "" && cfg.SnapshotInterval > 0 {
		groutine.Go(ctx, "snapshot.ticker", func(ctx context.Context) {
			runSnapshotLoop(ctx, dbs, cfg.SnapshotPath, cfg.SnapshotInterval, logger)
		})
	}

	errCh := make(chan error, 3)
	groutine.Go(ctx, "worker.rpc", func(ctx context.Context) {
		errCh <- srv.ListenAndServe(ctx, cfg.ListenAddr)
	})
	groutine.Go(ctx, "worker.binary", func(ctx context.Context) {
		errCh <- srv.ListenAndServeBinary(ctx, cfg.BinaryAddr)
	})
	groutine.Go(ctx, "worker.rest", func(ctx context.Context) {
		errCh <- srv.ListenAndServeREST(ctx, cfg.RESTAddr)
	})

	logger.WithFields(logrus.Fields{
		"listen_addr": cfg.ListenAddr,
		"binary_addr": cfg.BinaryAddr,
		"rest_addr":   cfg.RESTAddr,
		"dbs":         len(dbs),
	}).Info("ktd serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if scriptEngine != nil {
					if err := scriptEngine.ReloadFile(); err != nil {
						logger.WithError(err).Warn("script reload failed")
					} else {
						logger.Info("script reloaded")
					}
				}
				continue
			}
			logger.Info("shutdown signal received")
			cancel()
			return nil
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("server listener failed")
				cancel()
				return err
			}
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// runSnapshotLoop periodically dumps every database to the
// background-snapshot directory.
func runSnapshotLoop(ctx context.Context, dbs []*timeddb.TimedDB, dir string, interval time.Duration, logger *logrus.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i, db := range dbs {
				path := filepath.Join(dir, "db-"+strconv.Itoa(i)+".ktss")
				if err := dumpSnapshotAtomic(db, path); err != nil {
					logger.WithError(err).WithField("db", i).Warn("snapshot failed")
				}
			}
		}
	}
}

// dumpSnapshotAtomic writes db's snapshot to a temp file in dir then
// renames it into place, so a reader never observes a partial dump.
func dumpSnapshotAtomic(db *timeddb.TimedDB, path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := db.DumpSnapshot(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
