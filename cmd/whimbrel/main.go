// Command whimbrel runs one node of a replicated SQLite service. A
// primary executes writes, frames committed units into a durable
// replication log, and streams the log to replicas. A replica applies
// the stream to its local copy, serves reads, and forwards writes back
// to the primary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"whimbrel/client"
	"whimbrel/config"
	"whimbrel/idle"
	"whimbrel/metrics"
	"whimbrel/protocol"
	"whimbrel/proxy"
	"whimbrel/replica"
	"whimbrel/server"
	"whimbrel/store"
	"whimbrel/wal"
)

const compactCheckInterval = 30 * time.Second

func main() {
	var (
		homeDir    = flag.String("home", defaultHome(), "home directory for config, certs and data")
		configPath = flag.String("config", "", "config file path (default <home>/config.json)")
		initHome   = flag.Bool("generate-config", false, "generate a sample config and certificate set, then exit")
	)
	flag.Parse()

	if *configPath == "" {
		*configPath = filepath.Join(*homeDir, "config.json")
	}

	if *initHome {
		defaultCfg := config.Config{
			Role:                config.RolePrimary,
			Port:                protocol.DefaultPort,
			DataDir:             "data",
			MaxConns:            256,
			MetricsAddr:         ":9090",
			CompactAfterFrames:  4096,
			IdleShutdownTimeout: "0",
			TLSCertFile:         "certs/server.crt",
			TLSKeyFile:          "certs/server.key",
			TLSCAFile:           "certs/ca.crt",
			TLSClientCertFile:   "certs/client.crt",
			TLSClientKeyFile:    "certs/client.key",
		}
		if err := config.GenerateConfigArtifacts(*homeDir, defaultCfg, *configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath, *homeDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg, logger); err != nil {
		logger.Error("Fatal", "err", err)
		os.Exit(1)
	}
}

func defaultHome() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".whimbrel")
	}
	return ".whimbrel"
}

func run(ctx context.Context, stop context.CancelFunc, cfg config.Config, logger *slog.Logger) error {
	switch cfg.Role {
	case config.RolePrimary:
		return runPrimary(ctx, stop, cfg, logger)
	case config.RoleReplica:
		return runReplica(ctx, cfg, logger)
	}
	return fmt.Errorf("unknown role %q", cfg.Role)
}

func runPrimary(ctx context.Context, stop context.CancelFunc, cfg config.Config, logger *slog.Logger) error {
	log, err := wal.Open(filepath.Join(cfg.DataDir, "log"), wal.Options{Fsync: true, Logger: logger})
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.DataDir, func(frame []byte) error {
		_, _, err := log.Append([][]byte{frame})
		return err
	}, logger)
	if err != nil {
		log.Close()
		return err
	}

	tracker := idle.NewTracker(logger)
	srv, err := server.NewServer(cfg.Port, proxy.NewLocal(db), log, tracker, logger,
		cfg.MaxConns, cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSCAFile)
	if err != nil {
		db.Close()
		log.Close()
		return err
	}

	metrics.StartMetricsServer(cfg.MetricsAddr, srv, log, nil, logger)

	if cfg.CompactAfterFrames > 0 {
		go compactLoop(ctx, log, cfg.CompactAfterFrames, logger)
	}

	idleTimeout, _ := cfg.IdleTimeout()
	go tracker.Watch(ctx, idleTimeout, func() {
		logger.Info("Idle shutdown")
		stop()
	})

	go func() {
		<-ctx.Done()
		srv.CloseAll()
	}()
	return srv.Run(ctx)
}

func runReplica(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := store.Open(cfg.DataDir, nil, logger)
	if err != nil {
		return err
	}

	tlsConf, err := client.LoadTLS(client.TLSFiles{
		CertFile: cfg.TLSClientCertFile,
		KeyFile:  cfg.TLSClientKeyFile,
		CAFile:   cfg.TLSCAFile,
	})
	if err != nil {
		db.Close()
		return err
	}

	rep, err := replica.Open(cfg.DataDir, cfg.ReplicaID, cfg.PrimaryAddr, tlsConf, db, logger)
	if err != nil {
		db.Close()
		return err
	}
	go rep.Run(ctx)

	tracker := idle.NewTracker(logger)
	srv, err := server.NewServer(cfg.Port, proxy.NewWriteProxy(db, cfg.PrimaryAddr, tlsConf, logger),
		nil, tracker, logger, cfg.MaxConns, cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSCAFile)
	if err != nil {
		rep.Close()
		db.Close()
		return err
	}

	metrics.StartMetricsServer(cfg.MetricsAddr, srv, nil, rep, logger)

	go func() {
		<-ctx.Done()
		srv.CloseAll()
		rep.Close()
	}()
	return srv.Run(ctx)
}

// compactLoop seals the live log into a snapshot artifact whenever it
// grows past the configured threshold.
func compactLoop(ctx context.Context, log *wal.Log, threshold uint64, logger *slog.Logger) {
	ticker := time.NewTicker(compactCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if log.LiveFrames() < threshold {
				continue
			}
			start := time.Now()
			if err := log.Compact(); err != nil {
				logger.Error("Compaction failed", "err", err)
				continue
			}
			logger.Info("Compacted replication log", "took", time.Since(start), "next_offset", log.NextOffset())
		}
	}
}
