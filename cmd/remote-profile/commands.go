package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	remoteprofile "github.com/ideamans/go-remote-profile"
)

// Version はビルド時にldflagsで設定する
var Version = "dev"

// App はCLIアプリケーションを作成する
func App() *cli.App {
	return &cli.App{
		Name:    "remote-profile",
		Usage:   "Persist a browser profile directory to a remote store",
		Version: Version,
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			runCommand(),
			restoreCommand(),
			backupCommand(),
			deleteCommand(),
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "client-id", Usage: "Session client id ([A-Za-z0-9_-]+)"},
		&cli.StringFlag{Name: "data-path", Usage: "Base directory for the profile and scratch directories"},
		&cli.StringFlag{Name: "store", Usage: "Remote store: s3 or local"},
		&cli.StringFlag{Name: "local-root", Usage: "Root directory of the local store"},
		&cli.StringFlag{Name: "log-level", Usage: "Log level: debug, info, warn, error"},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Restore the profile, launch Chrome with it and keep it backed up until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Usage: "Page to open once the browser is up", Value: "about:blank"},
			&cli.StringFlag{Name: "chrome-bin", Usage: "Chrome executable (default: downloaded by rod)"},
			&cli.BoolFlag{Name: "headless", Usage: "Run Chrome headless", Value: true},
			&cli.DurationFlag{Name: "interval", Usage: "Periodic backup interval (min 1m)"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "Serve Prometheus metrics on this address"},
		},
		Action: runAction,
	}
}

func restoreCommand() *cli.Command {
	return &cli.Command{
		Name:  "restore",
		Usage: "Restore the profile directory from the remote store and exit",
		Action: func(c *cli.Context) error {
			return withEngine(c, func(env *runtimeEnv) error {
				if err := env.engine.BeforeStart(c.Context); err != nil {
					return err
				}
				fmt.Fprintln(c.App.Writer, env.engine.ProfileDir())
				return nil
			})
		},
	}
}

func backupCommand() *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "Back up the current profile directory once",
		Action: func(c *cli.Context) error {
			return withEngine(c, func(env *runtimeEnv) error {
				return env.engine.Backup(c.Context, remoteprofile.BackupOptions{Emit: true})
			})
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete",
		Usage: "Delete the session from the remote store",
		Action: func(c *cli.Context) error {
			return withEngine(c, func(env *runtimeEnv) error {
				return env.engine.DeleteRemoteSession(c.Context)
			})
		},
	}
}

func runAction(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withEngine(c, func(env *runtimeEnv) error {
		logger := env.logger
		if env.registry != nil {
			srv := serveMetrics(env.cfg.MetricsAddr, env.registry, logger)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		if err := env.engine.BeforeStart(ctx); err != nil {
			return err
		}

		host, err := launchBrowser(ctx, env.engine.ProfileDir(), c.String("chrome-bin"), c.Bool("headless"))
		if err != nil {
			return err
		}
		defer stopHost(env.engine, host.close)

		if err := host.open(c.String("url")); err != nil {
			return err
		}
		logger.Info("browser ready", zap.String("profile", env.engine.ProfileDir()))

		go func() {
			err := env.engine.AfterReady(ctx)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, remoteprofile.ErrEngineClosed) {
				logger.Error("post-ready hook failed", zap.Error(err))
			}
		}()

		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	})
}

// stopHost はブラウザを閉じる前にエンジンを停止し、実行中のバックアップの終了を待つ
func stopHost(engine interface{ Shutdown() error }, closeBrowser func()) {
	_ = engine.Shutdown()
	closeBrowser()
}

// runtimeEnv はコマンド実行中に使う設定とエンジン
type runtimeEnv struct {
	cfg      *Config
	logger   *zap.Logger
	engine   *remoteprofile.Engine
	registry *prometheus.Registry
}

// withEngine は設定・ロガー・ストア・エンジンを用意してfnを実行し、最後にエンジンを停止する
func withEngine(c *cli.Context, fn func(env *runtimeEnv) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.applyFlags(c)

	logger, err := newLogger(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	store, err := newStore(cfg)
	if err != nil {
		return err
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer func() {
			_ = closer.Close()
		}()
	}

	env := &runtimeEnv{cfg: cfg, logger: logger}

	var metrics *remoteprofile.Metrics
	if cfg.MetricsAddr != "" {
		env.registry = prometheus.NewRegistry()
		metrics = remoteprofile.NewMetrics(env.registry)
	}

	env.engine, err = remoteprofile.NewEngine(remoteprofile.EngineConfig{
		ClientID:           cfg.ClientID,
		DataPath:           cfg.DataPath,
		Store:              store,
		BackupSyncInterval: cfg.BackupInterval,
		ArchiveDir:         cfg.ArchiveDir,
		Logger:             logger,
		Metrics:            metrics,
		Callbacks: remoteprofile.Callbacks{
			OnBackupCompleted: func(info remoteprofile.BackupCompletedInfo) {
				logger.Info("session backup completed and stored in the remote store",
					zap.String("session", info.SessionName),
					zap.Int64("archive_size", info.Stats.ArchiveSize))
			},
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = env.engine.Shutdown()
	}()

	return fn(env)
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}
