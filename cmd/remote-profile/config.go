package main

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/urfave/cli/v2"

	remoteprofile "github.com/ideamans/go-remote-profile"
)

// envPrefix は環境変数のプレフィックス（REMOTE_PROFILE_CLIENT_ID など）
const envPrefix = "REMOTE_PROFILE"

// Config はCLIの設定
type Config struct {
	ClientID       string        `envconfig:"CLIENT_ID"`
	DataPath       string        `envconfig:"DATA_PATH" default:"./.wwebjs_auth/"`
	BackupInterval time.Duration `envconfig:"BACKUP_INTERVAL" default:"5m"`
	ArchiveDir     string        `envconfig:"ARCHIVE_DIR"`

	Store     string `envconfig:"STORE" default:"s3"`
	LocalRoot string `envconfig:"LOCAL_ROOT"`

	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3Token     string `envconfig:"S3_SESSION_TOKEN"`
	S3Bucket    string `envconfig:"S3_BUCKET"`
	S3Prefix    string `envconfig:"S3_PREFIX" default:"sessions/"`
	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3ACL       string `envconfig:"S3_ACL" default:"private"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogDev   bool   `envconfig:"LOG_DEV" default:"false"`

	MetricsAddr string `envconfig:"METRICS_ADDR"`
}

// loadConfig は環境変数から設定を読み込む
func loadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// applyFlags はコマンドラインで明示されたフラグで設定を上書きする
func (cfg *Config) applyFlags(c *cli.Context) {
	if c.IsSet("client-id") {
		cfg.ClientID = c.String("client-id")
	}
	if c.IsSet("data-path") {
		cfg.DataPath = c.String("data-path")
	}
	if c.IsSet("store") {
		cfg.Store = c.String("store")
	}
	if c.IsSet("local-root") {
		cfg.LocalRoot = c.String("local-root")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("interval") {
		cfg.BackupInterval = c.Duration("interval")
	}
	if c.IsSet("metrics-addr") {
		cfg.MetricsAddr = c.String("metrics-addr")
	}
}

// newStore は設定に応じたリモートストアを作成する
func newStore(cfg *Config) (remoteprofile.RemoteStore, error) {
	switch cfg.Store {
	case "s3":
		return remoteprofile.NewS3Store(remoteprofile.S3StoreConfig{
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			SessionToken:    cfg.S3Token,
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Endpoint:        cfg.S3Endpoint,
			ACL:             cfg.S3ACL,
		})
	case "local":
		return remoteprofile.NewLocalStore(remoteprofile.LocalStoreConfig{
			RootDir: cfg.LocalRoot,
		})
	default:
		return nil, fmt.Errorf("%w: unknown store %q (want s3 or local)", remoteprofile.ErrInvalidConfig, cfg.Store)
	}
}
