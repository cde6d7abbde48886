package remoteprofile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State はエンジンのライフサイクル状態
type State int32

const (
	StateUninitialized State = iota
	StateRestoring
	StateLive
	StateBackingUp
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRestoring:
		return "restoring"
	case StateLive:
		return "live"
	case StateBackingUp:
		return "backing_up"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Engine はプロファイルディレクトリのリストア・バックアップ・定期同期を管理する
// ホストはBeforeStart、AfterReady、Shutdownをライフサイクルに合わせて呼ぶ
type Engine struct {
	config      EngineConfig
	paths       SessionPaths
	archivePath string
	store       RemoteStore
	archiver    *Archiver
	logger      *zap.Logger
	metrics     *Metrics

	// busy はプロファイルに触れる処理（リストア・バックアップ）の単一実行ガード
	busy atomic.Bool

	mu            sync.Mutex
	state         State
	remoteExisted bool
	scheduler     *Scheduler

	// runs は実行中のリストア・バックアップ。Addはmuの下でShuttingDown前に限る
	runs sync.WaitGroup

	// closeCtx はShutdownでキャンセルされ、実行中の処理のコンテキストへ伝わる
	closeCtx    context.Context
	closeCancel context.CancelFunc
	closeOnce   sync.Once
}

// NewEngine は永続化エンジンを作成する
func NewEngine(config EngineConfig) (*Engine, error) {
	// 設定の検証
	if err := validateEngineConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	paths, err := ResolvePaths(config.ClientID, config.DataPath)
	if err != nil {
		return nil, err
	}
	if err := paths.CheckProfileDir(config.UserDataDir); err != nil {
		return nil, err
	}

	// デフォルト値の設定
	if config.StabilizationDelay == 0 {
		config.StabilizationDelay = DefaultStabilizationDelay
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.ArchiveDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("%w: cannot determine working directory: %v", ErrInvalidConfig, err)
		}
		config.ArchiveDir = wd
	}

	logger := config.Logger.Named("remoteprofile").With(zap.String("session", paths.SessionName))

	pruner, err := NewPruner(config.RequiredDirs, logger)
	if err != nil {
		return nil, err
	}

	archivePath := filepath.Join(config.ArchiveDir, paths.ArchiveName)

	// 同じディレクトリを使うエンジンは同時に1つだけ
	if err := claimPaths(paths.SessionName, paths.ProfileDir, paths.TempDir, archivePath); err != nil {
		return nil, err
	}

	closeCtx, closeCancel := context.WithCancel(context.Background())

	return &Engine{
		config:      config,
		paths:       paths,
		archivePath: archivePath,
		store:       config.Store,
		archiver: &Archiver{
			TempDir: paths.TempDir,
			Pruner:  pruner,
			Logger:  logger,
		},
		logger:      logger,
		metrics:     config.Metrics,
		closeCtx:    closeCtx,
		closeCancel: closeCancel,
	}, nil
}

// ProfileDir はホストが使うプロファイルディレクトリを返す
func (e *Engine) ProfileDir() string {
	return e.paths.ProfileDir
}

// SessionName はリモートストアのキーとなるセッション名を返す
func (e *Engine) SessionName() string {
	return e.paths.SessionName
}

// Paths は解決済みの配置を返す
func (e *Engine) Paths() SessionPaths {
	return e.paths
}

// State は現在の状態を返す
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// BeforeStart はリモートのスナップショットからプロファイルディレクトリを復元する
// スナップショットがなければ空のディレクトリを作る。ホストはこの完了前にプロファイルを使ってはいけない
func (e *Engine) BeforeStart(ctx context.Context) error {
	if !e.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: cannot restore while a backup is running", ErrBackupInProgress)
	}
	defer e.busy.Store(false)

	prev, err := e.beginRun(StateRestoring)
	if err != nil {
		return err
	}
	defer e.runs.Done()

	ctx, cancel := e.runContext(ctx)
	defer cancel()

	if err := e.restore(ctx); err != nil {
		e.leaveState(StateRestoring, prev)
		e.metrics.recordRestore(e.paths.SessionName, resultFailure)
		e.logger.Error("restore failed", zap.Error(err))
		return err
	}

	e.leaveState(StateRestoring, StateLive)
	return nil
}

func (e *Engine) restore(ctx context.Context) error {
	profileDir := e.paths.ProfileDir

	// 古いローカル状態が復元を妨げないようにする
	if _, err := os.Stat(profileDir); err == nil {
		e.logger.Info("clearing existing profile directory", zap.String("path", profileDir))
		if err := os.RemoveAll(profileDir); err != nil {
			e.logger.Warn("failed to clear existing profile directory", zap.String("path", profileDir), zap.Error(err))
		}
	}

	exists, err := e.store.Exists(ctx, e.paths.SessionName)
	if err != nil {
		return fmt.Errorf("%w: exists: %w", ErrStore, err)
	}

	e.mu.Lock()
	e.remoteExisted = exists
	e.mu.Unlock()

	if !exists {
		e.logger.Info("no remote session found, creating new profile directory", zap.String("path", profileDir))
		if err := os.MkdirAll(profileDir, 0755); err != nil {
			return fmt.Errorf("%w: failed to create profile directory: %v", ErrFileSystem, err)
		}
		e.metrics.recordRestore(e.paths.SessionName, resultFresh)
		return nil
	}

	e.logger.Info("fetching remote session")
	if err := e.store.Fetch(ctx, e.paths.SessionName, e.archivePath); err != nil {
		e.removeArchive()
		return fmt.Errorf("%w: fetch: %w", ErrStore, err)
	}

	if err := e.archiver.Decompress(ctx, e.archivePath, profileDir); err != nil {
		return err
	}

	e.metrics.recordRestore(e.paths.SessionName, resultRestored)
	e.logger.Info("remote session restored", zap.String("path", profileDir))
	return nil
}

// AfterReady はホストのセッション準備完了後に呼ぶ
// リモートにスナップショットがなければ安定化待ちの後に初回バックアップを行い、その後定期バックアップを開始する
func (e *Engine) AfterReady(ctx context.Context) error {
	if e.isClosing() {
		return ErrEngineClosed
	}

	exists, err := e.store.Exists(ctx, e.paths.SessionName)
	if err != nil {
		e.mu.Lock()
		exists = e.remoteExisted
		e.mu.Unlock()
		e.logger.Warn("failed to query remote session, using state observed at restore",
			zap.Bool("exists", exists), zap.Error(err))
	}

	if !exists {
		e.logger.Info("no remote session yet, waiting for profile to stabilize",
			zap.Duration("delay", e.config.StabilizationDelay))
		if err := e.sleep(ctx, e.config.StabilizationDelay); err != nil {
			return err
		}
		// 失敗してもBackup内でログ済み。定期バックアップが再試行する
		_ = e.Backup(ctx, BackupOptions{Emit: true})
	} else {
		e.logger.Info("remote session already exists, skipping initial backup")
	}

	return e.startScheduler()
}

// Backup はプロファイルディレクトリを圧縮してリモートストアへ保存する
// 別のバックアップが実行中ならErrBackupInProgressを返し、何もしない
func (e *Engine) Backup(ctx context.Context, opts BackupOptions) error {
	if !e.busy.CompareAndSwap(false, true) {
		e.metrics.recordBackup(e.paths.SessionName, resultOverlap)
		e.logger.Info("backup already in progress, skipping this run")
		return ErrBackupInProgress
	}
	defer e.busy.Store(false)

	prev, err := e.beginRun(StateBackingUp)
	if err != nil {
		return err
	}
	defer e.runs.Done()
	defer e.leaveState(StateBackingUp, prev)

	ctx, cancel := e.runContext(ctx)
	defer cancel()

	profileDir := e.paths.ProfileDir
	if !isAccessibleDir(profileDir) {
		e.metrics.recordBackup(e.paths.SessionName, resultSkipped)
		e.logger.Info("no valid profile directory, skipping backup", zap.String("path", profileDir))
		return nil
	}

	start := time.Now()
	e.logger.Info("starting session backup")

	// アーカイブはこの実行を超えて残さない
	defer e.removeArchive()

	stats, err := e.archiver.Compress(ctx, profileDir, e.archivePath)
	if err != nil {
		return e.backupFailed(ctx, err)
	}

	if err := e.store.Save(ctx, e.paths.SessionName, e.archivePath); err != nil {
		return e.backupFailed(ctx, fmt.Errorf("%w: save: %w", ErrStore, err))
	}

	duration := time.Since(start)
	e.metrics.recordBackupSuccess(e.paths.SessionName, stats, duration)
	e.logger.Info("session backup stored",
		zap.Int("files", stats.Files),
		zap.Int64("archive_size", stats.ArchiveSize),
		zap.Duration("duration", duration))

	if opts.Emit && e.config.Callbacks.OnBackupCompleted != nil {
		e.config.Callbacks.OnBackupCompleted(BackupCompletedInfo{
			SessionName: e.paths.SessionName,
			Stats:       stats,
			Duration:    duration,
		})
	}
	return nil
}

func (e *Engine) backupFailed(ctx context.Context, err error) error {
	// Shutdownによる中断は失敗として扱わない
	if e.isClosing() && ctx.Err() != nil {
		e.logger.Info("session backup cancelled by shutdown", zap.Error(err))
		return err
	}

	e.metrics.recordBackup(e.paths.SessionName, resultFailure)
	e.logger.Error("session backup failed", zap.Error(err))
	if e.config.Callbacks.OnBackupFailed != nil {
		e.config.Callbacks.OnBackupFailed(err)
	}
	return err
}

// DeleteRemoteSession はリモートストアからセッションを削除する。存在しなければ何もしない
func (e *Engine) DeleteRemoteSession(ctx context.Context) error {
	exists, err := e.store.Exists(ctx, e.paths.SessionName)
	if err != nil {
		return fmt.Errorf("%w: exists: %w", ErrStore, err)
	}
	if !exists {
		e.logger.Info("no remote session found to delete")
		return nil
	}

	if err := e.store.Delete(ctx, e.paths.SessionName); err != nil {
		return fmt.Errorf("%w: delete: %w", ErrStore, err)
	}
	e.logger.Info("remote session deleted")
	return nil
}

// Shutdown は定期バックアップを止め、実行中のリストア・バックアップをキャンセルして終了を待つ
// 最終バックアップは行わない。何度呼んでも安全。コールバック内から呼ばないこと
func (e *Engine) Shutdown() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.state = StateShuttingDown
		scheduler := e.scheduler
		e.mu.Unlock()

		e.closeCancel()
		if scheduler != nil {
			scheduler.Stop()
		}

		// パスを解放する前に、アーカイブと作業ディレクトリを使う処理をすべて終わらせる
		e.runs.Wait()

		releasePaths(e.paths.ProfileDir, e.paths.TempDir, e.archivePath)
		e.setState(StateClosed)
		e.logger.Info("engine shut down")
	})
	return nil
}

func (e *Engine) startScheduler() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateShuttingDown || e.state == StateClosed {
		return ErrEngineClosed
	}
	if e.scheduler == nil {
		e.scheduler = NewScheduler(e.config.BackupSyncInterval, func(ctx context.Context) {
			e.logger.Debug("scheduled backup triggered")
			_ = e.Backup(ctx, BackupOptions{})
		})
	}
	e.scheduler.Start()
	e.logger.Info("periodic backup started", zap.Duration("interval", e.config.BackupSyncInterval))
	return nil
}

// beginRun はnextへ遷移して実行中の処理として登録し、元の状態を返す
// 成功したら呼び出し側はruns.Doneを呼ぶ
func (e *Engine) beginRun(next State) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.state
	switch prev {
	case StateShuttingDown, StateClosed:
		return prev, ErrEngineClosed
	}
	e.runs.Add(1)
	e.state = next
	return prev, nil
}

// runContext はctxかShutdownのどちらでもキャンセルされるコンテキストを返す
func (e *Engine) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.closeCtx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// leaveState は状態がまだcurrentならnextへ遷移する。Shutdown中の状態は上書きしない
func (e *Engine) leaveState(current, next State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == current {
		e.state = next
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

func (e *Engine) isClosing() bool {
	return e.closeCtx.Err() != nil
}

// sleep はdだけ待つ。ctxのキャンセルかShutdownで中断する
func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closeCtx.Done():
		return ErrEngineClosed
	}
}

func (e *Engine) removeArchive() {
	if err := os.Remove(e.archivePath); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("failed to delete local archive", zap.String("path", e.archivePath), zap.Error(err))
	}
}

// isAccessibleDir はpathが読み取り可能なディレクトリかを返す
func isAccessibleDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// validateEngineConfig はエンジン設定を検証する
func validateEngineConfig(config EngineConfig) error {
	if config.Store == nil {
		return fmt.Errorf("%w: remote store is required", ErrInvalidConfig)
	}

	if config.BackupSyncInterval < MinBackupSyncInterval {
		return fmt.Errorf("%w: backup sync interval must be at least %s, got %s",
			ErrInvalidConfig, MinBackupSyncInterval, config.BackupSyncInterval)
	}

	if config.StabilizationDelay < 0 {
		return fmt.Errorf("%w: stabilization delay must not be negative", ErrInvalidConfig)
	}

	return nil
}
