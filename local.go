package remoteprofile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	cleaner "github.com/ideamans/go-backup-cleaner"
)

// LocalStore はローカル（共有）ファイルシステムをリモートストアとする実装
// FreeSpaceThresholdを設定すると、空き容量が不足したときに古いアーカイブを削除する
type LocalStore struct {
	config           LocalStoreConfig
	isCleaningActive atomic.Bool    // クリーニング実行中フラグ
	cleaningMutex    sync.Mutex     // クリーニング排他制御
	wg               sync.WaitGroup // クリーニングの完了待機
}

// NewLocalStore はローカルストアインスタンスを作成
func NewLocalStore(config LocalStoreConfig) (*LocalStore, error) {
	// 設定の検証
	if err := validateLocalConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// デフォルト値の設定
	if config.FreeSpaceThreshold > 0 && config.CleaningConfig.DiskInfo == nil {
		config.CleaningConfig.DiskInfo = &cleaner.DefaultDiskInfoProvider{}
	}

	// ルートディレクトリが存在しない場合は作成
	if err := os.MkdirAll(config.RootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	store := &LocalStore{config: config}

	// 初期容量チェックとクリーニング
	store.checkAndCleanIfNeeded()

	return store, nil
}

// Exists はセッションのアーカイブが存在するかを返す
func (s *LocalStore) Exists(ctx context.Context, sessionName string) (bool, error) {
	info, err := os.Stat(s.path(sessionName))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat archive: %w", err)
	}
	return info.Mode().IsRegular(), nil
}

// Save はアーカイブをルートディレクトリへコピーする
func (s *LocalStore) Save(ctx context.Context, sessionName, localArchivePath string) error {
	// 入力検証
	if sessionName == "" || localArchivePath == "" {
		return fmt.Errorf("%w: empty session or archive path", ErrInvalidConfig)
	}

	srcInfo, err := os.Stat(localArchivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}
	if !srcInfo.Mode().IsRegular() {
		return fmt.Errorf("%w: archive is not a regular file", ErrInvalidConfig)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// 一時ファイルに書いてから置き換える
	if err := replaceFile(localArchivePath, s.path(sessionName)); err != nil {
		return fmt.Errorf("failed to save archive: %w", err)
	}

	s.checkAndCleanIfNeeded()
	return nil
}

// Fetch はアーカイブをdestArchivePathへコピーする
func (s *LocalStore) Fetch(ctx context.Context, sessionName, destArchivePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := replaceFile(s.path(sessionName), destArchivePath); err != nil {
		return fmt.Errorf("failed to fetch archive: %w", err)
	}
	return nil
}

// Delete はアーカイブを削除する
func (s *LocalStore) Delete(ctx context.Context, sessionName string) error {
	if err := os.Remove(s.path(sessionName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	return nil
}

// WaitForCompletion は実行中のクリーニングの完了を待つ
func (s *LocalStore) WaitForCompletion(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("cleaning timeout: %w", ctx.Err())
	case <-done:
		return nil
	}
}

// Close はリソースをクリーンアップする
func (s *LocalStore) Close() error {
	s.wg.Wait()
	return nil
}

func (s *LocalStore) path(sessionName string) string {
	return filepath.Join(s.config.RootDir, sessionName+archiveExt)
}

// replaceFile はsrcをdstの隣の一時ファイルへコピーしてからリネームする
func replaceFile(src, dst string) error {
	tmp := dst + ".part"
	if err := copyFile(src, tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// checkAndCleanIfNeeded は容量チェックを行い、必要に応じてクリーニングを開始する
func (s *LocalStore) checkAndCleanIfNeeded() {
	if s.config.FreeSpaceThreshold == 0 {
		return
	}

	// 既にクリーニング中なら何もしない
	if s.isCleaningActive.Load() {
		return
	}

	s.cleaningMutex.Lock()
	defer s.cleaningMutex.Unlock()

	// 再度チェック（ダブルチェック）
	if s.isCleaningActive.Load() {
		return
	}

	diskInfo, err := s.config.CleaningConfig.DiskInfo.GetDiskUsage(s.config.RootDir)
	if err != nil {
		return
	}

	// 空き容量が閾値を下回っている場合
	if diskInfo.Free < s.config.FreeSpaceThreshold {
		s.isCleaningActive.Store(true)
		s.wg.Add(1)

		go func() {
			defer s.wg.Done()
			s.performCleaning()
		}()
	}
}

// performCleaning は古いアーカイブから削除して目標空き容量を確保する
func (s *LocalStore) performCleaning() {
	defer s.isCleaningActive.Store(false)

	config := s.config.CleaningConfig

	diskInfo, err := config.DiskInfo.GetDiskUsage(s.config.RootDir)
	if err != nil || diskInfo.Total == 0 {
		return
	}

	// 目標使用率の計算（目標空き容量から逆算）
	var targetUsedSpace uint64
	if s.config.TargetFreeSpace < diskInfo.Total {
		targetUsedSpace = diskInfo.Total - s.config.TargetFreeSpace
	}
	targetUsagePercent := float64(targetUsedSpace) / float64(diskInfo.Total) * 100

	if config.MaxUsagePercent == nil {
		config.MaxUsagePercent = &targetUsagePercent
	}

	_, _ = cleaner.CleanBackup(s.config.RootDir, config)
}

// validateLocalConfig はローカルストア設定を検証する
func validateLocalConfig(config LocalStoreConfig) error {
	if config.RootDir == "" {
		return fmt.Errorf("%w: root directory is required", ErrInvalidConfig)
	}

	// クリーニング無効
	if config.FreeSpaceThreshold == 0 {
		return nil
	}

	if config.TargetFreeSpace == 0 {
		return fmt.Errorf("%w: target free space must be positive", ErrInvalidConfig)
	}

	if config.TargetFreeSpace <= config.FreeSpaceThreshold {
		return fmt.Errorf("%w: target free space must be greater than threshold", ErrInvalidConfig)
	}

	return nil
}
