package remoteprofile

import (
	"time"

	cleaner "github.com/ideamans/go-backup-cleaner"
	"go.uber.org/zap"
)

const (
	// MinBackupSyncInterval は定期バックアップ間隔の下限
	MinBackupSyncInterval = 60 * time.Second

	// DefaultStabilizationDelay は新規セッションの初回バックアップ前に待つ時間
	DefaultStabilizationDelay = 60 * time.Second

	// DefaultDataPath はDataPath未指定時のベースディレクトリ
	DefaultDataPath = "./.wwebjs_auth/"
)

// DefaultRequiredDirs は剪定時に残すプロファイル必須のサブツリー名
var DefaultRequiredDirs = []string{"Default", "IndexedDB", "Local Storage"}

// EngineConfig は永続化エンジンの設定
type EngineConfig struct {
	// ClientID はセッション識別子（オプション、[A-Za-z0-9_-]+）
	ClientID string

	// DataPath はプロファイルと作業ディレクトリを置くベースディレクトリ（デフォルト: ./.wwebjs_auth/）
	DataPath string

	// Store はアーカイブの保存先（必須）
	Store RemoteStore

	// BackupSyncInterval は定期バックアップの間隔（必須、60秒以上）
	BackupSyncInterval time.Duration

	// RequiredDirs は剪定時に残すエントリ名（doublestarパターン可、デフォルト: DefaultRequiredDirs）
	RequiredDirs []string

	// UserDataDir はホストが独自に指定したプロファイルディレクトリ（オプション、解決済みのものと一致する必要がある）
	UserDataDir string

	// ArchiveDir は転送用アーカイブを一時的に作成するディレクトリ（デフォルト: カレントディレクトリ）
	ArchiveDir string

	// StabilizationDelay はリモートにスナップショットがない場合の初回バックアップ前の待ち時間（デフォルト: 60秒）
	StabilizationDelay time.Duration

	// Logger はログ出力先（デフォルト: 出力なし）
	Logger *zap.Logger

	// Metrics はPrometheusメトリクス（オプション）
	Metrics *Metrics

	// Callbacks はホストへ通知するイベント
	Callbacks Callbacks
}

// Callbacks はエンジンからホストへのイベント通知
type Callbacks struct {
	// OnBackupCompleted は通知を要求されたバックアップが完了したときに呼ばれる
	OnBackupCompleted func(info BackupCompletedInfo)

	// OnBackupFailed はバックアップが失敗したときに呼ばれる
	OnBackupFailed func(err error)
}

// BackupCompletedInfo はバックアップ完了イベントの内容
type BackupCompletedInfo struct {
	SessionName string
	Stats       ArchiveStats
	Duration    time.Duration
}

// BackupOptions はバックアップ1回分のオプション
type BackupOptions struct {
	// Emit がtrueのとき完了時にOnBackupCompletedを呼ぶ
	Emit bool
}

// LocalStoreConfig はローカルストアの設定
type LocalStoreConfig struct {
	// RootDir はアーカイブを保存するルートディレクトリ
	RootDir string

	// FreeSpaceThreshold はクリーニングを開始する空き容量（バイト、0でクリーニング無効）
	FreeSpaceThreshold uint64

	// TargetFreeSpace はクリーニング後の目標空き容量（バイト）
	TargetFreeSpace uint64

	// CleaningConfig はgo-backup-cleanerの設定
	CleaningConfig cleaner.CleaningConfig
}

// S3StoreConfig はS3ストアの設定
type S3StoreConfig struct {
	// AWS認証情報
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string // オプション

	// S3設定
	Bucket   string
	Prefix   string // キーのプレフィックス（オプション）
	Endpoint string // カスタムエンドポイント（オプション）

	// ACL設定
	ACL string // デフォルト: private
}
