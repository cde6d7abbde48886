package remoteprofile

import "errors"

var (
	// ErrInvalidConfig は設定が無効な場合のエラー
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrFileSystem はディレクトリ作成や削除などのファイル操作に失敗した場合のエラー
	ErrFileSystem = errors.New("filesystem operation failed")

	// ErrArchive は圧縮・展開に失敗した場合のエラー
	ErrArchive = errors.New("archive operation failed")

	// ErrStore はリモートストアの操作に失敗した場合のエラー
	ErrStore = errors.New("remote store operation failed")

	// ErrChecksumMismatch は取得したアーカイブのダイジェストが一致しない場合のエラー
	ErrChecksumMismatch = errors.New("archive checksum mismatch")

	// ErrBackupInProgress は別のバックアップが実行中のためスキップされた場合のエラー
	ErrBackupInProgress = errors.New("backup already in progress")

	// ErrEngineClosed はシャットダウン済みのエンジンを操作した場合のエラー
	ErrEngineClosed = errors.New("engine closed")
)
