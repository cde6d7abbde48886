package remoteprofile

import (
	"context"
)

// RemoteStore はセッション名をキーにしたアーカイブの永続ストアの共通インターフェース
// 呼び出しごとのタイムアウトは実装側の責務
type RemoteStore interface {
	// Exists はsessionのアーカイブが存在するかを返す
	Exists(ctx context.Context, session string) (bool, error)

	// Save はlocalArchivePathのアーカイブをsessionとして保存（上書き）する
	Save(ctx context.Context, session, localArchivePath string) error

	// Fetch はsessionのアーカイブをdestArchivePathへ取得する
	// Existsがfalseの場合の動作は未定義
	Fetch(ctx context.Context, session, destArchivePath string) error

	// Delete はsessionのアーカイブを削除する。存在しない場合は何もしない
	Delete(ctx context.Context, session string) error
}
