package remoteprofile

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
)

const (
	sessionNamePrefix = "CustomRemoteAuth"
	tempDirPrefix     = "wwebjs_temp_session_"
	archiveExt        = ".zip"
)

var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// SessionPaths はセッションごとのディスク上の配置
type SessionPaths struct {
	SessionName string
	DataPath    string
	ProfileDir  string
	TempDir     string
	ArchiveName string
}

// ResolvePaths はclientIDとdataPathから決定的な配置を計算する
func ResolvePaths(clientID, dataPath string) (SessionPaths, error) {
	if clientID != "" && !clientIDPattern.MatchString(clientID) {
		return SessionPaths{}, fmt.Errorf("%w: invalid client id %q (only alphanumerics, underscores and hyphens are allowed)", ErrInvalidConfig, clientID)
	}

	if dataPath == "" {
		dataPath = DefaultDataPath
	}
	absDataPath, err := filepath.Abs(dataPath)
	if err != nil {
		return SessionPaths{}, fmt.Errorf("%w: cannot resolve data path: %v", ErrInvalidConfig, err)
	}

	sessionName := sessionNamePrefix
	tempSuffix := "default"
	if clientID != "" {
		sessionName = sessionNamePrefix + "-" + clientID
		tempSuffix = clientID
	}

	return SessionPaths{
		SessionName: sessionName,
		DataPath:    absDataPath,
		ProfileDir:  filepath.Join(absDataPath, sessionName),
		TempDir:     filepath.Join(absDataPath, tempDirPrefix+tempSuffix),
		ArchiveName: sessionName + archiveExt,
	}, nil
}

// CheckProfileDir はホストが独自に指定したプロファイルディレクトリが解決済みのものと一致するか検証する
func (p SessionPaths) CheckProfileDir(userDataDir string) error {
	if userDataDir == "" {
		return nil
	}
	abs, err := filepath.Abs(userDataDir)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve user data dir: %v", ErrInvalidConfig, err)
	}
	if abs != p.ProfileDir {
		return fmt.Errorf("%w: user data dir %s conflicts with %s", ErrInvalidConfig, abs, p.ProfileDir)
	}
	return nil
}

// claimedDirs はプロセス内のエンジンが使用中のパス
var (
	claimedMu   sync.Mutex
	claimedDirs = make(map[string]string)
)

// claimPaths はownerとしてpathsを使用中にする。既に他のエンジンが使用中ならエラー
func claimPaths(owner string, paths ...string) error {
	claimedMu.Lock()
	defer claimedMu.Unlock()

	for _, p := range paths {
		if other, ok := claimedDirs[p]; ok {
			return fmt.Errorf("%w: %s is already used by session %s", ErrInvalidConfig, p, other)
		}
	}
	for _, p := range paths {
		claimedDirs[p] = owner
	}
	return nil
}

func releasePaths(paths ...string) {
	claimedMu.Lock()
	defer claimedMu.Unlock()

	for _, p := range paths {
		delete(claimedDirs, p)
	}
}
