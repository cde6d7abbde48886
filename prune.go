package remoteprofile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// defaultProfileSubdir はプロファイル直下にあるブラウザのデフォルトプロファイル
const defaultProfileSubdir = "Default"

// Pruner はアーカイブ前にプロファイルのコピーから不要なエントリを削除する
type Pruner struct {
	// RequiredDirs は残すエントリ名（doublestarパターン）
	RequiredDirs []string

	Logger *zap.Logger
}

// NewPruner はPrunerを作成する
func NewPruner(requiredDirs []string, logger *zap.Logger) (*Pruner, error) {
	if len(requiredDirs) == 0 {
		requiredDirs = DefaultRequiredDirs
	}
	for _, pattern := range requiredDirs {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("%w: invalid required dir pattern %q", ErrInvalidConfig, pattern)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pruner{RequiredDirs: requiredDirs, Logger: logger}, nil
}

// Prune はrootとroot/Defaultの直下から許可リスト外のエントリを削除する
// ライブのプロファイルに対しては呼ばないこと
func (p *Pruner) Prune(root string) error {
	for _, dir := range []string{root, filepath.Join(root, defaultProfileSubdir)} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			// 新規プロファイルにはDefaultがまだないことがある
			if dir != root && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("%w: failed to list %s: %v", ErrFileSystem, dir, err)
		}

		for _, entry := range entries {
			if p.isRequired(entry.Name()) {
				continue
			}
			target := filepath.Join(dir, entry.Name())
			if err := os.RemoveAll(target); err != nil {
				p.Logger.Warn("failed to prune profile entry", zap.String("path", target), zap.Error(err))
				continue
			}
			p.Logger.Debug("pruned profile entry", zap.String("path", target))
		}
	}
	return nil
}

func (p *Pruner) isRequired(name string) bool {
	for _, pattern := range p.RequiredDirs {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
