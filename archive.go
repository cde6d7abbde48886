package remoteprofile

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charlievieth/fastwalk"
	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
)

// ArchiveStats はアーカイブ作成の結果
type ArchiveStats struct {
	Files       int
	Bytes       int64
	ArchiveSize int64
}

// Archiver はプロファイルディレクトリとzipアーカイブを相互に変換する
type Archiver struct {
	// TempDir は圧縮前のコピーを置く作業ディレクトリ（実行ごとに作り直す）
	TempDir string

	Pruner *Pruner
	Logger *zap.Logger
}

// Compress はsourceDirを作業ディレクトリへコピーして剪定し、archivePathへzipとして書き出す
// sourceDirは変更しない。作業ディレクトリは成否にかかわらず削除する
func (a *Archiver) Compress(ctx context.Context, sourceDir, archivePath string) (ArchiveStats, error) {
	info, err := os.Stat(sourceDir)
	if err != nil {
		return ArchiveStats{}, fmt.Errorf("%w: cannot access source dir: %v", ErrArchive, err)
	}
	if !info.IsDir() {
		return ArchiveStats{}, fmt.Errorf("%w: source is not a directory: %s", ErrArchive, sourceDir)
	}

	if err := os.RemoveAll(a.TempDir); err != nil {
		return ArchiveStats{}, fmt.Errorf("%w: failed to reset temp dir: %v", ErrFileSystem, err)
	}
	defer func() {
		if err := os.RemoveAll(a.TempDir); err != nil {
			a.Logger.Warn("failed to clean up temp dir", zap.String("path", a.TempDir), zap.Error(err))
		}
	}()

	if err := copyTree(ctx, sourceDir, a.TempDir); err != nil {
		return ArchiveStats{}, fmt.Errorf("%w: failed to copy profile: %w", ErrArchive, err)
	}

	if a.Pruner != nil {
		if err := a.Pruner.Prune(a.TempDir); err != nil {
			return ArchiveStats{}, err
		}
	}

	stats, err := writeZip(ctx, a.TempDir, archivePath)
	if err != nil {
		// 中途半端なアーカイブは残さない
		_ = os.Remove(archivePath)
		return ArchiveStats{}, fmt.Errorf("%w: failed to write archive: %w", ErrArchive, err)
	}

	a.Logger.Debug("archive written",
		zap.String("path", archivePath),
		zap.Int("files", stats.Files),
		zap.Int64("bytes", stats.Bytes),
		zap.Int64("archive_size", stats.ArchiveSize))

	return stats, nil
}

// Decompress はarchivePathをdestDirへ展開する
// アーカイブは転送専用なので成否にかかわらず削除する。失敗時のdestDirはロールバックしない
func (a *Archiver) Decompress(ctx context.Context, archivePath, destDir string) error {
	defer func() {
		if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
			a.Logger.Warn("failed to delete archive", zap.String("path", archivePath), zap.Error(err))
		}
	}()

	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("%w: failed to open archive: %v", ErrArchive, err)
	}
	defer func() {
		_ = reader.Close()
	}()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("%w: failed to create %s: %v", ErrFileSystem, destDir, err)
	}

	cleanDest := filepath.Clean(destDir)
	for _, file := range reader.File {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: extraction cancelled: %v", ErrArchive, err)
		}

		// zip-slip対策
		destPath := filepath.Join(cleanDest, filepath.FromSlash(file.Name))
		if destPath != cleanDest && !strings.HasPrefix(destPath, cleanDest+string(os.PathSeparator)) {
			return fmt.Errorf("%w: illegal entry path %q", ErrArchive, file.Name)
		}

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0755); err != nil {
				return fmt.Errorf("%w: failed to create %s: %v", ErrFileSystem, destPath, err)
			}
			continue
		}

		if err := extractFile(file, destPath); err != nil {
			return fmt.Errorf("%w: failed to extract %s: %v", ErrArchive, file.Name, err)
		}
	}

	return nil
}

func extractFile(file *zip.File, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}

	src, err := file.Open()
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()

	perm := file.Mode().Perm()
	if perm == 0 {
		perm = 0644
	}
	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm|0600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

// treeEntry はディレクトリツリー内の1エントリ（rootからの相対パス）
type treeEntry struct {
	rel  string
	mode fs.FileMode
}

// listTree はroot以下のエントリを列挙する
// fastwalkはコールバックを並行に呼ぶため、集めてからパス順に並べる
func listTree(ctx context.Context, root string) ([]treeEntry, error) {
	var (
		mu      sync.Mutex
		entries []treeEntry
	)

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		mu.Lock()
		entries = append(entries, treeEntry{rel: rel, mode: d.Type()})
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].rel < entries[j].rel
	})
	return entries, nil
}

// copyTree はsrcをdstへコピーする。ソケットなどの特殊ファイルは対象外
func copyTree(ctx context.Context, src, dst string) error {
	entries, err := listTree(ctx, src)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}

	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.rel)
		dstPath := filepath.Join(dst, entry.rel)

		switch {
		case entry.mode.IsDir():
			if err := os.MkdirAll(dstPath, 0755); err != nil {
				return err
			}
		case entry.mode&fs.ModeSymlink != 0:
			target, err := os.Readlink(srcPath)
			if err != nil {
				return err
			}
			if err := os.Symlink(target, dstPath); err != nil {
				return err
			}
		case entry.mode.IsRegular():
			if err := copyFile(srcPath, dstPath); err != nil {
				// ブラウザ実行中に消えたファイルは無視する
				if os.IsNotExist(err) {
					continue
				}
				return err
			}
		}
	}
	return nil
}

// copyFile はファイルをコピーする
func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = sourceFile.Close()
	}()

	srcInfo, err := sourceFile.Stat()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	destFile, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, srcInfo.Mode().Perm()|0600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		_ = destFile.Close()
		_ = os.Remove(dst)
		return err
	}

	return destFile.Close()
}

// writeZip はsrcDir以下を1つのzipにまとめる。シンボリックリンクは含めない
func writeZip(ctx context.Context, srcDir, archivePath string) (ArchiveStats, error) {
	entries, err := listTree(ctx, srcDir)
	if err != nil {
		return ArchiveStats{}, err
	}

	if dir := filepath.Dir(archivePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return ArchiveStats{}, err
		}
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return ArchiveStats{}, err
	}
	defer func() {
		_ = out.Close()
	}()

	var stats ArchiveStats
	zw := zip.NewWriter(out)

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			_ = zw.Close()
			return ArchiveStats{}, err
		}

		name := filepath.ToSlash(entry.rel)
		switch {
		case entry.mode.IsDir():
			if _, err := zw.Create(name + "/"); err != nil {
				_ = zw.Close()
				return ArchiveStats{}, err
			}
		case entry.mode.IsRegular():
			n, err := addZipFile(zw, filepath.Join(srcDir, entry.rel), name)
			if err != nil {
				_ = zw.Close()
				return ArchiveStats{}, err
			}
			stats.Files++
			stats.Bytes += n
		}
	}

	if err := zw.Close(); err != nil {
		return ArchiveStats{}, err
	}
	if err := out.Sync(); err != nil {
		return ArchiveStats{}, err
	}

	info, err := out.Stat()
	if err != nil {
		return ArchiveStats{}, err
	}
	stats.ArchiveSize = info.Size()
	return stats, nil
}

func addZipFile(zw *zip.Writer, path, name string) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = file.Close()
	}()

	info, err := file.Stat()
	if err != nil {
		return 0, err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return 0, err
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return 0, err
	}
	return io.Copy(w, file)
}
