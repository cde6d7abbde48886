package remoteprofile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestArchiver(t *testing.T, base string) *Archiver {
	t.Helper()
	logger := zaptest.NewLogger(t)
	pruner, err := NewPruner(nil, logger)
	require.NoError(t, err)
	return &Archiver{
		TempDir: filepath.Join(base, "wwebjs_temp_session_test"),
		Pruner:  pruner,
		Logger:  logger,
	}
}

func TestArchiver_RoundTrip(t *testing.T) {
	base := t.TempDir()
	source := filepath.Join(base, "profile")
	writeTree(t, source, sampleProfile())

	archiver := newTestArchiver(t, base)
	archivePath := filepath.Join(t.TempDir(), "CustomRemoteAuth.zip")
	ctx := context.Background()

	stats, err := archiver.Compress(ctx, source, archivePath)
	require.NoError(t, err)
	require.Equal(t, len(prunedSampleProfile()), stats.Files)
	require.Greater(t, stats.ArchiveSize, int64(0))
	require.FileExists(t, archivePath)

	// ライブのプロファイルは変更されない
	require.Equal(t, sampleProfile(), readTree(t, source))
	// 作業ディレクトリは残らない
	require.NoDirExists(t, archiver.TempDir)

	dest := filepath.Join(base, "restored")
	require.NoError(t, archiver.Decompress(ctx, archivePath, dest))

	require.Equal(t, prunedSampleProfile(), readTree(t, dest))
	// 転送用アーカイブは展開後に削除される
	require.NoFileExists(t, archivePath)
}

func TestArchiver_EmptyDirectoriesSurvive(t *testing.T) {
	base := t.TempDir()
	source := filepath.Join(base, "profile")
	require.NoError(t, os.MkdirAll(filepath.Join(source, "Default", "IndexedDB"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(source, "Local Storage"), 0755))

	archiver := newTestArchiver(t, base)
	archivePath := filepath.Join(base, "empty.zip")
	ctx := context.Background()

	stats, err := archiver.Compress(ctx, source, archivePath)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Files)

	dest := filepath.Join(base, "restored")
	require.NoError(t, archiver.Decompress(ctx, archivePath, dest))
	require.DirExists(t, filepath.Join(dest, "Default", "IndexedDB"))
	require.DirExists(t, filepath.Join(dest, "Local Storage"))
}

func TestArchiver_StaleTempDirIsReset(t *testing.T) {
	base := t.TempDir()
	source := filepath.Join(base, "profile")
	writeTree(t, source, map[string]string{"IndexedDB/a": "a"})

	archiver := newTestArchiver(t, base)
	// 前回の異常終了で残った作業ディレクトリ
	writeTree(t, archiver.TempDir, map[string]string{"IndexedDB/stale": "stale"})

	archivePath := filepath.Join(base, "out.zip")
	ctx := context.Background()
	_, err := archiver.Compress(ctx, source, archivePath)
	require.NoError(t, err)

	dest := filepath.Join(base, "restored")
	require.NoError(t, archiver.Decompress(ctx, archivePath, dest))
	require.Equal(t, map[string]string{"IndexedDB/a": "a"}, readTree(t, dest))
}

func TestArchiver_SymlinksAreNotArchived(t *testing.T) {
	base := t.TempDir()
	source := filepath.Join(base, "profile")
	writeTree(t, source, map[string]string{"Default/IndexedDB/db": "db"})
	require.NoError(t, os.Symlink(filepath.Join(source, "Default", "IndexedDB", "db"),
		filepath.Join(source, "Default", "IndexedDB", "link")))

	archiver := newTestArchiver(t, base)
	archivePath := filepath.Join(base, "out.zip")
	_, err := archiver.Compress(context.Background(), source, archivePath)
	require.NoError(t, err)

	reader, err := zip.OpenReader(archivePath)
	require.NoError(t, err)
	defer func() {
		_ = reader.Close()
	}()

	var names []string
	for _, f := range reader.File {
		names = append(names, f.Name)
	}
	require.Contains(t, names, "Default/IndexedDB/db")
	require.NotContains(t, names, "Default/IndexedDB/link")
}

func TestArchiver_CompressMissingSource(t *testing.T) {
	base := t.TempDir()
	archiver := newTestArchiver(t, base)
	archivePath := filepath.Join(base, "out.zip")

	_, err := archiver.Compress(context.Background(), filepath.Join(base, "missing"), archivePath)
	require.ErrorIs(t, err, ErrArchive)
	require.NoFileExists(t, archivePath)
	require.NoDirExists(t, archiver.TempDir)
}

func TestArchiver_CompressCancelled(t *testing.T) {
	base := t.TempDir()
	source := filepath.Join(base, "profile")
	writeTree(t, source, sampleProfile())

	archiver := newTestArchiver(t, base)
	archivePath := filepath.Join(base, "out.zip")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := archiver.Compress(ctx, source, archivePath)
	require.Error(t, err)
	require.NoFileExists(t, archivePath)
	require.NoDirExists(t, archiver.TempDir)
}

func TestArchiver_DecompressCorrupt(t *testing.T) {
	base := t.TempDir()
	archiver := newTestArchiver(t, base)

	archivePath := filepath.Join(base, "corrupt.zip")
	require.NoError(t, os.WriteFile(archivePath, []byte("this is not a zip archive"), 0644))

	err := archiver.Decompress(context.Background(), archivePath, filepath.Join(base, "dest"))
	require.ErrorIs(t, err, ErrArchive)
	// 失敗時もアーカイブは削除される
	require.NoFileExists(t, archivePath)
}

func TestArchiver_DecompressRejectsEscapingEntries(t *testing.T) {
	base := t.TempDir()
	archiver := newTestArchiver(t, base)

	archivePath := filepath.Join(base, "evil.zip")
	out, err := os.Create(archivePath)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	w, err := zw.Create("../escaped.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("escaped"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())

	dest := filepath.Join(base, "dest")
	err = archiver.Decompress(context.Background(), archivePath, dest)
	require.ErrorIs(t, err, ErrArchive)
	require.NoFileExists(t, filepath.Join(base, "escaped.txt"))
}
