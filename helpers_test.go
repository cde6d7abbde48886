package remoteprofile

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeTree はroot以下に相対パス→内容のファイルを作成する
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

// readTree はroot以下の通常ファイルを相対パス→内容で返す
func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	files := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return files
}

// sampleProfile はブラウザプロファイルに似たツリー
func sampleProfile() map[string]string {
	return map[string]string{
		"Default/IndexedDB/https_web.example.com_0.indexeddb.leveldb/000003.log": "idb-log",
		"Default/IndexedDB/https_web.example.com_0.indexeddb.leveldb/CURRENT":    "MANIFEST-000001\n",
		"Default/Local Storage/leveldb/000005.ldb":                               "local-storage",
		"Default/Cookies":                  "cookies",
		"Default/Cache/Cache_Data/data_0":  "cache",
		"Default/Preferences":              `{"profile":{}}`,
		"IndexedDB/root.db":                "root-idb",
		"Local Storage/leveldb/LOG":        "root-ls",
		"Local State":                      `{"browser":{}}`,
		"SingletonCookie":                  "123",
		"Crashpad/settings.dat":            "crash",
		"ShaderCache/GPUCache/index":       "shader",
	}
}

// prunedSampleProfile はsampleProfileを既定の許可リストで剪定した結果
func prunedSampleProfile() map[string]string {
	return map[string]string{
		"Default/IndexedDB/https_web.example.com_0.indexeddb.leveldb/000003.log": "idb-log",
		"Default/IndexedDB/https_web.example.com_0.indexeddb.leveldb/CURRENT":    "MANIFEST-000001\n",
		"Default/Local Storage/leveldb/000005.ldb":                               "local-storage",
		"IndexedDB/root.db":         "root-idb",
		"Local Storage/leveldb/LOG": "root-ls",
	}
}
