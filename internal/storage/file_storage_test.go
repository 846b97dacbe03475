// internal/storage/file_storage_test.go
package storage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *FileStorage {
	t.Helper()

	fs, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)
	return fs
}

func TestSaveLoadRawFile(t *testing.T) {
	fs := newTestStorage(t)

	content := []byte("hello world")
	require.NoError(t, fs.SaveRawFile("data", "greeting.txt", content))

	loaded, err := fs.LoadRawFile("data", "greeting.txt")
	require.NoError(t, err)
	assert.Equal(t, content, loaded)
}

func TestSaveLoadJSONFile(t *testing.T) {
	fs := newTestStorage(t)

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, fs.SaveJSONFile("data", "doc.json", doc{Name: "test", Count: 3}))

	var loaded doc
	require.NoError(t, fs.LoadJSONFile("data", "doc.json", &loaded))
	assert.Equal(t, doc{Name: "test", Count: 3}, loaded)
}

func TestLoadRawFile_Missing(t *testing.T) {
	fs := newTestStorage(t)

	_, err := fs.LoadRawFile("data", "nope.txt")
	assert.Error(t, err)
}

func TestOverwriteInvalidatesCache(t *testing.T) {
	fs := newTestStorage(t)

	require.NoError(t, fs.SaveRawFile("data", "file.txt", []byte("v1")))
	loaded, err := fs.LoadRawFile("data", "file.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), loaded)

	// 覆盖写入后读取不能返回过期的缓存
	require.NoError(t, fs.SaveRawFile("data", "file.txt", []byte("v2")))
	loaded, err = fs.LoadRawFile("data", "file.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), loaded)
}

func TestFileExists(t *testing.T) {
	fs := newTestStorage(t)

	assert.False(t, fs.FileExists("data", "file.txt"))
	require.NoError(t, fs.SaveRawFile("data", "file.txt", []byte("x")))
	assert.True(t, fs.FileExists("data", "file.txt"))
}

func TestDeleteFile(t *testing.T) {
	fs := newTestStorage(t)

	require.NoError(t, fs.SaveRawFile("data", "file.txt", []byte("x")))
	require.NoError(t, fs.DeleteFile("data", "file.txt"))

	assert.False(t, fs.FileExists("data", "file.txt"))
	_, err := fs.LoadRawFile("data", "file.txt")
	assert.Error(t, err)

	// 重复删除报错
	assert.Error(t, fs.DeleteFile("data", "file.txt"))
}

func TestListFiles(t *testing.T) {
	fs := newTestStorage(t)

	require.NoError(t, fs.SaveRawFile("data", "b.json", []byte("{}")))
	require.NoError(t, fs.SaveRawFile("data", "a.json", []byte("{}")))
	require.NoError(t, fs.SaveRawFile("data", "note.txt", []byte("x")))

	files, err := fs.ListFiles("data", ".json")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json", "b.json"}, files)

	all, err := fs.ListFiles("data", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// 不存在的目录返回空列表而不是错误
	empty, err := fs.ListFiles("missing", ".json")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestConcurrentWrites(t *testing.T) {
	fs := newTestStorage(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = fs.SaveRawFile("data", "shared.txt", []byte("payload"))
			_, _ = fs.LoadRawFile("data", "shared.txt")
		}()
	}
	wg.Wait()

	loaded, err := fs.LoadRawFile("data", "shared.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), loaded)
}
