package allocator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenkalti/goridge/internal/bencode"
	"github.com/cenkalti/goridge/internal/metainfo"
	"github.com/cenkalti/goridge/internal/storage/filestorage"
)

func buildInfo(t *testing.T) *metainfo.Info {
	t.Helper()
	raw := map[string]interface{}{
		"name":         "multi",
		"piece length": int64(32768),
		"pieces":       string(make([]byte, 20)),
		"files": []map[string]interface{}{
			{"path": []interface{}{"dir", "a.bin"}, "length": int64(10000)},
			{"path": []interface{}{"b.bin"}, "length": int64(22768)},
		},
	}
	b, err := bencode.Marshal(raw)
	require.NoError(t, err)
	info, err := metainfo.NewInfo(b)
	require.NoError(t, err)
	return info
}

func TestAllocateFreshFiles(t *testing.T) {
	dir := t.TempDir()
	sto, err := filestorage.New(dir)
	require.NoError(t, err)

	a := New()
	progressC := make(chan Progress, 4)
	resultC := make(chan *Allocator, 1)
	go a.Run(buildInfo(t), sto, progressC, resultC)

	got := <-resultC
	require.NoError(t, got.Error)
	assert.False(t, got.NeedHashCheck, "no file existed beforehand")
	require.Len(t, got.Files, 2)
	assert.Equal(t, int64(10000), got.Files[0].Size())
	assert.Equal(t, int64(22768), got.Files[1].Size())

	fi, err := os.Stat(filepath.Join(dir, "dir", "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, int64(10000), fi.Size())
	for _, f := range got.Files {
		f.Close()
	}
}

func TestExistingFileTriggersHashCheck(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dir"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dir", "a.bin"), []byte("old data"), 0640))
	sto, err := filestorage.New(dir)
	require.NoError(t, err)

	a := New()
	progressC := make(chan Progress, 4)
	resultC := make(chan *Allocator, 1)
	go a.Run(buildInfo(t), sto, progressC, resultC)

	got := <-resultC
	require.NoError(t, got.Error)
	assert.True(t, got.NeedHashCheck, "a pre-existing file must force verification")
	for _, f := range got.Files {
		f.Close()
	}
}
