package boltdbresumer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/boltdb/bolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenkalti/goridge/internal/resumer"
)

var testBucket = []byte("torrents")

func openDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "session.db"), 0640, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(testBucket)
		return err
	})
	require.NoError(t, err)
	return db
}

func TestWriteReadSpec(t *testing.T) {
	db := openDB(t)
	res, err := New(db, testBucket, []byte("id1"))
	require.NoError(t, err)

	spec := &Spec{
		InfoHash:  []byte("aaaaaaaaaaaaaaaaaaaa"),
		Name:      "test torrent",
		Port:      50001,
		Trackers:  []string{"http://t1/announce", "udp://t2:1337/announce"},
		Dest:      "/tmp/data",
		Info:      []byte("d4:name1:xe"),
		Bitfield:  []byte{0xC4}, // bits 0, 1, 5 set
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, res.Write(spec))

	got, err := res.Read()
	require.NoError(t, err)
	assert.Equal(t, spec.InfoHash, got.InfoHash)
	assert.Equal(t, spec.Name, got.Name)
	assert.Equal(t, spec.Port, got.Port)
	assert.Equal(t, spec.Trackers, got.Trackers)
	assert.Equal(t, spec.Dest, got.Dest)
	assert.Equal(t, spec.Info, got.Info)
	assert.Equal(t, spec.Bitfield, got.Bitfield)
	assert.True(t, spec.CreatedAt.Equal(got.CreatedAt))
}

// Progress written before a stop must read back identically after a
// "restart" (fresh Resumer over the same db).
func TestBitfieldSurvivesReload(t *testing.T) {
	db := openDB(t)
	res, err := New(db, testBucket, []byte("id2"))
	require.NoError(t, err)
	require.NoError(t, res.Write(&Spec{InfoHash: []byte("bbbbbbbbbbbbbbbbbbbb")}))
	require.NoError(t, res.WriteBitfield([]byte{0xC4, 0x00}))

	res2, err := New(db, testBucket, []byte("id2"))
	require.NoError(t, err)
	got, err := res2.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xC4, 0x00}, got.Bitfield)
}

func TestWriteStatsAndInfo(t *testing.T) {
	db := openDB(t)
	res, err := New(db, testBucket, []byte("id3"))
	require.NoError(t, err)
	require.NoError(t, res.Write(&Spec{InfoHash: []byte("cccccccccccccccccccc")}))

	require.NoError(t, res.WriteStats(resumer.Stats{
		BytesDownloaded: 100,
		BytesUploaded:   200,
		BytesWasted:     5,
		SeededFor:       3 * time.Minute,
	}))
	require.NoError(t, res.WriteInfo([]byte("d4:name1:ye")))

	got, err := res.Read()
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.BytesDownloaded)
	assert.Equal(t, int64(200), got.BytesUploaded)
	assert.Equal(t, int64(5), got.BytesWasted)
	assert.Equal(t, 3*time.Minute, got.SeededFor)
	assert.Equal(t, []byte("d4:name1:ye"), got.Info)
}

func TestWriteStarted(t *testing.T) {
	db := openDB(t)
	res, err := New(db, testBucket, []byte("id4"))
	require.NoError(t, err)
	require.NoError(t, res.WriteStarted(true))
	err = db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(testBucket).Bucket([]byte("id4")).Get([]byte("started"))
		assert.Equal(t, []byte("1"), v)
		return nil
	})
	require.NoError(t, err)
}
