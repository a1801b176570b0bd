package piececache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLoadsOnce(t *testing.T) {
	c := New(1<<20, time.Minute)
	loads := 0
	load := func() ([]byte, error) {
		loads++
		return []byte("data"), nil
	}
	for i := 0; i < 3; i++ {
		b, err := c.Get("k", load)
		require.NoError(t, err)
		assert.Equal(t, "data", string(b))
	}
	assert.Equal(t, 1, loads)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(4), c.Size())
}

func TestLoadErrorNotCached(t *testing.T) {
	c := New(1<<20, time.Minute)
	boom := errors.New("boom")
	_, err := c.Get("k", func() ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestTTLExpiryReloads(t *testing.T) {
	c := New(1<<20, time.Nanosecond)
	loads := 0
	load := func() ([]byte, error) { loads++; return []byte("x"), nil }
	_, err := c.Get("k", load)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = c.Get("k", load)
	require.NoError(t, err)
	assert.Equal(t, 2, loads)
}

func TestClear(t *testing.T) {
	c := New(1<<20, time.Minute)
	_, err := c.Get("k", func() ([]byte, error) { return []byte("x"), nil })
	require.NoError(t, err)
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Size())
}

func TestEviction(t *testing.T) {
	// Budget so small every shard holds at most one 8-byte entry.
	c := New(8*numShards, time.Minute)
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		_, err := c.Get(k, func() ([]byte, error) { return make([]byte, 8), nil })
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, c.Size(), int64(8*numShards))
}
