package filesection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memFile is an in-memory storage.File for tests.
type memFile struct {
	b []byte
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, f.b[off:]), nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	return copy(f.b[off:], p), nil
}

func (f *memFile) Close() error { return nil }
func (f *memFile) Size() int64  { return int64(len(f.b)) }

func TestPieceSpanningTwoFiles(t *testing.T) {
	f1 := &memFile{b: []byte("hello")}
	f2 := &memFile{b: []byte("world!")}
	p := Piece{Sections: []FileSection{
		{File: f1, Offset: 3, Length: 2}, // "lo"
		{File: f2, Offset: 0, Length: 4}, // "worl"
	}}
	assert.Equal(t, int64(6), p.Length())

	buf := make([]byte, 6)
	n, err := p.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "loworl", string(buf))

	// Offset read inside the second section.
	buf = make([]byte, 3)
	_, err = p.ReadAt(buf, 3)
	require.NoError(t, err)
	assert.Equal(t, "orl", string(buf))
}

func TestWriteSpanningTwoFiles(t *testing.T) {
	f1 := &memFile{b: make([]byte, 4)}
	f2 := &memFile{b: make([]byte, 4)}
	p := Piece{Sections: []FileSection{
		{File: f1, Offset: 2, Length: 2},
		{File: f2, Offset: 0, Length: 3},
	}}
	n, err := p.Write([]byte("abcde"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte{0, 0, 'a', 'b'}, f1.b)
	assert.Equal(t, []byte{'c', 'd', 'e', 0}, f2.b)
}
