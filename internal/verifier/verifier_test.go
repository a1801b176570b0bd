package verifier

import (
	"crypto/sha1" //nolint:gosec
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenkalti/goridge/internal/filesection"
	"github.com/cenkalti/goridge/internal/piece"
)

type memFile struct{ b []byte }

func (f *memFile) ReadAt(p []byte, off int64) (int, error)  { return copy(p, f.b[off:]), nil }
func (f *memFile) WriteAt(p []byte, off int64) (int, error) { return copy(f.b[off:], p), nil }
func (f *memFile) Close() error                             { return nil }
func (f *memFile) Size() int64                              { return int64(len(f.b)) }

func TestVerifyMixedPieces(t *testing.T) {
	good := []byte("good piece data!")
	bad := []byte("corrupted  bytes")
	file := &memFile{b: append(append([]byte{}, good...), bad...)}

	pieces := []piece.Piece{
		{
			Index:  0,
			Length: uint32(len(good)),
			Hash:   sha1.Sum(good), //nolint:gosec
			Data:   filesection.Piece{Sections: []filesection.FileSection{{File: file, Offset: 0, Length: int64(len(good))}}},
		},
		{
			Index:  1,
			Length: uint32(len(bad)),
			Hash:   sha1.Sum([]byte("what should be there")), //nolint:gosec
			Data:   filesection.Piece{Sections: []filesection.FileSection{{File: file, Offset: int64(len(good)), Length: int64(len(bad))}}},
		},
	}

	v := New()
	progressC := make(chan Progress, 4)
	resultC := make(chan *Verifier, 1)
	go v.Run(pieces, progressC, resultC)

	got := <-resultC
	require.NoError(t, got.Error)
	require.NotNil(t, got.Bitfield)
	assert.True(t, got.Bitfield.Test(0))
	assert.False(t, got.Bitfield.Test(1))
	assert.Equal(t, uint32(1), got.Bitfield.Count())
}

func TestCloseAborts(t *testing.T) {
	v := New()
	progressC := make(chan Progress, 1)
	resultC := make(chan *Verifier) // unbuffered: Run blocks on send
	go v.Run(nil, progressC, resultC)
	v.Close() // must return even though nobody reads resultC
}
