// Package filestorage is the default storage.Storage: plain OS files
// under a per-torrent directory, one file per entry in a multi-file
// torrent's file list.
package filestorage

import (
	"os"
	"path/filepath"

	"github.com/cenkalti/goridge/internal/storage"
)

// FileStorage stores every file of a torrent under a root directory,
// preserving the torrent's relative file paths.
type FileStorage struct {
	dest string
}

// New returns a FileStorage rooted at dest, creating the directory if
// needed.
func New(dest string) (*FileStorage, error) {
	if err := os.MkdirAll(dest, 0750); err != nil {
		return nil, err
	}
	return &FileStorage{dest: dest}, nil
}

func (s *FileStorage) Dest() string { return s.dest }

// Open creates (or opens) name under the storage root, truncating/
// extending it to size bytes so random-access WriteAt calls at any valid
// offset never fail with a short file.
func (s *FileStorage) Open(name string, size int64) (storage.File, bool, error) {
	path := filepath.Join(s.dest, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, false, err
	}
	exists := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		exists = false
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, false, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, err
	}
	if fi.Size() != size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, false, err
		}
	}
	return &File{f: f, size: size}, exists, nil
}

// File wraps an *os.File to satisfy storage.File.
type File struct {
	f    *os.File
	size int64
}

func (f *File) ReadAt(p []byte, off int64) (int, error)  { return f.f.ReadAt(p, off) }
func (f *File) WriteAt(p []byte, off int64) (int, error) { return f.f.WriteAt(p, off) }
func (f *File) Close() error                             { return f.f.Close() }
func (f *File) Size() int64                              { return f.size }
