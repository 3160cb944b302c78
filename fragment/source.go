package fragment

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Source is a blob that fragments are read from.
// Implementations must allow concurrent ReadAt calls.
type Source interface {
	io.ReaderAt
	// Name is the display name of the blob, usually the base file name.
	Name() string
	// Size is the total number of bytes in the blob.
	Size() int64
}

// Read returns the bytes of one fragment.
func Read(src Source, r Range) ([]byte, error) {
	if r.Start < 0 || r.End > src.Size() || r.Start > r.End {
		return nil, fmt.Errorf("fragment %d range [%d, %d) is outside of blob of size %d", r.Index, r.Start, r.End, src.Size())
	}

	data := make([]byte, r.Size())
	n, err := io.ReadFull(io.NewSectionReader(src, r.Start, r.Size()), data)
	if err != nil {
		return nil, fmt.Errorf("read fragment %d: %w", r.Index, err)
	}
	return data[:n], nil
}

// FileSource reads fragments from a file on disk.
// os.File.ReadAt is safe for parallel use, so no locking is needed.
type FileSource struct {
	file *os.File
	name string
	size int64
}

// OpenFile opens path as a fragment source.
func OpenFile(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &FileSource{
		file: file,
		name: filepath.Base(path),
		size: info.Size(),
	}, nil
}

// ReadAt implements io.ReaderAt.
func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

// Name ...
func (s *FileSource) Name() string {
	return s.name
}

// Size ...
func (s *FileSource) Size() int64 {
	return s.size
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// BytesSource is an in-memory blob.
type BytesSource struct {
	reader *bytes.Reader
	name   string
}

// NewBytesSource ...
func NewBytesSource(name string, data []byte) *BytesSource {
	return &BytesSource{
		reader: bytes.NewReader(data),
		name:   name,
	}
}

// ReadAt implements io.ReaderAt.
func (s *BytesSource) ReadAt(p []byte, off int64) (int, error) {
	return s.reader.ReadAt(p, off)
}

// Name ...
func (s *BytesSource) Name() string {
	return s.name
}

// Size ...
func (s *BytesSource) Size() int64 {
	return s.reader.Size()
}
