package mrf

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/pgzip"
)

// MultiPartReader presents an ordered sequence of file parts as a single
// forward-only byte stream. Parts are concatenated byte-exact with no injected
// separators, so a JSON token split across a part boundary continues
// seamlessly. The reader is not seekable and not restartable.
type MultiPartReader struct {
	paths   []string
	current *os.File
	idx     int
	closed  bool
}

// OpenParts opens a multi-part stream over paths. Files are opened lazily,
// one at a time, as reads advance past each boundary.
func OpenParts(paths []string) (*MultiPartReader, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no parts provided")
	}
	return &MultiPartReader{paths: paths}, nil
}

func (m *MultiPartReader) Read(p []byte) (int, error) {
	if m.closed {
		return 0, io.EOF
	}
	for {
		if m.current == nil {
			if m.idx >= len(m.paths) {
				return 0, io.EOF
			}
			f, err := os.Open(m.paths[m.idx])
			if err != nil {
				m.Close()
				return 0, err
			}
			m.current = f
			m.idx++
		}
		n, err := m.current.Read(p)
		if n > 0 {
			return n, nil
		}
		if err == io.EOF {
			m.current.Close()
			m.current = nil
			continue
		}
		if err != nil {
			m.Close()
			return 0, err
		}
	}
}

// Close releases the currently open handle. Already-finished parts are closed
// as the stream advances past them.
func (m *MultiPartReader) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	if m.current != nil {
		err := m.current.Close()
		m.current = nil
		return err
	}
	return nil
}

type fileStream struct {
	io.Reader
	closers []io.Closer
}

func (s *fileStream) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open opens a single file as a byte stream, transparently decompressing when
// the path ends in .gz or the content starts with the gzip magic bytes.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	gzipped := strings.HasSuffix(strings.ToLower(path), ".gz")
	if !gzipped {
		var magic [2]byte
		n, _ := io.ReadFull(f, magic[:])
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
		gzipped = n == 2 && magic[0] == 0x1f && magic[1] == 0x8b
	}
	if !gzipped {
		return f, nil
	}

	gz, err := pgzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("gzip reader for %s: %w", path, err)
	}
	return &fileStream{Reader: gz, closers: []io.Closer{f, gz}}, nil
}

// OpenStream opens one path or a sequence of parts as a single byte stream.
// Single .gz files are decompressed; parts are always read raw, since the
// split happened after decompression.
func OpenStream(paths []string) (io.ReadCloser, error) {
	if len(paths) == 1 {
		return Open(paths[0])
	}
	return OpenParts(paths)
}
