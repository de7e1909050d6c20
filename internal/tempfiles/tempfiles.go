// Package tempfiles spools request bodies, such as uploaded backup
// archives, to disk so large payloads never sit in memory.
package tempfiles

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Create opens a fresh temp file under dir, making the directory first
// when it does not exist yet.
func Create(dir string, pattern string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create spool dir %q: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	return f, nil
}

// NewDeleteOnClose wraps an open file so the backing file is removed when
// the reader is closed. Close is safe to call more than once.
func NewDeleteOnClose(file *os.File) io.ReadCloser {
	return &spoolReader{
		file: file,
		path: file.Name(),
	}
}

type spoolReader struct {
	file *os.File
	path string
	once sync.Once
}

func (s *spoolReader) Read(p []byte) (int, error) {
	return s.file.Read(p)
}

func (s *spoolReader) Close() error {
	var closeErr error
	var removeErr error
	s.once.Do(func() {
		closeErr = s.file.Close()
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			removeErr = err
		}
	})
	if closeErr != nil {
		return closeErr
	}
	return removeErr
}
