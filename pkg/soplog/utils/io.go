package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// AtomicFile writes to a temporary sibling and renames it into place on Commit.
// Readers never observe a partially written file.
type AtomicFile struct {
	path     string
	tempPath string
	file     *os.File
	mu       sync.Mutex
}

// NewAtomicFile creates a new atomic file writer.
func NewAtomicFile(path string) (*AtomicFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tempPath := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	return &AtomicFile{
		path:     path,
		tempPath: tempPath,
		file:     file,
	}, nil
}

// Write writes data to the temporary file.
func (af *AtomicFile) Write(p []byte) (n int, err error) {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.file == nil {
		return 0, fmt.Errorf("file is closed")
	}

	return af.file.Write(p)
}

// Commit syncs and atomically renames the temporary file to the final path.
func (af *AtomicFile) Commit() error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.file == nil {
		return fmt.Errorf("file is closed")
	}

	if err := af.file.Sync(); err != nil {
		return fmt.Errorf("sync file: %w", err)
	}
	if err := af.file.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	af.file = nil

	if err := os.Rename(af.tempPath, af.path); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}

	// Persist the rename
	if err := SyncDir(filepath.Dir(af.path)); err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}

	return nil
}

// Abort removes the temporary file without committing.
func (af *AtomicFile) Abort() error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.file != nil {
		af.file.Close()
		af.file = nil
	}

	if err := os.Remove(af.tempPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WriteFileAtomic replaces path with data in one atomic step.
func WriteFileAtomic(path string, data []byte) error {
	af, err := NewAtomicFile(path)
	if err != nil {
		return err
	}
	if err := WriteAll(af, data); err != nil {
		af.Abort()
		return err
	}
	return af.Commit()
}

// SyncDir syncs a directory to ensure file operations are persisted.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// WriteAll writes all data to a writer.
func WriteAll(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// RemoveIfExists removes path, ignoring a missing file.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// QuarantineFile moves a corrupted file to a .corrupt extension.
func QuarantineFile(path string) error {
	return os.Rename(path, path+".corrupt")
}
