package utils

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// MappedFile is a read-only view over a file. It uses mmap when the platform
// allows it and falls back to positioned reads otherwise.
type MappedFile struct {
	file *os.File
	data []byte
	size int64
}

// OpenMapped opens path for random access.
func OpenMapped(path string) (*MappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	m := &MappedFile{file: f, size: st.Size()}
	if m.size > 0 {
		data, err := unix.Mmap(int(f.Fd()), 0, int(m.size), unix.PROT_READ, unix.MAP_SHARED)
		if err == nil {
			m.data = data
		}
	}
	return m, nil
}

// Size returns the file length.
func (m *MappedFile) Size() int64 { return m.size }

// Mapped reports whether the file is memory-mapped.
func (m *MappedFile) Mapped() bool { return m.data != nil }

// ReadAt copies len(p) bytes starting at off.
func (m *MappedFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > m.size {
		return 0, fmt.Errorf("read at %d: offset out of range", off)
	}
	if m.data != nil {
		n := copy(p, m.data[off:])
		if n < len(p) {
			return n, io.EOF
		}
		return n, nil
	}
	return m.file.ReadAt(p, off)
}

// Slice returns a fresh copy of length bytes at off.
func (m *MappedFile) Slice(off, length int64) ([]byte, error) {
	if off < 0 || length < 0 || off+length > m.size {
		return nil, fmt.Errorf("slice [%d:%d] exceeds file size %d", off, off+length, m.size)
	}
	buf := make([]byte, length)
	if _, err := m.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// Close unmaps and closes the file.
func (m *MappedFile) Close() error {
	var err error
	if m.data != nil {
		err = unix.Munmap(m.data)
		m.data = nil
	}
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	return err
}
