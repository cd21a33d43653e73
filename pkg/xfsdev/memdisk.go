package xfsdev

import (
	"io"
	"sync"
)

// MemDisk is an in-memory ReaderWriterAt over a fixed size image.
type MemDisk struct {
	lock sync.RWMutex
	data []byte
}

// NewMemDisk wraps b. The disk writes into b directly.
func NewMemDisk(b []byte) *MemDisk {
	return &MemDisk{data: b}
}

func (m *MemDisk) ReadAt(p []byte, off int64) (int, error) {

	m.lock.RLock()
	defer m.lock.RUnlock()

	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}

	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil

}

func (m *MemDisk) WriteAt(p []byte, off int64) (int, error) {

	m.lock.Lock()
	defer m.lock.Unlock()

	if off+int64(len(p)) > int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}

	return copy(m.data[off:], p), nil

}

// Bytes returns the backing image.
func (m *MemDisk) Bytes() []byte {
	return m.data
}
