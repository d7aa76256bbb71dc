// Package hostmem provides the backing store for simulated physical
// memory when the kernel runs as a host process. The physical memory
// manager itself only does bookkeeping; an Arena gives its addresses
// real bytes to land in, so allocation tests can write through the
// frames they are handed.
package hostmem

import (
	"errors"
	"fmt"
)

// pageSize must agree with the manager's frame size.
const pageSize = 4096

// ErrClosed reports use of an arena after Close.
var ErrClosed = errors.New("hostmem: arena closed")

// Arena is a contiguous byte range standing in for the physical address
// space. Offset 0 corresponds to physical address 0.
type Arena struct {
	data    []byte
	release func() error
}

// Map reserves an arena of the given size, which must be a positive
// multiple of the page size. On Linux the memory comes from an
// anonymous mmap so untouched pages cost nothing; elsewhere it comes
// from the Go heap.
func Map(size uint64) (*Arena, error) {
	if size == 0 || size%pageSize != 0 {
		return nil, fmt.Errorf("hostmem: size %d is not a positive multiple of %d", size, pageSize)
	}
	data, release, err := mapMemory(int(size))
	if err != nil {
		return nil, fmt.Errorf("hostmem: mapping %d bytes: %w", size, err)
	}
	return &Arena{data: data, release: release}, nil
}

// Size returns the arena size in bytes.
func (a *Arena) Size() uint64 { return uint64(len(a.data)) }

// Slice returns the bytes backing [offset, offset+length).
func (a *Arena) Slice(offset, length uint64) ([]byte, error) {
	if a.data == nil {
		return nil, ErrClosed
	}
	if offset+length < offset || offset+length > uint64(len(a.data)) {
		return nil, fmt.Errorf("hostmem: range [%#x,%#x) outside arena of %d bytes", offset, offset+length, len(a.data))
	}
	return a.data[offset : offset+length : offset+length], nil
}

// Page returns the bytes backing the page at the given byte offset.
func (a *Arena) Page(offset uint64) ([]byte, error) {
	if offset%pageSize != 0 {
		return nil, fmt.Errorf("hostmem: offset %#x is not page aligned", offset)
	}
	return a.Slice(offset, pageSize)
}

// Close releases the mapping. The arena is unusable afterwards.
func (a *Arena) Close() error {
	if a.data == nil {
		return nil
	}
	a.data = nil
	if a.release != nil {
		return a.release()
	}
	return nil
}
