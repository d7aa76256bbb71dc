//go:build linux

package hostmem

import (
	"golang.org/x/sys/unix"
)

// mapMemory reserves size bytes of anonymous memory. MAP_NORESERVE
// keeps large simulated address spaces cheap until pages are touched.
func mapMemory(size int) ([]byte, func() error, error) {
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, nil, err
	}
	return data, func() error { return unix.Munmap(data) }, nil
}
