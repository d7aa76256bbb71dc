//go:build !linux

package hostmem

// mapMemory falls back to the Go heap on platforms without the mmap
// path.
func mapMemory(size int) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
