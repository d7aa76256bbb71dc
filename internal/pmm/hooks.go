package pmm

// Declared extension points that are not built yet. Each returns
// ErrNotSupported so callers and tests can tell "not yet built" apart
// from "works"; none of them fakes success.

// MigrateToNode would move an allocated block to memory local to the
// given NUMA node.
func (pm *PhysicalMemoryManager) MigrateToNode(addr PhysAddr, node int) error {
	if !pm.initialized.Load() {
		return ErrNotInitialized
	}
	return ErrNotSupported
}

// CompressPage would compress a cold page in place.
func (pm *PhysicalMemoryManager) CompressPage(addr PhysAddr) error {
	if !pm.initialized.Load() {
		return ErrNotInitialized
	}
	return ErrNotSupported
}

// DecompressPage would undo CompressPage.
func (pm *PhysicalMemoryManager) DecompressPage(addr PhysAddr) error {
	if !pm.initialized.Load() {
		return ErrNotInitialized
	}
	return ErrNotSupported
}

// EncryptPage would enable hardware memory encryption for a page.
func (pm *PhysicalMemoryManager) EncryptPage(addr PhysAddr) error {
	if !pm.initialized.Load() {
		return ErrNotInitialized
	}
	return ErrNotSupported
}

// DecryptPage would undo EncryptPage.
func (pm *PhysicalMemoryManager) DecryptPage(addr PhysAddr) error {
	if !pm.initialized.Load() {
		return ErrNotInitialized
	}
	return ErrNotSupported
}
