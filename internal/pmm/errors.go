package pmm

import "errors"

// Sentinel errors returned by the physical memory manager. Callers are
// expected to test them with errors.Is; every wrapped error produced by
// this package chains back to exactly one of these.
var (
	// ErrInvalidArgument reports a caller error: a misaligned or
	// out-of-range address, an order above MaxOrder, or an unusable
	// region list handed to Init.
	ErrInvalidArgument = errors.New("pmm: invalid argument")

	// ErrOutOfMemory reports that no block of the requested order is
	// available in any eligible zone, after fallback and one reclaim
	// attempt. It is recoverable: callers may retry with a smaller
	// order or trigger eviction elsewhere.
	ErrOutOfMemory = errors.New("pmm: out of memory")

	// ErrCorruption reports an inconsistency detected in the frame
	// database, such as a double free or a buddy/order mismatch during
	// coalescing. The offending operation is rejected and the frame
	// state is left untouched for postmortem inspection.
	ErrCorruption = errors.New("pmm: frame state corruption")

	// ErrNotInitialized reports a call made before Init succeeded.
	ErrNotInitialized = errors.New("pmm: not initialized")

	// ErrNotSupported is returned by declared extension hooks whose
	// functionality is not built yet (page migration, compression,
	// encryption). It lets callers distinguish "not yet built" from
	// "works".
	ErrNotSupported = errors.New("pmm: operation not supported")
)
