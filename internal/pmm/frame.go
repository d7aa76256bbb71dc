// Package pmm implements the physical memory manager: a zone-partitioned,
// buddy-based page frame allocator bootstrapped from the firmware memory map.
//
// The manager tracks every physical frame from address 0 to the highest
// address reported by firmware in a flat frame database, partitions the
// database into address-range zones with independent locking, and serves
// power-of-two page allocations through a per-zone buddy system.
package pmm

import "fmt"

// PhysAddr is a physical memory address.
type PhysAddr uint64

// Page geometry and allocator limits.
const (
	// PageShift is log2(PageSize).
	PageShift = 12

	// PageSize is the allocation granularity in bytes.
	PageSize = 1 << PageShift

	// MaxOrder is the largest buddy order. A block of order k spans
	// 2^k contiguous frames, so the largest block is 2^13 frames
	// (32 MiB at 4 KiB pages).
	MaxOrder = 13

	// frameRecordBytes is the per-frame record size charged against an
	// available region when the frame database backing store is
	// reserved during bootstrap.
	frameRecordBytes = 64
)

// nilFrame is the sentinel for "no frame" in the index-based free-list
// links. Links are frame indices into the database rather than pointers,
// so the database can be relocated without invalidating them.
const nilFrame = ^uint64(0)

// frameFlags is the per-frame state bitfield.
type frameFlags uint8

const (
	// framePresent marks a frame covered by the database. Set on every
	// frame during bootstrap.
	framePresent frameFlags = 1 << iota

	// frameReserved marks memory the allocator must never hand out:
	// firmware-reserved ranges, holes, and the frame database backing
	// store itself.
	frameReserved

	// frameAvailable marks a frame backed by usable RAM.
	frameAvailable

	// frameBlockHead marks the base frame of a free block currently
	// linked into a zone free list. Cleared the moment the block is
	// unlinked.
	frameBlockHead
)

// PageFrame is the per-frame metadata record. One exists for every frame
// in [0, totalFrames); the slice holding them is the single source of
// truth for frame ownership.
//
// A frame is always in exactly one of two states: free and linked into
// exactly one zone free list at exactly one order (refCount 0, block
// head carries frameBlockHead), or allocated and unlinked (refCount >= 1).
// zoneID never changes after bootstrap.
type PageFrame struct {
	next, prev uint64 // free-list links, frame indices; owned by the list
	refCount   uint32
	allocTime  uint64
	allocTag   string
	zoneID     uint8
	numaNode   uint8
	order      uint8 // buddy order; meaningful only on a block base
	flags      frameFlags
}

func (f *PageFrame) free() bool      { return f.refCount == 0 }
func (f *PageFrame) available() bool { return f.flags&frameAvailable != 0 }
func (f *PageFrame) blockHead() bool { return f.flags&frameBlockHead != 0 }

// frameAt returns the frame record covering addr.
func (pm *PhysicalMemoryManager) frameAt(addr PhysAddr) (*PageFrame, error) {
	idx := uint64(addr >> PageShift)
	if idx >= pm.totalFrames {
		return nil, fmt.Errorf("address %#x beyond managed memory: %w", uint64(addr), ErrInvalidArgument)
	}
	return &pm.frames[idx], nil
}

// AddrOf returns the physical base address of the frame with the given
// index, the inverse of FrameAt.
func (pm *PhysicalMemoryManager) AddrOf(idx uint64) (PhysAddr, error) {
	if !pm.initialized.Load() {
		return 0, ErrNotInitialized
	}
	if idx >= pm.totalFrames {
		return 0, fmt.Errorf("frame index %d out of range [0,%d): %w", idx, pm.totalFrames, ErrInvalidArgument)
	}
	return PhysAddr(idx << PageShift), nil
}

// TotalFrames returns the number of frames covered by the frame
// database, including reserved ones.
func (pm *PhysicalMemoryManager) TotalFrames() uint64 {
	return pm.totalFrames
}

// FrameInfo is a read-only copy of one frame's metadata, exposed for
// diagnostics.
type FrameInfo struct {
	Addr     PhysAddr
	Zone     string
	NumaNode int
	RefCount uint32
	Order    uint8
	Free     bool
	Reserved bool
	Tag      string
}

// FrameAt returns a diagnostic copy of the frame record covering addr.
func (pm *PhysicalMemoryManager) FrameAt(addr PhysAddr) (FrameInfo, error) {
	if !pm.initialized.Load() {
		return FrameInfo{}, ErrNotInitialized
	}
	f, err := pm.frameAt(addr)
	if err != nil {
		return FrameInfo{}, err
	}
	zone := "unassigned"
	if f.available() && int(f.zoneID) < len(pm.zones) {
		zone = pm.zones[f.zoneID].name
	}
	return FrameInfo{
		Addr:     addr &^ (PageSize - 1),
		Zone:     zone,
		NumaNode: int(f.numaNode),
		RefCount: f.refCount,
		Order:    f.order,
		Free:     f.free(),
		Reserved: f.flags&frameReserved != 0,
		Tag:      f.allocTag,
	}, nil
}
