package pmm

import (
	"fmt"
	"math/bits"
)

// The buddy core. All functions in this file require the zone's lock to
// be held by the caller unless stated otherwise. Free blocks are linked
// through frame indices; the block base carries the order and the
// frameBlockHead flag, interior frames carry nothing.

// invalidOrder marks the interior frames of an allocated block so that
// a stray free against them fails the order check.
const invalidOrder = 0xff

// listPush inserts frame idx as the head of z's free list for order.
func (pm *PhysicalMemoryManager) listPush(z *Zone, order uint8, idx uint64) {
	f := &pm.frames[idx]
	f.order = order
	f.flags |= frameBlockHead
	f.prev = nilFrame
	f.next = z.freeLists[order].head
	if f.next != nilFrame {
		pm.frames[f.next].prev = idx
	}
	z.freeLists[order].head = idx
	z.freeLists[order].count++
}

// listUnlink removes frame idx from z's free list for order. idx may be
// anywhere in the list.
func (pm *PhysicalMemoryManager) listUnlink(z *Zone, order uint8, idx uint64) {
	f := &pm.frames[idx]
	if f.prev != nilFrame {
		pm.frames[f.prev].next = f.next
	} else {
		z.freeLists[order].head = f.next
	}
	if f.next != nilFrame {
		pm.frames[f.next].prev = f.prev
	}
	f.next, f.prev = nilFrame, nilFrame
	f.flags &^= frameBlockHead
	z.freeLists[order].count--
}

// allocFromZone attempts to carve a block of the requested order out of
// zone z. It takes the zone lock itself. On success it returns the base
// frame index of an allocated, unlinked block with every covered frame
// marked in use.
//
// Lookup prefers an exact-order block; otherwise the lowest non-empty
// higher order is split down, inserting each upper half one order below,
// which keeps larger blocks intact as long as possible.
func (pm *PhysicalMemoryManager) allocFromZone(z *Zone, order uint8, tag string) (uint64, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()

	k := order
	for ; k <= MaxOrder; k++ {
		if z.freeLists[k].head != nilFrame {
			break
		}
	}
	if k > MaxOrder {
		return 0, false
	}

	idx := z.freeLists[k].head
	pm.listUnlink(z, k, idx)

	// Split down: keep the lower half, free the upper half.
	for k > order {
		k--
		pm.listPush(z, k, idx+(1<<k))
	}

	pages := uint64(1) << order
	base := &pm.frames[idx]
	base.order = order
	base.refCount = 1
	base.allocTag = tag
	base.allocTime = pm.clock()
	for i := uint64(1); i < pages; i++ {
		interior := &pm.frames[idx+i]
		interior.refCount = 1
		interior.order = invalidOrder
	}

	z.freePages -= pages
	z.activePages += pages
	z.allocations++
	return idx, true
}

// freeToZone releases the block of the given order based at frame idx
// back into zone z, coalescing with free buddies as far as possible. It
// takes the zone lock itself. The returned bool reports whether the
// block was actually released to the free lists, as opposed to merely
// dropping one reference on a shared block.
//
// The caller has already validated alignment and range; everything that
// depends on frame state is checked here, under the lock.
func (pm *PhysicalMemoryManager) freeToZone(z *Zone, idx uint64, order uint8) (bool, error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	base := &pm.frames[idx]
	if !base.available() {
		return false, fmt.Errorf("free of reserved frame %#x: %w", idx<<PageShift, ErrInvalidArgument)
	}
	if base.free() {
		return false, fmt.Errorf("double free of frame %#x: %w", idx<<PageShift, ErrCorruption)
	}
	if base.order != order {
		return false, fmt.Errorf("free of frame %#x at order %d, allocated at order %d: %w",
			idx<<PageShift, order, base.order, ErrCorruption)
	}

	base.refCount--
	if base.refCount > 0 {
		// Still shared by other holders; the block stays allocated.
		return false, nil
	}

	pages := uint64(1) << order
	for i := uint64(1); i < pages; i++ {
		pm.frames[idx+i].refCount = 0
		pm.frames[idx+i].order = 0
	}
	base.allocTag = ""

	// Coalesce: the buddy of a block at idx is at idx XOR 2^order.
	// Merge while the buddy exists in the same zone, is free, and sits
	// in the free list at the same order.
	for order < MaxOrder {
		buddyIdx := idx ^ (1 << order)
		if buddyIdx >= pm.totalFrames {
			break
		}
		buddy := &pm.frames[buddyIdx]
		if ZoneID(buddy.zoneID) != z.id || !buddy.available() || !buddy.free() || !buddy.blockHead() || buddy.order != order {
			break
		}
		pm.listUnlink(z, order, buddyIdx)
		if buddyIdx < idx {
			idx = buddyIdx
		}
		order++
	}
	pm.listPush(z, order, idx)

	z.freePages += pages
	z.activePages -= pages
	z.deallocations++
	return true, nil
}

// populateFreeLists builds the initial free lists from the available
// ranges, carving each run of free frames into maximal order-aligned
// blocks. Runs are clipped at zone boundaries so no block ever spans
// two zones. Bootstrap only; no locks are held yet.
func (pm *PhysicalMemoryManager) populateFreeLists(layout *memoryLayout) {
	for _, r := range layout.available {
		cur := r.Base >> PageShift
		end := r.End() >> PageShift
		for cur < end {
			z := pm.zoneForAddr(PhysAddr(cur << PageShift))
			zoneEnd := uint64(z.end) >> PageShift
			if zoneEnd > end {
				zoneEnd = end
			}
			for cur < zoneEnd {
				order := uint8(MaxOrder)
				if align := bits.TrailingZeros64(cur); cur != 0 && align < MaxOrder {
					order = uint8(align)
				}
				for cur+(1<<order) > zoneEnd {
					order--
				}
				pm.listPush(z, order, cur)
				cur += 1 << order
			}
		}
	}
}
