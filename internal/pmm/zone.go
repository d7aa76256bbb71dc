package pmm

import (
	"math"
	"sync"
)

// ZoneID identifies one of the statically configured zones.
type ZoneID uint8

const (
	// ZoneDMA covers memory reachable by legacy ISA DMA.
	ZoneDMA ZoneID = iota
	// ZoneDMA32 covers memory reachable through 32-bit addressing.
	ZoneDMA32
	// ZoneNormal covers general-purpose memory.
	ZoneNormal
	// ZoneHigh covers memory above the normal range.
	ZoneHigh

	zoneCount
)

// zoneBound configures one zone's address range. The table below is the
// single place zone boundaries are defined; allocation and free paths
// both resolve zones through it.
type zoneBound struct {
	id    ZoneID
	name  string
	start uint64
	end   uint64 // exclusive
}

var zoneLayout = [zoneCount]zoneBound{
	{ZoneDMA, "DMA", 0, 16 << 20},
	{ZoneDMA32, "DMA32", 16 << 20, 4 << 30},
	{ZoneNormal, "Normal", 4 << 30, 64 << 40},
	{ZoneHigh, "High", 64 << 40, math.MaxUint64},
}

// freeList is one per-order list of free blocks, linked through frame
// indices. count is maintained so that, outside a critical section,
// sum over orders of count*2^order equals the zone's freePages.
type freeList struct {
	head  uint64
	count uint64
}

// Zone is a contiguous physical address range with its own free-list
// state, lock, and counters. Operations on distinct zones proceed
// concurrently; everything inside one zone is serialized by mu.
type Zone struct {
	id       ZoneID
	name     string
	start    PhysAddr
	end      PhysAddr // exclusive
	numaNode int

	mu            sync.Mutex
	freeLists     [MaxOrder + 1]freeList
	freePages     uint64
	activePages   uint64
	allocations   uint64
	deallocations uint64
}

// Name returns the configured zone name.
func (z *Zone) Name() string { return z.name }

// contains reports whether addr falls inside the zone's range.
func (z *Zone) contains(addr PhysAddr) bool {
	return addr >= z.start && addr < z.end
}

// newZones instantiates the configured zone set. Empty zones exist too;
// they simply never hold pages.
func newZones() []*Zone {
	zones := make([]*Zone, zoneCount)
	for i, b := range zoneLayout {
		zones[i] = &Zone{id: b.id, name: b.name, start: PhysAddr(b.start), end: PhysAddr(b.end)}
		for o := range zones[i].freeLists {
			zones[i].freeLists[o].head = nilFrame
		}
	}
	return zones
}

// ZoneFor resolves the zone owning addr.
func (pm *PhysicalMemoryManager) ZoneFor(addr PhysAddr) (*Zone, error) {
	if !pm.initialized.Load() {
		return nil, ErrNotInitialized
	}
	return pm.zoneForAddr(addr), nil
}

// zoneForAddr resolves the zone owning addr. O(1): the layout is a
// fixed table of four ranges.
func (pm *PhysicalMemoryManager) zoneForAddr(addr PhysAddr) *Zone {
	for _, z := range pm.zones {
		if z.contains(addr) {
			return z
		}
	}
	// Unreachable: ZoneHigh is open-ended.
	return pm.zones[ZoneHigh]
}

// assignZones walks every available frame, records its owning zone and
// NUMA node in the frame database, and credits the zone's free-page
// count. Runs once, during bootstrap, before the free lists are built.
func (pm *PhysicalMemoryManager) assignZones(layout *memoryLayout) {
	for _, r := range layout.available {
		for addr := PhysAddr(r.Base); addr < PhysAddr(r.End()); addr += PageSize {
			z := pm.zoneForAddr(addr)
			f := &pm.frames[addr>>PageShift]
			f.zoneID = uint8(z.id)
			f.numaNode = uint8(pm.topology(addr))
			f.flags = framePresent | frameAvailable
			z.freePages++
		}
	}
}
