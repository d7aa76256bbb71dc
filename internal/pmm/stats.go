package pmm

import "sync/atomic"

// StatsSnapshot is a point-in-time view of the global counters,
// suitable for the diagnostics console. Building one is side-effect
// free.
type StatsSnapshot struct {
	TotalPages     uint64 `json:"total_pages"`
	FreePages      uint64 `json:"free_pages"`
	AllocatedPages uint64 `json:"allocated_pages"`
	ReservedPages  uint64 `json:"reserved_pages"`

	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
	UsedBytes  uint64 `json:"used_bytes"`

	AllocCalls      uint64 `json:"alloc_calls"`
	FreeCalls       uint64 `json:"free_calls"`
	FailedAllocs    uint64 `json:"failed_allocs"`
	ReclaimAttempts uint64 `json:"reclaim_attempts"`

	UnderPressure      bool   `json:"under_pressure"`
	WatermarkLow       uint64 `json:"watermark_low"`
	WatermarkHigh      uint64 `json:"watermark_high"`
	WatermarkEmergency uint64 `json:"watermark_emergency"`
}

// ZoneSnapshot is a point-in-time view of one zone, taken under that
// zone's lock so the per-order block counts and free page count are
// mutually consistent.
type ZoneSnapshot struct {
	Name          string               `json:"name"`
	Start         uint64               `json:"start"`
	End           uint64               `json:"end"`
	NumaNode      int                  `json:"numa_node"`
	FreePages     uint64               `json:"free_pages"`
	ActivePages   uint64               `json:"active_pages"`
	Allocations   uint64               `json:"allocations"`
	Deallocations uint64               `json:"deallocations"`
	FreeBlocks    [MaxOrder + 1]uint64 `json:"free_blocks_by_order"`
}

// DumpStats returns the global statistics snapshot. Page counts are
// read from the zones under their locks, so the snapshot is exact.
func (pm *PhysicalMemoryManager) DumpStats() (StatsSnapshot, error) {
	if !pm.initialized.Load() {
		return StatsSnapshot{}, ErrNotInitialized
	}

	var free, active uint64
	for _, z := range pm.zones {
		z.mu.Lock()
		free += z.freePages
		active += z.activePages
		z.mu.Unlock()
	}
	low, high, emergency := pm.watermarks.get()

	total := atomic.LoadUint64(&pm.totalPages)
	reserved := atomic.LoadUint64(&pm.reservedPages)
	return StatsSnapshot{
		TotalPages:         total,
		FreePages:          free,
		AllocatedPages:     active,
		ReservedPages:      reserved,
		TotalBytes:         total * PageSize,
		FreeBytes:          free * PageSize,
		UsedBytes:          active * PageSize,
		AllocCalls:         atomic.LoadUint64(&pm.allocCalls),
		FreeCalls:          atomic.LoadUint64(&pm.freeCalls),
		FailedAllocs:       atomic.LoadUint64(&pm.failedAllocs),
		ReclaimAttempts:    atomic.LoadUint64(&pm.reclaimAttempts),
		UnderPressure:      pm.IsUnderPressure(),
		WatermarkLow:       low,
		WatermarkHigh:      high,
		WatermarkEmergency: emergency,
	}, nil
}

// DumpZones returns per-zone snapshots in address order.
func (pm *PhysicalMemoryManager) DumpZones() ([]ZoneSnapshot, error) {
	if !pm.initialized.Load() {
		return nil, ErrNotInitialized
	}

	snaps := make([]ZoneSnapshot, 0, len(pm.zones))
	for _, z := range pm.zones {
		z.mu.Lock()
		s := ZoneSnapshot{
			Name:          z.name,
			Start:         uint64(z.start),
			End:           uint64(z.end),
			NumaNode:      z.numaNode,
			FreePages:     z.freePages,
			ActivePages:   z.activePages,
			Allocations:   z.allocations,
			Deallocations: z.deallocations,
		}
		for o := range z.freeLists {
			s.FreeBlocks[o] = z.freeLists[o].count
		}
		z.mu.Unlock()
		snaps = append(snaps, s)
	}
	return snaps, nil
}
