package pmm

import "fmt"

// RegionType classifies a firmware-reported memory region.
type RegionType uint32

const (
	RegionAvailable RegionType = iota
	RegionReserved
	RegionACPIReclaimable
	RegionACPINVS
	RegionBad
	RegionKernel
	RegionBootModule
	RegionFramebuffer
)

// String implements fmt.Stringer for RegionType.
func (t RegionType) String() string {
	switch t {
	case RegionAvailable:
		return "available"
	case RegionReserved:
		return "reserved"
	case RegionACPIReclaimable:
		return "acpi-reclaimable"
	case RegionACPINVS:
		return "acpi-nvs"
	case RegionBad:
		return "bad"
	case RegionKernel:
		return "kernel"
	case RegionBootModule:
		return "boot-module"
	case RegionFramebuffer:
		return "framebuffer"
	default:
		return "unknown"
	}
}

// MemoryRegion is one entry of the raw firmware memory map handed to
// Init by the boot collaborator. Base and Length need not be
// page-aligned; the importer aligns available ranges inward.
type MemoryRegion struct {
	Base   uint64
	Length uint64
	Type   RegionType
}

// End returns the first address past the region.
func (r MemoryRegion) End() uint64 { return r.Base + r.Length }

// memoryLayout is the normalized description of physical memory
// produced by importRegions: the database extent plus the page-aligned
// usable sub-ranges. Everything not listed in available is reserved.
type memoryLayout struct {
	// highestAddr is the highest end address across all reported
	// regions, usable or not; it sizes the frame database.
	highestAddr uint64

	// available holds the page-aligned usable sub-ranges, sorted by
	// base address, after the frame database backing store has been
	// carved out.
	available []MemoryRegion

	// dbBase/dbFrames describe the reservation hosting the frame
	// database itself.
	dbBase   uint64
	dbFrames uint64
}

// importRegions normalizes the raw firmware region list. It aligns
// available regions inward to page boundaries, computes the database
// extent from the highest reported address, and reserves space for the
// frame database from the first available region large enough to host
// it, shrinking that region so the database cannot hand out its own
// backing store.
func importRegions(regions []MemoryRegion) (*memoryLayout, error) {
	if len(regions) == 0 {
		return nil, fmt.Errorf("empty memory region list: %w", ErrInvalidArgument)
	}

	layout := &memoryLayout{}
	for _, r := range regions {
		if r.Length == 0 {
			continue
		}
		if end := r.End(); end > layout.highestAddr {
			layout.highestAddr = end
		}
		if r.Type != RegionAvailable {
			continue
		}
		// Align the usable range inward: base up, end down. Regions
		// smaller than one page after alignment vanish.
		base := (r.Base + PageSize - 1) &^ uint64(PageSize-1)
		end := r.End() &^ uint64(PageSize-1)
		if end <= base {
			continue
		}
		layout.available = append(layout.available, MemoryRegion{Base: base, Length: end - base, Type: RegionAvailable})
	}
	if len(layout.available) == 0 {
		return nil, fmt.Errorf("no available memory reported by firmware: %w", ErrInvalidArgument)
	}
	sortRegions(layout.available)

	totalFrames := (layout.highestAddr + PageSize - 1) >> PageShift
	dbBytes := totalFrames * frameRecordBytes
	dbFrames := (dbBytes + PageSize - 1) >> PageShift

	// Host the frame database at the start of the first available
	// region that can hold it, and shrink that region accordingly.
	for i := range layout.available {
		r := &layout.available[i]
		if r.Length < dbFrames<<PageShift {
			continue
		}
		layout.dbBase = r.Base
		layout.dbFrames = dbFrames
		r.Base += dbFrames << PageShift
		r.Length -= dbFrames << PageShift
		if r.Length == 0 {
			layout.available = append(layout.available[:i], layout.available[i+1:]...)
		}
		return layout, nil
	}
	return nil, fmt.Errorf("no region can host a %d-frame database: %w", dbFrames, ErrOutOfMemory)
}

// sortRegions sorts regions by base address, insertion sort. Firmware
// maps are short.
func sortRegions(rs []MemoryRegion) {
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && rs[j].Base < rs[j-1].Base; j-- {
			rs[j], rs[j-1] = rs[j-1], rs[j]
		}
	}
}
