// Package bootinfo supplies the firmware memory map to the physical
// memory manager. On real hardware the map comes from the bootloader
// handoff; in a hosted environment it is loaded from a versioned JSON
// map file or synthesized for tests and demos.
package bootinfo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Masterminds/semver/v3"

	"github.com/nimbus-os/nimbus/internal/pmm"
)

// FormatConstraint is the map file format versions this loader accepts.
const FormatConstraint = "^1"

// ErrUnsupportedFormat reports a map file whose format version falls
// outside FormatConstraint.
var ErrUnsupportedFormat = errors.New("bootinfo: unsupported map format version")

// MapFile is the on-disk shape of a memory map.
type MapFile struct {
	// Format is the semantic version of the file format.
	Format string `json:"format"`

	// Regions lists the raw firmware regions, in no particular order.
	Regions []RegionEntry `json:"regions"`
}

// RegionEntry is one memory region in a map file.
type RegionEntry struct {
	Base   uint64 `json:"base"`
	Length uint64 `json:"length"`
	Type   string `json:"type"`
}

// regionTypes maps the on-disk type names to the manager's region
// types. Unknown names deliberately fall back to reserved, the same way
// unrecognized E820 entry types are treated as unusable.
var regionTypes = map[string]pmm.RegionType{
	"available":        pmm.RegionAvailable,
	"reserved":         pmm.RegionReserved,
	"acpi-reclaimable": pmm.RegionACPIReclaimable,
	"acpi-nvs":         pmm.RegionACPINVS,
	"bad":              pmm.RegionBad,
	"kernel":           pmm.RegionKernel,
	"boot-module":      pmm.RegionBootModule,
	"framebuffer":      pmm.RegionFramebuffer,
}

// Parse decodes and validates a map file, returning the region list in
// the manager's terms.
func Parse(r io.Reader) ([]pmm.MemoryRegion, error) {
	var file MapFile
	dec := json.NewDecoder(r)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("bootinfo: decoding map file: %w", err)
	}

	ver, err := semver.NewVersion(file.Format)
	if err != nil {
		return nil, fmt.Errorf("bootinfo: bad format version %q: %w", file.Format, err)
	}
	constraint, err := semver.NewConstraint(FormatConstraint)
	if err != nil {
		return nil, fmt.Errorf("bootinfo: parsing format constraint: %w", err)
	}
	if !constraint.Check(ver) {
		return nil, fmt.Errorf("format %s does not satisfy %s: %w", file.Format, FormatConstraint, ErrUnsupportedFormat)
	}

	regions := make([]pmm.MemoryRegion, 0, len(file.Regions))
	for _, e := range file.Regions {
		typ, ok := regionTypes[e.Type]
		if !ok {
			typ = pmm.RegionReserved
		}
		regions = append(regions, pmm.MemoryRegion{Base: e.Base, Length: e.Length, Type: typ})
	}
	return regions, nil
}

// Load reads and parses the map file at path.
func Load(path string) ([]pmm.MemoryRegion, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bootinfo: opening map file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Synthetic returns the simplest possible map: one available region of
// the given size at base 0. Used by tests and the demo kernel when no
// map file is supplied.
func Synthetic(size uint64) []pmm.MemoryRegion {
	return []pmm.MemoryRegion{{Base: 0, Length: size, Type: pmm.RegionAvailable}}
}

// SyntheticPC returns a map resembling a small PC: a legacy low-memory
// hole, a kernel image, a framebuffer, and the rest available.
func SyntheticPC(size uint64) []pmm.MemoryRegion {
	return []pmm.MemoryRegion{
		{Base: 0, Length: 0x9f000, Type: pmm.RegionAvailable},
		{Base: 0x9f000, Length: 0x61000, Type: pmm.RegionReserved},
		{Base: 0x100000, Length: 0x400000, Type: pmm.RegionKernel},
		{Base: 0x500000, Length: size - 0x500000, Type: pmm.RegionAvailable},
		{Base: size, Length: 0x800000, Type: pmm.RegionFramebuffer},
	}
}
