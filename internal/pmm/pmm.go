package pmm

import (
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"
)

// AllocFlags steer an allocation request.
type AllocFlags uint32

const (
	// FlagDMA constrains the allocation to ISA-DMA-reachable memory.
	// The constraint is hard; fallback never crosses it.
	FlagDMA AllocFlags = 1 << iota

	// FlagDMA32 constrains the allocation to 32-bit-addressable memory.
	FlagDMA32

	// FlagAtomic forbids the cross-zone fallback and reclaim paths.
	// Interrupt-context callers must set it: the preferred zone either
	// satisfies the request immediately or the call fails.
	FlagAtomic
)

// Logger is the minimal diagnostic sink the manager writes to. It is
// never used for control flow.
type Logger interface {
	Printf(format string, args ...interface{})
}

// ReclaimFunc is the pressure monitor's reclaim hook: asked to release
// up to target pages, it returns how many it actually freed. The
// default implementation reclaims nothing, which keeps the fallback
// allocation path deterministic.
type ReclaimFunc func(targetPages uint64) uint64

// PhysicalMemoryManager owns the frame database and the zones. One
// instance is constructed by the kernel boot sequence and injected into
// the subsystems that allocate physical memory; there is no package
// singleton.
type PhysicalMemoryManager struct {
	frames      []PageFrame
	zones       []*Zone
	totalFrames uint64

	// Global counters, maintained with atomics. Exact values require
	// the zone locks; atomic reads give eventually consistent
	// approximations, which is what the fast-read accessors provide.
	totalPages     uint64
	freePages      uint64
	allocatedPages uint64
	reservedPages  uint64

	allocCalls      uint64
	freeCalls       uint64
	failedAllocs    uint64
	reclaimAttempts uint64

	pressureFlag uint32

	watermarks watermarkSet

	topology TopologyFunc
	reclaim  ReclaimFunc
	clock    func() uint64
	log      Logger

	initialized atomic.Bool
}

// Config carries the injectable collaborators of the manager.
type Config struct {
	Logger   Logger
	Topology TopologyFunc
	Reclaim  ReclaimFunc
	Clock    func() uint64
}

// Option mutates a Config.
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		Logger:   log.Default(),
		Topology: DefaultTopology,
		Reclaim:  noReclaim,
		Clock:    func() uint64 { return uint64(time.Now().UnixNano()) },
	}
}

// WithLogger overrides the diagnostic logger.
func WithLogger(l Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithTopology overrides the NUMA topology function.
func WithTopology(t TopologyFunc) Option {
	return func(c *Config) { c.Topology = t }
}

// WithReclaim installs a reclaim hook invoked when all zones fail an
// allocation.
func WithReclaim(r ReclaimFunc) Option {
	return func(c *Config) { c.Reclaim = r }
}

// WithClock overrides the timestamp source used for allocation
// metadata.
func WithClock(clock func() uint64) Option {
	return func(c *Config) { c.Clock = clock }
}

// New constructs an uninitialized manager. Init must be called with the
// firmware memory map before any other method.
func New(opts ...Option) *PhysicalMemoryManager {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &PhysicalMemoryManager{
		topology: cfg.Topology,
		reclaim:  cfg.Reclaim,
		clock:    cfg.Clock,
		log:      cfg.Logger,
	}
}

// Init performs the one-time bootstrap: it imports the firmware region
// list, sizes and populates the frame database, assigns frames to
// zones, and builds the buddy free lists. The manager is unusable until
// Init returns nil.
func (pm *PhysicalMemoryManager) Init(regions []MemoryRegion) error {
	if pm.initialized.Load() {
		return fmt.Errorf("already initialized: %w", ErrInvalidArgument)
	}

	layout, err := importRegions(regions)
	if err != nil {
		return fmt.Errorf("importing memory regions: %w", err)
	}

	pm.totalFrames = (layout.highestAddr + PageSize - 1) >> PageShift
	pm.frames = make([]PageFrame, pm.totalFrames)
	for i := range pm.frames {
		pm.frames[i].flags = framePresent | frameReserved
		pm.frames[i].next = nilFrame
		pm.frames[i].prev = nilFrame
	}

	pm.zones = newZones()
	pm.assignZones(layout)
	pm.populateFreeLists(layout)

	var free uint64
	for _, z := range pm.zones {
		free += z.freePages
	}
	atomic.StoreUint64(&pm.totalPages, pm.totalFrames)
	atomic.StoreUint64(&pm.freePages, free)
	atomic.StoreUint64(&pm.allocatedPages, 0)
	atomic.StoreUint64(&pm.reservedPages, pm.totalFrames-free)

	pm.watermarks.defaults(free)
	pm.initialized.Store(true)

	pm.log.Printf("pmm: %d frames managed, %d free, %d reserved (frame database: %d frames at %#x)",
		pm.totalFrames, free, pm.totalFrames-free, layout.dbFrames, layout.dbBase)
	return nil
}

// preferredZone maps allocation flags to the zone tried first and the
// highest zone the constraint permits.
func preferredZone(flags AllocFlags) (preferred, limit ZoneID) {
	switch {
	case flags&FlagDMA != 0:
		return ZoneDMA, ZoneDMA
	case flags&FlagDMA32 != 0:
		return ZoneDMA32, ZoneDMA32
	default:
		return ZoneNormal, ZoneHigh
	}
}

// AllocPages allocates a block of 2^order contiguous frames and returns
// its physical base address, aligned to 2^order pages.
func (pm *PhysicalMemoryManager) AllocPages(order uint8, flags AllocFlags) (PhysAddr, error) {
	return pm.AllocPagesTag(order, flags, "")
}

// AllocPagesTag is AllocPages with a diagnostic tag recorded on the
// block's base frame.
//
// The preferred zone is tried first. Unless FlagAtomic is set, the
// remaining zones the addressing constraint permits are then tried in
// address order, and if every zone fails, the reclaim hook runs once
// before the whole chain is retried a single time.
func (pm *PhysicalMemoryManager) AllocPagesTag(order uint8, flags AllocFlags, tag string) (PhysAddr, error) {
	if !pm.initialized.Load() {
		return 0, ErrNotInitialized
	}
	if order > MaxOrder {
		return 0, fmt.Errorf("order %d exceeds maximum %d: %w", order, MaxOrder, ErrInvalidArgument)
	}

	preferred, limit := preferredZone(flags)
	candidates := pm.candidateZones(preferred, limit, flags&FlagAtomic != 0)

	if addr, ok := pm.tryZones(candidates, order, tag); ok {
		return addr, nil
	}

	if flags&FlagAtomic == 0 {
		atomic.AddUint64(&pm.reclaimAttempts, 1)
		if pm.reclaim(1<<order) > 0 {
			if addr, ok := pm.tryZones(candidates, order, tag); ok {
				return addr, nil
			}
		}
	}

	atomic.AddUint64(&pm.failedAllocs, 1)
	return 0, fmt.Errorf("no free block of order %d: %w", order, ErrOutOfMemory)
}

// candidateZones builds the zone probe order for an allocation: the
// preferred zone, then every other zone at or below the constraint
// limit in address order. Atomic requests probe the preferred zone
// only.
func (pm *PhysicalMemoryManager) candidateZones(preferred, limit ZoneID, atomicReq bool) []*Zone {
	if atomicReq {
		return []*Zone{pm.zones[preferred]}
	}
	candidates := make([]*Zone, 0, len(pm.zones))
	candidates = append(candidates, pm.zones[preferred])
	for _, z := range pm.zones {
		if z.id != preferred && z.id <= limit {
			candidates = append(candidates, z)
		}
	}
	return candidates
}

func (pm *PhysicalMemoryManager) tryZones(zones []*Zone, order uint8, tag string) (PhysAddr, bool) {
	for _, z := range zones {
		idx, ok := pm.allocFromZone(z, order, tag)
		if !ok {
			continue
		}
		pages := uint64(1) << order
		atomic.AddUint64(&pm.allocCalls, 1)
		atomic.AddUint64(&pm.freePages, ^(pages - 1))
		atomic.AddUint64(&pm.allocatedPages, pages)
		pm.updatePressureAfterAlloc()
		return PhysAddr(idx << PageShift), true
	}
	return 0, false
}

// FreePages releases a block previously returned by AllocPages. Freeing
// a shared block (reference count above one) only drops the reference;
// the final release coalesces the block with its free buddies and
// returns it to the owning zone's free list.
func (pm *PhysicalMemoryManager) FreePages(addr PhysAddr, order uint8) error {
	if !pm.initialized.Load() {
		return ErrNotInitialized
	}
	if order > MaxOrder {
		return fmt.Errorf("order %d exceeds maximum %d: %w", order, MaxOrder, ErrInvalidArgument)
	}
	if addr&(PageSize-1) != 0 {
		return fmt.Errorf("address %#x not page aligned: %w", uint64(addr), ErrInvalidArgument)
	}
	idx := uint64(addr >> PageShift)
	if idx >= pm.totalFrames {
		return fmt.Errorf("address %#x beyond managed memory: %w", uint64(addr), ErrInvalidArgument)
	}

	z := pm.zoneForAddr(addr)
	released, err := pm.freeToZone(z, idx, order)
	if err != nil {
		// Corruption is logged with the offending address and
		// surfaced; the frame state stays untouched so the bug is not
		// masked.
		if errors.Is(err, ErrCorruption) {
			pm.log.Printf("pmm: ERROR: rejected free of %#x order %d: %v", uint64(addr), order, err)
		}
		return err
	}
	atomic.AddUint64(&pm.freeCalls, 1)
	if released {
		pages := uint64(1) << order
		atomic.AddUint64(&pm.freePages, pages)
		atomic.AddUint64(&pm.allocatedPages, ^(pages - 1))
		pm.updatePressureAfterFree()
	}
	return nil
}

// Retain adds a reference to an allocated block, allowing it to be
// shared; each holder must eventually call FreePages.
func (pm *PhysicalMemoryManager) Retain(addr PhysAddr) error {
	if !pm.initialized.Load() {
		return ErrNotInitialized
	}
	if addr&(PageSize-1) != 0 {
		return fmt.Errorf("address %#x not page aligned: %w", uint64(addr), ErrInvalidArgument)
	}
	idx := uint64(addr >> PageShift)
	if idx >= pm.totalFrames {
		return fmt.Errorf("address %#x beyond managed memory: %w", uint64(addr), ErrInvalidArgument)
	}
	z := pm.zoneForAddr(addr)
	z.mu.Lock()
	defer z.mu.Unlock()
	f := &pm.frames[idx]
	if f.free() || f.order == invalidOrder {
		return fmt.Errorf("retain of unallocated frame %#x: %w", uint64(addr), ErrInvalidArgument)
	}
	f.refCount++
	return nil
}

// TotalMemory returns the managed physical memory size in bytes,
// reserved frames included.
func (pm *PhysicalMemoryManager) TotalMemory() uint64 {
	return atomic.LoadUint64(&pm.totalPages) * PageSize
}

// FreeMemory returns the free memory in bytes. Approximate under
// concurrency; DumpStats takes the exact snapshot.
func (pm *PhysicalMemoryManager) FreeMemory() uint64 {
	return atomic.LoadUint64(&pm.freePages) * PageSize
}

// UsedMemory returns the allocated memory in bytes.
func (pm *PhysicalMemoryManager) UsedMemory() uint64 {
	return atomic.LoadUint64(&pm.allocatedPages) * PageSize
}

// ReservedMemory returns the firmware-reserved memory in bytes,
// including the frame database backing store.
func (pm *PhysicalMemoryManager) ReservedMemory() uint64 {
	return atomic.LoadUint64(&pm.reservedPages) * PageSize
}
