package pmm

import (
	"errors"
	"io"
	"log"
	"sync"
	"testing"
)

// regions64MiB is the canonical synthetic map: one available region of
// 64 MiB at base 0 and nothing else.
func regions64MiB() []MemoryRegion {
	return []MemoryRegion{{Base: 0, Length: 64 << 20, Type: RegionAvailable}}
}

func newTestPMM(t *testing.T, regions []MemoryRegion, opts ...Option) *PhysicalMemoryManager {
	t.Helper()
	opts = append([]Option{WithLogger(log.New(io.Discard, "", 0))}, opts...)
	pm := New(opts...)
	if err := pm.Init(regions); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return pm
}

func checkConservation(t *testing.T, pm *PhysicalMemoryManager) {
	t.Helper()
	s, err := pm.DumpStats()
	if err != nil {
		t.Fatalf("DumpStats failed: %v", err)
	}
	if s.TotalPages != s.FreePages+s.AllocatedPages+s.ReservedPages {
		t.Fatalf("conservation violated: total %d != free %d + allocated %d + reserved %d",
			s.TotalPages, s.FreePages, s.AllocatedPages, s.ReservedPages)
	}
}

func TestBootstrapDeterminism(t *testing.T) {
	pm := newTestPMM(t, regions64MiB())

	// 64 MiB at 4 KiB pages is 16384 frames; the frame database needs
	// 16384*64 bytes = 1 MiB = 256 frames, reserved out of the map.
	if pm.TotalFrames() != 16384 {
		t.Fatalf("TotalFrames = %d, want 16384", pm.TotalFrames())
	}
	s, err := pm.DumpStats()
	if err != nil {
		t.Fatalf("DumpStats failed: %v", err)
	}
	if s.FreePages != 16384-256 {
		t.Errorf("FreePages = %d, want %d", s.FreePages, 16384-256)
	}
	if s.ReservedPages != 256 {
		t.Errorf("ReservedPages = %d, want 256", s.ReservedPages)
	}
	if s.AllocatedPages != 0 {
		t.Errorf("AllocatedPages = %d, want 0", s.AllocatedPages)
	}
	checkConservation(t, pm)

	zones, err := pm.DumpZones()
	if err != nil {
		t.Fatalf("DumpZones failed: %v", err)
	}
	// The first 16 MiB land in DMA (minus the 256 database frames),
	// the remaining 48 MiB in DMA32.
	byName := map[string]ZoneSnapshot{}
	for _, z := range zones {
		byName[z.Name] = z
	}
	if got := byName["DMA"].FreePages; got != 4096-256 {
		t.Errorf("DMA free pages = %d, want %d", got, 4096-256)
	}
	if got := byName["DMA32"].FreePages; got != 12288 {
		t.Errorf("DMA32 free pages = %d, want 12288", got)
	}
	if got := byName["Normal"].FreePages; got != 0 {
		t.Errorf("Normal free pages = %d, want 0", got)
	}
}

func TestInitErrors(t *testing.T) {
	t.Run("DoubleInit", func(t *testing.T) {
		pm := newTestPMM(t, regions64MiB())
		if err := pm.Init(regions64MiB()); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("second Init: expected ErrInvalidArgument, got %v", err)
		}
	})

	t.Run("NoUsableMemory", func(t *testing.T) {
		pm := New(WithLogger(log.New(io.Discard, "", 0)))
		err := pm.Init([]MemoryRegion{{Base: 0, Length: 1 << 20, Type: RegionReserved}})
		if !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
	})
}

func TestNotInitialized(t *testing.T) {
	pm := New(WithLogger(log.New(io.Discard, "", 0)))

	if _, err := pm.AllocPages(0, 0); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("AllocPages: got %v", err)
	}
	if err := pm.FreePages(0, 0); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("FreePages: got %v", err)
	}
	if err := pm.SetWatermarks(1, 2, 0); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("SetWatermarks: got %v", err)
	}
	if _, err := pm.DumpStats(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("DumpStats: got %v", err)
	}
	if _, err := pm.DumpZones(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("DumpZones: got %v", err)
	}
	if _, err := pm.FrameAt(0); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("FrameAt: got %v", err)
	}
	if err := pm.MigrateToNode(0, 1); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("MigrateToNode: got %v", err)
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	pm := newTestPMM(t, regions64MiB())

	for order := uint8(0); order <= MaxOrder; order++ {
		before, _ := pm.DumpStats()
		addr, err := pm.AllocPages(order, 0)
		if err != nil {
			t.Fatalf("order %d: alloc failed: %v", order, err)
		}
		if uint64(addr)%(uint64(PageSize)<<order) != 0 {
			t.Errorf("order %d: address %#x not aligned to %d pages", order, uint64(addr), 1<<order)
		}
		mid, _ := pm.DumpStats()
		if mid.FreePages != before.FreePages-(1<<order) {
			t.Errorf("order %d: free pages %d, want %d", order, mid.FreePages, before.FreePages-(1<<order))
		}
		checkConservation(t, pm)
		if err := pm.FreePages(addr, order); err != nil {
			t.Fatalf("order %d: free failed: %v", order, err)
		}
		after, _ := pm.DumpStats()
		if after.FreePages != before.FreePages {
			t.Errorf("order %d: free pages %d after round trip, want %d", order, after.FreePages, before.FreePages)
		}
		checkConservation(t, pm)
	}
}

func TestAllocArgumentValidation(t *testing.T) {
	pm := newTestPMM(t, regions64MiB())

	if _, err := pm.AllocPages(MaxOrder+1, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("oversized order: got %v", err)
	}
	if err := pm.FreePages(PhysAddr(0x123), 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("misaligned free: got %v", err)
	}
	if err := pm.FreePages(PhysAddr(1<<40), 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("out-of-range free: got %v", err)
	}
	if err := pm.FreePages(0, MaxOrder+1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("oversized free order: got %v", err)
	}
	// Address 0 hosts the frame database: reserved, never allocatable.
	if err := pm.FreePages(0, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("free of reserved frame: got %v", err)
	}
}

func TestDoubleFreeRejection(t *testing.T) {
	pm := newTestPMM(t, regions64MiB())

	addr, err := pm.AllocPages(2, 0)
	if err != nil {
		t.Fatalf("alloc failed: %v", err)
	}
	if err := pm.FreePages(addr, 2); err != nil {
		t.Fatalf("first free failed: %v", err)
	}

	before, _ := pm.DumpStats()
	if err := pm.FreePages(addr, 2); !errors.Is(err, ErrCorruption) {
		t.Fatalf("second free: expected ErrCorruption, got %v", err)
	}
	after, _ := pm.DumpStats()
	if before != after {
		t.Errorf("statistics changed by rejected free:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestFreeOrderMismatch(t *testing.T) {
	pm := newTestPMM(t, regions64MiB())

	addr, err := pm.AllocPages(3, 0)
	if err != nil {
		t.Fatalf("alloc failed: %v", err)
	}
	if err := pm.FreePages(addr, 1); !errors.Is(err, ErrCorruption) {
		t.Errorf("order mismatch: expected ErrCorruption, got %v", err)
	}
	// Freeing an interior page of the block is corruption too.
	if err := pm.FreePages(addr+PageSize, 0); !errors.Is(err, ErrCorruption) {
		t.Errorf("interior free: expected ErrCorruption, got %v", err)
	}
	if err := pm.FreePages(addr, 3); err != nil {
		t.Fatalf("correct free rejected: %v", err)
	}
}

func TestSharedBlocks(t *testing.T) {
	pm := newTestPMM(t, regions64MiB())

	addr, err := pm.AllocPages(0, 0)
	if err != nil {
		t.Fatalf("alloc failed: %v", err)
	}
	if err := pm.Retain(addr); err != nil {
		t.Fatalf("Retain failed: %v", err)
	}
	afterAlloc, _ := pm.DumpStats()

	// First free only drops a reference.
	if err := pm.FreePages(addr, 0); err != nil {
		t.Fatalf("shared free failed: %v", err)
	}
	mid, _ := pm.DumpStats()
	if mid.FreePages != afterAlloc.FreePages {
		t.Errorf("shared free released pages: %d -> %d", afterAlloc.FreePages, mid.FreePages)
	}

	// Second free releases the block.
	if err := pm.FreePages(addr, 0); err != nil {
		t.Fatalf("final free failed: %v", err)
	}
	final, _ := pm.DumpStats()
	if final.FreePages != afterAlloc.FreePages+1 {
		t.Errorf("final free pages = %d, want %d", final.FreePages, afterAlloc.FreePages+1)
	}

	// A third free is a double free.
	if err := pm.FreePages(addr, 0); !errors.Is(err, ErrCorruption) {
		t.Errorf("expected ErrCorruption, got %v", err)
	}

	if err := pm.Retain(addr); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Retain of free frame: expected ErrInvalidArgument, got %v", err)
	}
}

func TestWatermarkTransitions(t *testing.T) {
	// 2 MiB map: 512 frames, 8 reserved for the database, 504 free.
	pm := newTestPMM(t, []MemoryRegion{{Base: 0, Length: 2 << 20, Type: RegionAvailable}})
	if err := pm.SetWatermarks(100, 200, 50); err != nil {
		t.Fatalf("SetWatermarks failed: %v", err)
	}
	if pm.IsUnderPressure() {
		t.Fatal("pressure set before any allocation")
	}

	var held []PhysAddr
	for pm.FreeMemory()/PageSize >= 100 {
		addr, err := pm.AllocPages(0, 0)
		if err != nil {
			t.Fatalf("alloc failed with %d pages free: %v", pm.FreeMemory()/PageSize, err)
		}
		held = append(held, addr)
	}
	if !pm.IsUnderPressure() {
		t.Fatal("pressure not raised below low watermark")
	}

	released := 0
	for ; released < len(held); released++ {
		if err := pm.FreePages(held[released], 0); err != nil {
			t.Fatalf("free failed: %v", err)
		}
		if pm.FreeMemory()/PageSize > 200 {
			released++
			break
		}
	}
	if pm.IsUnderPressure() {
		t.Fatal("pressure not cleared above high watermark")
	}

	for _, addr := range held[released:] {
		if err := pm.FreePages(addr, 0); err != nil {
			t.Fatalf("cleanup free failed: %v", err)
		}
	}
}

func TestSetWatermarksValidation(t *testing.T) {
	pm := newTestPMM(t, regions64MiB())

	if err := pm.SetWatermarks(200, 100, 50); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("low >= high: got %v", err)
	}
	if err := pm.SetWatermarks(100, 100, 50); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("low == high: got %v", err)
	}
	if err := pm.SetWatermarks(100, 200, 200); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("high <= emergency: got %v", err)
	}
	if err := pm.SetWatermarks(100, 200, 50); err != nil {
		t.Errorf("valid watermarks rejected: %v", err)
	}
}

func TestConcurrentNoDoubleAllocation(t *testing.T) {
	pm := newTestPMM(t, regions64MiB())
	initial, _ := pm.DumpStats()

	const goroutines = 8
	const perG = 64

	results := make([][]PhysAddr, goroutines)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				addr, err := pm.AllocPages(1, 0)
				if err != nil {
					t.Errorf("goroutine %d: alloc failed: %v", g, err)
					return
				}
				results[g] = append(results[g], addr)
			}
		}(g)
	}
	wg.Wait()

	seen := make(map[PhysAddr]bool)
	for _, addrs := range results {
		for _, addr := range addrs {
			// Order-1 blocks cover two frames; track both.
			for p := addr; p < addr+2*PageSize; p += PageSize {
				if seen[p] {
					t.Fatalf("frame %#x handed out twice", uint64(p))
				}
				seen[p] = true
			}
		}
	}
	checkConservation(t, pm)

	for _, addrs := range results {
		for _, addr := range addrs {
			if err := pm.FreePages(addr, 1); err != nil {
				t.Fatalf("free failed: %v", err)
			}
		}
	}
	final, _ := pm.DumpStats()
	if final.FreePages != initial.FreePages {
		t.Errorf("free pages = %d after churn, want %d", final.FreePages, initial.FreePages)
	}
	checkConservation(t, pm)
}

func TestExtensionHooks(t *testing.T) {
	pm := newTestPMM(t, regions64MiB())

	addr, err := pm.AllocPages(0, 0)
	if err != nil {
		t.Fatalf("alloc failed: %v", err)
	}
	defer pm.FreePages(addr, 0)

	hooks := map[string]error{
		"MigrateToNode":  pm.MigrateToNode(addr, 1),
		"CompressPage":   pm.CompressPage(addr),
		"DecompressPage": pm.DecompressPage(addr),
		"EncryptPage":    pm.EncryptPage(addr),
		"DecryptPage":    pm.DecryptPage(addr),
	}
	for name, err := range hooks {
		if !errors.Is(err, ErrNotSupported) {
			t.Errorf("%s: expected ErrNotSupported, got %v", name, err)
		}
	}
}

func TestAllocationMetadata(t *testing.T) {
	fixed := uint64(424242)
	pm := newTestPMM(t, regions64MiB(), WithClock(func() uint64 { return fixed }))

	addr, err := pm.AllocPagesTag(0, 0, "page-tables")
	if err != nil {
		t.Fatalf("alloc failed: %v", err)
	}
	info, err := pm.FrameAt(addr)
	if err != nil {
		t.Fatalf("FrameAt failed: %v", err)
	}
	if info.Free {
		t.Error("allocated frame reported free")
	}
	if info.Tag != "page-tables" {
		t.Errorf("tag = %q, want %q", info.Tag, "page-tables")
	}
	if info.RefCount != 1 {
		t.Errorf("refCount = %d, want 1", info.RefCount)
	}

	if _, err := pm.FrameAt(PhysAddr(1 << 50)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("out-of-range FrameAt: got %v", err)
	}

	back, err := pm.AddrOf(uint64(addr) >> PageShift)
	if err != nil {
		t.Fatalf("AddrOf failed: %v", err)
	}
	if back != addr {
		t.Errorf("AddrOf(%d) = %#x, want %#x", uint64(addr)>>PageShift, uint64(back), uint64(addr))
	}
	if _, err := pm.AddrOf(pm.TotalFrames()); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("out-of-range AddrOf: got %v", err)
	}
	if z, err := pm.ZoneFor(addr); err != nil || z.Name() != info.Zone {
		t.Errorf("ZoneFor(%#x) = %v, %v; want zone %q", uint64(addr), z, err, info.Zone)
	}

	if err := pm.FreePages(addr, 0); err != nil {
		t.Fatalf("free failed: %v", err)
	}
}

func TestMemoryAccounting(t *testing.T) {
	pm := newTestPMM(t, regions64MiB())

	if pm.TotalMemory() != 64<<20 {
		t.Errorf("TotalMemory = %d, want %d", pm.TotalMemory(), 64<<20)
	}
	if pm.ReservedMemory() != 1<<20 {
		t.Errorf("ReservedMemory = %d, want %d", pm.ReservedMemory(), 1<<20)
	}
	if pm.FreeMemory() != 63<<20 {
		t.Errorf("FreeMemory = %d, want %d", pm.FreeMemory(), 63<<20)
	}
	addr, err := pm.AllocPages(4, 0)
	if err != nil {
		t.Fatalf("alloc failed: %v", err)
	}
	if pm.UsedMemory() != 16*PageSize {
		t.Errorf("UsedMemory = %d, want %d", pm.UsedMemory(), 16*PageSize)
	}
	if err := pm.FreePages(addr, 4); err != nil {
		t.Fatalf("free failed: %v", err)
	}
	if pm.UsedMemory() != 0 {
		t.Errorf("UsedMemory = %d after free, want 0", pm.UsedMemory())
	}
}
