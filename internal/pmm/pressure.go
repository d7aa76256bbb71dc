package pmm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// watermarkSet holds the free-page thresholds that drive the memory
// pressure flag. Reads on the allocation path take the mutex briefly;
// the thresholds change rarely.
type watermarkSet struct {
	mu        sync.Mutex
	low       uint64
	high      uint64
	emergency uint64
}

// defaults derives initial watermarks from the bootstrap free-page
// count. The ratios only matter insofar as low < high and
// high > emergency must hold even on tiny memory maps.
func (w *watermarkSet) defaults(freePages uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emergency = freePages / 128
	w.low = freePages / 64
	w.high = freePages / 32
	if w.low >= w.high {
		w.emergency = 0
		w.low = 1
		w.high = 2
	}
}

func (w *watermarkSet) get() (low, high, emergency uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.low, w.high, w.emergency
}

// SetWatermarks replaces the pressure thresholds, all expressed in
// pages. low must be below high and high above emergency.
func (pm *PhysicalMemoryManager) SetWatermarks(low, high, emergency uint64) error {
	if !pm.initialized.Load() {
		return ErrNotInitialized
	}
	if low >= high {
		return fmt.Errorf("low watermark %d must be below high %d: %w", low, high, ErrInvalidArgument)
	}
	if high <= emergency {
		return fmt.Errorf("high watermark %d must be above emergency %d: %w", high, emergency, ErrInvalidArgument)
	}
	pm.watermarks.mu.Lock()
	pm.watermarks.low = low
	pm.watermarks.high = high
	pm.watermarks.emergency = emergency
	pm.watermarks.mu.Unlock()
	return nil
}

// IsUnderPressure reports whether free memory last crossed below the
// low watermark without recovering above the high one. Pure read.
func (pm *PhysicalMemoryManager) IsUnderPressure() bool {
	return atomic.LoadUint32(&pm.pressureFlag) != 0
}

// updatePressureAfterAlloc runs after every successful allocation:
// dropping below the low watermark raises the pressure flag.
func (pm *PhysicalMemoryManager) updatePressureAfterAlloc() {
	low, _, _ := pm.watermarks.get()
	if atomic.LoadUint64(&pm.freePages) < low {
		if atomic.CompareAndSwapUint32(&pm.pressureFlag, 0, 1) {
			pm.log.Printf("pmm: memory pressure raised, %d free pages below low watermark %d",
				atomic.LoadUint64(&pm.freePages), low)
		}
	}
}

// updatePressureAfterFree runs after every release: climbing above the
// high watermark clears the pressure flag.
func (pm *PhysicalMemoryManager) updatePressureAfterFree() {
	_, high, _ := pm.watermarks.get()
	if atomic.LoadUint64(&pm.freePages) > high {
		atomic.CompareAndSwapUint32(&pm.pressureFlag, 1, 0)
	}
}

// noReclaim is the default reclaim hook. Eviction strategies (swap,
// compaction, cache shrinking) live outside the manager; until one is
// registered, reclaim frees nothing.
func noReclaim(uint64) uint64 { return 0 }
