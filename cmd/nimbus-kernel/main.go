// Nimbus hosted kernel entry point: boots the physical memory manager
// against a simulated physical address space, optionally serving the
// memory console and watching the memory map file for changes.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimbus-os/nimbus/internal/bootinfo"
	"github.com/nimbus-os/nimbus/internal/hostmem"
	"github.com/nimbus-os/nimbus/internal/memconsole"
	"github.com/nimbus-os/nimbus/internal/pmm"
)

func main() {
	var (
		mapPath     = flag.String("memmap", "", "memory map JSON file (default: synthetic map)")
		memMiB      = flag.Uint64("mem", 64, "synthetic memory size in MiB when no map file is given")
		consoleAddr = flag.String("console", "", "serve the memory console on this address (e.g. 127.0.0.1:8443)")
		watch       = flag.Bool("watch", false, "watch the map file and re-validate on change")
		smokeOnly   = flag.Bool("smoke", false, "run the smoke allocation pass and exit")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags)

	fmt.Println("Nimbus kernel (hosted) - booting memory management")

	fmt.Println("  [1/4] Reading firmware memory map...")
	regions, err := loadRegions(*mapPath, *memMiB)
	if err != nil {
		logger.Fatalf("memory map: %v", err)
	}
	fmt.Printf("        %d regions reported\n", len(regions))

	fmt.Println("  [2/4] Mapping simulated physical memory...")
	var span uint64
	for _, r := range regions {
		if end := r.End(); end > span {
			span = end
		}
	}
	arena, err := hostmem.Map(alignPage(span))
	if err != nil {
		logger.Fatalf("arena: %v", err)
	}
	defer arena.Close()
	fmt.Printf("        %d MiB arena mapped\n", arena.Size()>>20)

	fmt.Println("  [3/4] Initializing physical memory manager...")
	pm := pmm.New(pmm.WithLogger(logger))
	if err := pm.Init(regions); err != nil {
		logger.Fatalf("pmm init: %v", err)
	}
	fmt.Printf("        %d MiB total, %d MiB free, %d MiB reserved\n",
		pm.TotalMemory()>>20, pm.FreeMemory()>>20, pm.ReservedMemory()>>20)

	fmt.Println("  [4/4] Running smoke allocations...")
	if err := smokeTest(pm, arena); err != nil {
		logger.Fatalf("smoke test: %v", err)
	}
	fmt.Println("        OK")

	if *smokeOnly {
		return
	}

	var console *memconsole.Server
	if *consoleAddr != "" {
		tlsCfg, err := memconsole.SelfSignedTLS([]string{"localhost", "127.0.0.1"}, 24*time.Hour)
		if err != nil {
			logger.Fatalf("console tls: %v", err)
		}
		console = memconsole.New(*consoleAddr, tlsCfg, pm)
		addr, err := console.Start()
		if err != nil {
			logger.Fatalf("console: %v", err)
		}
		defer console.Stop()
		fmt.Printf("Memory console serving on https://%s (HTTP/3)\n", addr)
	}

	var watcher *bootinfo.Watcher
	if *watch && *mapPath != "" {
		watcher, err = bootinfo.Watch(*mapPath)
		if err != nil {
			logger.Fatalf("watch: %v", err)
		}
		defer watcher.Close()
		fmt.Printf("Watching %s for changes\n", *mapPath)
	}

	if console == nil && watcher == nil {
		return
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
	for {
		select {
		case <-sigC:
			fmt.Println("Shutting down")
			return
		case path, ok := <-reloads(watcher):
			if !ok {
				return
			}
			// The frame database is never rebuilt while live; a
			// changed map only takes effect on the next boot.
			if _, err := bootinfo.Load(path); err != nil {
				logger.Printf("map file %s is now invalid: %v", path, err)
				continue
			}
			logger.Printf("map file %s changed; restart to apply", path)
		}
	}
}

func reloads(w *bootinfo.Watcher) <-chan string {
	if w == nil {
		return nil
	}
	return w.Reloads()
}

func loadRegions(path string, memMiB uint64) ([]pmm.MemoryRegion, error) {
	if path != "" {
		return bootinfo.Load(path)
	}
	return bootinfo.Synthetic(memMiB << 20), nil
}

func alignPage(n uint64) uint64 {
	return (n + pmm.PageSize - 1) &^ uint64(pmm.PageSize-1)
}

// smokeTest allocates across several orders, writes a pattern through
// every page it was handed, verifies the pattern, and releases
// everything, proving the returned frames are disjoint and writable.
func smokeTest(pm *pmm.PhysicalMemoryManager, arena *hostmem.Arena) error {
	type block struct {
		addr  pmm.PhysAddr
		order uint8
	}
	var blocks []block

	for _, order := range []uint8{0, 0, 1, 3, 5} {
		addr, err := pm.AllocPagesTag(order, 0, "smoke")
		if err != nil {
			return fmt.Errorf("alloc order %d: %w", order, err)
		}
		if uint64(addr)+uint64(pmm.PageSize)<<order <= arena.Size() {
			data, err := arena.Slice(uint64(addr), uint64(pmm.PageSize)<<order)
			if err != nil {
				return err
			}
			for i := range data {
				data[i] = byte(uint64(addr) >> 12)
			}
		}
		blocks = append(blocks, block{addr, order})
	}

	for _, b := range blocks {
		if uint64(b.addr)+uint64(pmm.PageSize)<<b.order <= arena.Size() {
			data, err := arena.Slice(uint64(b.addr), uint64(pmm.PageSize)<<b.order)
			if err != nil {
				return err
			}
			for i := range data {
				if data[i] != byte(uint64(b.addr)>>12) {
					return fmt.Errorf("pattern mismatch at %#x+%d", uint64(b.addr), i)
				}
			}
		}
		if err := pm.FreePages(b.addr, b.order); err != nil {
			return fmt.Errorf("free %#x order %d: %w", uint64(b.addr), b.order, err)
		}
	}

	if pm.UsedMemory() != 0 {
		return fmt.Errorf("%d bytes still allocated after smoke pass", pm.UsedMemory())
	}
	return nil
}
