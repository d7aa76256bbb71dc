// nimbus-memstat queries a running memory console over HTTP/3 and
// prints the allocator statistics.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/nimbus-os/nimbus/internal/memconsole"
)

func main() {
	var (
		addr     = flag.String("addr", "127.0.0.1:8443", "memory console address")
		zones    = flag.Bool("zones", false, "print per-zone details")
		insecure = flag.Bool("insecure", true, "accept the console's self-signed certificate")
		timeout  = flag.Duration("timeout", 3*time.Second, "request timeout")
	)
	flag.Parse()

	cli := memconsole.NewClient(*insecure, *timeout)
	defer memconsole.CloseClient(cli)

	stats, err := memconsole.FetchStats(cli, *addr)
	if err != nil {
		log.Fatalf("fetching stats: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "total\t%d pages\t%d MiB\n", stats.TotalPages, stats.TotalBytes>>20)
	fmt.Fprintf(w, "free\t%d pages\t%d MiB\n", stats.FreePages, stats.FreeBytes>>20)
	fmt.Fprintf(w, "used\t%d pages\t%d MiB\n", stats.AllocatedPages, stats.UsedBytes>>20)
	fmt.Fprintf(w, "reserved\t%d pages\t\n", stats.ReservedPages)
	fmt.Fprintf(w, "allocs\t%d\t(%d failed)\n", stats.AllocCalls, stats.FailedAllocs)
	fmt.Fprintf(w, "frees\t%d\t\n", stats.FreeCalls)
	fmt.Fprintf(w, "pressure\t%v\t(low %d, high %d, emergency %d)\n",
		stats.UnderPressure, stats.WatermarkLow, stats.WatermarkHigh, stats.WatermarkEmergency)
	w.Flush()

	if !*zones {
		return
	}

	zs, err := memconsole.FetchZones(cli, *addr)
	if err != nil {
		log.Fatalf("fetching zones: %v", err)
	}
	fmt.Println()
	zw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(zw, "zone\trange\tfree\tactive\tallocs\tfrees")
	for _, z := range zs {
		fmt.Fprintf(zw, "%s\t%#x-%#x\t%d\t%d\t%d\t%d\n",
			z.Name, z.Start, z.End, z.FreePages, z.ActivePages, z.Allocations, z.Deallocations)
	}
	zw.Flush()
}
