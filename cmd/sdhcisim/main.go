// Command sdhcisim drives simulated SD host controllers through card
// identification and a verified read/write workload, then reports the
// engine statistics of every slot.
//
// Usage:
//
//	sdhcisim [-slots N] [-requests N] [-blocks N] [-mode adma|sdma|pio] [-v] [-log dispatch=debug]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/sdhci/pkg"
)

// Component identifier for sdhcisim logging.
const componentSim pkg.Component = "sdhcisim"

var (
	verbose    = flag.Bool("v", false, "Enable verbose logging")
	jsonOut    = flag.Bool("json", false, "Output logs as JSON")
	logLevels  = flag.String("log", "", "Per-component log `levels`, e.g. dispatch=debug,irq=info")
	slots      = flag.Int("slots", 2, "Number of simulated controllers")
	requests   = flag.Int("requests", 64, "Write/read pairs per slot")
	maxBlocks  = flag.Int("blocks", 16, "Maximum blocks per request")
	cardBlocks = flag.Int("card", 8192, "Card capacity in blocks")
	mode       = flag.String("mode", "adma", "Transfer mode: adma, adma32, sdma or pio")
	powerSave  = flag.Bool("powersave", false, "Gate the card clock while idle")
	seed       = flag.Int64("seed", 1, "Workload random seed")
	cpuProfile = flag.String("cpuprofile", "", "Write a CPU profile to `file`")
	memProfile = flag.String("memprofile", "", "Write a heap profile to `file` on exit")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	if *jsonOut {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	}
	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	} else {
		pkg.SetLogLevel(slog.LevelInfo)
	}
	if err := pkg.ParseComponentLevels(*logLevels); err != nil {
		fmt.Fprintln(os.Stderr, "sdhcisim:", err)
		return 2
	}

	opts, err := parseOptions()
	if err != nil {
		fmt.Fprintln(os.Stderr, "sdhcisim:", err)
		flag.Usage()
		return 2
	}

	stop, err := startProfiling(*cpuProfile)
	if err != nil {
		pkg.LogError(componentSim, "CPU profile failed", "error", err)
		return 1
	}
	defer stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	results := make([]slotResult, *slots)
	g, ctx := errgroup.WithContext(ctx)
	for i := range results {
		i := i
		g.Go(func() error {
			r, err := runSlot(ctx, i, opts)
			results[i] = r
			return err
		})
	}
	err = g.Wait()

	for _, r := range results {
		r.log()
	}
	if *memProfile != "" {
		if err := writeHeapProfile(*memProfile); err != nil {
			pkg.LogError(componentSim, "heap profile failed", "error", err)
		}
	}
	if err != nil {
		pkg.LogError(componentSim, "workload failed", "error", err)
		return 1
	}
	return 0
}

func parseOptions() (slotOptions, error) {
	opts := slotOptions{
		requests:   *requests,
		maxBlocks:  *maxBlocks,
		cardBlocks: *cardBlocks,
		powerSave:  *powerSave,
		seed:       *seed,
	}
	switch *mode {
	case "adma":
		opts.addrBits = 64
	case "adma32":
		opts.addrBits = 32
	case "sdma":
		opts.addrBits = 64
		opts.noADMA = true
	case "pio":
		opts.noDMA = true
	default:
		return opts, fmt.Errorf("unknown mode %q", *mode)
	}
	switch {
	case *slots < 1:
		return opts, fmt.Errorf("need at least one slot")
	case opts.maxBlocks < 1:
		return opts, fmt.Errorf("need at least one block per request")
	case opts.cardBlocks < opts.maxBlocks:
		return opts, fmt.Errorf("card of %d blocks cannot hold a %d block request", opts.cardBlocks, opts.maxBlocks)
	}
	return opts, nil
}
