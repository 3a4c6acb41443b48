//go:build linux

// Command sdhcidump prints the capability and status registers of an SD
// host controller exported through a UIO device.
//
// Usage:
//
//	sdhcidump [-name sdhci] [-json] [-probe [-quirks N] [-quirks2 N]]
//
// Without -probe the controller is only read. With -probe the engine is
// brought up on the controller, which resets it, and the derived request
// limits are reported.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/ardnew/sdhci/host"
	"github.com/ardnew/sdhci/host/hal/linux"
	"github.com/ardnew/sdhci/pkg"
)

// Component identifier for sdhcidump logging.
const componentDump pkg.Component = "sdhcidump"

var (
	verbose = flag.Bool("v", false, "Enable verbose logging")
	jsonOut = flag.Bool("json", false, "Print the report as JSON")
	name    = flag.String("name", linux.DefaultDeviceName, "UIO device `name` or uioN node")
	sysfs   = flag.String("sysfs", "", "Alternate UIO class `directory`")
	devPath = flag.String("dev", "", "Alternate device node `path`")
	probe   = flag.Bool("probe", false, "Reset the controller and report derived limits")
	quirks  = flag.Uint("quirks", 0, "Quirk `bits` applied when probing")
	quirks2 = flag.Uint("quirks2", 0, "Second quirk `bits` applied when probing")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	} else {
		pkg.SetLogLevel(slog.LevelWarn)
	}

	dev, err := linux.Open(*name, &linux.Options{SysfsRoot: *sysfs, DevicePath: *devPath})
	if err != nil {
		pkg.LogError(componentDump, "open failed", "name", *name, "error", err)
		return 1
	}
	defer dev.Close()

	pkg.LogDebug(componentDump, "device opened",
		"name", dev.Name(),
		"phys", fmt.Sprintf("0x%x", dev.PhysAddr()))

	r := collect(dev)
	if *probe {
		cfg := host.Config{
			Name:    dev.Name(),
			Quirks:  host.Quirks(*quirks),
			Quirks2: host.Quirks2(*quirks2),
		}
		h, err := host.New(dev, nil, nil, cfg)
		if err != nil {
			pkg.LogError(componentDump, "probe failed", "error", err)
			return 1
		}
		l := h.Limits()
		r.Limits = &l
		r.Quirks = cfg.Quirks.String() + " " + cfg.Quirks2.String()
		h.Remove(false)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(r)
	} else {
		err = r.writeText(os.Stdout)
	}
	if err != nil {
		pkg.LogError(componentDump, "write failed", "error", err)
		return 1
	}
	return 0
}
