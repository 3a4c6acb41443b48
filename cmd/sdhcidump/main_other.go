//go:build !linux

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "sdhcidump: UIO devices are only available on Linux")
	os.Exit(1)
}
