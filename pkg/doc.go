// Package pkg provides shared utilities for the SDHCI engine and its
// platform backends.
//
// This package contains:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for command, data and controller failures
//   - The [Status] completion cause reported with each request
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component tag:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentClock, "clock set", "hz", 25000000)
//
// # Errors
//
// Completion errors wrap a sentinel and can be tested with [errors.Is]:
//
//	if errors.Is(req.Cmd.Err, pkg.ErrTimeout) {
//	    // retry at a lower clock
//	}
//
// [StatusOf] maps any error back to its [Status].
package pkg
