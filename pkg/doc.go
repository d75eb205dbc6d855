// Package pkg provides shared utilities for the softfpga control plane.
//
// This package contains functionality used by the device core and every
// hardware backend:
//
//   - Structured logging via Go's standard [log/slog] package
//   - A rate-limited warning helper for conditions that can repeat in bursts
//   - Sentinel errors shared by the arbiter, notification channel and DMA engine
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component tag:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentDevice, "instance ready", "device", 0)
//
// # Errors
//
// Errors are sentinel values. Callers test them with [errors.Is] even when
// they arrive wrapped with context:
//
//	if errors.Is(err, pkg.ErrBusy) {
//	    // Request a compatible access mode
//	}
package pkg
