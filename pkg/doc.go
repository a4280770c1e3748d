// Package pkg provides shared utilities for the smdlink modem link layer.
//
// This package contains common functionality used by the ring buffer, frame
// codec, channel, power management and modem lifecycle packages, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for the link error taxonomy
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with link-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentPM, "link resumed", "by", "peer")
//
// # Errors
//
// Link errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrTimeout) {
//	    // Resume handshake did not complete
//	}
package pkg
