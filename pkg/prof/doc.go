// Package prof wires runtime/pprof into the smdctl daemon.
//
// Profiling is compiled in only with the "profile" build tag:
//
//	go build -tags profile ./cmd/smdctl
//
// Without it every function is a no-op, except [Dump], which reports
// [pkg.ErrNotSupported] so a control client learns why it got nothing.
//
// A CPU profile is streamed between [Start] and [Stop]. Snapshot profiles
// ([ProfileHeap], [ProfileGoroutine], ...) are written on demand with
// [Snapshot] or, as text, with [Dump]. Start also enables block and mutex
// sampling for the life of the CPU profile.
package prof
