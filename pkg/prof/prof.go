//go:build profile

package prof

import (
	"errors"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"
)

// ErrActive is returned by [Start] while a CPU profile is being written.
var ErrActive = errors.New("cpu profile already active")

var (
	cpuMu   sync.Mutex
	cpuFile *os.File
)

// Enabled reports whether profiling is compiled in.
func Enabled() bool { return true }

// Start streams a CPU profile to path until [Stop]. Block and mutex
// sampling are switched on so snapshots of those profiles carry data.
func Start(path string) error {
	cpuMu.Lock()
	defer cpuMu.Unlock()

	if cpuFile != nil {
		return ErrActive
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return err
	}
	runtime.SetBlockProfileRate(1)
	runtime.SetMutexProfileFraction(1)
	cpuFile = f
	return nil
}

// Stop ends the CPU profile. It does nothing if none is active.
func Stop() {
	cpuMu.Lock()
	defer cpuMu.Unlock()

	if cpuFile == nil {
		return
	}
	pprof.StopCPUProfile()
	runtime.SetBlockProfileRate(0)
	runtime.SetMutexProfileFraction(0)
	cpuFile.Close()
	cpuFile = nil
}

// Active reports whether a CPU profile is being written.
func Active() bool {
	cpuMu.Lock()
	defer cpuMu.Unlock()
	return cpuFile != nil
}

// Snapshot writes profile p to path in protobuf form for go tool pprof.
func Snapshot(p Profile, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(p, f, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Dump writes profile p to w as text.
func Dump(p Profile, w io.Writer) error {
	return write(p, w, 1)
}

func write(p Profile, w io.Writer, debug int) error {
	if _, err := ParseProfile(string(p)); err != nil {
		return err
	}
	return pprof.Lookup(string(p)).WriteTo(w, debug)
}
