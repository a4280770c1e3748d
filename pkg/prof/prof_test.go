//go:build profile

package prof

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestStart_WritesProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpu.prof")
	if err := Start(path); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !Active() {
		t.Error("Active() = false after Start")
	}
	Stop()
	if Active() {
		t.Error("Active() = true after Stop")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() == 0 {
		t.Error("cpu profile is empty")
	}
}

func TestStart_Twice(t *testing.T) {
	if err := Start(filepath.Join(t.TempDir(), "a.prof")); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer Stop()

	if err := Start(filepath.Join(t.TempDir(), "b.prof")); !errors.Is(err, ErrActive) {
		t.Errorf("second Start() error = %v, want ErrActive", err)
	}
}

func TestStart_BadPath(t *testing.T) {
	if err := Start("/nonexistent/dir/cpu.prof"); err == nil {
		Stop()
		t.Error("Start() succeeded on a missing directory")
	}
	if Active() {
		t.Error("Active() after failed Start")
	}
}

func TestStop_Idle(t *testing.T) {
	Stop()
	Stop()
}

func TestSnapshot(t *testing.T) {
	dir := t.TempDir()
	for _, p := range profiles {
		t.Run(p.String(), func(t *testing.T) {
			path := filepath.Join(dir, p.String()+".prof")
			if err := Snapshot(p, path); err != nil {
				t.Fatalf("Snapshot() error = %v", err)
			}
			if _, err := os.Stat(path); err != nil {
				t.Errorf("Stat: %v", err)
			}
		})
	}
}

func TestSnapshot_Unknown(t *testing.T) {
	err := Snapshot(Profile("cpu"), filepath.Join(t.TempDir(), "cpu.prof"))
	if err == nil {
		t.Error("Snapshot(cpu) succeeded")
	}
}

func TestDump_Text(t *testing.T) {
	var buf bytes.Buffer
	if err := Dump(ProfileGoroutine, &buf); err != nil {
		t.Fatalf("Dump() error = %v", err)
	}
	if !strings.Contains(buf.String(), "goroutine profile") {
		t.Errorf("Dump() output is not the text form:\n%.200s", buf.String())
	}
}

func TestStartStop_Concurrent(t *testing.T) {
	dir := t.TempDir()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := Start(filepath.Join(dir, "cpu"+string(rune('a'+i))+".prof")); err == nil {
				Stop()
			}
		}(i)
	}
	wg.Wait()
	if Active() {
		t.Error("profile left active")
	}
}
