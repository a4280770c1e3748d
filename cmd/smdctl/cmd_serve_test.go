//go:build unix

package main

import (
	"testing"
	"time"

	"github.com/ardnew/smdlink/config"
	"github.com/ardnew/smdlink/pm"
)

func newIdleServer(t *testing.T, idle time.Duration) *server {
	t.Helper()
	cfg := config.Default()
	cfg.Transport.Dir = t.TempDir()
	cfg.Timing.IdleSuspend = config.Duration(idle)

	srv, err := newServer(cfg, false)
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	t.Cleanup(func() { srv.ctl.Close() })
	if err := srv.machine.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return srv
}

// =============================================================================
// Idle suspend
// =============================================================================

func TestAutosuspend(t *testing.T) {
	const limit = 20 * time.Millisecond

	tests := []struct {
		name  string
		limit time.Duration
		wait  time.Duration
		want  pm.State
	}{
		{"disabled", 0, 2 * limit, pm.Active},
		{"recent traffic", time.Hour, 0, pm.Active},
		{"idle", limit, 2 * limit, pm.Suspended},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newIdleServer(t, tt.limit)
			srv.tr.MarkActive()
			time.Sleep(tt.wait)

			srv.autosuspend()
			if got := srv.machine.State(); got != tt.want {
				t.Errorf("State() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAutosuspend_OnlyWhenActive(t *testing.T) {
	srv := newIdleServer(t, time.Millisecond)
	srv.machine.Detach()
	time.Sleep(5 * time.Millisecond)

	srv.autosuspend()
	if got := srv.machine.State(); got != pm.Disconnected {
		t.Errorf("State() = %v, want %v", got, pm.Disconnected)
	}
}
