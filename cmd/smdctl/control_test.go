//go:build unix

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/smdlink/channel"
	"github.com/ardnew/smdlink/hal/memgpio"
	"github.com/ardnew/smdlink/modem"
	"github.com/ardnew/smdlink/pkg"
	"github.com/ardnew/smdlink/pm"
)

// =============================================================================
// Test doubles
// =============================================================================

type fakeModem struct {
	mu         sync.Mutex
	cmds       []modem.Command
	retries    int
	fail       error
	wakeLocked bool
}

func (m *fakeModem) Control(_ context.Context, cmd modem.Command) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmds = append(m.cmds, cmd)
	if m.fail != nil {
		return 0, m.fail
	}
	if cmd == modem.CmdGetHostWake {
		return 1, nil
	}
	return 0, nil
}

func (m *fakeModem) State() modem.State { return modem.PoweredOn }

func (m *fakeModem) Retries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries
}

func (m *fakeModem) ClearRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries = 0
}

func (m *fakeModem) WakeLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wakeLocked
}

func (m *fakeModem) setWakeLocked(locked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wakeLocked = locked
}

func (m *fakeModem) RequestConnectionRecovery(bool) {}
func (m *fakeModem) IPCOpened()                     {}

type fakeLink struct{}

func (fakeLink) State() pm.State  { return pm.Suspended }
func (fakeLink) Failures() int    { return 2 }
func (fakeLink) Escalations() int { return 1 }

func newControl(t *testing.T, m *fakeModem) (string, *channel.Session) {
	t.Helper()
	s, err := channel.NewSession(pm.New(memgpio.New(), pm.DefaultConfig()), channel.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	s.SetLifecycle(m)

	path := filepath.Join(t.TempDir(), "control.sock")
	l, err := listen(path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := serveControl(l, &dispatcher{modem: m, link: fakeLink{}, power: s, endpoints: s.Endpoints})
	t.Cleanup(func() {
		if err := srv.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return path, s
}

func ask(t *testing.T, path, req string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := request(ctx, path, req)
	return string(b), err
}

// =============================================================================
// Requests
// =============================================================================

func TestControl_Commands(t *testing.T) {
	m := &fakeModem{}
	path, _ := newControl(t, m)

	tests := []struct {
		req  string
		want string
		cmd  modem.Command
	}{
		{"cp_on", "0\n", modem.CmdCPOn},
		{"cp_reset", "0\n", modem.CmdCPReset},
		{"get_host_wake", "1\n", modem.CmdGetHostWake},
		{"hsic_en_off", "0\n", modem.CmdHSICEnOff},
	}
	for _, tt := range tests {
		got, err := ask(t, path, tt.req)
		if err != nil {
			t.Fatalf("%s: %v", tt.req, err)
		}
		if got != tt.want {
			t.Errorf("%s = %q, want %q", tt.req, got, tt.want)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.cmds) != len(tests) {
		t.Fatalf("modem saw %v", m.cmds)
	}
	for i, tt := range tests {
		if m.cmds[i] != tt.cmd {
			t.Errorf("command %d = %s, want %s", i, m.cmds[i], tt.cmd)
		}
	}
}

func TestControl_Status(t *testing.T) {
	path, _ := newControl(t, &fakeModem{retries: 3})

	got, err := ask(t, path, "status")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"modem=powered-on", "retries=3", "link=suspended", "failures=2", "escalations=1"} {
		if !strings.Contains(got, want) {
			t.Errorf("status %q lacks %q", got, want)
		}
	}
}

func TestControl_ClearRetry(t *testing.T) {
	m := &fakeModem{retries: 5}
	path, _ := newControl(t, m)

	if got, err := ask(t, path, "clear-retry"); err != nil || got != "" {
		t.Fatalf("clear-retry = %q, %v", got, err)
	}
	if m.Retries() != 0 {
		t.Errorf("Retries() = %d after clear-retry", m.Retries())
	}
}

func TestControl_SystemSuspend(t *testing.T) {
	m := &fakeModem{wakeLocked: true}
	path, s := newControl(t, m)

	_, err := ask(t, path, "suspend")
	if err == nil || !strings.Contains(err.Error(), pkg.ErrBusy.Error()) {
		t.Fatalf("suspend with wake lock held error = %v, want busy", err)
	}
	if s.Machine().SystemSuspending() {
		t.Fatal("system suspending despite the wake lock")
	}

	m.setWakeLocked(false)
	if got, err := ask(t, path, "suspend"); err != nil || got != "" {
		t.Fatalf("suspend = %q, %v", got, err)
	}
	if !s.Machine().SystemSuspending() {
		t.Error("system suspend flag not set")
	}

	if got, err := ask(t, path, "resume"); err != nil || got != "" {
		t.Fatalf("resume = %q, %v", got, err)
	}
	if s.Machine().SystemSuspending() {
		t.Error("system suspend flag still set after resume")
	}
}

func TestControl_Stats(t *testing.T) {
	path, _ := newControl(t, &fakeModem{})

	got, err := ask(t, path, "stats")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(got), "\n")
	if len(lines) != 8 {
		t.Fatalf("stats has %d lines, want 8:\n%s", len(lines), got)
	}
	if !strings.HasPrefix(lines[0], "fmt state=closed") {
		t.Errorf("first line = %q", lines[0])
	}
}

func TestControl_Errors(t *testing.T) {
	m := &fakeModem{fail: pkg.ErrTimeout}
	path, _ := newControl(t, m)

	for _, req := range []string{"launch", "profile", "profile cpu", "cp_off"} {
		if _, err := ask(t, path, req); err == nil {
			t.Errorf("%q succeeded", req)
		}
	}
}

func TestControl_SeveralRequestsPerConnection(t *testing.T) {
	path, _ := newControl(t, &fakeModem{})

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	r := bufio.NewReader(conn)
	for _, req := range []string{"status", "bogus", "cp_on"} {
		fmt.Fprintf(conn, "%s\n", req)
		_, err := readReply(r)
		if req == "bogus" {
			if err == nil {
				t.Error("bogus request succeeded")
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", req, err)
		}
	}
}

func readReplyString(s string) ([]byte, error) {
	return readReply(bufio.NewReader(strings.NewReader(s)))
}

func TestReadReply_Malformed(t *testing.T) {
	if _, err := request(context.Background(), filepath.Join(t.TempDir(), "none.sock"), "status"); err == nil {
		t.Error("request to a missing socket succeeded")
	}
	for _, reply := range []string{"", "ok\n", "ok -1\n", "ok 5\nab", "maybe\n"} {
		_, err := readReplyString(reply)
		if !errors.Is(err, pkg.ErrProtocol) {
			t.Errorf("readReply(%q) error = %v, want ErrProtocol", reply, err)
		}
	}
	if _, err := readReplyString("error modem gone\n"); err == nil || err.Error() != "modem gone" {
		t.Errorf("error reply = %v", err)
	}
}
