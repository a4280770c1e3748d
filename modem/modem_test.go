package modem

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/smdlink/hal"
	"github.com/ardnew/smdlink/hal/memgpio"
	"github.com/ardnew/smdlink/pkg"
	"github.com/ardnew/smdlink/pm"
)

// =============================================================================
// Test doubles
// =============================================================================

type setCall struct {
	line  hal.Line
	level bool
}

// recorder wraps a bank and records every Set in order.
type recorder struct {
	*memgpio.Bank

	mu   sync.Mutex
	sets []setCall
}

func (r *recorder) Set(line hal.Line, level bool) error {
	r.mu.Lock()
	r.sets = append(r.sets, setCall{line, level})
	r.mu.Unlock()
	return r.Bank.Set(line, level)
}

func (r *recorder) calls() []setCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]setCall(nil), r.sets...)
}

func (r *recorder) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets = nil
}

type mockLink struct {
	mu         sync.Mutex
	state      pm.State
	suspending bool
	wakes      int
}

func (l *mockLink) State() pm.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *mockLink) SystemSuspending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.suspending
}

func (l *mockLink) HostWake(level bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level {
		l.wakes++
	}
}

func (l *mockLink) Wakes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wakes
}

func testConfig() Config {
	return Config{
		ReqResetHold:    MinReqResetHold,
		PowerCycleUnit:  time.Millisecond,
		Debounce:        5 * time.Millisecond,
		BootWakeLock:    time.Hour,
		EventRetry:      5 * time.Millisecond,
		MonitorInterval: 2 * time.Millisecond,
		EventQueue:      8,
	}
}

func newController(t *testing.T, tweak func(*Config)) (*Controller, *recorder) {
	t.Helper()
	cfg := testConfig()
	if tweak != nil {
		tweak(&cfg)
	}
	gpio := &recorder{Bank: memgpio.New()}
	c, err := New(gpio, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, gpio
}

func expectEvent(t *testing.T, c *Controller, want EventType) {
	t.Helper()
	select {
	case ev := <-c.Events():
		if ev.Type != want {
			t.Fatalf("event = %s, want %s", ev.Type, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("no %s event", want)
	}
}

func expectNoEvent(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(30 * time.Millisecond):
	}
}

func indexOf(calls []setCall, want setCall) int {
	for i, c := range calls {
		if c == want {
			return i
		}
	}
	return -1
}

// =============================================================================
// Config
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		tweak   func(*Config)
		wantErr bool
	}{
		{"default", nil, false},
		{"short req reset hold", func(c *Config) { c.ReqResetHold = 100 * time.Microsecond }, true},
		{"zero monitor interval", func(c *Config) { c.MonitorInterval = 0 }, true},
		{"zero event queue", func(c *Config) { c.EventQueue = 0 }, true},
		{"negative debounce", func(c *Config) { c.Debounce = -time.Second }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if tt.tweak != nil {
				tt.tweak(&cfg)
			}
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, pkg.ErrInvalidParameter) {
				t.Errorf("Validate() error = %v, want ErrInvalidParameter", err)
			}
		})
	}
}

func TestNew_NilGPIO(t *testing.T) {
	if _, err := New(nil, DefaultConfig()); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("New(nil) error = %v", err)
	}
}

// =============================================================================
// Power sequencing
// =============================================================================

func TestPowerOn_Sequence(t *testing.T) {
	c, gpio := newController(t, nil)

	if err := c.PowerOn(context.Background()); err != nil {
		t.Fatalf("PowerOn: %v", err)
	}
	if c.State() != PoweredOn {
		t.Fatalf("State() = %v, want powered-on", c.State())
	}

	want := []setCall{
		{hal.LinePDAActive, true},
		{hal.LinePhoneOn, false},
		{hal.LineCPReset, false},
		{hal.LineCPReset, true},
		{hal.LinePhoneOn, true},
		{hal.LineCPReqReset, true},
	}
	got := gpio.calls()
	if len(got) != len(want) {
		t.Fatalf("got %d sets, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("set[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if err := c.PowerOn(context.Background()); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("second PowerOn error = %v", err)
	}
}

func TestPowerOff_Ordering(t *testing.T) {
	c, gpio := newController(t, nil)
	c.PowerOn(context.Background())
	gpio.clear()

	if err := c.PowerOff(context.Background()); err != nil {
		t.Fatalf("PowerOff: %v", err)
	}
	if c.State() != PoweredOff {
		t.Fatalf("State() = %v, want powered-off", c.State())
	}

	got := gpio.calls()
	req := indexOf(got, setCall{hal.LineCPReqReset, false})
	rst := indexOf(got, setCall{hal.LineCPReset, false})
	on := indexOf(got, setCall{hal.LinePhoneOn, false})
	if req != 0 || rst < req || on < req {
		t.Errorf("cp_req_reset must drop first: %v", got)
	}

	// Off again is a no-op.
	gpio.clear()
	if err := c.PowerOff(context.Background()); err != nil {
		t.Fatalf("PowerOff: %v", err)
	}
	if n := len(gpio.calls()); n != 0 {
		t.Errorf("redundant PowerOff made %d sets", n)
	}
}

func TestPowerOn_Cancelled(t *testing.T) {
	c, _ := newController(t, func(cfg *Config) { cfg.ResetHold = time.Second })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.PowerOn(ctx); !errors.Is(err, pkg.ErrCancelled) {
		t.Fatalf("PowerOn error = %v, want ErrCancelled", err)
	}
	if c.State() != PoweredOff {
		t.Errorf("State() = %v, want powered-off", c.State())
	}
}

// =============================================================================
// Reset escalation
// =============================================================================

func TestReset_Escalation(t *testing.T) {
	c, _ := newController(t, nil)
	c.PowerOn(context.Background())

	want := []ResetMethod{
		ResetWarm, ResetWarm, ResetWarm, ResetWarm,
		ResetPMU, ResetPMU, ResetPMU, ResetPMU, ResetPMU, ResetPMU,
		ResetPowerCycle, ResetPowerCycle,
	}
	for i, w := range want {
		got, err := c.Reset(context.Background())
		if err != nil {
			t.Fatalf("Reset #%d: %v", i, err)
		}
		if got != w {
			t.Errorf("Reset #%d method = %v, want %v", i, got, w)
		}
		if c.State() != PoweredOn {
			t.Errorf("after reset #%d State() = %v", i, c.State())
		}
	}
	if c.Retries() != len(want) {
		t.Errorf("Retries() = %d, want %d", c.Retries(), len(want))
	}

	c.ClearRetry()
	if got, _ := c.Reset(context.Background()); got != ResetWarm {
		t.Errorf("after ClearRetry method = %v, want warm", got)
	}
}

func TestReset_PowersOnWhenOff(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Controller, *recorder)
	}{
		{"powered off", func(*Controller, *recorder) {}},
		{"phone_on dropped", func(c *Controller, gpio *recorder) {
			c.PowerOn(context.Background())
			gpio.Bank.Set(hal.LinePhoneOn, false)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, gpio := newController(t, nil)
			tt.setup(c, gpio)

			m, err := c.Reset(context.Background())
			if err != nil {
				t.Fatalf("Reset: %v", err)
			}
			if m != ResetPowerCycle {
				t.Errorf("method = %v, want power-cycle", m)
			}
			if c.State() != PoweredOn {
				t.Errorf("State() = %v, want powered-on", c.State())
			}
			if on, _ := gpio.Get(hal.LinePhoneOn); !on {
				t.Error("phone_on low after reset")
			}
			if c.Retries() != 1 {
				t.Errorf("Retries() = %d, want 1", c.Retries())
			}
		})
	}
}

func TestReset_PMUPulse(t *testing.T) {
	c, gpio := newController(t, nil)
	c.PowerOn(context.Background())
	for i := 0; i < warmResetAttempts; i++ {
		c.Reset(context.Background())
	}
	gpio.clear()

	if m, _ := c.Reset(context.Background()); m != ResetPMU {
		t.Fatalf("method = %v, want pmu", m)
	}
	want := []setCall{
		{hal.LineCPReqReset, false},
		{hal.LineCPReset, false},
		{hal.LineCPReset, true},
		{hal.LineCPReqReset, true},
	}
	got := gpio.calls()
	if len(got) != len(want) {
		t.Fatalf("sets = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("set[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestMethodFor(t *testing.T) {
	tests := []struct {
		attempt int
		want    ResetMethod
	}{
		{0, ResetWarm},
		{3, ResetWarm},
		{4, ResetPMU},
		{9, ResetPMU},
		{10, ResetPowerCycle},
		{50, ResetPowerCycle},
	}
	for _, tt := range tests {
		if got := methodFor(tt.attempt); got != tt.want {
			t.Errorf("methodFor(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// =============================================================================
// Connection recovery
// =============================================================================

func TestRecovery_ForcedEmitsReset(t *testing.T) {
	c, gpio := newController(t, nil)
	gpio.Bank.Set(hal.LinePhoneActive, true)

	c.RequestConnectionRecovery(true)
	expectEvent(t, c, EventCPReset)
	if !c.WakeLocked() {
		t.Error("WakeLocked() = false after forced recovery")
	}
	if c.RecoveryRequested() {
		t.Error("forced recovery left a pending request")
	}
}

func TestRecovery_Deduplicated(t *testing.T) {
	c, gpio := newController(t, nil)
	if err := c.PowerOn(context.Background()); err != nil {
		t.Fatalf("PowerOn: %v", err)
	}
	gpio.Bank.Set(hal.LinePhoneActive, true)
	// Let the phone_active monitor settle on the new level.
	time.Sleep(4 * testConfig().Debounce)
	if c.State() != PoweredOn {
		t.Fatalf("State() = %v, want powered-on", c.State())
	}

	for i := 0; i < 5; i++ {
		c.RequestConnectionRecovery(false)
	}
	expectNoEvent(t, c)
	if !c.RecoveryRequested() {
		t.Fatal("RecoveryRequested() = false")
	}

	// The modem is consistent, so opening IPC clears the request silently.
	c.IPCOpened()
	expectNoEvent(t, c)
	if c.RecoveryRequested() {
		t.Error("request not cleared by IPC open")
	}
}

func TestRecovery_InconsistentOnIPCOpen(t *testing.T) {
	c, _ := newController(t, nil)

	// phone_active is low, so the modem is not running.
	c.RequestConnectionRecovery(false)
	c.RequestConnectionRecovery(false)
	c.IPCOpened()
	expectEvent(t, c, EventCPReset)
	expectNoEvent(t, c)

	// Without a request IPC open emits nothing.
	c.IPCOpened()
	expectNoEvent(t, c)
}

func TestRecovery_ForcedWithModemInactive(t *testing.T) {
	c, _ := newController(t, nil)

	c.RequestConnectionRecovery(true)
	expectNoEvent(t, c)
	if !c.RecoveryRequested() {
		t.Error("forced request with inactive modem not deferred")
	}
	if c.WakeLocked() {
		t.Error("WakeLocked() = true without a boot")
	}
}

// =============================================================================
// Line monitors
// =============================================================================

func TestSIMDetect_Debounced(t *testing.T) {
	c, gpio := newController(t, nil)

	// A glitch that returns to the reference level produces nothing.
	gpio.Bank.Set(hal.LineSIMDetect, true)
	gpio.Bank.Set(hal.LineSIMDetect, false)
	expectNoEvent(t, c)

	gpio.Bank.Set(hal.LineSIMDetect, true)
	expectEvent(t, c, EventSIMAttach)

	gpio.Bank.Set(hal.LineSIMDetect, false)
	expectEvent(t, c, EventSIMDetach)
}

func TestPhoneActive_LostWhilePoweredOn(t *testing.T) {
	c, gpio := newController(t, nil)
	gpio.Bank.Set(hal.LinePhoneActive, true)
	c.PowerOn(context.Background())
	// Let the initial rise settle before dropping the line.
	time.Sleep(20 * time.Millisecond)

	gpio.Bank.Set(hal.LinePhoneActive, false)
	expectEvent(t, c, EventCPExit)
	if c.State() != Abnormal {
		t.Errorf("State() = %v, want abnormal", c.State())
	}
}

func TestPhoneActive_AssertedWhilePoweredOff(t *testing.T) {
	c, gpio := newController(t, nil)

	gpio.Bank.Set(hal.LinePhoneActive, true)
	deadline := time.Now().Add(time.Second)
	for c.State() != Abnormal {
		if time.Now().After(deadline) {
			t.Fatalf("State() = %v, want abnormal", c.State())
		}
		time.Sleep(time.Millisecond)
	}
	expectNoEvent(t, c)
}

func TestEvents_DeferredWhenFull(t *testing.T) {
	c, gpio := newController(t, func(cfg *Config) { cfg.EventQueue = 1 })
	gpio.Bank.Set(hal.LinePhoneActive, true)

	c.RequestConnectionRecovery(true)
	c.RequestConnectionRecovery(true)

	expectEvent(t, c, EventCPReset)
	expectEvent(t, c, EventCPReset)
}

// =============================================================================
// Host wake monitor
// =============================================================================

func TestHostWakeMonitor(t *testing.T) {
	c, gpio := newController(t, nil)
	link := &mockLink{state: pm.Suspended}
	c.SetLink(link)
	c.PowerOn(context.Background())

	gpio.Bank.Set(hal.LineHostWakeup, true)
	deadline := time.Now().Add(time.Second)
	for link.Wakes() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("monitor did not resume the link")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHostWakeMonitor_SystemSuspending(t *testing.T) {
	c, gpio := newController(t, nil)
	link := &mockLink{state: pm.Suspended, suspending: true}
	c.SetLink(link)
	c.PowerOn(context.Background())

	gpio.Bank.Set(hal.LineHostWakeup, true)
	time.Sleep(30 * time.Millisecond)
	if n := link.Wakes(); n != 0 {
		t.Errorf("monitor woke a suspending system %d times", n)
	}

	c.PowerOff(context.Background())
	link.mu.Lock()
	link.suspending = false
	link.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	if n := link.Wakes(); n != 0 {
		t.Errorf("monitor ran after power off, %d wakes", n)
	}
}

// =============================================================================
// Control
// =============================================================================

func TestControl(t *testing.T) {
	c, gpio := newController(t, nil)
	ctx := context.Background()

	if _, err := c.Control(ctx, CmdCPOn); err != nil || c.State() != PoweredOn {
		t.Fatalf("cp_on: err %v state %v", err, c.State())
	}
	if _, err := c.Control(ctx, CmdHSICActOn); err != nil {
		t.Fatalf("hsic_act_on: %v", err)
	}
	if level, _ := gpio.Get(hal.LineActiveState); !level {
		t.Error("active_state not asserted")
	}
	if _, err := c.Control(ctx, CmdHSICEnOn); err != nil {
		t.Fatalf("hsic_en_on: %v", err)
	}
	if level, _ := gpio.Get(hal.LineHSICEnable); !level {
		t.Error("hsic_enable not asserted")
	}
	c.Control(ctx, CmdHSICEnOff)
	if level, _ := gpio.Get(hal.LineHSICEnable); level {
		t.Error("hsic_enable still asserted")
	}

	if v, _ := c.Control(ctx, CmdGetHostWake); v != 0 {
		t.Errorf("get_host_wake = %d, want 0", v)
	}
	gpio.Bank.Set(hal.LineHostWakeup, true)
	if v, _ := c.Control(ctx, CmdGetHostWake); v != 1 {
		t.Errorf("get_host_wake = %d, want 1", v)
	}

	if _, err := c.Control(ctx, CmdCPUpload); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("cp_upload without debug error = %v", err)
	}
	if _, err := c.Control(ctx, Command(99)); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("unknown command error = %v", err)
	}

	if _, err := c.Control(ctx, CmdCPOff); err != nil || c.State() != PoweredOff {
		t.Fatalf("cp_off: err %v state %v", err, c.State())
	}
}

func TestControl_UploadDebug(t *testing.T) {
	c, gpio := newController(t, func(cfg *Config) { cfg.Debug = true })

	if _, err := c.Control(context.Background(), CmdCPUpload); err != nil {
		t.Fatalf("cp_upload: %v", err)
	}
	got := gpio.calls()
	if len(got) != 2 || got[0] != (setCall{hal.LineCPDump, true}) || got[1] != (setCall{hal.LineCPDump, false}) {
		t.Errorf("cp_dump pulse = %v", got)
	}
}

func TestParseCommand(t *testing.T) {
	for c := Command(0); c < numCommands; c++ {
		got, err := ParseCommand(c.String())
		if err != nil || got != c {
			t.Errorf("ParseCommand(%q) = %v, %v", c.String(), got, err)
		}
	}
	if _, err := ParseCommand("bogus"); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("ParseCommand(bogus) error = %v", err)
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestStartClose(t *testing.T) {
	c, _ := newController(t, nil)

	if err := c.Start(); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("second Start error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := c.Start(); !errors.Is(err, pkg.ErrClosed) {
		t.Errorf("Start after Close error = %v", err)
	}
}
