package modem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/ardnew/smdlink/hal"
	"github.com/ardnew/smdlink/pkg"
	"github.com/ardnew/smdlink/pm"
)

// MinReqResetHold is the shortest wait between dropping cp_req_reset and
// dropping cp_reset and phone_on at power off.
const MinReqResetHold = 300 * time.Microsecond

// Link is the view of the link power state the controller needs.
// *pm.Machine implements it.
type Link interface {
	State() pm.State
	SystemSuspending() bool
	HostWake(level bool)
}

// Config holds the controller timings.
type Config struct {
	ResetHold       time.Duration // cp_reset held low at power on
	ResetSettle     time.Duration // cp_reset released before phone_on
	PowerOnSettle   time.Duration // phone_on asserted before cp_req_reset
	ReqResetHold    time.Duration // cp_req_reset low before cp_reset at power off
	WarmResetPulse  time.Duration // cp_reset pulse of a warm reset
	PMUResetPulse   time.Duration // cp_req_reset and cp_reset pulse of a PMU reset
	PowerCycleUnit  time.Duration // Off time per attempt of a power cycle
	DumpPulse       time.Duration // cp_dump pulse of a crash dump request
	Debounce        time.Duration // SIM and phone_active settle time
	BootWakeLock    time.Duration // Wake lock held after a cp_reset event
	EventRetry      time.Duration // Delay before redelivering a deferred event
	MonitorInterval time.Duration // Host wake monitor poll period
	EventQueue      int           // Events buffered for the reader
	Debug           bool          // Allows CP_UPLOAD
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		ResetHold:       100 * time.Millisecond,
		ResetSettle:     50 * time.Millisecond,
		PowerOnSettle:   200 * time.Millisecond,
		ReqResetHold:    500 * time.Microsecond,
		WarmResetPulse:  50 * time.Millisecond,
		PMUResetPulse:   200 * time.Millisecond,
		PowerCycleUnit:  10 * time.Millisecond,
		DumpPulse:       100 * time.Millisecond,
		Debounce:        500 * time.Millisecond,
		BootWakeLock:    10 * time.Second,
		EventRetry:      200 * time.Millisecond,
		MonitorInterval: 100 * time.Millisecond,
		EventQueue:      8,
	}
}

// Validate checks the timings.
func (c Config) Validate() error {
	if c.ReqResetHold < MinReqResetHold {
		return fmt.Errorf("%w: cp_req_reset hold %v is below %v",
			pkg.ErrInvalidParameter, c.ReqResetHold, MinReqResetHold)
	}
	if c.MonitorInterval <= 0 || c.EventRetry <= 0 {
		return fmt.Errorf("%w: monitor interval and event retry must be positive", pkg.ErrInvalidParameter)
	}
	if c.EventQueue < 1 {
		return fmt.Errorf("%w: event queue %d", pkg.ErrInvalidParameter, c.EventQueue)
	}
	for _, d := range []time.Duration{
		c.ResetHold, c.ResetSettle, c.PowerOnSettle, c.WarmResetPulse,
		c.PMUResetPulse, c.PowerCycleUnit, c.DumpPulse, c.Debounce, c.BootWakeLock,
	} {
		if d < 0 {
			return fmt.Errorf("%w: negative duration %v", pkg.ErrInvalidParameter, d)
		}
	}
	return nil
}

// debounced is a monitored input line with its remembered level.
type debounced struct {
	line    hal.Line
	ref     bool
	timer   *time.Timer
	changed func(level bool)
}

// Controller sequences modem power and reset, monitors the SIM and
// phone_active lines and is the single funnel for connection recovery.
type Controller struct {
	gpio hal.GPIO
	cfg  Config

	// opMu serializes power operations, which sleep between GPIO steps.
	opMu sync.Mutex

	mu                sync.Mutex
	state             State
	link              Link
	retries           int
	recoveryRequested bool
	wakeUntil         time.Time
	monitor           *tomb.Tomb
	sim               *debounced
	active            *debounced
	stops             []func()
	closed            bool

	events chan Event
	done   chan struct{}
}

// New returns a Controller in the PoweredOff state.
func New(gpio hal.GPIO, cfg Config) (*Controller, error) {
	if gpio == nil {
		return nil, fmt.Errorf("%w: nil gpio bank", pkg.ErrInvalidParameter)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		gpio:   gpio,
		cfg:    cfg,
		state:  PoweredOff,
		events: make(chan Event, cfg.EventQueue),
		done:   make(chan struct{}),
	}
	c.sim = &debounced{line: hal.LineSIMDetect, changed: c.simChanged}
	c.active = &debounced{line: hal.LinePhoneActive, changed: c.activeChanged}
	return c, nil
}

// SetLink installs the link the host wake monitor resumes.
func (c *Controller) SetLink(l Link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.link = l
}

// Start samples the monitored lines and watches them for changes.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return pkg.ErrClosed
	}
	if len(c.stops) > 0 {
		return pkg.ErrAlreadyRunning
	}

	for _, d := range []*debounced{c.sim, c.active} {
		level, err := c.gpio.Get(d.line)
		if err != nil {
			c.stopLocked()
			return fmt.Errorf("sample %s: %w", d.line, err)
		}
		d.ref = level
		d := d
		stop, err := c.gpio.Watch(d.line, func(hal.Edge) { c.edge(d) })
		if err != nil {
			c.stopLocked()
			return fmt.Errorf("watch %s: %w", d.line, err)
		}
		c.stops = append(c.stops, stop)
	}
	pkg.LogDebug(pkg.ComponentModem, "line monitors started", "sim", c.sim.ref, "active", c.active.ref)
	return nil
}

func (c *Controller) stopLocked() {
	for _, stop := range c.stops {
		stop()
	}
	c.stops = nil
	for _, d := range []*debounced{c.sim, c.active} {
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
	}
}

// Close stops every monitor. Pending deferred events are discarded.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopLocked()
	mon := c.monitor
	c.monitor = nil
	close(c.done)
	c.mu.Unlock()

	if mon != nil {
		mon.Kill(nil)
		return mon.Wait()
	}
	return nil
}

// Events returns the notification stream.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	from := c.state
	c.state = s
	c.mu.Unlock()
	if from != s {
		pkg.LogDebug(pkg.ComponentModem, "state", "from", from, "to", s)
	}
}

// Retries returns the reset retry counter.
func (c *Controller) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// ClearRetry resets the retry counter after a confirmed reconnection.
func (c *Controller) ClearRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries = 0
}

// WakeLocked reports whether the controller is holding the system awake
// for a modem boot.
func (c *Controller) WakeLocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Before(c.wakeUntil)
}

// PowerOn boots the modem and starts the host wake monitor.
func (c *Controller) PowerOn(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	switch c.State() {
	case PoweredOn, PoweringOn:
		return pkg.ErrAlreadyRunning
	}
	if err := c.powerOn(ctx); err != nil {
		return err
	}
	pkg.LogInfo(pkg.ComponentModem, "modem powered on")
	return nil
}

func (c *Controller) powerOn(ctx context.Context) error {
	c.setState(PoweringOn)

	steps := []struct {
		line  hal.Line
		level bool
		wait  time.Duration
	}{
		{hal.LinePDAActive, true, 0},
		{hal.LinePhoneOn, false, 0},
		{hal.LineCPReset, false, c.cfg.ResetHold},
		{hal.LineCPReset, true, c.cfg.ResetSettle},
		{hal.LinePhoneOn, true, c.cfg.PowerOnSettle},
		{hal.LineCPReqReset, true, 0},
	}
	for _, st := range steps {
		if err := c.gpio.Set(st.line, st.level); err != nil {
			c.setState(PoweredOff)
			return fmt.Errorf("power on: %s: %w", st.line, err)
		}
		if err := sleep(ctx, st.wait); err != nil {
			c.setState(PoweredOff)
			return err
		}
	}

	c.setState(PoweredOn)
	c.startMonitor()
	return nil
}

// PowerOff shuts the modem down. cp_req_reset drops first, then cp_reset
// and phone_on after ReqResetHold.
func (c *Controller) PowerOff(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.State() == PoweredOff {
		return nil
	}
	if err := c.powerOff(ctx); err != nil {
		return err
	}
	pkg.LogInfo(pkg.ComponentModem, "modem powered off")
	return nil
}

func (c *Controller) powerOff(ctx context.Context) error {
	c.stopMonitor()

	if err := c.gpio.Set(hal.LineCPReqReset, false); err != nil {
		return fmt.Errorf("power off: %w", err)
	}
	if err := sleep(ctx, c.cfg.ReqResetHold); err != nil {
		return err
	}
	err := errors.Join(
		c.gpio.Set(hal.LineCPReset, false),
		c.gpio.Set(hal.LinePhoneOn, false),
		c.gpio.Set(hal.LinePDAActive, false),
	)
	c.setState(PoweredOff)
	if err != nil {
		return fmt.Errorf("power off: %w", err)
	}
	return nil
}

// Reset resets the modem with a strategy chosen by the retry counter:
// warm resets for the first four attempts, PMU resets for the next six,
// then full power cycles held off for PowerCycleUnit per attempt. A modem
// that is off, or has phone_on low, always gets the power cycle. Every
// call increments the counter; only ClearRetry resets it.
func (c *Controller) Reset(ctx context.Context) (ResetMethod, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	attempt := c.retries
	c.retries++
	c.mu.Unlock()

	method := methodFor(attempt)
	if method != ResetPowerCycle && !c.poweredUp() {
		method = ResetPowerCycle
	}
	pkg.LogWarn(pkg.ComponentModem, "resetting modem", "attempt", attempt, "method", method)

	var err error
	switch method {
	case ResetWarm:
		c.setState(Resetting)
		err = c.pulse(ctx, c.cfg.WarmResetPulse, hal.LineCPReset)
	case ResetPMU:
		c.setState(Resetting)
		err = c.pulse(ctx, c.cfg.PMUResetPulse, hal.LineCPReqReset, hal.LineCPReset)
	default:
		if err = c.powerOff(ctx); err == nil {
			err = sleep(ctx, time.Duration(attempt)*c.cfg.PowerCycleUnit)
		}
		if err == nil {
			err = c.powerOn(ctx)
		}
	}
	if err != nil {
		c.setState(Abnormal)
		return method, fmt.Errorf("%s reset: %w", method, err)
	}

	c.setState(PoweredOn)
	c.startMonitor()
	return method, nil
}

// poweredUp reports whether the power-on sequence has left the modem
// running, so that a reset pulse can reach it.
func (c *Controller) poweredUp() bool {
	if c.State() == PoweredOff {
		return false
	}
	on, err := c.gpio.Get(hal.LinePhoneOn)
	return err == nil && on
}

// pulse deasserts lines in order, waits d, and reasserts them in reverse.
func (c *Controller) pulse(ctx context.Context, d time.Duration, lines ...hal.Line) error {
	for _, l := range lines {
		if err := c.gpio.Set(l, false); err != nil {
			return err
		}
	}
	if err := sleep(ctx, d); err != nil {
		return err
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if err := c.gpio.Set(lines[i], true); err != nil {
			return err
		}
	}
	return nil
}

// RequestConnectionRecovery is the single funnel for link recovery.
//
// A forced request with the modem alive emits cp_reset and holds the wake
// lock for BootWakeLock. Otherwise the request is remembered and resolved
// on the next IPC open, so repeated requests produce one event at most.
func (c *Controller) RequestConnectionRecovery(force bool) {
	if force {
		active, err := c.gpio.Get(hal.LinePhoneActive)
		if err == nil && active {
			c.mu.Lock()
			c.recoveryRequested = false
			c.wakeUntil = time.Now().Add(c.cfg.BootWakeLock)
			c.mu.Unlock()
			pkg.LogWarn(pkg.ComponentModem, "forced connection recovery")
			c.notify(EventCPReset)
			return
		}
		pkg.LogWarn(pkg.ComponentModem, "forced recovery with modem inactive, deferring")
	}

	c.mu.Lock()
	already := c.recoveryRequested
	c.recoveryRequested = true
	c.mu.Unlock()

	if already {
		pkg.LogDebug(pkg.ComponentModem, "recovery already requested")
		return
	}
	pkg.LogInfo(pkg.ComponentModem, "connection recovery requested")
}

// RecoveryRequested reports whether a recovery request awaits the next
// IPC open.
func (c *Controller) RecoveryRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recoveryRequested
}

// IPCOpened resolves an outstanding recovery request: cp_reset is emitted
// if the modem is still inconsistent, otherwise the request is dropped.
func (c *Controller) IPCOpened() {
	c.mu.Lock()
	requested := c.recoveryRequested
	c.recoveryRequested = false
	state := c.state
	c.mu.Unlock()

	if !requested {
		return
	}
	active, err := c.gpio.Get(hal.LinePhoneActive)
	if err != nil || !active || state == Abnormal {
		pkg.LogWarn(pkg.ComponentModem, "modem inconsistent on ipc open", "state", state, "active", active)
		c.notify(EventCPReset)
		return
	}
	pkg.LogInfo(pkg.ComponentModem, "recovery request cleared by ipc open")
}

// Control executes a user-space command. CmdGetHostWake returns the host
// wake level as 0 or 1; every other command returns 0.
func (c *Controller) Control(ctx context.Context, cmd Command) (int, error) {
	pkg.LogDebug(pkg.ComponentModem, "control", "cmd", cmd)
	switch cmd {
	case CmdCPOn:
		return 0, c.PowerOn(ctx)
	case CmdCPOff:
		return 0, c.PowerOff(ctx)
	case CmdCPReset:
		_, err := c.Reset(ctx)
		return 0, err
	case CmdHSICActOn:
		return 0, c.gpio.Set(hal.LineActiveState, true)
	case CmdHSICActOff:
		return 0, c.gpio.Set(hal.LineActiveState, false)
	case CmdHSICEnOn:
		return 0, c.gpio.Set(hal.LineHSICEnable, true)
	case CmdHSICEnOff:
		return 0, c.gpio.Set(hal.LineHSICEnable, false)
	case CmdGetHostWake:
		level, err := c.gpio.Get(hal.LineHostWakeup)
		if err != nil || !level {
			return 0, err
		}
		return 1, nil
	case CmdCPUpload:
		if !c.cfg.Debug {
			return 0, fmt.Errorf("%w: %s requires debug", pkg.ErrNotSupported, cmd)
		}
		if err := c.gpio.Set(hal.LineCPDump, true); err != nil {
			return 0, err
		}
		if err := sleep(ctx, c.cfg.DumpPulse); err != nil {
			return 0, err
		}
		return 0, c.gpio.Set(hal.LineCPDump, false)
	default:
		return 0, fmt.Errorf("%w: command %d", pkg.ErrInvalidParameter, cmd)
	}
}

// notify delivers ev, deferring it while the event queue is full.
func (c *Controller) notify(ev EventType) {
	c.deliver(Event{Type: ev, Time: time.Now()})
}

func (c *Controller) deliver(ev Event) {
	select {
	case <-c.done:
		return
	case c.events <- ev:
		pkg.LogInfo(pkg.ComponentModem, "event", "type", ev.Type)
	default:
		pkg.LogDebug(pkg.ComponentModem, "event deferred", "type", ev.Type)
		time.AfterFunc(c.cfg.EventRetry, func() { c.deliver(ev) })
	}
}

// edge restarts the debounce timer of d.
func (c *Controller) edge(d *debounced) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(c.cfg.Debounce, func() { c.settle(d) })
}

// settle compares the debounced level with the remembered one.
func (c *Controller) settle(d *debounced) {
	level, err := c.gpio.Get(d.line)
	if err != nil {
		pkg.LogWarn(pkg.ComponentModem, "sample failed", "line", d.line, "err", err)
		return
	}

	c.mu.Lock()
	if c.closed || level == d.ref {
		c.mu.Unlock()
		return
	}
	d.ref = level
	c.mu.Unlock()

	d.changed(level)
}

func (c *Controller) simChanged(present bool) {
	if present {
		c.notify(EventSIMAttach)
	} else {
		c.notify(EventSIMDetach)
	}
}

func (c *Controller) activeChanged(active bool) {
	c.mu.Lock()
	state := c.state
	switch {
	case !active && state == PoweredOn:
		c.state = Abnormal
	case active && state == PoweredOff:
		c.state = Abnormal
	}
	c.mu.Unlock()

	switch {
	case !active && state == PoweredOn:
		pkg.LogError(pkg.ComponentModem, "modem exited unexpectedly")
		c.notify(EventCPExit)
	case active && state == PoweredOff:
		pkg.LogWarn(pkg.ComponentModem, "phone_active asserted while powered off")
	}
}

func (c *Controller) startMonitor() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.monitor != nil || c.closed {
		return
	}
	t := &tomb.Tomb{}
	t.Go(func() error { return c.watchHostWake(t) })
	c.monitor = t
}

func (c *Controller) stopMonitor() {
	c.mu.Lock()
	t := c.monitor
	c.monitor = nil
	c.mu.Unlock()

	if t != nil {
		t.Kill(nil)
		t.Wait()
	}
}

// watchHostWake resumes the link when host wake is found asserted while
// the link is still suspended, covering edges the link missed.
func (c *Controller) watchHostWake(t *tomb.Tomb) error {
	ticker := time.NewTicker(c.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.Dying():
			return nil
		case <-ticker.C:
			c.checkHostWake()
		}
	}
}

func (c *Controller) checkHostWake() {
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link == nil {
		return
	}

	level, err := c.gpio.Get(hal.LineHostWakeup)
	if err != nil || !level {
		return
	}
	if link.State() == pm.Suspended && !link.SystemSuspending() {
		pkg.LogDebug(pkg.ComponentModem, "host wake asserted on suspended link, resuming")
		link.HostWake(true)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return pkg.ErrCancelled
		}
		return fmt.Errorf("%w: %v", pkg.ErrTimeout, ctx.Err())
	}
}

// Interface checks.
var (
	_ pm.Recoverer = (*Controller)(nil)
	_ Link         = (*pm.Machine)(nil)
)
