package pm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/smdlink/hal"
	"github.com/ardnew/smdlink/pkg"
)

// Default policy values.
const (
	DefaultResumeTimeout    = 500 * time.Millisecond
	DefaultFailureThreshold = 5
	historyLen              = 64
)

// Link is implemented by the channel session: it stops and restarts the
// transport work of every open channel.
type Link interface {
	// SuspendChannels cancels all in-flight submissions and blocks until the
	// transport confirms.
	SuspendChannels()

	// ResumeChannels resubmits receives for channels open at suspend time.
	ResumeChannels() error
}

// Recoverer is the modem lifecycle recovery funnel.
type Recoverer interface {
	RequestConnectionRecovery(force bool)
}

// Config holds the resume policy.
type Config struct {
	// ResumeTimeout bounds the wait for host wakeup after slave wakeup.
	ResumeTimeout time.Duration

	// FailureThreshold is the number of consecutive resume timeouts
	// tolerated; one more escalates to forced connection recovery.
	FailureThreshold int
}

// DefaultConfig returns the default resume policy.
func DefaultConfig() Config {
	return Config{
		ResumeTimeout:    DefaultResumeTimeout,
		FailureThreshold: DefaultFailureThreshold,
	}
}

// resume is the single outstanding kernel-initiated resume attempt. Every
// caller that needs the link while it is in flight waits on done.
type resume struct {
	done    chan struct{}
	err     error
	acked   chan struct{}
	ackOnce sync.Once
	abort   chan error
}

func newResume() *resume {
	return &resume{
		done:  make(chan struct{}),
		acked: make(chan struct{}),
		abort: make(chan error, 1),
	}
}

func (r *resume) ack() {
	r.ackOnce.Do(func() { close(r.acked) })
}

func (r *resume) cancel(err error) {
	select {
	case r.abort <- err:
	default:
	}
}

// Machine is the link power/wake state machine.
//
// One mutex guards the state, the pending resume slot and the failure
// counter. GPIO and Link calls are made without it held, since a simulated
// peer may answer a wake pulse synchronously.
type Machine struct {
	gpio hal.GPIO
	cfg  Config

	mu               sync.Mutex
	state            State
	changed          chan struct{}
	pending          *resume
	systemSuspending bool
	failures         int
	escalations      int
	history          []Transition
	link             Link
	recoverer        Recoverer
	stops            []func()
}

// New returns a Machine in the Disconnected state.
func New(gpio hal.GPIO, cfg Config) *Machine {
	if cfg.ResumeTimeout <= 0 {
		cfg.ResumeTimeout = DefaultResumeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	return &Machine{
		gpio:    gpio,
		cfg:     cfg,
		state:   Disconnected,
		changed: make(chan struct{}),
	}
}

// SetLink installs the channel hooks.
func (m *Machine) SetLink(l Link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.link = l
}

// SetRecoverer installs the recovery funnel.
func (m *Machine) SetRecoverer(r Recoverer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoverer = r
}

// Start watches host_wakeup and suspend_request.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.stops) > 0 {
		return pkg.ErrAlreadyRunning
	}

	stopWake, err := m.gpio.Watch(hal.LineHostWakeup, func(e hal.Edge) {
		m.HostWake(e.Level)
	})
	if err != nil {
		return err
	}
	stopReq, err := m.gpio.Watch(hal.LineSuspendRequest, func(e hal.Edge) {
		if e.Level {
			go func() {
				if err := m.Suspend(ReasonPeer); err != nil {
					pkg.LogDebug(pkg.ComponentPM, "peer suspend request ignored", "err", err)
				}
			}()
		}
	})
	if err != nil {
		stopWake()
		return err
	}
	m.stops = []func(){stopWake, stopReq}
	return nil
}

// Stop removes the GPIO watchers.
func (m *Machine) Stop() {
	m.mu.Lock()
	stops := m.stops
	m.stops = nil
	m.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Failures returns the consecutive resume timeout count.
func (m *Machine) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Escalations returns how many times recovery was requested.
func (m *Machine) Escalations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.escalations
}

// History returns the most recent transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}

// transitionLocked moves to s if the transition is legal.
func (m *Machine) transitionLocked(s State) bool {
	from := m.state
	if from == s {
		return true
	}
	if !CanTransition(from, s) {
		pkg.LogError(pkg.ComponentPM, "illegal transition", "from", from, "to", s)
		return false
	}
	m.state = s
	if len(m.history) == historyLen {
		m.history = append(m.history[:0], m.history[1:]...)
	}
	m.history = append(m.history, Transition{From: from, To: s})
	close(m.changed)
	m.changed = make(chan struct{})
	pkg.LogDebug(pkg.ComponentPM, "transition", "from", from, "to", s)
	return true
}

// WaitState blocks until the state is s or ctx is done.
func (m *Machine) WaitState(ctx context.Context, s State) error {
	for {
		m.mu.Lock()
		if m.state == s {
			m.mu.Unlock()
			return nil
		}
		ch := m.changed
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for %s", pkg.ErrTimeout, s)
		}
	}
}

// Attach marks the transport present and the link Active.
func (m *Machine) Attach() error {
	m.mu.Lock()
	if m.state != Disconnected {
		m.mu.Unlock()
		return pkg.ErrBusy
	}
	m.transitionLocked(Active)
	m.failures = 0
	m.mu.Unlock()

	pkg.LogInfo(pkg.ComponentPM, "link attached")
	return m.gpio.Set(hal.LineSlaveWakeup, true)
}

// Detach marks the transport gone. An outstanding resume fails with
// [pkg.ErrNotConnected].
func (m *Machine) Detach() {
	m.mu.Lock()
	p := m.pending
	m.pending = nil
	m.transitionLocked(Disconnected)
	m.mu.Unlock()

	if p != nil {
		p.cancel(pkg.ErrNotConnected)
	}
	m.gpio.Set(hal.LineSlaveWakeup, false)
	pkg.LogInfo(pkg.ComponentPM, "link detached")
}

// SetSystemSuspending records whether the whole system is entering suspend.
// While set, kernel resumes are refused and an in-flight one is abandoned.
func (m *Machine) SetSystemSuspending(suspending bool) {
	m.mu.Lock()
	m.systemSuspending = suspending
	p := m.pending
	m.mu.Unlock()

	if suspending && p != nil {
		p.cancel(pkg.ErrSystemSuspending)
	}
}

// SystemSuspending reports the system suspend flag.
func (m *Machine) SystemSuspending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.systemSuspending
}

// Suspend takes the link from Active to Suspended: in-flight transfers are
// cancelled on every channel and slave wakeup is deasserted. Suspending an
// already suspended link is a no-op.
func (m *Machine) Suspend(reason Reason) error {
	m.mu.Lock()
	switch m.state {
	case Active:
	case Suspended:
		m.mu.Unlock()
		return nil
	case Disconnected:
		m.mu.Unlock()
		return pkg.ErrNotConnected
	default:
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: suspend while %s", pkg.ErrBusy, st)
	}
	m.transitionLocked(Suspending)
	link := m.link
	m.mu.Unlock()

	pkg.LogDebug(pkg.ComponentPM, "suspending link", "reason", reason)
	if link != nil {
		link.SuspendChannels()
	}
	m.gpio.Set(hal.LineSlaveWakeup, false)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Suspending {
		// detached while cancelling
		return pkg.ErrNotConnected
	}
	m.transitionLocked(Suspended)
	pkg.LogInfo(pkg.ComponentPM, "link suspended", "reason", reason)
	return nil
}

// HostWake handles a host_wakeup level change. Asserted while Suspended is
// a peer-initiated wake; asserted while ResumingKernel acknowledges the
// outstanding kernel resume.
func (m *Machine) HostWake(level bool) {
	if !level {
		return
	}

	m.mu.Lock()
	switch m.state {
	case ResumingKernel:
		p := m.pending
		m.mu.Unlock()
		if p != nil {
			p.ack()
		}
	case Suspended:
		m.transitionLocked(ResumingPeer)
		link := m.link
		m.mu.Unlock()
		go m.peerResume(link)
	default:
		m.mu.Unlock()
	}
}

func (m *Machine) peerResume(link Link) {
	pkg.LogDebug(pkg.ComponentPM, "peer initiated resume")
	var err error
	if link != nil {
		err = link.ResumeChannels()
	}
	m.gpio.Set(hal.LineSlaveWakeup, true)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != ResumingPeer {
		return
	}
	if err != nil {
		pkg.LogWarn(pkg.ComponentPM, "peer resume failed", "err", err)
		m.transitionLocked(Suspended)
		return
	}
	m.transitionLocked(Active)
	m.failures = 0
	pkg.LogInfo(pkg.ComponentPM, "link resumed", "by", "peer")
}

// EnsureActive returns once the link is Active, performing a
// kernel-initiated resume if it is Suspended. Concurrent callers share one
// resume attempt and one wake pulse.
//
// Returns [pkg.ErrNotConnected] when detached, [pkg.ErrTimeout] when the
// peer does not acknowledge within the resume timeout or ctx expires, and
// [pkg.ErrSystemSuspending] when the system suspend flag preempts it.
func (m *Machine) EnsureActive(ctx context.Context) error {
	for {
		m.mu.Lock()
		switch m.state {
		case Active:
			m.mu.Unlock()
			return nil

		case Disconnected:
			m.mu.Unlock()
			return pkg.ErrNotConnected

		case ResumingKernel:
			p := m.pending
			m.mu.Unlock()
			if err := m.await(ctx, p.done); err != nil {
				return err
			}
			if p.err != nil {
				return p.err
			}

		case Suspended:
			if m.systemSuspending {
				m.mu.Unlock()
				return pkg.ErrSystemSuspending
			}
			p := newResume()
			m.pending = p
			m.transitionLocked(ResumingKernel)
			m.mu.Unlock()

			go m.supervise(p)
			m.wakePeer(p)

			if err := m.await(ctx, p.done); err != nil {
				return err
			}
			if p.err != nil {
				return p.err
			}

		default:
			// Suspending or ResumingPeer: wait for the next transition.
			ch := m.changed
			m.mu.Unlock()
			if err := m.await(ctx, ch); err != nil {
				return err
			}
		}
	}
}

func (m *Machine) await(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return pkg.ErrCancelled
		}
		return fmt.Errorf("%w: %v", pkg.ErrTimeout, ctx.Err())
	}
}

// wakePeer raises slave wakeup. A peer that already holds host wakeup
// asserted acknowledges immediately.
func (m *Machine) wakePeer(p *resume) {
	m.gpio.Set(hal.LineSlaveWakeup, false)
	if err := m.gpio.Set(hal.LineSlaveWakeup, true); err != nil {
		p.cancel(fmt.Errorf("%w: slave wakeup: %v", pkg.ErrLinkGone, err))
		return
	}
	if level, err := m.gpio.Get(hal.LineHostWakeup); err == nil && level {
		p.ack()
	}
}

// supervise settles a kernel resume attempt: acknowledged, timed out, or
// aborted.
func (m *Machine) supervise(p *resume) {
	timer := time.NewTimer(m.cfg.ResumeTimeout)
	defer timer.Stop()

	select {
	case <-p.acked:
		m.completeResume(p)
	case <-timer.C:
		m.failResume(p, pkg.ErrTimeout, true)
	case err := <-p.abort:
		m.failResume(p, err, false)
	}
}

func (m *Machine) completeResume(p *resume) {
	m.mu.Lock()
	link := m.link
	m.mu.Unlock()

	var err error
	if link != nil {
		err = link.ResumeChannels()
	}

	m.mu.Lock()
	owned := m.pending == p
	if owned {
		m.pending = nil
	}
	switch {
	case !owned || m.state != ResumingKernel:
		p.err = pkg.ErrNotConnected
	case err != nil:
		m.transitionLocked(Suspended)
		p.err = err
	default:
		m.transitionLocked(Active)
		m.failures = 0
	}
	m.mu.Unlock()

	if p.err != nil {
		pkg.LogWarn(pkg.ComponentPM, "kernel resume failed", "err", p.err)
	} else {
		pkg.LogInfo(pkg.ComponentPM, "link resumed", "by", "kernel")
	}
	close(p.done)
}

// failResume abandons a resume attempt. Timeouts count toward escalation:
// once more than FailureThreshold consecutive resumes time out, forced
// recovery is requested once and the counter starts over.
func (m *Machine) failResume(p *resume, cause error, counted bool) {
	m.gpio.Set(hal.LineSlaveWakeup, false)

	m.mu.Lock()
	if m.pending == p {
		m.pending = nil
		if m.state == ResumingKernel {
			m.transitionLocked(Suspended)
		}
	}
	escalate := false
	if counted {
		m.failures++
		if m.failures > m.cfg.FailureThreshold {
			escalate = true
			m.failures = 0
			m.escalations++
		}
	}
	failures := m.failures
	recoverer := m.recoverer
	m.mu.Unlock()

	pkg.LogWarn(pkg.ComponentPM, "resume failed", "err", cause, "failures", failures)
	if escalate && recoverer != nil {
		pkg.LogError(pkg.ComponentPM, "resume failures exceeded threshold, requesting recovery",
			"threshold", m.cfg.FailureThreshold)
		recoverer.RequestConnectionRecovery(true)
	}

	p.err = cause
	close(p.done)
}
