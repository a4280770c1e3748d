package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/retry.v1"

	"github.com/ardnew/smdlink/frame"
	"github.com/ardnew/smdlink/hal"
	"github.com/ardnew/smdlink/pkg"
	"github.com/ardnew/smdlink/pm"
)

// Lifecycle is the modem controller as the session sees it.
type Lifecycle interface {
	// RequestConnectionRecovery is the recovery funnel.
	RequestConnectionRecovery(force bool)

	// IPCOpened is called each time the FMT channel opens.
	IPCOpened()

	// WakeLocked reports whether the modem is holding the system awake.
	WakeLocked() bool
}

// Config sizes the session's buffers and bounds its retries.
type Config struct {
	// RingSize is the receive ring capacity per channel kind.
	RingSize [frame.NumKinds]int

	// RxSubmissions is the number of outstanding receives per kind.
	RxSubmissions [frame.NumKinds]int

	// RxBufferSize is the size of each receive submission.
	RxBufferSize int

	// RecordQueueLen bounds each endpoint's queue of demultiplexed records.
	RecordQueueLen int

	// TxQueueLen bounds the RAW records held while the peer has transmit
	// stopped.
	TxQueueLen int

	// FmtFragmentSize is the largest FMT payload sent in one frame.
	FmtFragmentSize int

	// MaxMessageSize bounds a reassembled FMT message.
	MaxMessageSize int

	// ResumeRetries is how many times a write tries to resume the link.
	ResumeRetries int

	// ResumeRetryDelay is the delay before the second attempt; later
	// attempts back off exponentially.
	ResumeRetryDelay time.Duration

	// Loopback echoes frames received on the loopback sub-channel.
	Loopback bool
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		RingSize: [frame.NumKinds]int{
			frame.KindFmt:  16 * 1024,
			frame.KindRaw:  32 * 1024,
			frame.KindRfs:  256 * 1024,
			frame.KindCmd:  4 * 1024,
			frame.KindDown: 64 * 1024,
		},
		RxSubmissions: [frame.NumKinds]int{
			frame.KindFmt:  1,
			frame.KindRaw:  4,
			frame.KindRfs:  1,
			frame.KindCmd:  1,
			frame.KindDown: 1,
		},
		RxBufferSize:     2048,
		RecordQueueLen:   64,
		TxQueueLen:       32,
		FmtFragmentSize:  2048,
		MaxMessageSize:   64 * 1024,
		ResumeRetries:    3,
		ResumeRetryDelay: 10 * time.Millisecond,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	for k := frame.KindFmt; k < frame.NumKinds; k++ {
		if c.RingSize[k] <= c.RxBufferSize {
			return fmt.Errorf("%w: %s ring of %d bytes cannot hold a %d byte receive",
				pkg.ErrInvalidParameter, k, c.RingSize[k], c.RxBufferSize)
		}
		if c.RxSubmissions[k] < 1 {
			return fmt.Errorf("%w: %s needs at least one receive submission", pkg.ErrInvalidParameter, k)
		}
	}
	switch {
	case c.RxBufferSize < 1:
		return fmt.Errorf("%w: receive buffer size %d", pkg.ErrInvalidParameter, c.RxBufferSize)
	case c.RecordQueueLen < 1:
		return fmt.Errorf("%w: record queue length %d", pkg.ErrInvalidParameter, c.RecordQueueLen)
	case c.TxQueueLen < 1:
		return fmt.Errorf("%w: transmit queue length %d", pkg.ErrInvalidParameter, c.TxQueueLen)
	case c.FmtFragmentSize < 1 || c.FmtFragmentSize > frame.MaxFmtPayload:
		return fmt.Errorf("%w: fmt fragment size %d", pkg.ErrInvalidParameter, c.FmtFragmentSize)
	case frame.EncodedLen(frame.KindFmt, c.FmtFragmentSize) >= c.RingSize[frame.KindFmt]:
		return fmt.Errorf("%w: fmt fragment does not fit the fmt ring", pkg.ErrInvalidParameter)
	case c.MaxMessageSize < c.FmtFragmentSize:
		return fmt.Errorf("%w: max message size %d", pkg.ErrInvalidParameter, c.MaxMessageSize)
	case c.ResumeRetries < 1:
		return fmt.Errorf("%w: resume retries %d", pkg.ErrInvalidParameter, c.ResumeRetries)
	case c.ResumeRetryDelay < 0:
		return fmt.Errorf("%w: resume retry delay %v", pkg.ErrInvalidParameter, c.ResumeRetryDelay)
	}
	return nil
}

// Session is the transport session: it owns the fixed set of endpoints,
// binds them to a transport while one is connected and implements the
// power state machine's channel hooks.
type Session struct {
	cfg   Config
	pm    *pm.Machine
	retry retry.Strategy

	pipes [frame.NumKinds]*pipe
	decs  [frame.NumKinds]*frame.Decoder
	eps   [frame.NumKinds]Endpoint
	base  [frame.NumKinds]*endpoint
	subs  map[uint8]*subChannel
	nets  [NumNets]*NetInterface

	mu        sync.RWMutex
	tr        hal.Transport
	lifecycle Lifecycle
}

// NewSession builds every endpoint and registers the session with m.
func NewSession(m *pm.Machine, cfg Config) (*Session, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil power state machine", pkg.ErrInvalidParameter)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		cfg: cfg,
		pm:  m,
		retry: retry.LimitCount(cfg.ResumeRetries, retry.Exponential{
			Initial: cfg.ResumeRetryDelay,
			Factor:  2,
		}),
		subs: make(map[uint8]*subChannel),
	}

	for k := frame.KindFmt; k < frame.NumKinds; k++ {
		p, err := newPipe(s, k, cfg.RingSize[k], cfg.RxSubmissions[k], cfg.RxBufferSize, cfg.TxQueueLen)
		if err != nil {
			return nil, err
		}
		s.pipes[k] = p
		if k.Framed() {
			s.decs[k] = frame.NewDecoder(k)
		}
	}
	for k := frame.KindFmt; k < frame.NumKinds; k++ {
		ep, err := newEndpoint(s, k)
		if err != nil {
			return nil, err
		}
		s.eps[k] = ep
		s.base[k] = ep.(interface{ base() *endpoint }).base()
	}
	for _, sc := range []struct {
		id   uint8
		name string
	}{
		{IDCSD, "csd"},
		{IDRouter, "router"},
		{IDLoopback, "loopback"},
	} {
		s.subs[sc.id] = newSubChannel(s, sc.id, sc.name)
	}
	for i := range s.nets {
		s.nets[i] = newNetInterface(s, i)
	}

	m.SetLink(s)
	return s, nil
}

// SetLifecycle installs the modem controller hooks.
func (s *Session) SetLifecycle(lc Lifecycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifecycle = lc
}

func (s *Session) getLifecycle() Lifecycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lifecycle
}

// Machine returns the power state machine.
func (s *Session) Machine() *pm.Machine { return s.pm }

// Config returns the session configuration.
func (s *Session) Config() Config { return s.cfg }

// Connect attaches tr. Endpoints can be opened once it returns.
func (s *Session) Connect(ctx context.Context, tr hal.Transport) error {
	if tr == nil {
		return fmt.Errorf("%w: nil transport", pkg.ErrInvalidParameter)
	}
	if s.Connected() {
		return fmt.Errorf("%w: transport already connected", pkg.ErrBusy)
	}
	if err := tr.Open(ctx); err != nil {
		return fmt.Errorf("open transport: %w", err)
	}

	for _, p := range s.pipes {
		p.reset()
	}
	s.mu.Lock()
	s.tr = tr
	s.mu.Unlock()

	if err := s.pm.Attach(); err != nil {
		s.mu.Lock()
		s.tr = nil
		s.mu.Unlock()
		tr.Close()
		return err
	}

	// Flow control opcodes are honored whether or not anyone reads CMD.
	s.pipes[frame.KindCmd].acquire()

	pkg.LogInfo(pkg.ComponentSession, "transport connected")
	return nil
}

// Disconnect detaches the transport. Every endpoint is closed and its
// buffers flushed; the endpoints remain usable after the next Connect.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	tr := s.tr
	s.tr = nil
	s.mu.Unlock()

	if tr == nil {
		return pkg.ErrNotConnected
	}

	s.pm.Detach()
	for _, p := range s.pipes {
		p.reset()
	}
	for _, e := range s.base {
		e.abandon()
	}
	for _, sc := range s.subs {
		sc.abandon()
	}
	for _, n := range s.nets {
		n.abandon()
	}

	pkg.LogInfo(pkg.ComponentSession, "transport disconnected")
	return tr.Close()
}

// Connected reports whether a transport is attached.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tr != nil
}

func (s *Session) transport() hal.Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tr
}

func (s *Session) markActive() {
	if tr := s.transport(); tr != nil {
		tr.MarkActive()
	}
}

func (s *Session) decoder(k frame.Kind) *frame.Decoder {
	if k < frame.NumKinds {
		return s.decs[k]
	}
	return nil
}

// ensureActive resumes the link, retrying resume timeouts within the
// configured budget.
func (s *Session) ensureActive(ctx context.Context) error {
	var err error
	for a := retry.Start(s.retry, nil); a.Next(); {
		if err = s.pm.EnsureActive(ctx); err == nil {
			return nil
		}
		if !errors.Is(err, pkg.ErrTimeout) || ctx.Err() != nil {
			return err
		}
		pkg.LogDebug(pkg.ComponentSession, "link resume attempt failed",
			"attempt", a.Count(), "err", err)
	}
	return err
}

// SuspendChannels cancels in-flight transport work on every channel. It
// is called by the power state machine.
func (s *Session) SuspendChannels() {
	for _, p := range s.pipes {
		p.suspend()
	}
	pkg.LogDebug(pkg.ComponentSession, "channels suspended")
}

// ResumeChannels resubmits receives on every channel open at suspend
// time. It is called by the power state machine.
func (s *Session) ResumeChannels() error {
	if !s.Connected() {
		return pkg.ErrNotConnected
	}
	for _, p := range s.pipes {
		p.resume()
	}
	pkg.LogDebug(pkg.ComponentSession, "channels resumed")
	return nil
}

// SystemSuspend prepares the link for system suspend. It fails with
// [pkg.ErrBusy] while the modem holds its wake lock.
func (s *Session) SystemSuspend() error {
	if lc := s.getLifecycle(); lc != nil && lc.WakeLocked() {
		return fmt.Errorf("%w: modem wake lock held", pkg.ErrBusy)
	}
	s.pm.SetSystemSuspending(true)

	err := s.pm.Suspend(pm.ReasonSystem)
	if err == nil || errors.Is(err, pkg.ErrNotConnected) {
		return nil
	}
	s.pm.SetSystemSuspending(false)
	return err
}

// SystemResume clears the system suspend flag.
func (s *Session) SystemResume() {
	s.pm.SetSystemSuspending(false)
}

// setFlow applies a CMD flow control opcode to the RAW pipe.
func (s *Session) setFlow(stop bool) {
	s.pipes[frame.KindRaw].setStopped(stop)
	if stop {
		pkg.LogInfo(pkg.ComponentSession, "peer stopped raw transmit")
	} else {
		pkg.LogInfo(pkg.ComponentSession, "peer resumed raw transmit")
	}
}

// linkGone closes every endpoint on p and asks for recovery.
func (s *Session) linkGone(p *pipe, err error) {
	if !s.Connected() {
		return
	}
	pkg.LogError(pkg.ComponentSession, "link gone", "channel", p.kind, "err", err)

	s.base[p.kind].Close()
	if p.kind == frame.KindRaw {
		for _, sc := range s.subs {
			sc.Close()
		}
		for _, n := range s.nets {
			n.Down()
		}
	}

	if lc := s.getLifecycle(); lc != nil {
		lc.RequestConnectionRecovery(false)
	}
}

func (s *Session) ipcOpened() {
	if lc := s.getLifecycle(); lc != nil {
		lc.IPCOpened()
	}
}

// Endpoint returns the top-level endpoint of kind.
func (s *Session) Endpoint(kind frame.Kind) (Endpoint, error) {
	if kind >= frame.NumKinds {
		return nil, fmt.Errorf("%w: channel kind %d", pkg.ErrInvalidParameter, kind)
	}
	return s.eps[kind], nil
}

// Sub returns the RAW sub-channel with id.
func (s *Session) Sub(id uint8) (Endpoint, error) {
	sc, ok := s.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: raw sub-channel %d", pkg.ErrInvalidParameter, id)
	}
	return sc, nil
}

// Net returns PDP interface index (0, 1 or 2).
func (s *Session) Net(index int) (*NetInterface, error) {
	if index < 0 || index >= NumNets {
		return nil, fmt.Errorf("%w: pdp interface %d", pkg.ErrInvalidParameter, index)
	}
	return s.nets[index], nil
}

func (s *Session) netByID(id uint8) *NetInterface {
	if id < IDPDP0 || id >= IDPDP0+NumNets {
		return nil
	}
	return s.nets[id-IDPDP0]
}

// Endpoints returns every endpoint: the top-level ones in kind order
// followed by the RAW sub-channels.
func (s *Session) Endpoints() []Endpoint {
	eps := make([]Endpoint, 0, len(s.eps)+len(s.subs))
	eps = append(eps, s.eps[:]...)
	for _, id := range []uint8{IDCSD, IDRouter, IDLoopback} {
		eps = append(eps, s.subs[id])
	}
	return eps
}

// Nets returns the PDP interfaces.
func (s *Session) Nets() []*NetInterface {
	return append([]*NetInterface(nil), s.nets[:]...)
}

// Interface check.
var _ pm.Link = (*Session)(nil)
