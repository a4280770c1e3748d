// Package cpsim simulates the modem end of the link.
//
// A Modem drives the CP side of a shared GPIO bank and a CP-role
// transport. It boots when the AP powers it, answers wake requests,
// echoes FMT, RAW and RFS frames back and can assert flow control on the
// CMD channel.
package cpsim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/smdlink/channel"
	"github.com/ardnew/smdlink/frame"
	"github.com/ardnew/smdlink/hal"
	"github.com/ardnew/smdlink/pkg"
	"github.com/ardnew/smdlink/ring"
)

// Config tunes the simulated modem.
type Config struct {
	BootDelay    time.Duration // phone_on to phone_active
	RxBufferSize int           // Receive submission size
	RingSize     int           // Reassembly ring per pipe
	Echo         bool          // Echo framed traffic back to the AP
	FrameQueue   int           // Received frames kept for Frames
}

// DefaultConfig returns a quick-booting echoing modem.
func DefaultConfig() Config {
	return Config{
		BootDelay:    10 * time.Millisecond,
		RxBufferSize: 2048,
		RingSize:     64 * 1024,
		Echo:         true,
		FrameQueue:   64,
	}
}

// Received is a frame or unframed chunk that reached the modem.
type Received struct {
	Kind  frame.Kind
	Frame frame.Frame
}

// Modem is a simulated CP.
type Modem struct {
	cfg  Config
	gpio hal.GPIO
	tr   hal.Transport

	mu         sync.Mutex
	responsive bool
	alive      bool
	running    bool
	boot       *time.Timer
	stops      []func()
	downloaded int

	rings [hal.NumPipes]*ring.Buffer
	decs  [hal.NumPipes]*frame.Decoder

	frames chan Received
}

// New returns a stopped Modem on gpio and a CP-role transport.
func New(gpio hal.GPIO, tr hal.Transport, cfg Config) (*Modem, error) {
	if gpio == nil || tr == nil {
		return nil, fmt.Errorf("%w: nil gpio or transport", pkg.ErrInvalidParameter)
	}
	if cfg.RxBufferSize < 1 || cfg.RingSize <= cfg.RxBufferSize || cfg.FrameQueue < 1 {
		return nil, fmt.Errorf("%w: cpsim buffers", pkg.ErrInvalidParameter)
	}
	m := &Modem{
		cfg:        cfg,
		gpio:       gpio,
		tr:         tr,
		responsive: true,
		frames:     make(chan Received, cfg.FrameQueue),
	}
	for k := frame.Kind(0); k < frame.NumKinds; k++ {
		rb, err := ring.New(cfg.RingSize)
		if err != nil {
			return nil, err
		}
		m.rings[k] = rb
		m.decs[k] = frame.NewDecoder(k)
	}
	return m, nil
}

// Start watches the AP's lines, opens the transport and starts receiving.
// Opening blocks until the AP end of the transport appears.
func (m *Modem) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return pkg.ErrAlreadyRunning
	}
	m.running = true
	m.mu.Unlock()

	for _, w := range []struct {
		line hal.Line
		fn   func(hal.Edge)
	}{
		{hal.LinePhoneOn, m.power},
		{hal.LineCPReset, m.power},
		{hal.LineSlaveWakeup, m.slaveWake},
	} {
		stop, err := m.gpio.Watch(w.line, w.fn)
		if err != nil {
			m.Close()
			return err
		}
		m.mu.Lock()
		m.stops = append(m.stops, stop)
		m.mu.Unlock()
	}
	m.power(hal.Edge{})

	if err := m.tr.Open(ctx); err != nil {
		m.Close()
		return fmt.Errorf("cpsim: %w", err)
	}
	for k := frame.Kind(0); k < frame.NumKinds; k++ {
		m.submit(k)
	}
	pkg.LogInfo(pkg.ComponentHAL, "simulated modem started")
	return nil
}

// Close stops the simulation and closes the transport.
func (m *Modem) Close() error {
	m.mu.Lock()
	stops := m.stops
	m.stops = nil
	m.running = false
	if m.boot != nil {
		m.boot.Stop()
		m.boot = nil
	}
	m.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	return m.tr.Close()
}

// SetResponsive controls whether wake requests are acknowledged.
func (m *Modem) SetResponsive(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responsive = on
}

// Alive reports whether the simulated modem has booted.
func (m *Modem) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

// Frames returns the frames the modem received. Frames arriving while the
// queue is full are dropped.
func (m *Modem) Frames() <-chan Received {
	return m.frames
}

// Downloaded returns the number of bytes received on the DOWN channel.
func (m *Modem) Downloaded() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloaded
}

// power follows phone_on and cp_reset: the modem runs while both are
// asserted and reports it on phone_active after BootDelay.
func (m *Modem) power(hal.Edge) {
	on, _ := m.gpio.Get(hal.LinePhoneOn)
	released, _ := m.gpio.Get(hal.LineCPReset)
	powered := on && released

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	lost := false
	switch {
	case powered && !m.alive && m.boot == nil:
		m.boot = time.AfterFunc(m.cfg.BootDelay, m.booted)
	case !powered:
		if m.boot != nil {
			m.boot.Stop()
			m.boot = nil
		}
		lost = m.alive
		m.alive = false
	}
	m.mu.Unlock()

	if lost {
		m.gpio.Set(hal.LineHostWakeup, false)
		m.gpio.Set(hal.LinePhoneActive, false)
	}
}

func (m *Modem) booted() {
	m.mu.Lock()
	if m.boot == nil {
		m.mu.Unlock()
		return
	}
	m.boot = nil
	m.alive = true
	m.mu.Unlock()

	pkg.LogDebug(pkg.ComponentHAL, "simulated modem booted")
	m.gpio.Set(hal.LinePhoneActive, true)
}

// slaveWake acknowledges wake requests by mirroring slave wakeup onto host
// wakeup.
func (m *Modem) slaveWake(e hal.Edge) {
	m.mu.Lock()
	answer := m.alive && m.responsive
	m.mu.Unlock()
	if answer || !e.Level {
		m.gpio.Set(hal.LineHostWakeup, e.Level)
	}
}

// Wake raises host wakeup to start a peer-initiated resume.
func (m *Modem) Wake() error {
	return m.gpio.Set(hal.LineHostWakeup, true)
}

// RequestSuspend pulses suspend_request.
func (m *Modem) RequestSuspend() error {
	if err := m.gpio.Set(hal.LineSuspendRequest, true); err != nil {
		return err
	}
	return m.gpio.Set(hal.LineSuspendRequest, false)
}

// Send encodes f and transmits it on kind, waking the link first if the AP
// has it suspended.
func (m *Modem) Send(kind frame.Kind, f frame.Frame) error {
	data, err := frame.Encode(kind, f)
	if err != nil {
		return err
	}
	return m.SendBytes(kind, data)
}

// SendBytes transmits data on kind unchanged.
func (m *Modem) SendBytes(kind frame.Kind, data []byte) error {
	if level, err := m.gpio.Get(hal.LineSlaveWakeup); err == nil && !level {
		m.Wake()
	}
	return m.tr.SubmitTransmit(kind, data, func(n int, err error) {
		if err != nil {
			pkg.LogDebug(pkg.ComponentHAL, "cpsim transmit failed", "kind", kind, "err", err)
		}
	})
}

// StopTx asks the AP to stop RAW transmission.
func (m *Modem) StopTx() error {
	return m.SendBytes(frame.KindCmd, []byte{channel.CmdStopTx})
}

// ResumeTx lets the AP resume RAW transmission.
func (m *Modem) ResumeTx() error {
	return m.SendBytes(frame.KindCmd, []byte{channel.CmdResumeTx})
}

func (m *Modem) submit(k frame.Kind) {
	buf := make([]byte, m.cfg.RxBufferSize)
	err := m.tr.SubmitReceive(k, buf, func(n int, err error) {
		if err != nil {
			pkg.LogDebug(pkg.ComponentHAL, "cpsim receive ended", "kind", k, "err", err)
			return
		}
		m.received(k, buf[:n])
		m.submit(k)
	})
	if err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "cpsim receive not submitted", "kind", k, "err", err)
	}
}

// received runs on the transport's completion goroutine for k, so each
// ring has a single producer and consumer.
func (m *Modem) received(k frame.Kind, data []byte) {
	if !k.Framed() {
		if k == frame.KindDown {
			m.mu.Lock()
			m.downloaded += len(data)
			m.mu.Unlock()
		}
		m.record(Received{Kind: k, Frame: frame.Frame{Payload: append([]byte(nil), data...)}})
		return
	}

	rb := m.rings[k]
	if _, err := rb.Write(data); err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "cpsim ring full", "kind", k, "bytes", len(data))
		rb.Flush()
		return
	}
	for {
		f, ok := m.decs[k].TryDecodeOne(rb)
		if !ok {
			return
		}
		f.Payload = append([]byte(nil), f.Payload...)
		m.record(Received{Kind: k, Frame: f})
		if m.cfg.Echo && echoed(k, f) {
			if err := m.Send(k, f); err != nil {
				pkg.LogWarn(pkg.ComponentHAL, "cpsim echo failed", "kind", k, "err", err)
			}
		}
	}
}

// echoed reports whether a frame is sent back. Loopback frames are not,
// since the AP echoes those itself.
func echoed(k frame.Kind, f frame.Frame) bool {
	return k != frame.KindRaw || f.ID != channel.IDLoopback
}

func (m *Modem) record(r Received) {
	select {
	case m.frames <- r:
	default:
	}
}
