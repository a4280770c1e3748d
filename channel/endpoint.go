package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/smdlink/frame"
	"github.com/ardnew/smdlink/pkg"
)

// Endpoint is one logical channel.
//
// Reads are record oriented: each call returns at most one record, and a
// record larger than the caller's buffer is returned over several calls.
type Endpoint interface {
	// Kind returns the channel kind whose pipe carries this endpoint.
	Kind() frame.Kind

	// Name returns the endpoint name (fmt, csd, pdp0, ...).
	Name() string

	// State returns the lifecycle state.
	State() State

	// Open makes the link active and starts receiving. It fails with
	// [pkg.ErrNotConnected] without a transport and [pkg.ErrBusy] if the
	// endpoint is already open.
	Open(ctx context.Context) error

	// Close cancels this endpoint's transport work and drops buffered
	// records. Closing a closed endpoint does nothing.
	Close() error

	// Read copies the next buffered record into p. It returns
	// [pkg.ErrWouldBlock] when no complete record is buffered.
	Read(p []byte) (int, error)

	// ReadFrame blocks for the next record and returns its payload.
	ReadFrame(ctx context.Context) ([]byte, error)

	// ReadRecord blocks for the next record and returns it with the
	// header fields meaningful to the kind.
	ReadRecord(ctx context.Context) (frame.Frame, error)

	// Write encodes p and queues it for transmission, resuming the link
	// first if needed.
	Write(ctx context.Context, p []byte) (int, error)

	// Poll returns the readiness mask.
	Poll() Mask

	// Stats returns a snapshot of the endpoint counters.
	Stats() Stats
}

// RecordWriter is implemented by endpoints whose wire header carries
// caller-chosen fields.
type RecordWriter interface {
	WriteRecord(ctx context.Context, f frame.Frame) (int, error)
}

// endpoint carries the state shared by every kind.
type endpoint struct {
	s    *Session
	kind frame.Kind
	name string
	p    *pipe

	// recv returns the next complete record, if any. It is called with
	// readMu held.
	recv func() (frame.Frame, bool)

	// encode turns a write into wire records; nil means writes are not
	// supported.
	encode func(b []byte) ([][]byte, error)

	// opened runs after a successful Open.
	opened func()

	// closed runs after Close, before readers are woken.
	closed func()

	mu    sync.Mutex
	state State

	readMu sync.Mutex
	held   *frame.Frame

	rx    notifier
	stats *counters
}

func (e *endpoint) Kind() frame.Kind { return e.kind }
func (e *endpoint) Name() string     { return e.name }

func (e *endpoint) State() State {
	e.mu.Lock()
	st := e.state
	e.mu.Unlock()
	if st == Open && e.p.isSuspended() {
		return Suspended
	}
	return st
}

func (e *endpoint) Open(ctx context.Context) error {
	e.mu.Lock()
	if e.state != Closed {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s already open", pkg.ErrBusy, e.name)
	}
	if !e.s.Connected() {
		e.mu.Unlock()
		return pkg.ErrNotConnected
	}
	e.state = Opening
	e.mu.Unlock()

	if err := e.s.ensureActive(ctx); err != nil {
		e.setState(Closed)
		return err
	}

	e.p.acquire()
	e.setState(Open)
	pkg.LogDebug(pkg.ComponentChannel, "opened", "channel", e.name)

	if e.opened != nil {
		e.opened()
	}
	return nil
}

func (e *endpoint) Close() error {
	e.mu.Lock()
	if e.state == Closed {
		e.mu.Unlock()
		return nil
	}
	e.state = Closed
	e.mu.Unlock()

	e.p.release()
	e.drop()
	pkg.LogDebug(pkg.ComponentChannel, "closed", "channel", e.name)
	return nil
}

// abandon closes the endpoint after the transport went away. The pipe has
// already been reset.
func (e *endpoint) abandon() {
	e.setState(Closed)
	e.drop()
}

func (e *endpoint) drop() {
	e.readMu.Lock()
	e.held = nil
	e.readMu.Unlock()
	if e.closed != nil {
		e.closed()
	}
	e.rx.notify()
}

func (e *endpoint) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *endpoint) isOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == Open
}

// take returns the next record, starting with the remainder of a
// partially read one.
func (e *endpoint) take() (frame.Frame, bool) {
	if e.held != nil {
		f := *e.held
		e.held = nil
		return f, true
	}
	if e.recv == nil {
		return frame.Frame{}, false
	}
	f, ok := e.recv()
	if ok {
		e.stats.rxRecords.Add(1)
	}
	return f, ok
}

func (e *endpoint) ready() bool {
	e.readMu.Lock()
	defer e.readMu.Unlock()
	if e.held != nil {
		return true
	}
	f, ok := e.take()
	if ok {
		e.held = &f
	}
	return ok
}

func (e *endpoint) Read(b []byte) (int, error) {
	if e.recv == nil {
		return 0, fmt.Errorf("%w: read on %s", pkg.ErrNotSupported, e.name)
	}
	if !e.isOpen() {
		return 0, pkg.ErrClosed
	}

	e.readMu.Lock()
	defer e.readMu.Unlock()
	f, ok := e.take()
	if !ok {
		return 0, pkg.ErrWouldBlock
	}
	n := copy(b, f.Payload)
	if n < len(f.Payload) {
		f.Payload = f.Payload[n:]
		e.held = &f
	}
	return n, nil
}

func (e *endpoint) ReadFrame(ctx context.Context) ([]byte, error) {
	f, err := e.ReadRecord(ctx)
	return f.Payload, err
}

func (e *endpoint) ReadRecord(ctx context.Context) (frame.Frame, error) {
	if e.recv == nil {
		return frame.Frame{}, fmt.Errorf("%w: read on %s", pkg.ErrNotSupported, e.name)
	}
	for {
		wake := e.rx.wait()
		if st := e.State(); st == Closed || st == Opening {
			return frame.Frame{}, pkg.ErrClosed
		}

		e.readMu.Lock()
		f, ok := e.take()
		e.readMu.Unlock()
		if ok {
			return f, nil
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return frame.Frame{}, ctxErr(ctx)
		}
	}
}

func (e *endpoint) Write(ctx context.Context, b []byte) (int, error) {
	if e.encode == nil {
		return 0, fmt.Errorf("%w: write on %s", pkg.ErrNotSupported, e.name)
	}
	recs, err := e.encode(b)
	if err != nil {
		return 0, err
	}
	if err := e.send(ctx, recs); err != nil {
		return 0, err
	}
	return len(b), nil
}

// send resumes the link if needed and submits encoded records.
func (e *endpoint) send(ctx context.Context, recs [][]byte) error {
	if !e.s.Connected() {
		return pkg.ErrNotConnected
	}
	if st := e.State(); st == Closed || st == Opening {
		return pkg.ErrClosed
	}
	if err := e.s.ensureActive(ctx); err != nil {
		return err
	}
	return e.p.transmit(e.stats, recs...)
}

func (e *endpoint) Poll() Mask {
	var m Mask
	if !e.s.Connected() {
		m |= PollHup
	}
	st := e.State()
	if st == Closed || st == Opening {
		return m | PollErr
	}
	if e.recv != nil && e.ready() {
		m |= PollIn
	}
	if e.encode != nil && e.p.writable() {
		m |= PollOut
	}
	return m
}

func (e *endpoint) Stats() Stats {
	st := e.stats.snapshot()
	if e.stats != &e.p.stats {
		// Share the pipe's transport counters.
		ps := e.p.stats.snapshot()
		st.RxBytes = ps.RxBytes
		st.RxOverrun = ps.RxOverrun
		st.RxCRC = ps.RxCRC
	}
	if d := e.s.decoder(e.kind); d != nil {
		st.Decode = d.Stats()
	}
	return st
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return pkg.ErrCancelled
	}
	return fmt.Errorf("%w: %v", pkg.ErrTimeout, ctx.Err())
}

func (e *endpoint) base() *endpoint { return e }

// newEndpoint builds the top-level endpoint for kind.
func newEndpoint(s *Session, kind frame.Kind) (Endpoint, error) {
	p := s.pipes[kind]
	e := &endpoint{
		s:     s,
		kind:  kind,
		name:  kind.String(),
		p:     p,
		stats: &p.stats,
	}
	switch kind {
	case frame.KindFmt:
		return newFmt(e), nil
	case frame.KindRaw:
		return newRawMux(e), nil
	case frame.KindRfs:
		return newRfs(e), nil
	case frame.KindCmd:
		return newCmd(e), nil
	case frame.KindDown:
		return newDown(e), nil
	default:
		return nil, fmt.Errorf("%w: channel kind %d", pkg.ErrInvalidParameter, kind)
	}
}
