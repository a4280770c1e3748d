package channel

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/smdlink/frame"
	"github.com/ardnew/smdlink/pkg"
	"github.com/ardnew/smdlink/ring"
)

// pipe binds one channel kind to the transport. It keeps up to rxN receive
// submissions outstanding while anyone holds it open, stages received
// bytes in a ring buffer and submits transmits in call order.
type pipe struct {
	s      *Session
	kind   frame.Kind
	rb     *ring.Buffer
	rxN    int
	rxSize int
	stats  counters

	// ingest consumes one successful receive. It runs in completion
	// context, serialized by ingestMu.
	ingest   func(data []byte)
	ingestMu sync.Mutex

	mu        sync.Mutex
	users     int
	rxOut     int
	suspended bool
	gen       uint64

	failed atomic.Bool

	txMu    sync.Mutex
	stopped bool
	txq     [][]byte
	txLimit int
}

func newPipe(s *Session, kind frame.Kind, capacity, rxN, rxSize, txLimit int) (*pipe, error) {
	rb, err := ring.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("%s ring: %w", kind, err)
	}
	return &pipe{
		s:       s,
		kind:    kind,
		rb:      rb,
		rxN:     rxN,
		rxSize:  rxSize,
		txLimit: txLimit,
	}, nil
}

// acquire adds a user. The first user starts receiving and rearms link
// loss reporting.
func (p *pipe) acquire() {
	p.mu.Lock()
	p.users++
	first := p.users == 1
	p.mu.Unlock()
	if first {
		p.failed.Store(false)
	}
	p.fill()
}

// release drops a user. The last user cancels outstanding submissions and
// flushes the ring.
func (p *pipe) release() {
	p.mu.Lock()
	if p.users == 0 {
		p.mu.Unlock()
		return
	}
	p.users--
	last := p.users == 0
	p.mu.Unlock()

	if !last {
		return
	}
	if tr := p.s.transport(); tr != nil {
		if err := tr.CancelAll(p.kind); err != nil {
			pkg.LogWarn(pkg.ComponentChannel, "cancel failed", "channel", p.kind, "err", err)
		}
	}
	p.ingestMu.Lock()
	p.rb.Flush()
	p.ingestMu.Unlock()

	p.txMu.Lock()
	p.txq = nil
	p.txMu.Unlock()
}

// reset forgets all transport state. Completions of earlier submissions
// are ignored afterwards.
func (p *pipe) reset() {
	p.mu.Lock()
	p.users = 0
	p.rxOut = 0
	p.suspended = false
	p.gen++
	p.mu.Unlock()

	p.failed.Store(false)

	p.ingestMu.Lock()
	p.rb.Flush()
	p.ingestMu.Unlock()

	p.txMu.Lock()
	p.stopped = false
	p.txq = nil
	p.txMu.Unlock()
}

func (p *pipe) open() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.users > 0
}

func (p *pipe) isSuspended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suspended
}

// suspend stops resubmission and cancels everything in flight.
func (p *pipe) suspend() {
	p.mu.Lock()
	p.suspended = true
	active := p.users > 0
	p.mu.Unlock()

	if !active {
		return
	}
	if tr := p.s.transport(); tr != nil {
		if err := tr.CancelAll(p.kind); err != nil {
			pkg.LogWarn(pkg.ComponentChannel, "cancel failed", "channel", p.kind, "err", err)
		}
	}
}

// resume resubmits receives and flushes held transmits.
func (p *pipe) resume() {
	p.mu.Lock()
	p.suspended = false
	p.mu.Unlock()

	p.fill()

	p.txMu.Lock()
	if !p.stopped {
		p.flushLocked()
	}
	p.txMu.Unlock()
}

// fill tops up the outstanding receive submissions.
func (p *pipe) fill() {
	tr := p.s.transport()
	if tr == nil {
		return
	}
	for {
		p.mu.Lock()
		if p.users == 0 || p.suspended || p.rxOut >= p.rxN {
			p.mu.Unlock()
			return
		}
		p.rxOut++
		gen := p.gen
		p.mu.Unlock()

		buf := make([]byte, p.rxSize)
		err := tr.SubmitReceive(p.kind, buf, func(n int, err error) {
			p.received(gen, buf, n, err)
		})
		if err != nil {
			p.mu.Lock()
			if p.gen == gen {
				p.rxOut--
			}
			p.mu.Unlock()
			pkg.LogWarn(pkg.ComponentChannel, "receive submission failed", "channel", p.kind, "err", err)
			if errors.Is(err, pkg.ErrLinkGone) {
				p.fail(err)
			}
			return
		}
	}
}

// received handles one receive completion.
func (p *pipe) received(gen uint64, buf []byte, n int, err error) {
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return
	}
	p.rxOut--
	users := p.users
	p.mu.Unlock()

	switch st := pkg.StatusOf(err); st {
	case pkg.TransferStatusSuccess:
		if n > 0 && users > 0 {
			p.stats.rxBytes.Add(uint64(n))
			p.s.markActive()
			p.ingestMu.Lock()
			p.ingest(buf[:n])
			p.ingestMu.Unlock()
		}
	case pkg.TransferStatusCancelled:
		return
	case pkg.TransferStatusNoDevice:
		p.fail(err)
		return
	case pkg.TransferStatusOverrun:
		p.stats.rxOverrun.Add(1)
		pkg.LogWarn(pkg.ComponentChannel, "receive overrun", "channel", p.kind)
	case pkg.TransferStatusCRC:
		p.stats.rxCRC.Add(1)
		pkg.LogWarn(pkg.ComponentChannel, "receive crc error", "channel", p.kind)
	default:
		p.stats.rxProtocol.Add(1)
		pkg.LogWarn(pkg.ComponentChannel, "receive failed", "channel", p.kind, "status", st, "err", err)
	}
	p.fill()
}

// store appends received bytes to the ring. A receive that does not fit
// is dropped whole.
func (p *pipe) store(data []byte) bool {
	if _, err := p.rb.Write(data); err != nil {
		p.stats.rxDropped.Add(1)
		pkg.LogWarn(pkg.ComponentChannel, "receive dropped",
			"channel", p.kind, "bytes", len(data), "vacant", p.rb.Vacant())
		return false
	}
	return true
}

func (p *pipe) fail(err error) {
	if !p.failed.CompareAndSwap(false, true) {
		return
	}
	// The handler closes endpoints, which waits for completions.
	go p.s.linkGone(p, err)
}

// transmit submits encoded records in order. While transmit is stopped by
// flow control the records are held instead, and [pkg.ErrWouldBlock] is
// returned only when they do not fit. Held records are counted on c, the
// writer's counters, as well as on the pipe.
func (p *pipe) transmit(c *counters, recs ...[]byte) error {
	p.txMu.Lock()
	defer p.txMu.Unlock()

	if p.stopped || len(p.txq) > 0 {
		if len(p.txq)+len(recs) > p.txLimit {
			return fmt.Errorf("%w: %s transmit queue full", pkg.ErrWouldBlock, p.kind)
		}
		p.txq = append(p.txq, recs...)
		p.stats.txQueued.Add(uint64(len(recs)))
		if c != &p.stats {
			c.txQueued.Add(uint64(len(recs)))
		}
		if !p.stopped {
			p.flushLocked()
		}
		return nil
	}

	for _, rec := range recs {
		if err := p.submitLocked(rec); err != nil {
			return err
		}
	}
	return nil
}

func (p *pipe) submitLocked(rec []byte) error {
	tr := p.s.transport()
	if tr == nil {
		return pkg.ErrNotConnected
	}
	if err := tr.SubmitTransmit(p.kind, rec, p.sent); err != nil {
		return fmt.Errorf("%s transmit: %w", p.kind, err)
	}
	p.s.markActive()
	return nil
}

func (p *pipe) sent(n int, err error) {
	switch {
	case err == nil:
		p.stats.txRecords.Add(1)
		p.stats.txBytes.Add(uint64(n))
	case errors.Is(err, pkg.ErrLinkGone):
		p.stats.txErrors.Add(1)
		p.fail(err)
	case errors.Is(err, pkg.ErrCancelled):
		p.stats.txErrors.Add(1)
		pkg.LogDebug(pkg.ComponentChannel, "transmit cancelled", "channel", p.kind)
	default:
		p.stats.txErrors.Add(1)
		pkg.LogWarn(pkg.ComponentChannel, "transmit failed", "channel", p.kind, "err", err)
	}
}

// setStopped applies a flow control request. Resuming flushes held records
// in the order they were written.
func (p *pipe) setStopped(stop bool) {
	p.txMu.Lock()
	defer p.txMu.Unlock()
	p.stopped = stop
	if !stop {
		p.flushLocked()
	}
}

func (p *pipe) flushLocked() {
	for len(p.txq) > 0 {
		if err := p.submitLocked(p.txq[0]); err != nil {
			pkg.LogWarn(pkg.ComponentChannel, "flush stalled", "channel", p.kind,
				"held", len(p.txq), "err", err)
			return
		}
		p.txq[0] = nil
		p.txq = p.txq[1:]
	}
}

func (p *pipe) isStopped() bool {
	p.txMu.Lock()
	defer p.txMu.Unlock()
	return p.stopped
}

func (p *pipe) writable() bool {
	p.txMu.Lock()
	defer p.txMu.Unlock()
	return !p.stopped || len(p.txq) < p.txLimit
}

func (p *pipe) held() int {
	p.txMu.Lock()
	defer p.txMu.Unlock()
	return len(p.txq)
}
