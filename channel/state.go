package channel

import (
	"sync"
	"sync/atomic"

	"github.com/ardnew/smdlink/frame"
)

// State is an endpoint's lifecycle state.
type State int32

// Endpoint states.
const (
	Closed    State = iota // Not open
	Opening                // Waiting for the link to become active
	Open                   // Receives outstanding, writes accepted
	Suspended              // Open, but the link is suspended
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Suspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Mask reports endpoint readiness.
type Mask uint8

// Poll bits.
const (
	PollIn  Mask = 1 << iota // A complete record is buffered
	PollOut                  // Write would not block
	PollErr                  // Endpoint is closed
	PollHup                  // No transport attached
)

// String returns the set bits as a list of names.
func (m Mask) String() string {
	if m == 0 {
		return "none"
	}
	s := ""
	for i, name := range []string{"in", "out", "err", "hup"} {
		if m&(1<<i) != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	return s
}

// Stats is a snapshot of endpoint counters.
type Stats struct {
	RxRecords  uint64 // Records delivered to the reader
	RxBytes    uint64 // Bytes received from the transport
	RxDropped  uint64 // Receives or records dropped for lack of space
	RxOverrun  uint64 // Receive completions reporting overrun
	RxCRC      uint64 // Receive completions reporting a CRC error
	RxProtocol uint64 // Protocol or timeout failures, unroutable frames
	TxRecords  uint64 // Records the transport confirmed
	TxBytes    uint64 // Bytes the transport confirmed
	TxQueued   uint64 // Records held while transmit was stopped
	TxErrors   uint64 // Transmit completions that failed

	Decode frame.Stats // Codec counters of the underlying pipe
}

type counters struct {
	rxRecords  atomic.Uint64
	rxBytes    atomic.Uint64
	rxDropped  atomic.Uint64
	rxOverrun  atomic.Uint64
	rxCRC      atomic.Uint64
	rxProtocol atomic.Uint64
	txRecords  atomic.Uint64
	txBytes    atomic.Uint64
	txQueued   atomic.Uint64
	txErrors   atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		RxRecords:  c.rxRecords.Load(),
		RxBytes:    c.rxBytes.Load(),
		RxDropped:  c.rxDropped.Load(),
		RxOverrun:  c.rxOverrun.Load(),
		RxCRC:      c.rxCRC.Load(),
		RxProtocol: c.rxProtocol.Load(),
		TxRecords:  c.txRecords.Load(),
		TxBytes:    c.txBytes.Load(),
		TxQueued:   c.txQueued.Load(),
		TxErrors:   c.txErrors.Load(),
	}
}

// notifier wakes every goroutine blocked in wait when notify is called.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch == nil {
		n.ch = make(chan struct{})
	}
	return n.ch
}

func (n *notifier) notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch != nil {
		close(n.ch)
		n.ch = nil
	}
}

// records is a bounded FIFO of demultiplexed frames.
type records struct {
	mu    sync.Mutex
	q     []frame.Frame
	limit int
}

func (r *records) push(f frame.Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.q) >= r.limit {
		return false
	}
	r.q = append(r.q, f)
	return true
}

func (r *records) pop() (frame.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.q) == 0 {
		return frame.Frame{}, false
	}
	f := r.q[0]
	r.q[0] = frame.Frame{}
	r.q = r.q[1:]
	return f, true
}

func (r *records) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.q)
}

func (r *records) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.q = nil
}
