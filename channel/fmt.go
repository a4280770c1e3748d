package channel

import (
	"sync"

	"github.com/ardnew/smdlink/frame"
	"github.com/ardnew/smdlink/pkg"
)

// FMT control byte layout. A message larger than one frame is split into
// fragments sharing a message id; every fragment but the last sets
// FmtMore. Single-frame messages use id 0.
const (
	FmtMore   = 0x80
	FmtIDMask = 0x7F
)

// fmtEndpoint demultiplexes eagerly: frames are decoded and reassembled
// into messages as they arrive, and reads pop whole messages.
type fmtEndpoint struct {
	*endpoint
	dec *frame.Decoder
	msg records

	mu      sync.Mutex
	partial map[uint8][]byte
	nextID  uint8
}

func newFmt(e *endpoint) *fmtEndpoint {
	f := &fmtEndpoint{
		endpoint: e,
		dec:      e.s.decs[frame.KindFmt],
		msg:      records{limit: e.s.cfg.RecordQueueLen},
		partial:  make(map[uint8][]byte),
	}
	e.p.ingest = f.ingest
	e.recv = f.msg.pop
	e.encode = f.encodeMessage
	e.opened = e.s.ipcOpened
	e.closed = f.reset
	return f
}

func (f *fmtEndpoint) ingest(data []byte) {
	if !f.p.store(data) {
		return
	}
	delivered := false
	for {
		fr, ok := f.dec.TryDecodeOne(f.p.rb)
		if !ok {
			break
		}
		if f.assemble(fr) {
			delivered = true
		}
	}
	if delivered {
		f.rx.notify()
	}
}

// assemble adds one frame to its message and queues the message once the
// last fragment arrives.
func (f *fmtEndpoint) assemble(fr frame.Frame) bool {
	id := fr.Ctrl & FmtIDMask
	more := fr.Ctrl&FmtMore != 0

	f.mu.Lock()
	buf, pending := f.partial[id]
	switch {
	case more:
		buf = append(buf, fr.Payload...)
		if len(buf) > f.s.cfg.MaxMessageSize {
			delete(f.partial, id)
			f.mu.Unlock()
			f.stats.rxProtocol.Add(1)
			pkg.LogWarn(pkg.ComponentChannel, "fmt message too large, dropped",
				"id", id, "size", len(buf))
			return false
		}
		f.partial[id] = buf
		f.mu.Unlock()
		return false
	case pending:
		delete(f.partial, id)
		buf = append(buf, fr.Payload...)
	default:
		buf = fr.Payload
	}
	f.mu.Unlock()

	if !f.msg.push(frame.Frame{Ctrl: id, Payload: buf}) {
		f.stats.rxDropped.Add(1)
		pkg.LogWarn(pkg.ComponentChannel, "fmt message queue full, dropped", "size", len(buf))
		return false
	}
	return true
}

// encodeMessage splits b into fragments of at most FmtFragmentSize bytes.
func (f *fmtEndpoint) encodeMessage(b []byte) ([][]byte, error) {
	size := f.s.cfg.FmtFragmentSize
	if len(b) <= size {
		rec, err := frame.Encode(frame.KindFmt, frame.Frame{Payload: b})
		if err != nil {
			return nil, err
		}
		return [][]byte{rec}, nil
	}

	f.mu.Lock()
	f.nextID = f.nextID%FmtIDMask + 1
	id := f.nextID
	f.mu.Unlock()

	recs := make([][]byte, 0, (len(b)+size-1)/size)
	for off := 0; off < len(b); off += size {
		end := min(off+size, len(b))
		ctrl := id
		if end < len(b) {
			ctrl |= FmtMore
		}
		rec, err := frame.Encode(frame.KindFmt, frame.Frame{Ctrl: ctrl, Payload: b[off:end]})
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (f *fmtEndpoint) reset() {
	f.msg.reset()
	f.mu.Lock()
	f.partial = make(map[uint8][]byte)
	f.mu.Unlock()
}
