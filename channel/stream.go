package channel

import (
	"context"

	"github.com/ardnew/smdlink/frame"
	"github.com/ardnew/smdlink/pkg"
)

// Flow control opcodes carried on the CMD channel.
const (
	CmdStopTx   = 0xCA // Peer asks RAW transmit to stop
	CmdResumeTx = 0xCB // Peer allows RAW transmit again
)

// rfsEndpoint decodes lazily: received bytes stay in the ring until a
// reader asks for the next record.
type rfsEndpoint struct {
	*endpoint
	dec *frame.Decoder
}

func newRfs(e *endpoint) *rfsEndpoint {
	r := &rfsEndpoint{endpoint: e, dec: e.s.decs[frame.KindRfs]}
	e.p.ingest = func(data []byte) {
		if e.p.store(data) {
			e.rx.notify()
		}
	}
	e.recv = func() (frame.Frame, bool) {
		return r.dec.TryDecodeOne(e.p.rb)
	}
	e.encode = func(b []byte) ([][]byte, error) {
		return r.encodeRecord(frame.Frame{Payload: b})
	}
	return r
}

func (r *rfsEndpoint) encodeRecord(f frame.Frame) ([][]byte, error) {
	rec, err := frame.Encode(frame.KindRfs, f)
	if err != nil {
		return nil, err
	}
	return [][]byte{rec}, nil
}

// WriteRecord sends one RFS record with the caller's command and id.
func (r *rfsEndpoint) WriteRecord(ctx context.Context, f frame.Frame) (int, error) {
	recs, err := r.encodeRecord(f)
	if err != nil {
		return 0, err
	}
	if err := r.send(ctx, recs); err != nil {
		return 0, err
	}
	return len(f.Payload), nil
}

// cmdEndpoint consumes the flow control opcodes and delivers every other
// byte as a one-byte record.
type cmdEndpoint struct {
	*endpoint
}

func newCmd(e *endpoint) *cmdEndpoint {
	c := &cmdEndpoint{endpoint: e}
	e.p.ingest = c.ingest
	e.recv = func() (frame.Frame, bool) {
		b, ok := e.p.rb.ReadByte()
		if !ok {
			return frame.Frame{}, false
		}
		return frame.Frame{Payload: []byte{b}}, true
	}
	e.encode = func(b []byte) ([][]byte, error) {
		return [][]byte{append([]byte(nil), b...)}, nil
	}
	return c
}

func (c *cmdEndpoint) ingest(data []byte) {
	var rest []byte
	for _, b := range data {
		switch b {
		case CmdStopTx:
			c.s.setFlow(true)
		case CmdResumeTx:
			c.s.setFlow(false)
		default:
			rest = append(rest, b)
		}
	}
	if len(rest) == 0 {
		return
	}
	if !c.isOpen() {
		pkg.LogDebug(pkg.ComponentChannel, "cmd bytes without reader", "bytes", len(rest))
		return
	}
	if c.p.store(rest) {
		c.rx.notify()
	}
}

// newDown builds the boot image download endpoint: an unframed byte stream
// in both directions.
func newDown(e *endpoint) *endpoint {
	e.p.ingest = func(data []byte) {
		if e.p.store(data) {
			e.rx.notify()
		}
	}
	e.recv = func() (frame.Frame, bool) {
		if e.p.rb.Remained() == 0 {
			return frame.Frame{}, false
		}
		return frame.Frame{Payload: e.p.rb.Read(0)}, true
	}
	e.encode = func(b []byte) ([][]byte, error) {
		return [][]byte{append([]byte(nil), b...)}, nil
	}
	return e
}
