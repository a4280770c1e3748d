package channel

import (
	"context"
	"fmt"

	"github.com/ardnew/smdlink/frame"
	"github.com/ardnew/smdlink/pkg"
)

// RAW sub-channel ids carried in the frame header.
const (
	IDCSD      uint8 = 1  // Circuit switched data
	IDPDP0     uint8 = 10 // Packet data bearer 0
	IDPDP1     uint8 = 11 // Packet data bearer 1
	IDPDP2     uint8 = 12 // Packet data bearer 2
	IDRouter   uint8 = 25 // Router (AT command relay)
	IDLoopback uint8 = 31 // Loopback test channel
)

// NumNets is the number of PDP network interfaces.
const NumNets = 3

// rawMux owns the RAW pipe. Frames are routed by id as they arrive, either
// to a sub-channel's record queue or to a network interface. The mux
// itself carries no records, so Read and Write on it are not supported.
type rawMux struct {
	*endpoint
	dec *frame.Decoder
}

func newRawMux(e *endpoint) *rawMux {
	r := &rawMux{endpoint: e, dec: e.s.decs[frame.KindRaw]}
	e.p.ingest = r.ingest
	return r
}

func (r *rawMux) ingest(data []byte) {
	if !r.p.store(data) {
		return
	}
	for {
		fr, ok := r.dec.TryDecodeOne(r.p.rb)
		if !ok {
			return
		}
		r.route(fr)
	}
}

func (r *rawMux) route(fr frame.Frame) {
	if sub := r.s.subs[fr.ID]; sub != nil {
		sub.deliver(fr)
		return
	}
	if n := r.s.netByID(fr.ID); n != nil {
		n.receive(fr)
		return
	}
	r.stats.rxProtocol.Add(1)
	pkg.LogWarn(pkg.ComponentChannel, "raw frame for unknown channel dropped",
		"id", fr.ID, "size", len(fr.Payload))
}

// subChannel is a RAW byte-stream channel (CSD, ROUTER, LB) sharing the
// RAW pipe.
type subChannel struct {
	*endpoint
	id       uint8
	q        records
	counters counters
	loopback bool
}

func newSubChannel(s *Session, id uint8, name string) *subChannel {
	sc := &subChannel{
		id:       id,
		q:        records{limit: s.cfg.RecordQueueLen},
		loopback: id == IDLoopback && s.cfg.Loopback,
	}
	sc.endpoint = &endpoint{
		s:     s,
		kind:  frame.KindRaw,
		name:  name,
		p:     s.pipes[frame.KindRaw],
		stats: &sc.counters,
	}
	sc.recv = sc.q.pop
	sc.encode = sc.encodeRaw
	sc.closed = sc.q.reset
	return sc
}

// ID returns the sub-channel id.
func (sc *subChannel) ID() uint8 { return sc.id }

func (sc *subChannel) encodeRaw(b []byte) ([][]byte, error) {
	rec, err := frame.Encode(frame.KindRaw, frame.Frame{ID: sc.id, Payload: b})
	if err != nil {
		return nil, err
	}
	return [][]byte{rec}, nil
}

// deliver runs in completion context.
func (sc *subChannel) deliver(fr frame.Frame) {
	if !sc.isOpen() {
		sc.counters.rxDropped.Add(1)
		pkg.LogDebug(pkg.ComponentChannel, "raw frame for closed channel dropped", "channel", sc.name)
		return
	}
	if sc.loopback {
		sc.echo(fr.Payload)
		return
	}
	if !sc.q.push(fr) {
		sc.counters.rxDropped.Add(1)
		pkg.LogWarn(pkg.ComponentChannel, "record queue full, dropped", "channel", sc.name)
		return
	}
	sc.rx.notify()
}

// echo returns a loopback payload to the modem. The link is active while
// frames are arriving, so no resume is needed.
func (sc *subChannel) echo(payload []byte) {
	sc.counters.rxRecords.Add(1)
	recs, err := sc.encodeRaw(payload)
	if err == nil {
		err = sc.p.transmit(&sc.counters, recs...)
	}
	if err != nil {
		sc.counters.txErrors.Add(1)
		pkg.LogWarn(pkg.ComponentChannel, "loopback echo failed", "err", err)
	}
}

func (sc *subChannel) Write(ctx context.Context, b []byte) (int, error) {
	if len(b) > frame.MaxRawPayload {
		return 0, fmt.Errorf("%w: %d byte raw payload", pkg.ErrBufferTooSmall, len(b))
	}
	n, err := sc.endpoint.Write(ctx, b)
	if err == nil {
		sc.counters.txRecords.Add(1)
		sc.counters.txBytes.Add(uint64(len(b)))
	}
	return n, err
}
