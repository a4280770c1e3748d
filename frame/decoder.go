package frame

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/ardnew/smdlink/pkg"
	"github.com/ardnew/smdlink/ring"
)

// Stats counts decoder outcomes.
type Stats struct {
	Frames    uint64 // Complete frames decoded
	Partial   uint64 // Calls that found an incomplete frame
	Resyncs   uint64 // Resynchronization scans performed
	Dropped   uint64 // Bytes discarded while resynchronizing
	Oversized uint64 // Frames rejected for an implausible length
	BadTrail  uint64 // Frames rejected for a missing end sentinel
}

// Decoder extracts frames of one kind from a ring buffer.
//
// A Decoder is used by the single consumer of its ring buffer. Counters may
// be read concurrently through Stats.
type Decoder struct {
	kind Kind

	frames    atomic.Uint64
	partial   atomic.Uint64
	resyncs   atomic.Uint64
	dropped   atomic.Uint64
	oversized atomic.Uint64
	badTrail  atomic.Uint64
}

// NewDecoder returns a Decoder for a framed kind.
func NewDecoder(k Kind) *Decoder {
	return &Decoder{kind: k}
}

// Kind returns the decoder's channel kind.
func (d *Decoder) Kind() Kind {
	return d.kind
}

// Stats returns a snapshot of the decoder counters.
func (d *Decoder) Stats() Stats {
	return Stats{
		Frames:    d.frames.Load(),
		Partial:   d.partial.Load(),
		Resyncs:   d.resyncs.Load(),
		Dropped:   d.dropped.Load(),
		Oversized: d.oversized.Load(),
		BadTrail:  d.badTrail.Load(),
	}
}

// TryDecodeOne removes the next complete frame from rb.
//
// It returns false, leaving the tail where it started, when fewer bytes than
// the header are buffered or the header declares more bytes than are
// buffered. Bytes that cannot start a frame are discarded with
// DropMalformed, as are frames with an implausible length or a missing end
// sentinel, so corruption never stalls the stream.
func (d *Decoder) TryDecodeOne(rb *ring.Buffer) (Frame, bool) {
	if !d.kind.Framed() {
		return Frame{}, false
	}
	hsize := HeaderSize(d.kind)
	tsize := TrailerSize(d.kind)

	for {
		lead := rb.Peek(1)
		if len(lead) == 0 {
			return Frame{}, false
		}
		if lead[0] != StartFlag {
			d.DropMalformed(rb)
			continue
		}

		hdr := rb.Read(hsize)
		if len(hdr) < hsize {
			rb.Rewind(len(hdr))
			d.partial.Add(1)
			return Frame{}, false
		}

		var f Frame
		var field int
		switch d.kind {
		case KindFmt:
			field = int(binary.LittleEndian.Uint16(hdr[1:3]))
			f.Ctrl = hdr[3]
		case KindRaw:
			field = int(binary.LittleEndian.Uint32(hdr[1:5]))
			f.ID = hdr[5]
			f.Ctrl = hdr[6]
		case KindRfs:
			field = int(binary.LittleEndian.Uint32(hdr[1:5]))
			f.Cmd = hdr[5]
			f.ID = hdr[6]
		}

		n := payloadLen(d.kind, field)
		if !d.plausible(field, n, rb.Cap()) {
			d.oversized.Add(1)
			pkg.LogWarn(pkg.ComponentFrame, "implausible frame length",
				"kind", d.kind, "len", field)
			d.skipStart(rb, len(hdr))
			continue
		}

		if rb.Remained() < n+tsize {
			rb.Rewind(len(hdr))
			d.partial.Add(1)
			return Frame{}, false
		}

		body := rb.Read(n + tsize)
		if !trailerOK(body[n:]) {
			d.badTrail.Add(1)
			pkg.LogWarn(pkg.ComponentFrame, "missing end sentinel",
				"kind", d.kind, "len", field)
			d.skipStart(rb, len(hdr)+len(body))
			continue
		}

		f.Payload = body[:n:n]
		d.frames.Add(1)
		return f, true
	}
}

// plausible rejects lengths that are negative, above the kind's cap, or that
// could never fit in the ring buffer.
func (d *Decoder) plausible(field, n, capacity int) bool {
	if n < 0 || n > MaxPayload(d.kind) {
		return false
	}
	if d.kind == KindRaw && field > MaxRawLength {
		return false
	}
	return EncodedLen(d.kind, n) <= capacity-1
}

// skipStart puts back the consumed bytes, drops the start flag that
// introduced the bad frame, and resynchronizes from the byte after it.
func (d *Decoder) skipStart(rb *ring.Buffer, consumed int) {
	rb.Rewind(consumed)
	rb.Discard(1)
	d.dropped.Add(1)
	d.DropMalformed(rb)
}

// DropMalformed resynchronizes rb after corruption: it discards bytes up to
// and including the next end sentinel, or up to (not including) the next
// start sentinel, whichever comes first. Returns the number of bytes
// discarded.
func (d *Decoder) DropMalformed(rb *ring.Buffer) int {
	d.resyncs.Add(1)
	dropped := 0
	for {
		c, ok := rb.ReadByte()
		if !ok {
			break
		}
		if c == StartFlag {
			rb.Rewind(1)
			break
		}
		dropped++
		if c == EndFlag {
			break
		}
	}
	d.dropped.Add(uint64(dropped))
	if dropped > 0 {
		pkg.LogDebug(pkg.ComponentFrame, "resynchronized", "kind", d.kind, "dropped", dropped)
	}
	return dropped
}

func trailerOK(trail []byte) bool {
	for _, c := range trail {
		if c != EndFlag {
			return false
		}
	}
	return true
}
