package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/smdlink/frame"
	"github.com/ardnew/smdlink/pkg"
)

// Packet is one network-layer packet received on a PDP bearer.
type Packet struct {
	Iface   string // Interface name (pdp0, pdp1, pdp2)
	ID      uint8  // RAW sub-channel id
	Version uint8  // IP version from the first nibble, 0 if empty
	Data    []byte
}

// PacketHandler ingests received packets. It runs in completion context
// and must not block.
type PacketHandler func(Packet)

// NetInterface presents a PDP bearer as a network interface. Packets share
// the RAW pipe and obey the peer's transmit flow control.
type NetInterface struct {
	s     *Session
	id    uint8
	name  string
	stats counters

	mu      sync.Mutex
	up      bool
	handler PacketHandler
}

func newNetInterface(s *Session, index int) *NetInterface {
	return &NetInterface{
		s:    s,
		id:   IDPDP0 + uint8(index),
		name: fmt.Sprintf("pdp%d", index),
	}
}

// Name returns the interface name.
func (n *NetInterface) Name() string { return n.name }

// ID returns the RAW sub-channel id.
func (n *NetInterface) ID() uint8 { return n.id }

// SetHandler installs the packet ingestion callback.
func (n *NetInterface) SetHandler(h PacketHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
}

// IsUp reports whether the interface is up.
func (n *NetInterface) IsUp() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.up
}

// Up brings the interface up, starting RAW receives if needed.
func (n *NetInterface) Up(ctx context.Context) error {
	n.mu.Lock()
	if n.up {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	if !n.s.Connected() {
		return pkg.ErrNotConnected
	}
	if err := n.s.ensureActive(ctx); err != nil {
		return err
	}

	n.mu.Lock()
	if n.up {
		n.mu.Unlock()
		return nil
	}
	n.up = true
	n.mu.Unlock()

	n.s.pipes[frame.KindRaw].acquire()
	pkg.LogInfo(pkg.ComponentChannel, "interface up", "iface", n.name)
	return nil
}

// Down brings the interface down.
func (n *NetInterface) Down() {
	n.mu.Lock()
	if !n.up {
		n.mu.Unlock()
		return
	}
	n.up = false
	n.mu.Unlock()

	n.s.pipes[frame.KindRaw].release()
	pkg.LogInfo(pkg.ComponentChannel, "interface down", "iface", n.name)
}

// abandon marks the interface down after the pipe was reset.
func (n *NetInterface) abandon() {
	n.mu.Lock()
	n.up = false
	n.mu.Unlock()
}

// Stopped reports whether the peer has stopped transmit.
func (n *NetInterface) Stopped() bool {
	return n.s.pipes[frame.KindRaw].isStopped()
}

// SendPacket transmits one packet. While the peer has transmit stopped the
// packet is held and sent once it resumes; [pkg.ErrWouldBlock] means the
// hold queue is full.
func (n *NetInterface) SendPacket(ctx context.Context, data []byte) error {
	if !n.IsUp() {
		return fmt.Errorf("%w: %s is down", pkg.ErrClosed, n.name)
	}
	if len(data) > frame.MaxRawPayload {
		return fmt.Errorf("%w: %d byte packet", pkg.ErrBufferTooSmall, len(data))
	}
	if !n.s.Connected() {
		return pkg.ErrNotConnected
	}
	rec, err := frame.Encode(frame.KindRaw, frame.Frame{ID: n.id, Payload: data})
	if err != nil {
		return err
	}
	if err := n.s.ensureActive(ctx); err != nil {
		return err
	}
	if err := n.s.pipes[frame.KindRaw].transmit(&n.stats, rec); err != nil {
		n.stats.txErrors.Add(1)
		return err
	}
	n.stats.txRecords.Add(1)
	n.stats.txBytes.Add(uint64(len(data)))
	return nil
}

// receive runs in completion context.
func (n *NetInterface) receive(fr frame.Frame) {
	n.mu.Lock()
	up, h := n.up, n.handler
	n.mu.Unlock()

	if !up || h == nil || len(fr.Payload) == 0 {
		n.stats.rxDropped.Add(1)
		return
	}
	n.stats.rxRecords.Add(1)
	n.stats.rxBytes.Add(uint64(len(fr.Payload)))
	h(Packet{
		Iface:   n.name,
		ID:      n.id,
		Version: fr.Payload[0] >> 4,
		Data:    fr.Payload,
	})
}

// Stats returns a snapshot of the interface counters.
func (n *NetInterface) Stats() Stats {
	return n.stats.snapshot()
}
