package ring

import (
	"sync"

	"github.com/ardnew/smdlink/pkg"
)

// MinCapacity is the smallest usable capacity: one slot is always kept
// empty, so a smaller buffer could never hold a byte.
const MinCapacity = 2

// Buffer is a fixed-capacity circular byte buffer.
//
// One slot is always left empty to tell a full buffer from an empty one, so
// a Buffer of capacity N holds at most N-1 bytes. Head is the write cursor
// and tail the read cursor; both are private to the Buffer.
//
// A single mutex guards head and tail. The mutex makes each call safe, but
// callers must still honor the single-producer / single-consumer protocol:
// Write from the receive completion path, Read/Rewind from the consumer.
type Buffer struct {
	mu   sync.Mutex
	data []byte
	head int
	tail int
}

// New allocates a Buffer with the given capacity in bytes.
// Returns [pkg.ErrNoMemory] when capacity is below [MinCapacity].
func New(capacity int) (*Buffer, error) {
	if capacity < MinCapacity {
		return nil, pkg.ErrNoMemory
	}
	return &Buffer{data: make([]byte, capacity)}, nil
}

// Cap returns the buffer capacity N.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Vacant returns the number of bytes that can be written: N - used - 1.
func (b *Buffer) Vacant() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.vacant()
}

// Remained returns the number of buffered bytes: N - vacant - 1.
func (b *Buffer) Remained() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remained()
}

func (b *Buffer) remained() int {
	n := len(b.data)
	return (b.head - b.tail + n) % n
}

func (b *Buffer) vacant() int {
	return len(b.data) - b.remained() - 1
}

// Write copies p into the buffer at head, wrapping at the capacity boundary.
// The write is all-or-nothing: if p does not fit, [pkg.ErrOverflow] is
// returned and the buffer is unchanged.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(p) > b.vacant() {
		return 0, pkg.ErrOverflow
	}

	n := copy(b.data[b.head:], p)
	if n < len(p) {
		copy(b.data, p[n:])
	}
	b.head = (b.head + len(p)) % len(b.data)
	return len(p), nil
}

// Read consumes up to max bytes from tail and returns them in a new slice.
// A max of 0 consumes everything buffered.
func (b *Buffer) Read(max int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.peek(max)
	b.tail = (b.tail + len(out)) % len(b.data)
	return out
}

// Peek copies up to max bytes from tail without consuming them.
// A max of 0 copies everything buffered.
func (b *Buffer) Peek(max int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peek(max)
}

func (b *Buffer) peek(max int) []byte {
	avail := b.remained()
	if max <= 0 || max > avail {
		max = avail
	}
	out := make([]byte, max)
	n := copy(out, b.data[b.tail:])
	if n < max {
		copy(out[n:], b.data)
	}
	return out
}

// ReadByte consumes a single byte.
// The boolean is false when the buffer is empty.
func (b *Buffer) ReadByte() (byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.head == b.tail {
		return 0, false
	}
	c := b.data[b.tail]
	b.tail = (b.tail + 1) % len(b.data)
	return c, true
}

// Discard consumes up to n bytes without copying and returns the count.
func (b *Buffer) Discard(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if avail := b.remained(); n > avail {
		n = avail
	}
	if n > 0 {
		b.tail = (b.tail + n) % len(b.data)
	}
	return n
}

// Rewind moves tail back by n bytes (mod capacity) so bytes consumed
// speculatively are read again. No bounds are enforced beyond the modular
// arithmetic: rewinding past the last consumed byte corrupts the buffer.
func (b *Buffer) Rewind(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := len(b.data)
	b.tail = ((b.tail-n)%size + size) % size
}

// Flush discards all buffered data.
func (b *Buffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.tail = 0
}
