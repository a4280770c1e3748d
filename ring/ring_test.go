package ring

import (
	"bytes"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/ardnew/smdlink/pkg"
)

// =============================================================================
// Construction
// =============================================================================

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		wantErr  error
	}{
		{"zero", 0, pkg.ErrNoMemory},
		{"one", 1, pkg.ErrNoMemory},
		{"minimum", MinCapacity, nil},
		{"typical", 4096, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(tt.capacity)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("New(%d) error = %v, want %v", tt.capacity, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if b.Cap() != tt.capacity {
				t.Errorf("Cap() = %d, want %d", b.Cap(), tt.capacity)
			}
			if b.Vacant() != tt.capacity-1 {
				t.Errorf("Vacant() = %d, want %d", b.Vacant(), tt.capacity-1)
			}
			if b.Remained() != 0 {
				t.Errorf("Remained() = %d, want 0", b.Remained())
			}
		})
	}
}

// =============================================================================
// Write / Read
// =============================================================================

func TestBuffer_WriteRead(t *testing.T) {
	b, _ := New(8)

	n, err := b.Write([]byte("abc"))
	if err != nil || n != 3 {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	if b.Remained() != 3 || b.Vacant() != 4 {
		t.Fatalf("Remained() = %d, Vacant() = %d", b.Remained(), b.Vacant())
	}

	if got := b.Read(2); string(got) != "ab" {
		t.Errorf("Read(2) = %q, want %q", got, "ab")
	}
	if got := b.Read(10); string(got) != "c" {
		t.Errorf("Read(10) = %q, want %q", got, "c")
	}
	if got := b.Read(1); len(got) != 0 {
		t.Errorf("Read on empty = %q, want empty", got)
	}
}

func TestBuffer_ReadZeroConsumesAll(t *testing.T) {
	b, _ := New(16)
	b.Write([]byte("hello"))

	if got := b.Read(0); string(got) != "hello" {
		t.Errorf("Read(0) = %q, want %q", got, "hello")
	}
	if b.Remained() != 0 {
		t.Errorf("Remained() = %d after Read(0)", b.Remained())
	}
}

func TestBuffer_Wrap(t *testing.T) {
	b, _ := New(8)

	b.Write([]byte("123456"))
	b.Read(5)
	// head=6, tail=5: next write wraps
	if _, err := b.Write([]byte("abcdef")); err != nil {
		t.Fatalf("wrapping Write() error = %v", err)
	}
	if got := b.Read(0); string(got) != "6abcdef" {
		t.Errorf("Read(0) = %q, want %q", got, "6abcdef")
	}
}

func TestBuffer_Full(t *testing.T) {
	b, _ := New(4)

	if _, err := b.Write([]byte("xyz")); err != nil {
		t.Fatalf("Write() of capacity-1 bytes error = %v", err)
	}
	if b.Vacant() != 0 {
		t.Errorf("Vacant() = %d, want 0", b.Vacant())
	}
	if _, err := b.Write([]byte{1}); !errors.Is(err, pkg.ErrOverflow) {
		t.Errorf("Write() on full buffer error = %v, want ErrOverflow", err)
	}
}

func TestBuffer_OverflowIsAtomic(t *testing.T) {
	b, _ := New(8)
	b.Write([]byte("ab"))
	b.Read(1)

	beforeVacant, beforeRemained := b.Vacant(), b.Remained()

	n, err := b.Write(bytes.Repeat([]byte{'z'}, beforeVacant+1))
	if !errors.Is(err, pkg.ErrOverflow) || n != 0 {
		t.Fatalf("Write() = %d, %v; want 0, ErrOverflow", n, err)
	}
	if b.Vacant() != beforeVacant || b.Remained() != beforeRemained {
		t.Errorf("state changed on overflow: vacant %d->%d remained %d->%d",
			beforeVacant, b.Vacant(), beforeRemained, b.Remained())
	}
	if got := b.Read(0); string(got) != "b" {
		t.Errorf("Read(0) = %q, want %q", got, "b")
	}
}

// Property: bytes read back equal bytes written, in order, for any
// interleaving that keeps the outstanding count within capacity-1.
func TestBuffer_RoundTripProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for iter := 0; iter < 200; iter++ {
		capacity := 2 + rng.Intn(64)
		b, _ := New(capacity)

		var written, read []byte
		for step := 0; step < 100; step++ {
			if rng.Intn(2) == 0 {
				chunk := make([]byte, rng.Intn(capacity))
				rng.Read(chunk)
				_, err := b.Write(chunk)
				if len(chunk) <= capacity-1-(len(written)-len(read)) {
					if err != nil {
						t.Fatalf("cap %d: Write(%d) error = %v", capacity, len(chunk), err)
					}
					written = append(written, chunk...)
				} else if !errors.Is(err, pkg.ErrOverflow) {
					t.Fatalf("cap %d: Write(%d) error = %v, want ErrOverflow", capacity, len(chunk), err)
				}
			} else {
				read = append(read, b.Read(1+rng.Intn(capacity))...)
			}
		}
		read = append(read, b.Read(0)...)

		if !bytes.Equal(written, read) {
			t.Fatalf("cap %d: round trip mismatch\nwrote %x\nread  %x", capacity, written, read)
		}
	}
}

// =============================================================================
// Rewind / Peek / Discard / Flush
// =============================================================================

func TestBuffer_RewindIdempotence(t *testing.T) {
	for capacity := 4; capacity < 24; capacity++ {
		b, _ := New(capacity)
		// offset the cursors so rewinds cross the wrap boundary
		b.Write(bytes.Repeat([]byte{0}, capacity/2))
		b.Read(0)

		x := make([]byte, capacity-1)
		for i := range x {
			x[i] = byte('a' + i)
		}
		b.Write(x)

		for k := 0; k <= len(x); k++ {
			first := b.Read(k)
			b.Rewind(len(first))
			second := b.Read(k)
			if !bytes.Equal(first, second) {
				t.Fatalf("cap %d k %d: %q != %q", capacity, k, first, second)
			}
			b.Rewind(len(second))
		}
		if got := b.Read(0); !bytes.Equal(got, x) {
			t.Errorf("cap %d: remaining %q, want %q", capacity, got, x)
		}
	}
}

func TestBuffer_Peek(t *testing.T) {
	b, _ := New(8)
	b.Write([]byte("peek"))

	if got := b.Peek(2); string(got) != "pe" {
		t.Errorf("Peek(2) = %q", got)
	}
	if b.Remained() != 4 {
		t.Errorf("Peek consumed data: Remained() = %d", b.Remained())
	}
}

func TestBuffer_ReadByteDiscard(t *testing.T) {
	b, _ := New(8)
	b.Write([]byte("xyz"))

	c, ok := b.ReadByte()
	if !ok || c != 'x' {
		t.Errorf("ReadByte() = %q, %v", c, ok)
	}
	if n := b.Discard(10); n != 2 {
		t.Errorf("Discard(10) = %d, want 2", n)
	}
	if _, ok := b.ReadByte(); ok {
		t.Error("ReadByte() on empty buffer returned ok")
	}
}

func TestBuffer_Flush(t *testing.T) {
	b, _ := New(8)
	b.Write([]byte("data"))
	b.Flush()

	if b.Remained() != 0 || b.Vacant() != 7 {
		t.Errorf("after Flush: Remained() = %d, Vacant() = %d", b.Remained(), b.Vacant())
	}
}

// =============================================================================
// Concurrency
// =============================================================================

func TestBuffer_ProducerConsumer(t *testing.T) {
	b, _ := New(64)
	const total = 20000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; {
			if _, err := b.Write([]byte{byte(i)}); err == nil {
				i++
			}
		}
	}()

	got := make([]byte, 0, total)
	for len(got) < total {
		got = append(got, b.Read(16)...)
	}
	wg.Wait()

	for i, c := range got {
		if c != byte(i) {
			t.Fatalf("byte %d = %d, want %d", i, c, byte(i))
		}
	}
}
