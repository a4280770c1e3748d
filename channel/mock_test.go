package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ardnew/smdlink/hal"
	"github.com/ardnew/smdlink/hal/memgpio"
	"github.com/ardnew/smdlink/pkg"
	"github.com/ardnew/smdlink/pm"
)

// =============================================================================
// Mock transport
// =============================================================================

type rxReq struct {
	buf  []byte
	done hal.Completion
}

type mockTransport struct {
	openErr   error
	submitErr error
	txErr     error

	mu      sync.Mutex
	opened  bool
	rx      [hal.NumPipes][]rxReq
	tx      [hal.NumPipes][][]byte
	cancels [hal.NumPipes]int

	active atomic.Int32
}

func newMockTransport() *mockTransport {
	return &mockTransport{}
}

func (m *mockTransport) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	m.opened = false
	var pending []rxReq
	for i := range m.rx {
		pending = append(pending, m.rx[i]...)
		m.rx[i] = nil
	}
	m.mu.Unlock()

	for _, r := range pending {
		r.done(0, pkg.ErrLinkGone)
	}
	return nil
}

func (m *mockTransport) SubmitReceive(pipe hal.Pipe, buf []byte, done hal.Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return m.submitErr
	}
	if !m.opened {
		return pkg.ErrLinkGone
	}
	m.rx[pipe] = append(m.rx[pipe], rxReq{buf: buf, done: done})
	return nil
}

func (m *mockTransport) SubmitTransmit(pipe hal.Pipe, data []byte, done hal.Completion) error {
	m.mu.Lock()
	if !m.opened {
		m.mu.Unlock()
		return pkg.ErrLinkGone
	}
	m.tx[pipe] = append(m.tx[pipe], append([]byte(nil), data...))
	txErr := m.txErr
	m.mu.Unlock()

	if txErr != nil {
		done(0, txErr)
	} else {
		done(len(data), nil)
	}
	return nil
}

func (m *mockTransport) CancelAll(pipe hal.Pipe) error {
	m.mu.Lock()
	pending := m.rx[pipe]
	m.rx[pipe] = nil
	m.cancels[pipe]++
	m.mu.Unlock()

	for _, r := range pending {
		r.done(0, pkg.ErrCancelled)
	}
	return nil
}

func (m *mockTransport) MarkActive() {
	m.active.Add(1)
}

// deliver completes the oldest receive on pipe with data.
func (m *mockTransport) deliver(t *testing.T, pipe hal.Pipe, data []byte) {
	t.Helper()
	r, ok := m.pop(pipe)
	if !ok {
		t.Fatalf("no receive outstanding on %s", pipe)
	}
	n := copy(r.buf, data)
	if n < len(data) {
		t.Fatalf("receive buffer holds %d of %d bytes", n, len(data))
	}
	r.done(n, nil)
}

// fail completes the oldest receive on pipe with err.
func (m *mockTransport) fail(t *testing.T, pipe hal.Pipe, err error) {
	t.Helper()
	r, ok := m.pop(pipe)
	if !ok {
		t.Fatalf("no receive outstanding on %s", pipe)
	}
	r.done(0, err)
}

func (m *mockTransport) pop(pipe hal.Pipe) (rxReq, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.rx[pipe]) == 0 {
		return rxReq{}, false
	}
	r := m.rx[pipe][0]
	m.rx[pipe] = m.rx[pipe][1:]
	return r, true
}

func (m *mockTransport) pending(pipe hal.Pipe) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rx[pipe])
}

func (m *mockTransport) sent(pipe hal.Pipe) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.tx[pipe]...)
}

func (m *mockTransport) cancelled(pipe hal.Pipe) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancels[pipe]
}

var _ hal.Transport = (*mockTransport)(nil)

// =============================================================================
// Mock lifecycle
// =============================================================================

type mockLifecycle struct {
	mu         sync.Mutex
	recoveries []bool
	ipcOpens   int
	wakeLocked bool
}

func (l *mockLifecycle) RequestConnectionRecovery(force bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recoveries = append(l.recoveries, force)
}

func (l *mockLifecycle) IPCOpened() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ipcOpens++
}

func (l *mockLifecycle) WakeLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wakeLocked
}

func (l *mockLifecycle) Recoveries() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.recoveries...)
}

// =============================================================================
// Fixture
// =============================================================================

type fixture struct {
	s    *Session
	tr   *mockTransport
	bank *memgpio.Bank
	m    *pm.Machine
	lc   *mockLifecycle
}

func newFixture(t *testing.T, tweak func(*Config)) *fixture {
	t.Helper()

	bank := memgpio.New()
	m := pm.New(bank, pm.Config{ResumeTimeout: 100 * time.Millisecond, FailureThreshold: 5})
	if err := m.Start(); err != nil {
		t.Fatalf("pm Start: %v", err)
	}
	t.Cleanup(m.Stop)

	cfg := DefaultConfig()
	cfg.ResumeRetryDelay = time.Millisecond
	if tweak != nil {
		tweak(&cfg)
	}
	s, err := NewSession(m, cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	lc := &mockLifecycle{}
	s.SetLifecycle(lc)

	return &fixture{s: s, tr: newMockTransport(), bank: bank, m: m, lc: lc}
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	if err := f.s.Connect(context.Background(), f.tr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { f.s.Disconnect() })
}

// peer makes the simulated modem answer every wake pulse.
func (f *fixture) peer(t *testing.T) {
	t.Helper()
	stop, err := f.bank.Watch(hal.LineSlaveWakeup, func(e hal.Edge) {
		f.bank.Set(hal.LineHostWakeup, e.Level)
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	t.Cleanup(stop)
}

func (f *fixture) open(t *testing.T, ep Endpoint) {
	t.Helper()
	if err := ep.Open(context.Background()); err != nil {
		t.Fatalf("Open(%s): %v", ep.Name(), err)
	}
}

func (f *fixture) endpoint(t *testing.T, kind hal.Pipe) Endpoint {
	t.Helper()
	ep, err := f.s.Endpoint(kind)
	if err != nil {
		t.Fatalf("Endpoint(%s): %v", kind, err)
	}
	return ep
}

func (f *fixture) sub(t *testing.T, id uint8) Endpoint {
	t.Helper()
	ep, err := f.s.Sub(id)
	if err != nil {
		t.Fatalf("Sub(%d): %v", id, err)
	}
	return ep
}

// eventually polls cond for up to a second.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(time.Millisecond)
	}
}
