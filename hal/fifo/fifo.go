//go:build unix

package fifo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/juju/ratelimit"
	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"

	"github.com/ardnew/smdlink/frame"
	"github.com/ardnew/smdlink/hal"
	"github.com/ardnew/smdlink/pkg"
)

// Role selects which end of the link a Transport plays.
type Role int

// Link ends.
const (
	RoleAP Role = iota // Application processor (host)
	RoleCP             // Modem (peer)
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleCP {
		return "cp"
	}
	return "ap"
}

// FIFO name suffixes, by direction.
const (
	suffixAPToCP = ".ap2cp"
	suffixCPToAP = ".cp2ap"
)

// Buffer sizes.
const (
	readChunk = 4096 // Bytes read from a FIFO at once
)

// Writer open retry bounds.
const (
	openRetryMin = 5 * time.Millisecond
	openRetryMax = 500 * time.Millisecond
)

// Config describes a FIFO transport.
type Config struct {
	Dir         string            // Bus directory holding the FIFOs
	Role        Role              // Which end this transport plays
	MaxReceives [hal.NumPipes]int // Outstanding receives allowed per pipe
	Bandwidth   int64             // Bytes per second per pipe, 0 for unlimited
}

// DefaultConfig returns an AP-side configuration for dir.
func DefaultConfig(dir string) Config {
	cfg := Config{Dir: dir, Role: RoleAP}
	for i := range cfg.MaxReceives {
		cfg.MaxReceives[i] = 1
	}
	cfg.MaxReceives[frame.KindRaw] = 4
	return cfg
}

type rxReq struct {
	buf  []byte
	done hal.Completion
}

type txReq struct {
	data []byte
	done hal.Completion
}

// pipe is one direction pair of FIFOs.
type pipe struct {
	kind  hal.Pipe
	maxRx int

	r   *os.File
	w   *os.File
	out io.Writer

	// cycle is held while a receive completes, so CancelAll returns only
	// after every completion it could race with has run.
	cycle sync.Mutex

	mu     sync.Mutex
	closed bool
	rx     []rxReq
	tx     []txReq

	rxReady chan struct{}
	txReady chan struct{}
}

func poke(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Transport implements hal.Transport over named pipes. Two transports with
// opposite roles on one directory form a link.
type Transport struct {
	cfg Config

	mu    sync.Mutex
	t     *tomb.Tomb
	pipes [hal.NumPipes]*pipe

	lastActive atomic.Int64
}

// New returns a closed Transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: empty bus directory", pkg.ErrInvalidParameter)
	}
	for i, n := range cfg.MaxReceives {
		if n < 1 {
			return nil, fmt.Errorf("%w: %s max receives %d",
				pkg.ErrInvalidParameter, hal.Pipe(i), n)
		}
	}
	if cfg.Bandwidth < 0 {
		return nil, fmt.Errorf("%w: bandwidth %d", pkg.ErrInvalidParameter, cfg.Bandwidth)
	}
	return &Transport{cfg: cfg}, nil
}

// Path returns the FIFO paths of pipe as (read side, write side) for this
// transport's role.
func (f *Transport) Path(p hal.Pipe) (string, string) {
	base := filepath.Join(f.cfg.Dir, p.String())
	if f.cfg.Role == RoleCP {
		return base + suffixAPToCP, base + suffixCPToAP
	}
	return base + suffixCPToAP, base + suffixAPToCP
}

// Open creates the FIFOs if needed and opens every pipe. It blocks until
// the peer has opened its side or ctx is done.
func (f *Transport) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.t != nil {
		return pkg.ErrAlreadyRunning
	}
	if err := os.MkdirAll(f.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("bus directory: %w", err)
	}

	var pipes [hal.NumPipes]*pipe
	closeAll := func() {
		for _, p := range pipes {
			if p != nil {
				p.closeFiles()
			}
		}
	}

	for i := range pipes {
		p, err := f.openPipe(ctx, hal.Pipe(i))
		if err != nil {
			closeAll()
			return err
		}
		pipes[i] = p
	}

	t := &tomb.Tomb{}
	for _, p := range pipes {
		p := p
		t.Go(func() error { return f.readLoop(t, p) })
		t.Go(func() error { return f.writeLoop(t, p) })
	}
	t.Go(func() error {
		<-t.Dying()
		for _, p := range pipes {
			p.shutdown(pkg.ErrLinkGone)
		}
		if err := t.Err(); err != nil {
			pkg.LogWarn(pkg.ComponentHAL, "fifo link lost", "dir", f.cfg.Dir, "err", err)
		}
		return nil
	})

	f.t = t
	f.pipes = pipes
	f.MarkActive()
	pkg.LogInfo(pkg.ComponentHAL, "fifo transport open", "dir", f.cfg.Dir, "role", f.cfg.Role)
	return nil
}

func (f *Transport) openPipe(ctx context.Context, kind hal.Pipe) (*pipe, error) {
	rpath, wpath := f.Path(kind)
	for _, path := range []string{rpath, wpath} {
		if err := unix.Mkfifo(path, 0o600); err != nil && !errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("mkfifo %s: %w", path, err)
		}
	}

	// O_RDWR keeps the read side open without a writer, so the peer's
	// writer can attach at any time.
	r, err := os.OpenFile(rpath, os.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", rpath, err)
	}
	w, err := openWriter(ctx, wpath)
	if err != nil {
		r.Close()
		return nil, err
	}

	p := &pipe{
		kind:    kind,
		maxRx:   f.cfg.MaxReceives[kind],
		r:       r,
		w:       w,
		out:     w,
		rxReady: make(chan struct{}, 1),
		txReady: make(chan struct{}, 1),
	}
	if bw := f.cfg.Bandwidth; bw > 0 {
		p.out = ratelimit.Writer(w, ratelimit.NewBucketWithRate(float64(bw), bw))
	}
	return p, nil
}

// openWriter opens path for writing, retrying while no reader has it open.
func openWriter(ctx context.Context, path string) (*os.File, error) {
	b := &backoff.Backoff{
		Min:    openRetryMin,
		Max:    openRetryMax,
		Factor: 2,
		Jitter: false,
	}
	for {
		w, err := os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			return w, nil
		}
		if !errors.Is(err, unix.ENXIO) {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}

		d := b.Duration()
		pkg.LogDebug(pkg.ComponentHAL, "waiting for fifo peer", "path", path, "retry", d)
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: no peer on %s", pkg.ErrTimeout, path)
		case <-timer.C:
		}
	}
}

// Close stops every loop and completes outstanding submissions with
// [pkg.ErrLinkGone].
func (f *Transport) Close() error {
	f.mu.Lock()
	t := f.t
	f.t = nil
	f.mu.Unlock()

	if t == nil {
		return nil
	}
	t.Kill(nil)
	err := t.Wait()
	pkg.LogInfo(pkg.ComponentHAL, "fifo transport closed", "dir", f.cfg.Dir)
	if errors.Is(err, pkg.ErrLinkGone) {
		return nil
	}
	return err
}

func (f *Transport) lookup(p hal.Pipe) (*pipe, error) {
	if p >= hal.NumPipes {
		return nil, fmt.Errorf("%w: pipe %d", pkg.ErrInvalidParameter, p)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.t == nil {
		return nil, pkg.ErrLinkGone
	}
	return f.pipes[p], nil
}

// SubmitReceive queues buf for the next bytes arriving on p.
func (f *Transport) SubmitReceive(p hal.Pipe, buf []byte, done hal.Completion) error {
	if len(buf) == 0 || done == nil {
		return fmt.Errorf("%w: empty receive", pkg.ErrInvalidParameter)
	}
	fp, err := f.lookup(p)
	if err != nil {
		return err
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if fp.closed {
		return pkg.ErrLinkGone
	}
	if len(fp.rx) >= fp.maxRx {
		return fmt.Errorf("%w: %s has %d receives outstanding", pkg.ErrNoResources, p, len(fp.rx))
	}
	fp.rx = append(fp.rx, rxReq{buf: buf, done: done})
	poke(fp.rxReady)
	return nil
}

// SubmitTransmit queues data to be written to p.
func (f *Transport) SubmitTransmit(p hal.Pipe, data []byte, done hal.Completion) error {
	if done == nil {
		return fmt.Errorf("%w: nil completion", pkg.ErrInvalidParameter)
	}
	fp, err := f.lookup(p)
	if err != nil {
		return err
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if fp.closed {
		return pkg.ErrLinkGone
	}
	fp.tx = append(fp.tx, txReq{data: data, done: done})
	poke(fp.txReady)
	return nil
}

// CancelAll completes every queued receive and transmit on p with
// [pkg.ErrCancelled]. A transmit already being written completes normally.
func (f *Transport) CancelAll(p hal.Pipe) error {
	fp, err := f.lookup(p)
	if err != nil {
		if errors.Is(err, pkg.ErrLinkGone) {
			return nil
		}
		return err
	}

	fp.cycle.Lock()
	defer fp.cycle.Unlock()

	fp.mu.Lock()
	rx, tx := fp.rx, fp.tx
	fp.rx, fp.tx = nil, nil
	fp.mu.Unlock()

	for _, r := range rx {
		r.done(0, pkg.ErrCancelled)
	}
	for _, t := range tx {
		t.done(0, pkg.ErrCancelled)
	}
	if len(rx)+len(tx) > 0 {
		pkg.LogDebug(pkg.ComponentHAL, "fifo cancelled", "pipe", p, "rx", len(rx), "tx", len(tx))
	}
	return nil
}

// MarkActive records link activity.
func (f *Transport) MarkActive() {
	f.lastActive.Store(time.Now().UnixNano())
}

// Idle returns how long the link has been without activity.
func (f *Transport) Idle() time.Duration {
	return time.Since(time.Unix(0, f.lastActive.Load()))
}

func (f *Transport) readLoop(t *tomb.Tomb, p *pipe) error {
	buf := make([]byte, readChunk)
	for {
		n, err := p.r.Read(buf)
		if err != nil {
			select {
			case <-t.Dying():
				return nil
			default:
			}
			return fmt.Errorf("%w: %s read: %v", pkg.ErrLinkGone, p.kind, err)
		}
		if n > 0 {
			f.MarkActive()
		}
		if !p.deliver(t.Dying(), buf[:n]) {
			return nil
		}
	}
}

// deliver hands data to outstanding receives in submission order, waiting
// for submissions as needed. It reports false once the pipe is shutting
// down.
func (p *pipe) deliver(dying <-chan struct{}, data []byte) bool {
	for len(data) > 0 {
		p.cycle.Lock()
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.cycle.Unlock()
			return false
		}
		if len(p.rx) == 0 {
			p.mu.Unlock()
			p.cycle.Unlock()
			select {
			case <-p.rxReady:
				continue
			case <-dying:
				return false
			}
		}
		req := p.rx[0]
		p.rx = p.rx[1:]
		p.mu.Unlock()

		n := copy(req.buf, data)
		data = data[n:]
		req.done(n, nil)
		p.cycle.Unlock()
	}
	return true
}

func (f *Transport) writeLoop(t *tomb.Tomb, p *pipe) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil
		}
		if len(p.tx) == 0 {
			p.mu.Unlock()
			select {
			case <-p.txReady:
				continue
			case <-t.Dying():
				return nil
			}
		}
		req := p.tx[0]
		p.tx = p.tx[1:]
		p.mu.Unlock()

		n, err := p.out.Write(req.data)
		if err != nil {
			if errors.Is(err, unix.EPIPE) || errors.Is(err, os.ErrClosed) {
				req.done(n, pkg.ErrLinkGone)
				return fmt.Errorf("%w: %s write: %v", pkg.ErrLinkGone, p.kind, err)
			}
			req.done(n, err)
			continue
		}
		f.MarkActive()
		req.done(n, nil)
	}
}

// shutdown closes the files and completes everything still queued with err.
func (p *pipe) shutdown(err error) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	// Closing unblocks a pending read before taking cycle.
	p.closeFiles()

	p.cycle.Lock()
	defer p.cycle.Unlock()

	p.mu.Lock()
	rx, tx := p.rx, p.tx
	p.rx, p.tx = nil, nil
	p.mu.Unlock()

	for _, r := range rx {
		r.done(0, err)
	}
	for _, t := range tx {
		t.done(0, err)
	}
}

func (p *pipe) closeFiles() {
	if p.r != nil {
		p.r.Close()
	}
	if p.w != nil {
		p.w.Close()
	}
}

var _ hal.Transport = (*Transport)(nil)
