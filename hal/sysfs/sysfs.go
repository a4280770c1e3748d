//go:build linux

package sysfs

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"

	"github.com/ardnew/smdlink/hal"
	"github.com/ardnew/smdlink/pkg"
)

// DefaultRoot is the sysfs GPIO class directory.
const DefaultRoot = "/sys/class/gpio"

// Timing defaults.
const (
	defaultPollInterval  = 50 * time.Millisecond
	defaultExportTimeout = time.Second
)

// Pin maps a line to a kernel GPIO number.
type Pin struct {
	Number    int
	ActiveLow bool // Asserted is electrically low
}

// Config describes a sysfs bank.
type Config struct {
	Root          string           // GPIO class directory, DefaultRoot if empty
	Lines         map[hal.Line]Pin // Lines present on this board
	PollInterval  time.Duration    // Upper bound between samples of a watched line
	ExportTimeout time.Duration    // Wait for the kernel to create an exported pin
}

type line struct {
	pin   Pin
	dir   string
	value string
}

// Bank implements hal.GPIO on the sysfs GPIO interface.
//
// Watched lines are waited on with poll(2) for POLLPRI, which sysfs raises
// on a configured edge, and resampled at least every PollInterval.
type Bank struct {
	cfg   Config
	lines map[hal.Line]*line

	mu sync.Mutex
	t  tomb.Tomb
}

// New exports and configures every line in cfg. Output lines start
// deasserted; input lines report both edges.
func New(cfg Config) (*Bank, error) {
	if cfg.Root == "" {
		cfg.Root = DefaultRoot
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = defaultExportTimeout
	}

	b := &Bank{cfg: cfg, lines: make(map[hal.Line]*line, len(cfg.Lines))}
	for l, pin := range cfg.Lines {
		if l >= hal.NumLines || pin.Number < 0 {
			return nil, fmt.Errorf("%w: line %s on gpio %d", pkg.ErrInvalidParameter, l, pin.Number)
		}
		ln, err := b.setup(l, pin)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", l, err)
		}
		b.lines[l] = ln
	}

	// Keeps the tomb alive while no line is watched.
	b.t.Go(func() error {
		<-b.t.Dying()
		return nil
	})

	pkg.LogInfo(pkg.ComponentHAL, "sysfs gpio bank ready", "root", cfg.Root, "lines", len(b.lines))
	return b, nil
}

func (b *Bank) setup(l hal.Line, pin Pin) (*line, error) {
	dir := filepath.Join(b.cfg.Root, "gpio"+strconv.Itoa(pin.Number))
	if err := b.export(dir, pin.Number); err != nil {
		return nil, err
	}
	ln := &line{pin: pin, dir: dir, value: filepath.Join(dir, "value")}

	if l.Output() {
		// "low" and "high" set the direction and initial level at once.
		initial := "low"
		if pin.ActiveLow {
			initial = "high"
		}
		if err := writeAttr(dir, "direction", initial); err != nil {
			return nil, err
		}
		return ln, nil
	}

	if err := writeAttr(dir, "direction", "in"); err != nil {
		return nil, err
	}
	if err := writeAttr(dir, "edge", "both"); err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "gpio edge unsupported, sampling only",
			"line", l, "gpio", pin.Number, "err", err)
	}
	return ln, nil
}

// export makes gpioN appear under the root if it is not there yet.
func (b *Bank) export(dir string, n int) error {
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if err := writeAttr(b.cfg.Root, "export", strconv.Itoa(n)); err != nil {
		return err
	}
	deadline := time.Now().Add(b.cfg.ExportTimeout)
	for {
		if _, err := os.Stat(dir); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: gpio %d not exported", pkg.ErrTimeout, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// writeAttr writes an existing sysfs attribute. Attributes are never
// created.
func writeAttr(dir, name, value string) error {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (b *Bank) lookup(l hal.Line) (*line, error) {
	ln, ok := b.lines[l]
	if !ok {
		return nil, fmt.Errorf("%w: line %s not configured", pkg.ErrNotSupported, l)
	}
	return ln, nil
}

// Set drives an output line to a logical level.
func (b *Bank) Set(l hal.Line, level bool) error {
	if !l.Output() {
		return fmt.Errorf("%w: %s is an input", pkg.ErrInvalidParameter, l)
	}
	ln, err := b.lookup(l)
	if err != nil {
		return err
	}
	v := "0"
	if level != ln.pin.ActiveLow {
		v = "1"
	}
	if err := writeAttr(ln.dir, "value", v); err != nil {
		return fmt.Errorf("set %s: %w", l, err)
	}
	pkg.LogDebug(pkg.ComponentHAL, "gpio", "line", l, "level", level)
	return nil
}

// Get samples the logical level of a line.
func (b *Bank) Get(l hal.Line) (bool, error) {
	ln, err := b.lookup(l)
	if err != nil {
		return false, err
	}
	raw, err := os.ReadFile(ln.value)
	if err != nil {
		return false, fmt.Errorf("get %s: %w", l, err)
	}
	return ln.level(raw)
}

func (ln *line) level(raw []byte) (bool, error) {
	switch v := bytes.TrimSpace(raw); {
	case bytes.Equal(v, []byte("1")):
		return !ln.pin.ActiveLow, nil
	case bytes.Equal(v, []byte("0")):
		return ln.pin.ActiveLow, nil
	default:
		return false, fmt.Errorf("%w: gpio %d value %q", pkg.ErrProtocol, ln.pin.Number, v)
	}
}

// Watch calls fn from a bank goroutine whenever the line changes level.
func (b *Bank) Watch(l hal.Line, fn func(hal.Edge)) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil watcher", pkg.ErrInvalidParameter)
	}
	ln, err := b.lookup(l)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(ln.value, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", l, err)
	}
	last, err := ln.sample(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("watch %s: %w", l, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.t.Dying():
		unix.Close(fd)
		return nil, pkg.ErrClosed
	default:
	}

	stop := make(chan struct{})
	b.t.Go(func() error {
		defer unix.Close(fd)
		return b.watch(l, ln, fd, last, fn, stop)
	})

	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }, nil
}

func (ln *line) sample(fd int) (bool, error) {
	var buf [8]byte
	n, err := unix.Pread(fd, buf[:], 0)
	if err != nil {
		return false, err
	}
	return ln.level(buf[:n])
}

func (b *Bank) watch(l hal.Line, ln *line, fd int, last bool, fn func(hal.Edge), stop <-chan struct{}) error {
	timeout := int(b.cfg.PollInterval / time.Millisecond)
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLPRI | unix.POLLERR}}

	for {
		select {
		case <-stop:
			return nil
		case <-b.t.Dying():
			return nil
		default:
		}

		if _, err := unix.Poll(fds, timeout); err != nil && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("poll %s: %w", l, err)
		}
		level, err := ln.sample(fd)
		if err != nil {
			pkg.LogWarn(pkg.ComponentHAL, "gpio sample failed", "line", l, "err", err)
			continue
		}
		if level == last {
			continue
		}
		last = level
		fn(hal.Edge{Line: l, Level: level, Time: time.Now()})
	}
}

// Close stops every watcher. Output levels are left as they are.
func (b *Bank) Close() error {
	b.mu.Lock()
	b.t.Kill(nil)
	b.mu.Unlock()
	return b.t.Wait()
}

var _ hal.GPIO = (*Bank)(nil)
