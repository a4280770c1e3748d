//go:build unix

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/jessevdk/go-flags"

	"github.com/ardnew/smdlink/channel"
	"github.com/ardnew/smdlink/config"
	"github.com/ardnew/smdlink/hal"
	"github.com/ardnew/smdlink/hal/fifo"
	"github.com/ardnew/smdlink/hal/memgpio"
	"github.com/ardnew/smdlink/internal/cpsim"
	"github.com/ardnew/smdlink/modem"
	"github.com/ardnew/smdlink/pkg"
	"github.com/ardnew/smdlink/pkg/prof"
	"github.com/ardnew/smdlink/pm"
)

func init() {
	addCommand("serve", "Bring up the link and serve the control socket",
		"Serve powers the modem on, attaches the FIFO transport and runs until "+
			"SIGINT or SIGTERM. With --simulate a simulated modem runs on the CP "+
			"end of the transport in the same process.",
		func() flags.Commander { return &cmdServe{} })
}

// shutdownTimeout bounds the power-off sequence on exit.
const shutdownTimeout = 5 * time.Second

type cmdServe struct {
	Config      string `short:"c" long:"config" value-name:"FILE" description:"YAML configuration file"`
	BusDir      string `long:"bus-dir" value-name:"DIR" description:"Override the transport directory"`
	Socket      string `short:"s" long:"socket" value-name:"PATH" description:"Control socket"`
	Simulate    bool   `long:"simulate" description:"Run a simulated modem on the other end"`
	AutoRecover bool   `long:"auto-recover" description:"Reset the modem whenever it reports cp_reset or cp_exit"`
	HeapProfile string `long:"heap-profile" value-name:"FILE" description:"Write a heap profile on exit (profile builds only)"`
}

func (c *cmdServe) load() (*config.Config, error) {
	cfg := config.Default()
	if c.Config != "" {
		var err error
		if cfg, err = config.Load(c.Config); err != nil {
			return nil, err
		}
	}
	if c.BusDir != "" {
		cfg.Transport.Dir = c.BusDir
	}
	if c.Simulate && cfg.GPIO.Backend != config.BackendMemory {
		return nil, fmt.Errorf("%w: --simulate needs the memory gpio backend", pkg.ErrInvalidParameter)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lvl, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	pkg.SetLogLevel(lvl)
	pkg.SetLogOutput(Stderr, cfg.LogFormat())
	applyLogOptions()
	return cfg, nil
}

func (c *cmdServe) Execute([]string) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := newServer(cfg, c.Simulate)
	if err != nil {
		return err
	}
	srv.autoRecover = c.AutoRecover
	defer func() {
		srv.shutdown()
		if c.HeapProfile != "" {
			if err := prof.Snapshot(prof.ProfileHeap, c.HeapProfile); err != nil {
				pkg.LogWarn(component, "heap profile not written", "err", err)
			}
		}
	}()

	if err := srv.start(ctx); err != nil {
		return err
	}

	socket := c.Socket
	if socket == "" {
		socket = DefaultSocket
	}
	l, err := listen(socket)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	srv.control = serveControl(l, &dispatcher{
		modem:     srv.ctl,
		link:      srv.machine,
		power:     srv.session,
		endpoints: srv.session.Endpoints,
	})

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		pkg.LogDebug(component, "sd_notify failed", "err", err)
	}
	pkg.LogInfo(component, "link up", "dir", cfg.Transport.Dir, "socket", socket,
		"simulate", c.Simulate, "log-level", pkg.LogLevel())
	return srv.run(ctx)
}

// server owns every part of a running link.
type server struct {
	cfg         *config.Config
	gpio        hal.GPIO
	gpioCloser  io.Closer
	tr          *fifo.Transport
	machine     *pm.Machine
	ctl         *modem.Controller
	session     *channel.Session
	sim         *cpsim.Modem
	control     *controlServer
	autoRecover bool
}

func newServer(cfg *config.Config, simulate bool) (*server, error) {
	chCfg, err := cfg.Channel()
	if err != nil {
		return nil, err
	}
	pmCfg, err := cfg.PM()
	if err != nil {
		return nil, err
	}
	mCfg, err := cfg.Modem()
	if err != nil {
		return nil, err
	}

	srv := &server{cfg: cfg}
	switch cfg.GPIO.Backend {
	case config.BackendSysfs:
		if srv.gpio, srv.gpioCloser, err = openSysfs(cfg); err != nil {
			return nil, err
		}
	default:
		srv.gpio = memgpio.New()
	}

	if srv.tr, err = fifo.New(fifo.Config{
		Dir:         cfg.Transport.Dir,
		Role:        fifo.RoleAP,
		MaxReceives: chCfg.RxSubmissions,
		Bandwidth:   cfg.Transport.Bandwidth,
	}); err != nil {
		srv.shutdown()
		return nil, err
	}

	if simulate {
		cpCfg := fifo.DefaultConfig(cfg.Transport.Dir)
		cpCfg.Role = fifo.RoleCP
		cpCfg.Bandwidth = cfg.Transport.Bandwidth
		cpTr, err := fifo.New(cpCfg)
		if err == nil {
			srv.sim, err = cpsim.New(srv.gpio, cpTr, cpsim.DefaultConfig())
		}
		if err != nil {
			srv.shutdown()
			return nil, err
		}
	}

	srv.machine = pm.New(srv.gpio, pmCfg)
	if srv.ctl, err = modem.New(srv.gpio, mCfg); err != nil {
		srv.shutdown()
		return nil, err
	}
	if srv.session, err = channel.NewSession(srv.machine, chCfg); err != nil {
		srv.shutdown()
		return nil, err
	}
	srv.ctl.SetLink(srv.machine)
	srv.machine.SetRecoverer(srv.ctl)
	srv.session.SetLifecycle(srv.ctl)
	return srv, nil
}

// start attaches the transport and powers the modem on. The transport
// opens once the CP end appears.
func (s *server) start(ctx context.Context) error {
	if err := s.machine.Start(); err != nil {
		return err
	}
	if err := s.ctl.Start(); err != nil {
		return err
	}

	simErr := make(chan error, 1)
	if s.sim != nil {
		go func() { simErr <- s.sim.Start(ctx) }()
	}
	if err := s.session.Connect(ctx, s.tr); err != nil {
		return err
	}
	if s.sim != nil {
		if err := <-simErr; err != nil {
			return err
		}
	}

	if err := s.ctl.PowerOn(ctx); err != nil {
		return fmt.Errorf("power on: %w", err)
	}

	if s.cfg.Recovery.Loopback {
		lb, err := s.session.Sub(channel.IDLoopback)
		if err != nil {
			return err
		}
		if err := lb.Open(ctx); err != nil {
			return fmt.Errorf("loopback: %w", err)
		}
	}
	return nil
}

// run forwards modem events to the log until ctx ends, resetting the
// modem on request when auto recovery is on.
func (s *server) run(ctx context.Context) error {
	var idle <-chan time.Time
	if d := s.cfg.Timing.IdleSuspend.Std(); d > 0 {
		t := time.NewTicker(d / 4)
		defer t.Stop()
		idle = t.C
	}

	var watchdog <-chan time.Time
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		watchdog = t.C
		pkg.LogDebug(component, "systemd watchdog enabled", "interval", interval)
	}

	for {
		select {
		case <-ctx.Done():
			pkg.LogInfo(component, "shutting down")
			return nil

		case <-watchdog:
			daemon.SdNotify(false, daemon.SdNotifyWatchdog)

		case <-idle:
			s.autosuspend()

		case ev := <-s.ctl.Events():
			pkg.LogInfo(component, "modem event", "type", ev.Type, "modem", s.ctl.State(), "retries", s.ctl.Retries())
			if !s.autoRecover || (ev.Type != modem.EventCPReset && ev.Type != modem.EventCPExit) {
				continue
			}
			method, err := s.ctl.Reset(ctx)
			if err != nil && !errors.Is(err, pkg.ErrCancelled) {
				pkg.LogError(component, "modem reset failed", "method", method, "err", err)
				continue
			}
			pkg.LogInfo(component, "modem reset", "method", method, "retries", s.ctl.Retries())
		}
	}
}

// autosuspend suspends an active link that has carried no traffic for the
// configured idle time.
func (s *server) autosuspend() {
	limit := s.cfg.Timing.IdleSuspend.Std()
	if limit <= 0 || s.machine.State() != pm.Active {
		return
	}
	if idle := s.tr.Idle(); idle < limit {
		return
	}
	if err := s.machine.Suspend(pm.ReasonIdle); err != nil {
		pkg.LogDebug(component, "idle suspend skipped", "err", err)
	}
}

func (s *server) shutdown() {
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	if s.control != nil {
		s.control.Close()
	}
	if s.session != nil && s.session.Connected() {
		s.session.Disconnect()
	}
	if s.ctl != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.ctl.PowerOff(ctx); err != nil {
			pkg.LogWarn(component, "power off failed", "err", err)
		}
		cancel()
		s.ctl.Close()
	}
	if s.machine != nil {
		s.machine.Stop()
	}
	if s.sim != nil {
		s.sim.Close()
	}
	if s.gpioCloser != nil {
		s.gpioCloser.Close()
	}
}
