package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ardnew/smdlink/channel"
	"github.com/ardnew/smdlink/frame"
	"github.com/ardnew/smdlink/hal"
	"github.com/ardnew/smdlink/modem"
	"github.com/ardnew/smdlink/pkg"
	"github.com/ardnew/smdlink/pm"
)

// Duration is a time.Duration written as a string such as "500ms".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// GPIO backends.
const (
	BackendMemory = "memory"
	BackendSysfs  = "sysfs"
)

// Config is the daemon configuration file.
type Config struct {
	Buffers   Buffers   `yaml:"buffers"`
	Timing    Timing    `yaml:"timing"`
	Recovery  Recovery  `yaml:"recovery"`
	GPIO      GPIO      `yaml:"gpio"`
	Transport Transport `yaml:"transport"`
	Log       Log       `yaml:"log"`
	Debug     bool      `yaml:"debug"`
}

// Buffers sizes the link layer's queues. Per-channel maps are keyed by
// channel kind name.
type Buffers struct {
	Rings         map[string]int `yaml:"rings"`
	RxSubmissions map[string]int `yaml:"rx-submissions"`
	RxBuffer      int            `yaml:"rx-buffer"`
	RecordQueue   int            `yaml:"record-queue"`
	TxQueue       int            `yaml:"tx-queue"`
	FmtFragment   int            `yaml:"fmt-fragment"`
	MaxMessage    int            `yaml:"max-message"`
}

// Timing holds link and modem timings.
type Timing struct {
	ResumeTimeout    Duration `yaml:"resume-timeout"`
	ResumeRetryDelay Duration `yaml:"resume-retry-delay"`
	ResetHold        Duration `yaml:"reset-hold"`
	ResetSettle      Duration `yaml:"reset-settle"`
	PowerOnSettle    Duration `yaml:"power-on-settle"`
	ReqResetHold     Duration `yaml:"req-reset-hold"`
	WarmResetPulse   Duration `yaml:"warm-reset-pulse"`
	PMUResetPulse    Duration `yaml:"pmu-reset-pulse"`
	PowerCycleUnit   Duration `yaml:"power-cycle-unit"`
	DumpPulse        Duration `yaml:"dump-pulse"`
	Debounce         Duration `yaml:"debounce"`
	BootWakeLock     Duration `yaml:"boot-wake-lock"`
	EventRetry       Duration `yaml:"event-retry"`
	MonitorInterval  Duration `yaml:"monitor-interval"`
	IdleSuspend      Duration `yaml:"idle-suspend"` // Suspend an idle link after this long; 0 disables
}

// Recovery bounds the resume and recovery policy.
type Recovery struct {
	FailureThreshold int  `yaml:"failure-threshold"`
	ResumeRetries    int  `yaml:"resume-retries"`
	EventQueue       int  `yaml:"event-queue"`
	Loopback         bool `yaml:"loopback"`
}

// Line maps a GPIO line to a kernel GPIO number.
type Line struct {
	Pin       int  `yaml:"pin"`
	ActiveLow bool `yaml:"active-low"`
}

// GPIO selects and configures the GPIO bank.
type GPIO struct {
	Backend      string          `yaml:"backend"`
	Root         string          `yaml:"root"`
	PollInterval Duration        `yaml:"poll-interval"`
	Lines        map[string]Line `yaml:"lines"`
}

// Transport configures the named-pipe transport.
type Transport struct {
	Dir       string `yaml:"dir"`
	Bandwidth int64  `yaml:"bandwidth"`
}

// Log configures logging.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	ch := channel.DefaultConfig()
	pmc := pm.DefaultConfig()
	mc := modem.DefaultConfig()

	rings := make(map[string]int, frame.NumKinds)
	subs := make(map[string]int, frame.NumKinds)
	for k := frame.Kind(0); k < frame.NumKinds; k++ {
		rings[k.String()] = ch.RingSize[k]
		subs[k.String()] = ch.RxSubmissions[k]
	}

	return &Config{
		Buffers: Buffers{
			Rings:         rings,
			RxSubmissions: subs,
			RxBuffer:      ch.RxBufferSize,
			RecordQueue:   ch.RecordQueueLen,
			TxQueue:       ch.TxQueueLen,
			FmtFragment:   ch.FmtFragmentSize,
			MaxMessage:    ch.MaxMessageSize,
		},
		Timing: Timing{
			ResumeTimeout:    Duration(pmc.ResumeTimeout),
			ResumeRetryDelay: Duration(ch.ResumeRetryDelay),
			ResetHold:        Duration(mc.ResetHold),
			ResetSettle:      Duration(mc.ResetSettle),
			PowerOnSettle:    Duration(mc.PowerOnSettle),
			ReqResetHold:     Duration(mc.ReqResetHold),
			WarmResetPulse:   Duration(mc.WarmResetPulse),
			PMUResetPulse:    Duration(mc.PMUResetPulse),
			PowerCycleUnit:   Duration(mc.PowerCycleUnit),
			DumpPulse:        Duration(mc.DumpPulse),
			Debounce:         Duration(mc.Debounce),
			BootWakeLock:     Duration(mc.BootWakeLock),
			EventRetry:       Duration(mc.EventRetry),
			MonitorInterval:  Duration(mc.MonitorInterval),
		},
		Recovery: Recovery{
			FailureThreshold: pmc.FailureThreshold,
			ResumeRetries:    ch.ResumeRetries,
			EventQueue:       mc.EventQueue,
		},
		GPIO: GPIO{
			Backend:      BackendMemory,
			Root:         "/sys/class/gpio",
			PollInterval: Duration(50 * time.Millisecond),
		},
		Transport: Transport{
			Dir: "/run/smdlink",
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	pkg.LogDebug(pkg.ComponentConfig, "loaded", "path", path)
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Keys
// that are absent keep their default values; unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", pkg.ErrInvalidParameter, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks every section.
func (c *Config) Validate() error {
	if _, err := c.Channel(); err != nil {
		return err
	}
	if _, err := c.PM(); err != nil {
		return err
	}
	if _, err := c.Modem(); err != nil {
		return err
	}
	if _, err := c.Lines(); err != nil {
		return err
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch c.GPIO.Backend {
	case BackendMemory, BackendSysfs:
	default:
		return fmt.Errorf("%w: gpio backend %q", pkg.ErrInvalidParameter, c.GPIO.Backend)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log format %q", pkg.ErrInvalidParameter, c.Log.Format)
	}
	if c.Transport.Dir == "" {
		return fmt.Errorf("%w: transport dir is empty", pkg.ErrInvalidParameter)
	}
	if c.Timing.IdleSuspend < 0 {
		return fmt.Errorf("%w: idle suspend %v", pkg.ErrInvalidParameter, c.Timing.IdleSuspend.Std())
	}
	if c.Transport.Bandwidth < 0 {
		return fmt.Errorf("%w: transport bandwidth %d", pkg.ErrInvalidParameter, c.Transport.Bandwidth)
	}
	return nil
}

// perKind resolves a map keyed by channel kind name onto an array.
func perKind(m map[string]int, base [frame.NumKinds]int, what string) ([frame.NumKinds]int, error) {
	out := base
	for name, v := range m {
		k, err := frame.ParseKind(name)
		if err != nil {
			return out, fmt.Errorf("%s: %w", what, err)
		}
		out[k] = v
	}
	return out, nil
}

// Channel returns the session configuration.
func (c *Config) Channel() (channel.Config, error) {
	ch := channel.DefaultConfig()

	var err error
	if ch.RingSize, err = perKind(c.Buffers.Rings, ch.RingSize, "rings"); err != nil {
		return ch, err
	}
	if ch.RxSubmissions, err = perKind(c.Buffers.RxSubmissions, ch.RxSubmissions, "rx-submissions"); err != nil {
		return ch, err
	}
	ch.RxBufferSize = c.Buffers.RxBuffer
	ch.RecordQueueLen = c.Buffers.RecordQueue
	ch.TxQueueLen = c.Buffers.TxQueue
	ch.FmtFragmentSize = c.Buffers.FmtFragment
	ch.MaxMessageSize = c.Buffers.MaxMessage
	ch.ResumeRetries = c.Recovery.ResumeRetries
	ch.ResumeRetryDelay = c.Timing.ResumeRetryDelay.Std()
	ch.Loopback = c.Recovery.Loopback

	return ch, ch.Validate()
}

// PM returns the power state machine configuration.
func (c *Config) PM() (pm.Config, error) {
	cfg := pm.Config{
		ResumeTimeout:    c.Timing.ResumeTimeout.Std(),
		FailureThreshold: c.Recovery.FailureThreshold,
	}
	if cfg.ResumeTimeout <= 0 {
		return cfg, fmt.Errorf("%w: resume timeout %v", pkg.ErrInvalidParameter, cfg.ResumeTimeout)
	}
	if cfg.FailureThreshold < 0 {
		return cfg, fmt.Errorf("%w: failure threshold %d", pkg.ErrInvalidParameter, cfg.FailureThreshold)
	}
	return cfg, nil
}

// Modem returns the modem controller configuration.
func (c *Config) Modem() (modem.Config, error) {
	t := c.Timing
	cfg := modem.Config{
		ResetHold:       t.ResetHold.Std(),
		ResetSettle:     t.ResetSettle.Std(),
		PowerOnSettle:   t.PowerOnSettle.Std(),
		ReqResetHold:    t.ReqResetHold.Std(),
		WarmResetPulse:  t.WarmResetPulse.Std(),
		PMUResetPulse:   t.PMUResetPulse.Std(),
		PowerCycleUnit:  t.PowerCycleUnit.Std(),
		DumpPulse:       t.DumpPulse.Std(),
		Debounce:        t.Debounce.Std(),
		BootWakeLock:    t.BootWakeLock.Std(),
		EventRetry:      t.EventRetry.Std(),
		MonitorInterval: t.MonitorInterval.Std(),
		EventQueue:      c.Recovery.EventQueue,
		Debug:           c.Debug,
	}
	return cfg, cfg.Validate()
}

// Lines resolves the GPIO line map by line name.
func (c *Config) Lines() (map[hal.Line]Line, error) {
	out := make(map[hal.Line]Line, len(c.GPIO.Lines))
	for name, ln := range c.GPIO.Lines {
		l, err := hal.ParseLine(name)
		if err != nil {
			return nil, fmt.Errorf("gpio lines: %w", err)
		}
		if ln.Pin < 0 {
			return nil, fmt.Errorf("%w: gpio line %s pin %d", pkg.ErrInvalidParameter, name, ln.Pin)
		}
		out[l] = ln
	}
	if c.GPIO.Backend == BackendSysfs && len(out) == 0 {
		return nil, fmt.Errorf("%w: sysfs backend needs gpio lines", pkg.ErrInvalidParameter)
	}
	return out, nil
}

// LogLevel returns the configured log level.
func (c *Config) LogLevel() (slog.Level, error) {
	return pkg.ParseLogLevel(c.Log.Level)
}

// LogFormat returns the configured log format.
func (c *Config) LogFormat() pkg.LogFormat {
	if c.Log.Format == "json" {
		return pkg.LogFormatJSON
	}
	return pkg.LogFormatText
}
