package main

import (
	"io"

	"github.com/ardnew/smdlink/config"
	"github.com/ardnew/smdlink/hal"
	"github.com/ardnew/smdlink/hal/sysfs"
)

// openSysfs builds the sysfs bank described by cfg.
func openSysfs(cfg *config.Config) (hal.GPIO, io.Closer, error) {
	lines, err := cfg.Lines()
	if err != nil {
		return nil, nil, err
	}
	pins := make(map[hal.Line]sysfs.Pin, len(lines))
	for l, ln := range lines {
		pins[l] = sysfs.Pin{Number: ln.Pin, ActiveLow: ln.ActiveLow}
	}
	b, err := sysfs.New(sysfs.Config{
		Root:         cfg.GPIO.Root,
		Lines:        pins,
		PollInterval: cfg.GPIO.PollInterval.Std(),
	})
	if err != nil {
		return nil, nil, err
	}
	return b, b, nil
}
