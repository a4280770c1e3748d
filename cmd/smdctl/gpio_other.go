//go:build unix && !linux

package main

import (
	"fmt"
	"io"

	"github.com/ardnew/smdlink/config"
	"github.com/ardnew/smdlink/hal"
	"github.com/ardnew/smdlink/pkg"
)

func openSysfs(*config.Config) (hal.GPIO, io.Closer, error) {
	return nil, nil, fmt.Errorf("%w: sysfs gpio needs linux", pkg.ErrNotSupported)
}
