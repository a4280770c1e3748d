//go:build !profile

package prof

import (
	"fmt"
	"io"

	"github.com/ardnew/smdlink/pkg"
)

// ErrActive is returned by [Start] while a CPU profile is being written.
var ErrActive error

// Enabled reports whether profiling is compiled in.
func Enabled() bool { return false }

// Start is a no-op without the "profile" tag.
func Start(string) error { return nil }

// Stop is a no-op without the "profile" tag.
func Stop() {}

// Active always returns false without the "profile" tag.
func Active() bool { return false }

// Snapshot is a no-op without the "profile" tag.
func Snapshot(Profile, string) error { return nil }

// Dump fails without the "profile" tag, since its output is the point.
func Dump(p Profile, _ io.Writer) error {
	return fmt.Errorf("%w: %s profile needs a profile build", pkg.ErrNotSupported, p)
}
