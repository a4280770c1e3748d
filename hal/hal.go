package hal

import (
	"context"
	"fmt"
	"time"

	"github.com/ardnew/smdlink/frame"
	"github.com/ardnew/smdlink/pkg"
)

// Pipe identifies one bulk IN/OUT endpoint pair. Each channel kind owns one
// pipe; RAW sub-channels share the RAW pipe.
type Pipe = frame.Kind

// NumPipes is the number of pipes a Transport serves.
const NumPipes = frame.NumKinds

// Completion is invoked once per submission with the number of bytes
// transferred and the completion error. It may run on a transport goroutine
// and must not block.
type Completion func(n int, err error)

// Transport abstracts the physical modem link as asynchronous submissions.
//
// The link layer binds this to whatever carries the bytes (USB bulk URBs
// on hardware, named pipes in simulation). All methods must be safe for
// concurrent use.
type Transport interface {
	// Open attaches the transport. Submissions fail before Open.
	Open(ctx context.Context) error

	// Close detaches the transport, completing every outstanding submission
	// with [pkg.ErrLinkGone].
	Close() error

	// SubmitReceive queues buf to be filled from pipe. done is called with
	// the number of bytes received. Several receives may be outstanding per
	// pipe up to the transport's limit ([pkg.ErrNoResources] beyond it).
	SubmitReceive(pipe Pipe, buf []byte, done Completion) error

	// SubmitTransmit queues data to be written to pipe. Transmits on a pipe
	// complete in submission order.
	SubmitTransmit(pipe Pipe, data []byte, done Completion) error

	// CancelAll cancels every outstanding submission on pipe and blocks until
	// each has completed with [pkg.ErrCancelled].
	CancelAll(pipe Pipe) error

	// MarkActive resets the transport's idle (autosuspend) timer.
	MarkActive()
}

// Line names a GPIO signal between the application processor (AP) and the
// modem (CP). Levels are logical: true means asserted regardless of the
// electrical polarity.
type Line uint8

// GPIO lines.
const (
	LinePhoneOn        Line = iota // AP->CP modem power enable
	LineCPReset                    // AP->CP modem reset
	LineCPReqReset                 // AP->CP reset request
	LinePhoneActive                // CP->AP modem alive (cp_active)
	LinePDAActive                  // AP->CP AP alive
	LineSlaveWakeup                // AP->CP wake request
	LineHostWakeup                 // CP->AP wake request / acknowledgement
	LineSuspendRequest             // CP->AP peer asks the link to suspend
	LineActiveState                // AP->CP HSIC active (HSIC_ACT)
	LineHSICEnable                 // AP->CP HSIC enable (HSIC_EN)
	LineSIMDetect                  // CP->AP SIM presence
	LineCPDump                     // AP->CP crash dump request

	NumLines
)

var lineNames = [NumLines]string{
	"phone_on",
	"cp_reset",
	"cp_req_reset",
	"phone_active",
	"pda_active",
	"slave_wakeup",
	"host_wakeup",
	"suspend_request",
	"active_state",
	"hsic_enable",
	"sim_detect",
	"cp_dump",
}

// String returns the line name.
func (l Line) String() string {
	if l < NumLines {
		return lineNames[l]
	}
	return "unknown"
}

// Output reports whether the AP drives the line.
func (l Line) Output() bool {
	switch l {
	case LinePhoneActive, LineHostWakeup, LineSuspendRequest, LineSIMDetect:
		return false
	}
	return l < NumLines
}

// ParseLine returns the Line named s.
func ParseLine(s string) (Line, error) {
	for l := Line(0); l < NumLines; l++ {
		if lineNames[l] == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("%w: gpio line %q", pkg.ErrInvalidParameter, s)
}

// Edge reports a level change on a line.
type Edge struct {
	Line  Line
	Level bool
	Time  time.Time
}

// GPIO is a bank of named lines.
type GPIO interface {
	// Set drives an output line.
	Set(line Line, level bool) error

	// Get samples a line.
	Get(line Line) (bool, error)

	// Watch calls fn for every level change on line until stop is called.
	// fn may run on a bank goroutine and should return promptly.
	Watch(line Line, fn func(Edge)) (stop func(), err error)
}
