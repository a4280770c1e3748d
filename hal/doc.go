// Package hal defines the hardware boundary of the modem link layer.
//
// Two collaborators are injected into the link layer:
//
//   - [Transport]: asynchronous receive/transmit submissions per pipe,
//     synchronous cancellation, and an idle-timer hint. On hardware this
//     is the HSIC bulk endpoint driver.
//   - [GPIO]: the out-of-band lines used for power sequencing and the
//     host/slave wake handshake.
//
// The link layer implements all framing, buffering and power logic, leaving
// implementations to move bytes and levels only.
//
// # Implementations
//
//   - [github.com/ardnew/smdlink/hal/fifo]: Transport over named pipes,
//     usable as either end of a simulated link
//   - [github.com/ardnew/smdlink/hal/memgpio]: in-memory GPIO bank
//   - [github.com/ardnew/smdlink/hal/sysfs]: Linux sysfs GPIO bank
//
// # Example
//
//	type MyTransport struct {
//	    // Platform-specific fields
//	}
//
//	func (t *MyTransport) SubmitReceive(pipe hal.Pipe, buf []byte, done hal.Completion) error {
//	    // Queue a bulk IN request; call done(n, err) when it completes
//	    return nil
//	}
//
//	// ... implement remaining Transport methods
package hal
