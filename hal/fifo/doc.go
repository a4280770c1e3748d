// Package fifo provides a [hal.Transport] over named pipes (FIFOs).
//
// It is used for simulation and testing: the link layer runs against one
// Transport while a simulated modem runs against a second Transport with
// the opposite [Role] on the same bus directory.
//
// # Layout
//
// Each pipe kind owns two FIFOs in the bus directory, one per direction:
//
//	/tmp/smd-bus/
//	├── fmt.ap2cp    fmt.cp2ap
//	├── raw.ap2cp    raw.cp2ap
//	├── rfs.ap2cp    rfs.cp2ap
//	├── cmd.ap2cp    cmd.cp2ap
//	└── down.ap2cp   down.cp2ap
//
// The AP writes *.ap2cp and reads *.cp2ap; the CP does the opposite.
// FIFOs carry raw link bytes with no additional framing.
//
// # Submissions
//
// Receives are completed in submission order with whatever bytes arrive,
// up to the submitted buffer's length. Bytes that arrive while no receive
// is outstanding wait in the FIFO, the way a bulk IN endpoint NAKs until
// the host submits a transfer. Each pipe allows a bounded number of
// outstanding receives.
//
// Transmits are written in submission order by one goroutine per pipe.
// Bandwidth can be capped to emulate a slower link.
//
// Opening the write side of a FIFO fails until the peer has opened the
// read side, so [Transport.Open] retries with exponential backoff until
// the peer appears or the context ends.
package fifo
