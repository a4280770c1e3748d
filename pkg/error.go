package pkg

import "errors"

// Link layer errors.
var (
	// ErrOverflow indicates a ring buffer had no room for a complete write.
	ErrOverflow = errors.New("ring buffer overflow")

	// ErrNotConnected indicates no transport is attached to the session.
	ErrNotConnected = errors.New("transport not connected")

	// ErrBusy indicates the resource is busy (e.g. channel already open).
	ErrBusy = errors.New("resource busy")

	// ErrWouldBlock indicates the operation cannot proceed without blocking,
	// such as a transmit queue stopped by peer flow control.
	ErrWouldBlock = errors.New("operation would block")

	// ErrTimeout indicates a bounded wait expired.
	ErrTimeout = errors.New("timeout")

	// ErrCancelled indicates a cancelled transport submission.
	ErrCancelled = errors.New("submission cancelled")

	// ErrLinkGone indicates the transport went away (device disconnected).
	ErrLinkGone = errors.New("link gone")

	// ErrProtocol indicates a protocol violation or transport protocol error.
	ErrProtocol = errors.New("protocol error")

	// ErrCRC indicates a transport-reported CRC / illegal byte sequence error.
	ErrCRC = errors.New("CRC error")

	// ErrOverrun indicates a transport-reported data overrun.
	ErrOverrun = errors.New("data overrun")

	// ErrNoMemory indicates a buffer could not be allocated.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrClosed indicates the channel is closed.
	ErrClosed = errors.New("channel closed")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrSystemSuspending indicates a resume attempt was preempted because
	// the whole system is entering suspend.
	ErrSystemSuspending = errors.New("system suspending")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrNoResources indicates insufficient resources (e.g. pending submission slots).
	ErrNoResources = errors.New("no resources available")

	// ErrAlreadyRunning indicates the component is already running.
	ErrAlreadyRunning = errors.New("already running")
)

// TransferStatus represents the completion status of a transport submission.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess   TransferStatus = iota // Submission completed successfully
	TransferStatusError                           // Submission failed with error
	TransferStatusTimeout                         // Submission timed out
	TransferStatusCancelled                       // Submission was cancelled
	TransferStatusOverrun                         // Data overrun
	TransferStatusCRC                             // CRC / illegal sequence
	TransferStatusProtocol                        // Protocol error
	TransferStatusNoDevice                        // Device went away
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusSuccess:
		return "success"
	case TransferStatusError:
		return "error"
	case TransferStatusTimeout:
		return "timeout"
	case TransferStatusCancelled:
		return "cancelled"
	case TransferStatusOverrun:
		return "overrun"
	case TransferStatusCRC:
		return "crc"
	case TransferStatusProtocol:
		return "protocol"
	case TransferStatusNoDevice:
		return "nodev"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusTimeout:
		return ErrTimeout
	case TransferStatusCancelled:
		return ErrCancelled
	case TransferStatusOverrun:
		return ErrOverrun
	case TransferStatusCRC:
		return ErrCRC
	case TransferStatusNoDevice:
		return ErrLinkGone
	default:
		return ErrProtocol
	}
}

// StatusOf classifies a completion error into a TransferStatus.
func StatusOf(err error) TransferStatus {
	switch {
	case err == nil:
		return TransferStatusSuccess
	case errors.Is(err, ErrTimeout):
		return TransferStatusTimeout
	case errors.Is(err, ErrCancelled):
		return TransferStatusCancelled
	case errors.Is(err, ErrOverrun):
		return TransferStatusOverrun
	case errors.Is(err, ErrCRC):
		return TransferStatusCRC
	case errors.Is(err, ErrLinkGone), errors.Is(err, ErrNotConnected):
		return TransferStatusNoDevice
	case errors.Is(err, ErrProtocol):
		return TransferStatusProtocol
	default:
		return TransferStatusError
	}
}
