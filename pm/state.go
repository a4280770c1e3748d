package pm

// State is the link power state.
type State int

// Link power states.
const (
	Disconnected   State = iota // No transport attached
	Active                      // L0: transfers may be submitted
	Suspending                  // Cancelling in-flight transfers
	Suspended                   // L2: link idle, wake handshake required
	ResumingKernel              // AP raised slave wakeup, awaiting host wakeup
	ResumingPeer                // CP raised host wakeup, resubmitting receives
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Active:
		return "active"
	case Suspending:
		return "suspending"
	case Suspended:
		return "suspended"
	case ResumingKernel:
		return "resuming-kernel"
	case ResumingPeer:
		return "resuming-peer"
	default:
		return "unknown"
	}
}

// Resuming reports whether s is one of the resume states.
func (s State) Resuming() bool {
	return s == ResumingKernel || s == ResumingPeer
}

// allowed lists the legal transitions. Suspended never goes straight to
// Active, and a resume that fails falls back to Suspended. Any state may
// drop to Disconnected when the transport detaches.
var allowed = map[State][]State{
	Disconnected:   {Active},
	Active:         {Suspending, Disconnected},
	Suspending:     {Suspended, Disconnected},
	Suspended:      {ResumingKernel, ResumingPeer, Disconnected},
	ResumingKernel: {Active, Suspended, Disconnected},
	ResumingPeer:   {Active, Suspended, Disconnected},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition records one state change.
type Transition struct {
	From State
	To   State
}

// Reason identifies who asked the link to suspend.
type Reason int

// Suspend reasons.
const (
	ReasonSystem Reason = iota // OS power management
	ReasonPeer                 // CP raised suspend_request
	ReasonIdle                 // Autosuspend timer
)

// String returns the reason name.
func (r Reason) String() string {
	switch r {
	case ReasonSystem:
		return "system"
	case ReasonPeer:
		return "peer"
	case ReasonIdle:
		return "idle"
	default:
		return "unknown"
	}
}
