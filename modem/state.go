package modem

import (
	"fmt"
	"time"

	"github.com/ardnew/smdlink/pkg"
)

// State is the modem lifecycle state.
type State int

// Lifecycle states.
const (
	PoweredOff State = iota
	PoweringOn
	PoweredOn
	Resetting
	Abnormal // GPIO levels contradict the commanded state
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case PoweredOff:
		return "powered-off"
	case PoweringOn:
		return "powering-on"
	case PoweredOn:
		return "powered-on"
	case Resetting:
		return "resetting"
	case Abnormal:
		return "abnormal"
	default:
		return "unknown"
	}
}

// EventType names a user-space notification.
type EventType string

// Notification events.
const (
	EventCPReset   EventType = "cp_reset"   // Modem must be reset by user space
	EventCPExit    EventType = "cp_exit"    // Modem stopped unexpectedly
	EventSIMAttach EventType = "sim_attach" // SIM inserted
	EventSIMDetach EventType = "sim_detach" // SIM removed
)

// Event is one notification.
type Event struct {
	Type EventType
	Time time.Time
}

// ResetMethod is the reset strategy chosen for an attempt.
type ResetMethod int

// Reset strategies, strongest last.
const (
	ResetWarm       ResetMethod = iota // Brief cp_reset pulse
	ResetPMU                           // cp_req_reset and cp_reset pulse
	ResetPowerCycle                    // Full power off and on
)

// String returns the method name.
func (m ResetMethod) String() string {
	switch m {
	case ResetWarm:
		return "warm"
	case ResetPMU:
		return "pmu"
	case ResetPowerCycle:
		return "power-cycle"
	default:
		return "unknown"
	}
}

// Reset escalation thresholds on the retry counter.
const (
	warmResetAttempts = 4  // attempts 0-3
	pmuResetAttempts  = 10 // attempts 4-9
)

// methodFor returns the reset strategy for a retry count.
func methodFor(attempt int) ResetMethod {
	switch {
	case attempt < warmResetAttempts:
		return ResetWarm
	case attempt < pmuResetAttempts:
		return ResetPMU
	default:
		return ResetPowerCycle
	}
}

// Command is a control request from user space.
type Command int

// Control commands.
const (
	CmdCPOn Command = iota
	CmdCPOff
	CmdCPReset
	CmdHSICActOn
	CmdHSICActOff
	CmdGetHostWake
	CmdHSICEnOn
	CmdHSICEnOff
	CmdCPUpload // Crash dump request; debug builds only

	numCommands
)

var commandNames = [numCommands]string{
	"cp_on",
	"cp_off",
	"cp_reset",
	"hsic_act_on",
	"hsic_act_off",
	"get_host_wake",
	"hsic_en_on",
	"hsic_en_off",
	"cp_upload",
}

// String returns the command name.
func (c Command) String() string {
	if c >= 0 && c < numCommands {
		return commandNames[c]
	}
	return "unknown"
}

// ParseCommand returns the Command named s.
func ParseCommand(s string) (Command, error) {
	for c := Command(0); c < numCommands; c++ {
		if commandNames[c] == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: command %q", pkg.ErrInvalidParameter, s)
}
