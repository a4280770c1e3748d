// Package modem controls the modem's power, reset and presence lines.
//
// A [Controller] sequences power on and off over the GPIO bank, escalates
// resets from warm pulses through PMU resets to full power cycles, and
// debounces the SIM and phone_active inputs into user-space [Event]s.
//
// It is also the single funnel for connection recovery. The link layer
// calls [Controller.RequestConnectionRecovery] when it gives up on the
// link; unforced requests are remembered and resolved on the next IPC
// open, so a burst of failures yields at most one cp_reset event.
package modem
