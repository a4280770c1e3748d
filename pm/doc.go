// Package pm implements the link power/wake state machine.
//
// The link is Active while transfers may run. Suspending cancels every
// in-flight transfer and drops slave wakeup. Leaving Suspended always goes
// through a resume state: ResumingKernel when this side needs the link and
// pulses slave wakeup, waiting for the modem to answer on host wakeup, or
// ResumingPeer when the modem raises host wakeup first.
//
// Only one kernel resume is outstanding at a time. Callers of
// [Machine.EnsureActive] that arrive while it is in flight wait on the same
// attempt. A resume that times out counts as a failure, and after
// FailureThreshold consecutive failures the next one requests forced
// connection recovery from the modem controller.
package pm
