// Package channel implements the logical channels multiplexed over the
// modem transport and the session that owns them.
//
// Each channel kind has one pipe on the transport. FMT carries IPC
// messages and is demultiplexed as soon as bytes arrive, reassembling
// multi-frame messages into a queue. RAW carries the CSD, ROUTER and
// loopback sub-channels and the three PDP network interfaces, routed by
// the id in each frame header. RFS records stay in the receive ring until
// read. CMD carries the 0xCA/0xCB transmit flow control opcodes. DOWN is
// an unframed byte stream used for boot image download.
//
// Writes resume the link through the power state machine before
// submitting, and the session performs the suspend and resume work the
// state machine asks for.
package channel
