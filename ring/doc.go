// Package ring implements the per-channel receive ring buffer.
//
// A [Buffer] is written by the transport completion path and drained by the
// channel consumer. Frames that arrive split across completions are handled
// with [Buffer.Rewind]: the decoder reads a header speculatively and puts it
// back when the rest of the frame has not arrived yet.
//
//	rb, _ := ring.New(16 * 1024)
//	rb.Write(completion)
//	hdr := rb.Read(3)
//	if !complete(hdr) {
//	    rb.Rewind(len(hdr))
//	}
package ring
