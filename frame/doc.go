// Package frame implements the sentinel framing used on the modem link.
//
// Three framed layouts share a start flag (0x7F) and end flag (0x7E) but
// differ in header width and in what the length field counts:
//
//	FMT: 7F | len:u16 LE | ctrl | payload | 7E        len = 3 + payload
//	RAW: 7F | len:u32 LE | id | ctrl | payload | 7E   len = frame size - 1
//	RFS: 7F | len:u32 LE | cmd | id | payload | 7E 7E len = 6 + payload
//
// The length conventions are kept exactly as they appear on the wire rather
// than normalized. CMD and DOWN channels are not framed.
//
// A [Decoder] pulls complete frames out of a [ring.Buffer]. Incomplete
// frames are left in place for the next completion; corrupt bytes are
// discarded by scanning to the next end flag.
//
//	dec := frame.NewDecoder(frame.KindRaw)
//	for {
//	    f, ok := dec.TryDecodeOne(rb)
//	    if !ok {
//	        break
//	    }
//	    route(f.ID, f.Payload)
//	}
package frame
