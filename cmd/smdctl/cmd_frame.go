package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jessevdk/go-flags"

	"github.com/ardnew/smdlink/frame"
	"github.com/ardnew/smdlink/pkg"
	"github.com/ardnew/smdlink/ring"
)

func init() {
	addCommand("encode", "Frame a payload and print it as hex",
		"Encode wraps a hex payload in the wire header of a channel kind.",
		func() flags.Commander { return &cmdEncode{} })
	addCommand("decode", "Decode hex wire bytes into frames",
		"Decode runs the receive path resynchronizing decoder over the bytes "+
			"and prints every frame it recovers with the decoder counters.",
		func() flags.Commander { return &cmdDecode{} })
}

type kindOption struct {
	Kind string `short:"k" long:"kind" default:"fmt" choice:"fmt" choice:"raw" choice:"rfs" description:"Channel kind"`
}

func (o kindOption) kind() (frame.Kind, error) {
	k, err := frame.ParseKind(o.Kind)
	if err != nil {
		return 0, err
	}
	if !k.Framed() {
		return 0, fmt.Errorf("%w: %s is not framed", pkg.ErrInvalidParameter, k)
	}
	return k, nil
}

type cmdEncode struct {
	kindOption
	Ctrl uint8 `long:"ctrl" description:"FMT control byte"`
	ID   uint8 `long:"id" description:"RAW sub-channel or RFS request id"`
	Cmd  uint8 `long:"cmd" description:"RFS command"`

	Positional struct {
		Payload string `positional-arg-name:"<hex>" description:"Payload bytes in hex"`
	} `positional-args:"yes"`
}

func (c *cmdEncode) Execute(args []string) error {
	k, err := c.kind()
	if err != nil {
		return err
	}
	payload, err := parseHex(c.Positional.Payload)
	if err != nil {
		return err
	}
	b, err := frame.Encode(k, frame.Frame{Ctrl: c.Ctrl, ID: c.ID, Cmd: c.Cmd, Payload: payload})
	if err != nil {
		return err
	}
	fmt.Fprintln(Stdout, hex.EncodeToString(b))
	return nil
}

type cmdDecode struct {
	kindOption

	Positional struct {
		Wire []string `positional-arg-name:"<hex>" required:"1" description:"Wire bytes in hex, one argument per receive"`
	} `positional-args:"yes"`
}

func (c *cmdDecode) Execute(args []string) error {
	k, err := c.kind()
	if err != nil {
		return err
	}

	var chunks [][]byte
	total := 0
	for _, s := range c.Positional.Wire {
		b, err := parseHex(s)
		if err != nil {
			return err
		}
		chunks = append(chunks, b)
		total += len(b)
	}

	rb, err := ring.New(max(total+1, ring.MinCapacity))
	if err != nil {
		return err
	}
	dec := frame.NewDecoder(k)
	for _, b := range chunks {
		if _, err := rb.Write(b); err != nil {
			return err
		}
		for {
			f, ok := dec.TryDecodeOne(rb)
			if !ok {
				break
			}
			printFrame(k, f)
		}
	}

	st := dec.Stats()
	fmt.Fprintf(Stdout, "frames=%d partial=%d resyncs=%d dropped=%d oversized=%d bad-trailer=%d left=%d\n",
		st.Frames, st.Partial, st.Resyncs, st.Dropped, st.Oversized, st.BadTrail, rb.Remained())
	return nil
}

func printFrame(k frame.Kind, f frame.Frame) {
	switch k {
	case frame.KindFmt:
		fmt.Fprintf(Stdout, "fmt ctrl=%02x len=%d %x\n", f.Ctrl, len(f.Payload), f.Payload)
	case frame.KindRaw:
		fmt.Fprintf(Stdout, "raw id=%d ctrl=%02x len=%d %x\n", f.ID, f.Ctrl, len(f.Payload), f.Payload)
	case frame.KindRfs:
		fmt.Fprintf(Stdout, "rfs cmd=%02x id=%d len=%d %x\n", f.Cmd, f.ID, len(f.Payload), f.Payload)
	}
}

// parseHex accepts hex with optional spaces or colons between bytes.
func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkg.ErrInvalidParameter, err)
	}
	return b, nil
}
