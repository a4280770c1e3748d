//go:build unix

package main

import (
	"context"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
)

func init() {
	addCommand("ctl", "Send one request to a running serve",
		"Ctl sends a modem command (cp_on, cp_off, cp_reset, hsic_act_on, "+
			"hsic_act_off, get_host_wake, hsic_en_on, hsic_en_off, cp_upload) "+
			"or one of status, stats, clear-retry, suspend, resume and "+
			"\"profile <name>\" to the control socket and prints the reply.",
		func() flags.Commander { return &cmdCtl{} })
}

type cmdCtl struct {
	Socket  string        `short:"s" long:"socket" value-name:"PATH" description:"Control socket"`
	Timeout time.Duration `long:"timeout" default:"35s" description:"Give up after this long"`

	Positional struct {
		Request []string `positional-arg-name:"<request>" required:"1"`
	} `positional-args:"yes"`
}

func (c *cmdCtl) Execute(args []string) error {
	socket := c.Socket
	if socket == "" {
		socket = DefaultSocket
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	body, err := request(ctx, socket, strings.Join(c.Positional.Request, " "))
	if err != nil {
		return err
	}
	_, err = Stdout.Write(body)
	return err
}
