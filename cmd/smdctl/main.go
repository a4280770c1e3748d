// Command smdctl runs and controls the modem link.
//
// Usage:
//
//	smdctl [-v] [--json] [--cpu-profile FILE] <command> [options]
//
// Commands:
//
//	serve    Bring up the link and serve the control socket
//	ctl      Send one request to a running serve
//	encode   Frame a payload and print it as hex
//	decode   Decode hex wire bytes into frames
//
// Run "smdctl <command> --help" for the options of each command.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/ardnew/smdlink/pkg"
	"github.com/ardnew/smdlink/pkg/prof"
)

// component identifies this executable for structured logging.
const component = pkg.ComponentDaemon

var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

type options struct {
	Verbose    bool   `short:"v" long:"verbose" description:"Enable debug logging"`
	JSON       bool   `long:"json" description:"Log in JSON"`
	CPUProfile string `long:"cpu-profile" value-name:"FILE" description:"Write a CPU profile (profile builds only)"`
}

var opts options

const (
	shortHelp = "Run and control the modem link"
	longHelp  = `
smdctl brings up the AP side of the modem link: the power state machine,
the modem controller and every logical channel. It also frames and
decodes wire bytes for debugging.
`
)

// Parser returns a parser with every command registered.
func Parser() *flags.Parser {
	opts = options{}
	p := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	p.ShortDescription = shortHelp
	p.LongDescription = longHelp
	p.CommandHandler = func(cmd flags.Commander, args []string) error {
		if cmd == nil {
			return nil
		}
		applyLogOptions()
		if opts.CPUProfile != "" {
			if err := prof.Start(opts.CPUProfile); err != nil {
				return fmt.Errorf("cpu profile: %w", err)
			}
			defer prof.Stop()
		}
		return cmd.Execute(args)
	}
	for _, c := range commands {
		if _, err := p.AddCommand(c.name, c.short, c.long, c.data()); err != nil {
			panic(err)
		}
	}
	return p
}

type command struct {
	name, short, long string
	data              func() flags.Commander
}

// commands is filled by the init of each cmd_*.go file.
var commands []command

func addCommand(name, short, long string, data func() flags.Commander) {
	commands = append(commands, command{name, short, long, data})
}

// applyLogOptions applies the global flags; they override any log
// settings a command loads later only when set.
func applyLogOptions() {
	if opts.Verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	}
	if opts.JSON {
		pkg.SetLogOutput(Stderr, pkg.LogFormatJSON)
	}
}

func run(args []string) error {
	parser := Parser()
	_, err := parser.ParseArgs(args)
	var ferr *flags.Error
	if errors.As(err, &ferr) && (ferr.Type == flags.ErrHelp || ferr.Type == flags.ErrCommandRequired) {
		parser.WriteHelp(Stdout)
		return nil
	}
	return err
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
