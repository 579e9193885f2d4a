package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	flag "github.com/spf13/pflag"
)

// command defines one fishtrapctl subcommand, grounded on the teacher's
// internal/cli.Command: a pflag.FlagSet plus an Exec closure, with
// unified help and error-printing behaviour.
type command struct {
	Flags *flag.FlagSet
	Name  string
	Short string
	Exec  func(out, errOut io.Writer, args []string) error
}

func (c *command) printHelp(out io.Writer) {
	fmt.Fprintln(out, "Usage: fishtrapctl", c.Name, "[flags]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, c.Short)

	if c.Flags != nil && c.Flags.HasFlags() {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Flags:")

		var buf strings.Builder
		c.Flags.SetOutput(&buf)
		c.Flags.PrintDefaults()
		fmt.Fprint(out, buf.String())
	}
}

func (c *command) run(out, errOut io.Writer, args []string) int {
	c.Flags.SetOutput(io.Discard)

	if err := c.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.printHelp(out)
			return 0
		}

		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	if err := c.Exec(out, errOut, c.Flags.Args()); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	return 0
}
