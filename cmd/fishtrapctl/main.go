// Command fishtrapctl is an operator tool for a fishtrap-db instance:
// inspecting the directory protocol's file classification, forcing a
// compaction, and garbage-collecting orphaned snapshots outside of any
// running application process.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	commands := []*command{
		newScanCommand(),
		newCompactCommand(),
		newGCCommand(),
	}

	if len(args) < 2 {
		printUsage(errOut, commands)
		return 1
	}

	for _, cmd := range commands {
		if cmd.Name == args[1] {
			return cmd.run(out, errOut, args[2:])
		}
	}

	fmt.Fprintln(errOut, "error: unknown command:", args[1])
	printUsage(errOut, commands)

	return 1
}

func printUsage(out io.Writer, commands []*command) {
	fmt.Fprintln(out, "Usage: fishtrapctl <command> [flags]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")

	for _, cmd := range commands {
		fmt.Fprintf(out, "  %-10s %s\n", cmd.Name, cmd.Short)
	}
}
