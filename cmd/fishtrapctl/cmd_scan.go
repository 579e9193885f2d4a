package main

import (
	"fmt"
	"io"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/meetnow/fishtrap-db/internal/dirscan"
	"github.com/meetnow/fishtrap-db/internal/store"
	"github.com/meetnow/fishtrap-db/pkg/fs"
)

func newScanCommand() *command {
	flags := flag.NewFlagSet("scan", flag.ContinueOnError)
	opts := addCommonFlags(flags)

	return &command{
		Flags: flags,
		Name:  "scan",
		Short: "List and classify the snapshot/shard/lock files in a database directory.",
		Exec: func(out, errOut io.Writer, _ []string) error {
			return runScan(out, errOut, opts)
		},
	}
}

func runScan(out, errOut io.Writer, opts *commonOpts) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}

	result, err := dirscan.Scan(fs.NewReal(), cfg.BaseDirectory, cfg.AppUUID, cfg.ShardUUID, false, time.Now(), store.DecodeLockTags)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "next generation: %d", result.NextGeneration)
	if result.NextGenerationLockedBy != nil {
		fmt.Fprintf(out, " (locked by %s)", *result.NextGenerationLockedBy)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "snapshots:")
	for _, d := range result.Snapshots {
		locked := ""
		if d.LockedBy != nil {
			locked = fmt.Sprintf(" locked-by=%s", *d.LockedBy)
		}
		fmt.Fprintf(out, "  gen=%-6d %s size=%d%s\n", d.Generation, d.Name, d.Size, locked)
	}

	fmt.Fprintln(out, "shards:")
	for _, d := range result.Shards {
		fmt.Fprintf(out, "  gen=%-6d %s size=%d\n", d.Generation, d.Name, d.Size)
	}

	fmt.Fprintln(out, "locks:")
	for _, d := range result.Locks {
		fmt.Fprintf(out, "  gen=%-6d %s mtime=%s\n", d.Generation, d.Name, d.ModTime.Format(time.RFC3339))
	}

	if result.ReadErrors > 0 {
		fmt.Fprintf(errOut, "warning: %d entries could not be stat'd and were skipped\n", result.ReadErrors)
	}

	return nil
}
