package main

import (
	"fmt"
	"io"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/meetnow/fishtrap-db/internal/compact"
	"github.com/meetnow/fishtrap-db/internal/dirscan"
	"github.com/meetnow/fishtrap-db/internal/store"
	"github.com/meetnow/fishtrap-db/pkg/fs"
)

func newGCCommand() *command {
	flags := flag.NewFlagSet("gc", flag.ContinueOnError)
	opts := addCommonFlags(flags)

	return &command{
		Flags: flags,
		Name:  "gc",
		Short: "Delete snapshots that are no longer locked, no longer current, and no longer referenced by any shard.",
		Exec: func(out, errOut io.Writer, _ []string) error {
			return runGC(out, opts)
		},
	}
}

func runGC(out io.Writer, opts *commonOpts) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}

	real := fs.NewReal()
	now := time.Now()

	scan, err := dirscan.Scan(real, cfg.BaseDirectory, cfg.AppUUID, cfg.ShardUUID, false, now, store.DecodeLockTags)
	if err != nil {
		return err
	}

	if err := compact.GC(real, cfg.BaseDirectory, cfg.AppUUID, cfg.ShardUUID, scan.NextGeneration, now, store.DecodeLockTags); err != nil {
		return err
	}

	fmt.Fprintf(out, "gc complete for generations below %d\n", scan.NextGeneration)

	return nil
}
