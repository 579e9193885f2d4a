package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/meetnow/fishtrap-db/internal/compact"
	"github.com/meetnow/fishtrap-db/internal/store"
	"github.com/meetnow/fishtrap-db/pkg/fs"
	"github.com/meetnow/fishtrap-db/pkg/patch"
)

// genericValue is the operator-tool's stand-in for the application's
// type T: fishtrapctl has no compile-time knowledge of a caller's data
// shape, so it treats every value as an untyped map and merges with a
// last-writer-wins rule instead of the application's own merger.
type genericValue = map[string]any

func lastWriterWinsMerger(_, other, _ genericValue) genericValue { return other }

func newCompactCommand() *command {
	flags := flag.NewFlagSet("compact", flag.ContinueOnError)
	opts := addCommonFlags(flags)

	return &command{
		Flags: flags,
		Name:  "compact",
		Short: "Force a compaction of the database at base-directory, merging all shards at the current generation into a new snapshot.",
		Exec: func(out, errOut io.Writer, _ []string) error {
			return runCompact(out, errOut, opts)
		},
	}
}

func runCompact(out, errOut io.Writer, opts *commonOpts) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(errOut, nil))

	result, err := compact.Run[genericValue](
		fs.NewReal(), cfg.BaseDirectory, cfg.AppUUID, cfg.ShardUUID, time.Now(),
		store.DecodeLockTags, genericValue{}, patch.ReplaceApplier[genericValue], lastWriterWinsMerger, logger,
	)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "compacted to generation %d, %d ancestor shard(s)\n", result.Generation, len(result.Ancestors))

	return nil
}
