package main

import (
	flag "github.com/spf13/pflag"

	"github.com/meetnow/fishtrap-db/internal/config"
)

// commonOpts holds the flags every subcommand shares: the identifiers and
// location of the fishtrap-db instance to operate on.
type commonOpts struct {
	baseDirectory string
	appUUID       string
	shardUUID     string
	configPath    string
}

func addCommonFlags(fs *flag.FlagSet) *commonOpts {
	o := &commonOpts{}

	fs.StringVar(&o.baseDirectory, "base-directory", "", "directory holding the database files")
	fs.StringVar(&o.appUUID, "app-uuid", "", "database identifier shared by all processes")
	fs.StringVar(&o.shardUUID, "shard-uuid", "", "this invocation's shard identifier")
	fs.StringVar(&o.configPath, "config", "", "path to a HuJSON config file")

	return o
}

func (o *commonOpts) load() (config.Options, error) {
	return config.Load(config.LoadInput{
		ConfigPath:    o.configPath,
		AppUUID:       o.appUUID,
		ShardUUID:     o.shardUUID,
		BaseDirectory: o.baseDirectory,
	})
}
