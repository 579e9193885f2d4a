package config

import "errors"

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrMissingAppUUID     = errors.New("appUUID is required")
	ErrMissingShardUUID   = errors.New("shardUUID is required")
)
