// Package config loads fishtrap-db's operator-facing configuration:
// layered HuJSON files plus explicit overrides, resolved into the
// [Options] the root package's Database needs to open. Grounded on the
// teacher repo's internal/ticket config loading (global file, project
// file, explicit overrides, in that precedence order).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/tailscale/hujson"
)

// MaxCompactionSizeThreshold is the clamp spec.md §6 places on
// compactionSizeThreshold: roughly 99 MiB, comfortably under the 100 MiB
// per-file bound so a shard schedules compaction before it hits the hard
// limit.
const MaxCompactionSizeThreshold = 0x6300000

// DefaultCompactionSizeThreshold, DefaultCompactionIntervalMinutes, and
// DefaultCheckIntervalMinutes are spec.md §6's documented defaults.
const (
	DefaultCompactionSizeThreshold    = 0x10000
	DefaultCompactionIntervalMinutes = 30
	DefaultCheckIntervalMinutes      = 15
)

// Options is the fully resolved configuration a Database opens with.
type Options struct {
	AppUUID   uuid.UUID
	ShardUUID uuid.UUID

	BaseDirectory string

	CompactionSizeThreshold   int64
	CompactionIntervalMinutes int
	CheckIntervalMinutes      int
}

// fileConfig is the on-disk HuJSON shape. Fields are pointers so a file
// can distinguish "not set" (inherit the layer below) from "set to zero".
type fileConfig struct {
	AppUUID   *string `json:"app_uuid,omitempty"`
	ShardUUID *string `json:"shard_uuid,omitempty"`

	BaseDirectory *string `json:"base_directory,omitempty"`

	CompactionSizeThreshold   *int64 `json:"compaction_size_threshold,omitempty"`
	CompactionIntervalMinutes *int  `json:"compaction_interval_minutes,omitempty"`
	CheckIntervalMinutes      *int  `json:"check_interval_minutes,omitempty"`
}

// LoadInput holds the inputs to Load.
type LoadInput struct {
	// WorkDir resolves relative BaseDirectory and ConfigPath values; if
	// empty, os.Getwd() is used.
	WorkDir string

	// GlobalConfigPath, if non-empty, is read before the project file.
	// Missing is not an error.
	GlobalConfigPath string

	// ConfigPath, if non-empty, is read after the global file and must
	// exist.
	ConfigPath string

	// AppUUID/ShardUUID/BaseDirectory are CLI-level overrides applied
	// last, taking precedence over both config files.
	AppUUID       string
	ShardUUID     string
	BaseDirectory string
}

// Load resolves Options from defaults, an optional global config file, an
// optional project/explicit config file, and CLI overrides, in ascending
// precedence, matching the teacher's LoadConfig layering.
func Load(input LoadInput) (Options, error) {
	workDir := input.WorkDir
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Options{}, fmt.Errorf("config: getwd: %w", err)
		}
	}

	opts := Options{
		CompactionSizeThreshold:   DefaultCompactionSizeThreshold,
		CompactionIntervalMinutes: DefaultCompactionIntervalMinutes,
		CheckIntervalMinutes:      DefaultCheckIntervalMinutes,
	}

	if input.GlobalConfigPath != "" {
		overlay, _, err := loadFile(input.GlobalConfigPath, false)
		if err != nil {
			return Options{}, err
		}

		applyOverlay(&opts, overlay)
	}

	if input.ConfigPath != "" {
		path := input.ConfigPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}

		overlay, loaded, err := loadFile(path, true)
		if err != nil {
			return Options{}, err
		}

		if loaded {
			applyOverlay(&opts, overlay)
		}
	}

	if input.AppUUID != "" {
		id, err := uuid.Parse(input.AppUUID)
		if err != nil {
			return Options{}, fmt.Errorf("%w: %v", ErrMissingAppUUID, err)
		}

		opts.AppUUID = id
	}

	if input.ShardUUID != "" {
		id, err := uuid.Parse(input.ShardUUID)
		if err != nil {
			return Options{}, fmt.Errorf("%w: %v", ErrMissingShardUUID, err)
		}

		opts.ShardUUID = id
	}

	if input.BaseDirectory != "" {
		opts.BaseDirectory = input.BaseDirectory
	}

	if opts.AppUUID == uuid.Nil {
		return Options{}, ErrMissingAppUUID
	}

	if opts.ShardUUID == uuid.Nil {
		return Options{}, ErrMissingShardUUID
	}

	if !filepath.IsAbs(opts.BaseDirectory) {
		opts.BaseDirectory = filepath.Join(workDir, opts.BaseDirectory)
	}

	if opts.CompactionSizeThreshold > MaxCompactionSizeThreshold {
		opts.CompactionSizeThreshold = MaxCompactionSizeThreshold
	}

	return opts, nil
}

func loadFile(path string, mustExist bool) (fileConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return fileConfig{}, false, nil
		}

		return fileConfig{}, false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, false, fmt.Errorf("%w %s: %v", ErrConfigInvalid, path, err)
	}

	var cfg fileConfig
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return fileConfig{}, false, fmt.Errorf("%w %s: %v", ErrConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func applyOverlay(opts *Options, overlay fileConfig) {
	if overlay.AppUUID != nil {
		if id, err := uuid.Parse(*overlay.AppUUID); err == nil {
			opts.AppUUID = id
		}
	}

	if overlay.ShardUUID != nil {
		if id, err := uuid.Parse(*overlay.ShardUUID); err == nil {
			opts.ShardUUID = id
		}
	}

	if overlay.BaseDirectory != nil {
		opts.BaseDirectory = *overlay.BaseDirectory
	}

	if overlay.CompactionSizeThreshold != nil {
		opts.CompactionSizeThreshold = *overlay.CompactionSizeThreshold
	}

	if overlay.CompactionIntervalMinutes != nil {
		opts.CompactionIntervalMinutes = *overlay.CompactionIntervalMinutes
	}

	if overlay.CheckIntervalMinutes != nil {
		opts.CheckIntervalMinutes = *overlay.CheckIntervalMinutes
	}
}
