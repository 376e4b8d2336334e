// Package config loads streamcb settings from TOML.
//
// Example file:
//
//	[encoder]
//	arena_block_size = 32768
//	arena_block_limit = 0
//	retention_capacity = 0
//	kernel_cache_size = 64
//	reset_bindings_on_begin = false
//
//	[device]
//	memory_limit = 268435456
//	workers = 0
//	queue_depth = 256
//
//	[log]
//	level = "info"
//	format = "text"
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/gogpu/streamcb"
	"github.com/gogpu/streamcb/arena"
	"github.com/gogpu/streamcb/internal/kernelcache"
)

// ErrInvalid is returned by Validate for out-of-range settings.
var ErrInvalid = errors.New("config: invalid")

// Config is the complete configuration.
type Config struct {
	Encoder Encoder `toml:"encoder"`
	Device  Device  `toml:"device"`
	Log     Log     `toml:"log"`
}

// Encoder configures stream command buffers.
type Encoder struct {
	// ArenaBlockSize is the size of each transient arena block in bytes.
	ArenaBlockSize int `toml:"arena_block_size"`

	// ArenaBlockLimit caps outstanding arena blocks. Zero means unlimited.
	ArenaBlockLimit int `toml:"arena_block_limit"`

	// RetentionCapacity caps resources retained per cycle. Zero means unlimited.
	RetentionCapacity int `toml:"retention_capacity"`

	// KernelCacheSize is the number of cached entry points.
	KernelCacheSize int `toml:"kernel_cache_size"`

	// ResetBindingsOnBegin zeroes push constants and bindings on Begin.
	ResetBindingsOnBegin bool `toml:"reset_bindings_on_begin"`
}

// Device configures the emulated device.
type Device struct {
	// MemoryLimit is the device memory size in bytes.
	MemoryLimit uint64 `toml:"memory_limit"`

	// Workers is the number of workgroup workers. Zero means GOMAXPROCS.
	Workers int `toml:"workers"`

	// QueueDepth is the number of stream operations that may be pending
	// before submission blocks.
	QueueDepth int `toml:"queue_depth"`
}

// Log configures logging.
type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`

	// Format is text, json or logfmt.
	Format string `toml:"format"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Encoder: Encoder{
			ArenaBlockSize:  arena.DefaultBlockSize,
			KernelCacheSize: kernelcache.DefaultCapacity,
		},
		Device: Device{
			MemoryLimit: 256 << 20,
			QueueDepth:  256,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Parse decodes TOML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return Config{}, fmt.Errorf("config: line %d column %d: %w", row, col, err)
		}
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Marshal encodes cfg as TOML.
func (c Config) Marshal() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return data, nil
}

// Validate reports the first out-of-range setting.
func (c Config) Validate() error {
	switch {
	case c.Encoder.ArenaBlockSize <= 0:
		return fmt.Errorf("%w: encoder.arena_block_size %d must be positive", ErrInvalid, c.Encoder.ArenaBlockSize)
	case c.Encoder.ArenaBlockLimit < 0:
		return fmt.Errorf("%w: encoder.arena_block_limit %d is negative", ErrInvalid, c.Encoder.ArenaBlockLimit)
	case c.Encoder.RetentionCapacity < 0:
		return fmt.Errorf("%w: encoder.retention_capacity %d is negative", ErrInvalid, c.Encoder.RetentionCapacity)
	case c.Encoder.KernelCacheSize < 0:
		return fmt.Errorf("%w: encoder.kernel_cache_size %d is negative", ErrInvalid, c.Encoder.KernelCacheSize)
	case c.Device.MemoryLimit == 0:
		return fmt.Errorf("%w: device.memory_limit must be positive", ErrInvalid)
	case c.Device.Workers < 0:
		return fmt.Errorf("%w: device.workers %d is negative", ErrInvalid, c.Device.Workers)
	case c.Device.QueueDepth <= 0:
		return fmt.Errorf("%w: device.queue_depth %d must be positive", ErrInvalid, c.Device.QueueDepth)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// SlogLevel parses Level.
func (l Log) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: log.level %q", ErrInvalid, l.Level)
	}
	return level, nil
}

// BlockPool creates the arena block pool described by the encoder section.
func (e Encoder) BlockPool() *arena.BlockPool {
	return arena.NewBlockPool(e.ArenaBlockSize, e.ArenaBlockLimit)
}

// EncoderOptions returns command buffer options for the encoder section.
// All command buffers built from the same options share one block pool.
func (c Config) EncoderOptions() []streamcb.Option {
	return []streamcb.Option{
		streamcb.WithBlockPool(c.Encoder.BlockPool()),
		streamcb.WithRetentionCapacity(c.Encoder.RetentionCapacity),
		streamcb.WithKernelCacheSize(c.Encoder.KernelCacheSize),
		streamcb.WithResetBindingsOnBegin(c.Encoder.ResetBindingsOnBegin),
	}
}
