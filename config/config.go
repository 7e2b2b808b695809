// Package config loads the runner configuration from TOML.
//
// Sizes are strings in the docker units format ("64KiB", "256MiB") and
// durations use time.ParseDuration. Zero values fall back to Default.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/pelletier/go-toml"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-vfs/bridge"
	"github.com/wippyai/wasm-vfs/engine"
	"github.com/wippyai/wasm-vfs/errors"
)

// Backend kinds accepted in [[vfs]] tables.
const (
	KindMem   = "mem"
	KindDir   = "dir"
	KindHTTP  = "http"
	KindLocal = "local"
)

const (
	defaultStackSize   = "64KiB"
	defaultMemoryLimit = "256MiB"
	defaultLogLevel    = "info"
	wasmPageSize       = 64 << 10
)

// Config is the top-level configuration.
type Config struct {
	// Module is the path of the compiled engine module.
	Module   string `toml:"module"`
	Strategy string `toml:"strategy"`
	// StackSize is the asyncify unwind buffer.
	StackSize string `toml:"stack_size"`
	// ScratchCapacity bounds the import results remembered per call.
	ScratchCapacity string `toml:"scratch_capacity"`
	MemoryLimit     string `toml:"memory_limit"`
	WASI            bool   `toml:"wasi"`
	LogLevel        string `toml:"log_level"`
	MetricsAddr     string `toml:"metrics_addr"`

	VFS []VFS `toml:"vfs"`
}

// VFS describes one backend registered on every instance.
type VFS struct {
	Name    string `toml:"name"`
	Kind    string `toml:"kind"`
	Default bool   `toml:"default"`
	// Deferred runs the backend off the engine goroutine.
	Deferred bool `toml:"deferred"`

	// Root is the directory of a dir backend.
	Root string `toml:"root"`

	// URL is the base of an http backend.
	URL        string            `toml:"url"`
	PageSize   string            `toml:"page_size"`
	CachePages int               `toml:"cache_pages"`
	Rate       float64           `toml:"rate"`
	Burst      int               `toml:"burst"`
	Timeout    string            `toml:"timeout"`
	Header     map[string]string `toml:"header"`

	// MountsDB is the mount table of a local backend; Mounts are added
	// to it on startup.
	MountsDB string            `toml:"mounts_db"`
	Mounts   map[string]string `toml:"mounts"`
}

// Default returns a configuration with one default in-memory backend.
func Default() *Config {
	c := &Config{
		VFS: []VFS{{Name: KindMem, Kind: KindMem, Default: true}},
	}
	c.applyDefaults()
	return c
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindNotFound, err, "read "+path)
	}
	return Parse(data)
}

// Parse decodes and validates TOML data.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "decode toml")
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Strategy == "" {
		c.Strategy = bridge.StrategyAuto.String()
	}
	if c.StackSize == "" {
		c.StackSize = defaultStackSize
	}
	if c.MemoryLimit == "" {
		c.MemoryLimit = defaultMemoryLimit
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	for i := range c.VFS {
		v := &c.VFS[i]
		v.Kind = strings.ToLower(v.Kind)
		if v.Name == "" {
			v.Name = v.Kind
		}
	}
}

// Validate checks every field that Bridge, Engine and the backend
// constructors parse later.
func (c *Config) Validate() error {
	bc, err := c.Bridge()
	if err != nil {
		return err
	}
	if c.WASI && bc.Strategy == bridge.StrategyReplay {
		return invalid("strategy", "replay cannot re-run native wasi imports")
	}
	if _, err := c.Engine(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.VFS))
	defaults := 0
	for _, v := range c.VFS {
		if seen[v.Name] {
			return invalid("vfs "+v.Name, "duplicate name")
		}
		seen[v.Name] = true
		if v.Default {
			defaults++
		}
		if err := v.validate(); err != nil {
			return err
		}
	}
	if defaults > 1 {
		return invalid("vfs", "more than one default backend")
	}
	return nil
}

func (v VFS) validate() error {
	path := "vfs " + v.Name
	switch v.Kind {
	case KindMem:
	case KindDir:
		if v.Root == "" {
			return invalid(path, "dir backend needs root")
		}
	case KindHTTP:
		if _, err := v.PageBytes(); err != nil {
			return err
		}
		if _, err := v.ClientTimeout(); err != nil {
			return err
		}
		if v.Rate < 0 || v.Burst < 0 {
			return invalid(path, "rate and burst must not be negative")
		}
	case KindLocal:
		if v.MountsDB == "" {
			return invalid(path, "local backend needs mounts_db")
		}
	default:
		return invalid(path, "unknown kind "+v.Kind)
	}
	return nil
}

// Bridge returns the bridge settings.
func (c *Config) Bridge() (bridge.Config, error) {
	strategy, err := bridge.ParseStrategy(c.Strategy)
	if err != nil {
		return bridge.Config{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "strategy")
	}
	stack, err := size("stack_size", c.StackSize)
	if err != nil {
		return bridge.Config{}, err
	}
	if stack > 1<<31 {
		return bridge.Config{}, invalid("stack_size", "too large")
	}
	scratch := int64(0)
	if c.ScratchCapacity != "" {
		scratch, err = units.FromHumanSize(c.ScratchCapacity)
		if err != nil || scratch <= 0 {
			return bridge.Config{}, invalid("scratch_capacity", "not a positive count: "+c.ScratchCapacity)
		}
	}
	return bridge.Config{
		Strategy:        strategy,
		StackSize:       uint32(stack),
		ScratchCapacity: int(scratch),
	}, nil
}

// Engine returns the engine settings. The memory limit is rounded down to
// whole pages.
func (c *Config) Engine() (engine.Config, error) {
	limit, err := size("memory_limit", c.MemoryLimit)
	if err != nil {
		return engine.Config{}, err
	}
	pages := limit / wasmPageSize
	if pages == 0 || pages > 65536 {
		return engine.Config{}, invalid("memory_limit", "must be between 64KiB and 4GiB")
	}
	return engine.Config{MemoryLimitPages: uint32(pages), WASI: c.WASI}, nil
}

// Level returns the parsed log level.
func (c *Config) Level() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return lvl, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "log_level")
	}
	return lvl, nil
}

// PageBytes returns the http page size, 0 when unset.
func (v VFS) PageBytes() (int64, error) {
	if v.PageSize == "" {
		return 0, nil
	}
	return size("vfs "+v.Name+" page_size", v.PageSize)
}

// ClientTimeout returns the http client timeout, 0 when unset.
func (v VFS) ClientTimeout() (time.Duration, error) {
	if v.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v.Timeout)
	if err != nil || d < 0 {
		return 0, invalid("vfs "+v.Name+" timeout", "bad duration "+v.Timeout)
	}
	return d, nil
}

func size(field, s string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil || n <= 0 {
		return 0, invalid(field, "not a positive size: "+s)
	}
	return n, nil
}

func invalid(path, detail string) error {
	return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
		Path(path).
		Detail("%s", detail).
		Build()
}
