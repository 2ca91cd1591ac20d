// Package config loads the runtime settings shared by the command line
// tools from a YAML file and the environment.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/pspoerri/govrt/internal/cog"
	"github.com/pspoerri/govrt/internal/raster"
	"github.com/pspoerri/govrt/internal/vfs"
	"github.com/pspoerri/govrt/internal/vrt"
)

// Config holds every tunable of the library packages.
type Config struct {
	// PoolSize bounds the open source datasets of the handle pool.
	PoolSize int `yaml:"pool_size"`
	// SharedSources is the default for sources without a shared flag.
	SharedSources bool `yaml:"shared_sources"`
	// NumThreads bounds statistics and read workers. 0 means all CPUs.
	NumThreads int `yaml:"num_threads"`
	// BlockCacheMB sizes the GeoTIFF decoded-block cache. 0 derives it
	// from the memory limit.
	BlockCacheMB     int    `yaml:"block_cache_mb"`
	VirtualOverviews bool   `yaml:"virtual_overviews"`
	HolePolicy       string `yaml:"hole_policy"`
	Debug            bool   `yaml:"debug"`
}

// Environment variables overriding single keys.
const (
	EnvPoolSize         = "GOVRT_MAX_DATASET_POOL_SIZE"
	EnvSharedSources    = "GOVRT_SHARED_SOURCE"
	EnvNumThreads       = "GOVRT_NUM_THREADS"
	EnvBlockCacheMB     = "GOVRT_BLOCK_CACHE_MB"
	EnvVirtualOverviews = "GOVRT_VIRTUAL_OVERVIEWS"
	EnvHolePolicy       = "GOVRT_HOLE_POLICY"
	EnvDebug            = "GOVRT_DEBUG"
)

// Default returns the built-in settings.
func Default() Config {
	o := vrt.DefaultOptions()
	return Config{
		PoolSize:         o.PoolSize,
		SharedSources:    o.SharedSources,
		NumThreads:       o.NumThreads,
		VirtualOverviews: o.VirtualOverviews,
		HolePolicy:       string(o.HolePolicy),
	}
}

// Load reads path, when set, over the defaults and then applies the
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := vfs.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "read config %s", path)
		}
		if err := Parse(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "config %s", path)
		}
	}
	if err := cfg.FromEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes a YAML document into cfg. Keys missing from the document
// keep their current value; unknown keys are an error.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return errors.Wrap(err, "parse config")
	}
	return nil
}

// FromEnv overrides the keys whose variable lookup reports as set.
func (c *Config) FromEnv(lookup func(string) (string, bool)) error {
	ints := []struct {
		env string
		dst *int
	}{
		{EnvPoolSize, &c.PoolSize},
		{EnvNumThreads, &c.NumThreads},
		{EnvBlockCacheMB, &c.BlockCacheMB},
	}
	for _, e := range ints {
		v, ok := lookup(e.env)
		if !ok || v == "" {
			continue
		}
		if e.env == EnvNumThreads && strings.EqualFold(v, "ALL_CPUS") {
			*e.dst = 0
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errors.Errorf("%s: invalid number %q", e.env, v)
		}
		*e.dst = n
	}

	bools := []struct {
		env string
		dst *bool
	}{
		{EnvSharedSources, &c.SharedSources},
		{EnvVirtualOverviews, &c.VirtualOverviews},
		{EnvDebug, &c.Debug},
	}
	for _, e := range bools {
		v, ok := lookup(e.env)
		if !ok || v == "" {
			continue
		}
		b, err := parseBool(v)
		if err != nil {
			return errors.Wrap(err, e.env)
		}
		*e.dst = b
	}

	if v, ok := lookup(EnvHolePolicy); ok && v != "" {
		c.HolePolicy = strings.ToLower(strings.TrimSpace(v))
	}
	return nil
}

// parseBool accepts the usual configuration spellings of a boolean.
func parseBool(v string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "1", "TRUE", "YES", "ON":
		return true, nil
	case "0", "FALSE", "NO", "OFF":
		return false, nil
	}
	return false, errors.Errorf("invalid boolean %q", v)
}

// Validate reports settings the packages cannot use.
func (c Config) Validate() error {
	if c.PoolSize < 1 {
		return errors.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.NumThreads < 0 {
		return errors.Errorf("num_threads must not be negative, got %d", c.NumThreads)
	}
	if c.BlockCacheMB < 0 {
		return errors.Errorf("block_cache_mb must not be negative, got %d", c.BlockCacheMB)
	}
	switch vrt.HolePolicy(c.HolePolicy) {
	case vrt.HoleValue, vrt.HoleExclude:
	default:
		return errors.Errorf("hole_policy must be %q or %q, got %q", vrt.HoleValue, vrt.HoleExclude, c.HolePolicy)
	}
	return nil
}

// Options converts the settings of the virtual raster package.
func (c Config) Options() vrt.Options {
	return vrt.Options{
		PoolSize:         c.PoolSize,
		SharedSources:    c.SharedSources,
		NumThreads:       c.NumThreads,
		VirtualOverviews: c.VirtualOverviews,
		HolePolicy:       vrt.HolePolicy(c.HolePolicy),
	}
}

// Apply pushes the settings into the library packages.
func Apply(c Config) {
	raster.SetDebug(c.Debug)
	vrt.SetOptions(c.Options())
	cog.SetBlockCacheSize(c.BlockCacheMB)
}
