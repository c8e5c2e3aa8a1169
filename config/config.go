// Package config loads the FTL's static configuration from YAML: array
// geometry, the GC victim-selection policy, and the ABM snapshot path.
// It has no mapping-policy, trim, or snapshot enable/disable settings.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flashftl/pageftl/gc"
	"github.com/flashftl/pageftl/geometry"
)

// GCPolicy names a victim-selection strategy by its config-file spelling.
type GCPolicy string

const (
	GCPolicyGreedy   GCPolicy = "greedy"
	GCPolicyFirstFit GCPolicy = "first-fit"
)

// Strategy translates the YAML spelling into a gc.Strategy value.
func (p GCPolicy) Strategy() (gc.Strategy, error) {
	switch p {
	case GCPolicyGreedy, "":
		return gc.Greedy, nil
	case GCPolicyFirstFit:
		return gc.FirstFit, nil
	default:
		return 0, fmt.Errorf("config: unknown gc_policy %q", string(p))
	}
}

// Config is the top-level FTL configuration document.
type Config struct {
	Geometry GeometryConfig `yaml:"geometry"`
	GCPolicy GCPolicy       `yaml:"gc_policy"`

	// ABMSnapshotPath is the path the ABM snapshot is written to and read
	// from. It defaults to a fixed location matching the original
	// driver's hardcoded path, but — unlike the mapping snapshot path,
	// which is always caller-supplied per call — it can be overridden
	// here (§9 re-architecture note, §14 Open Question resolution).
	ABMSnapshotPath string `yaml:"abm_snapshot_path"`
}

// GeometryConfig is the YAML-facing mirror of geometry.Geometry.
type GeometryConfig struct {
	Channels        uint64 `yaml:"channels"`
	ChipsPerChannel uint64 `yaml:"chips_per_channel"`
	BlocksPerChip   uint64 `yaml:"blocks_per_chip"`
	PagesPerBlock   uint64 `yaml:"pages_per_block"`
	PageMainSize    uint64 `yaml:"page_main_size"`
	PageOOBSize     uint64 `yaml:"page_oob_size"`
}

// DefaultABMSnapshotPath mirrors the fixed path the original driver wrote
// its ABM snapshot to, used whenever a Config leaves ABMSnapshotPath blank.
const DefaultABMSnapshotPath = "/var/lib/pageftl/abm.dat"

// Load reads and validates a Config from a YAML file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if c.ABMSnapshotPath == "" {
		c.ABMSnapshotPath = DefaultABMSnapshotPath
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &c, nil
}

// Validate checks the geometry is constructible and every policy enum
// names an implemented strategy — rejecting unimplemented values at open
// time rather than failing later mid-operation.
func (c *Config) Validate() error {
	if _, err := c.Geometry.Build(); err != nil {
		return err
	}
	if _, err := c.GCPolicy.Strategy(); err != nil {
		return err
	}
	return nil
}

// Build constructs a geometry.Geometry from the YAML-facing fields.
func (g GeometryConfig) Build() (geometry.Geometry, error) {
	return geometry.New(g.Channels, g.ChipsPerChannel, g.BlocksPerChip, g.PagesPerBlock, g.PageMainSize, g.PageOOBSize)
}
