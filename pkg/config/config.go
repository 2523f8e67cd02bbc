// Copyright 2024 The Silica Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"

	"github.com/BurntSushi/toml"

	"github.com/silicadb/silica/pkg/common/moerr"
	"github.com/silicadb/silica/pkg/logutil"
)

const (
	// DefaultBatchSize is the target row count of batches flowing
	// between operators.
	DefaultBatchSize = 8192

	SpillBackendFile   = "file"
	SpillBackendPebble = "pebble"

	defaultOperatorMemoryLimit = 256 << 20
	defaultSingleValueLimit    = 4 << 20
	defaultSpillPartitions     = 16
)

// EngineConfig carries the runtime knobs of the execution core.
type EngineConfig struct {
	// BatchSize is the row-count bound of operator output batches.
	BatchSize int `toml:"batch-size"`
	// OperatorMemoryLimit bounds the accounted memory of a single
	// operator instance. Crossing it either triggers a spill (for
	// operators that can) or fails the query.
	OperatorMemoryLimit int64 `toml:"operator-memory-limit"`
	// WorkerCount is the size of the driver scheduler pool.
	// Zero means GOMAXPROCS.
	WorkerCount int `toml:"worker-count"`

	Spill SpillConfig `toml:"spill"`
	Agg   AggConfig   `toml:"agg"`
	Log   logutil.LogConfig `toml:"log"`
}

type SpillConfig struct {
	// Dir is the directory spill files and pebble stores live under.
	Dir string `toml:"dir"`
	// Backend selects the spill store: "file" or "pebble".
	Backend string `toml:"backend"`
	// Partitions is the build-side partition count, a power of two.
	Partitions int `toml:"partitions"`
	// Compress enables lz4 framing of spilled pages (file backend).
	Compress bool `toml:"compress"`
}

type AggConfig struct {
	// SingleValueLimit bounds one group's state for unscaled-growth
	// aggregations such as group_concat.
	SingleValueLimit int64 `toml:"single-value-limit"`
}

// Default returns the engine defaults used when no file is given.
func Default() *EngineConfig {
	c := &EngineConfig{}
	c.fillDefaults()
	return c
}

// Load parses a TOML config file and applies defaults for absent keys.
func Load(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, moerr.NewInternalf("cannot read config %s: %v", path, err)
	}
	c := &EngineConfig{}
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, moerr.NewInternalf("cannot parse config %s: %v", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	c.fillDefaults()
	return c, nil
}

func (c *EngineConfig) fillDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.OperatorMemoryLimit <= 0 {
		c.OperatorMemoryLimit = defaultOperatorMemoryLimit
	}
	if c.Spill.Dir == "" {
		c.Spill.Dir = os.TempDir()
	}
	if c.Spill.Backend == "" {
		c.Spill.Backend = SpillBackendFile
	}
	if c.Spill.Partitions <= 0 {
		c.Spill.Partitions = defaultSpillPartitions
	}
	if c.Agg.SingleValueLimit <= 0 {
		c.Agg.SingleValueLimit = defaultSingleValueLimit
	}
}

func (c *EngineConfig) validate() error {
	if c.Spill.Partitions > 0 && c.Spill.Partitions&(c.Spill.Partitions-1) != 0 {
		return moerr.NewInternalf("spill.partitions must be a power of two, got %d", c.Spill.Partitions)
	}
	switch c.Spill.Backend {
	case "", SpillBackendFile, SpillBackendPebble:
	default:
		return moerr.NewInternalf("unknown spill backend %q", c.Spill.Backend)
	}
	return nil
}
