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

// Package spill writes partitioned runs of batches to disk and reads
// them back in spill order. Two backends exist: flat files with
// length-prefixed frames, and a pebble store keyed by partition and
// sequence number.
package spill

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/silicadb/silica/pkg/common/moerr"
	"github.com/silicadb/silica/pkg/config"
	"github.com/silicadb/silica/pkg/container/batch"
)

// Spiller stores batches per partition. The write phase ends with
// Finish; after that Unspill streams every partition's batches back in
// the order they were spilled. Close removes everything on disk.
type Spiller interface {
	Spill(ctx context.Context, partition int, bat *batch.Batch) error
	Finish() error
	// Unspill returns the next batch of the partition, nil when the
	// partition is exhausted.
	Unspill(ctx context.Context, partition int) (*batch.Batch, error)
	// Spilled reports whether the partition holds any data.
	Spilled(partition int) bool
	Partitions() int
	// Size is the total payload bytes written so far.
	Size() int64
	Close() error
}

// New creates a spiller for one operator run. name shows up in the
// on-disk path to make leftover runs attributable.
func New(cfg config.SpillConfig, name string) (Spiller, error) {
	dir := filepath.Join(cfg.Dir, fmt.Sprintf("%s-%s", name, uuid.NewString()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, moerr.NewSpillIO("creating spill dir", err)
	}
	switch cfg.Backend {
	case config.SpillBackendFile:
		return newFileSpiller(dir, cfg.Partitions, cfg.Compress)
	case config.SpillBackendPebble:
		return newPebbleSpiller(dir, cfg.Partitions, cfg.Compress)
	}
	return nil, moerr.NewInternalf("unknown spill backend %q", cfg.Backend)
}
