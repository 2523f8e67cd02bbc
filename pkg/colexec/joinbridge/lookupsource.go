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

// Package joinbridge connects the build and probe sides of a hash
// join. The build side publishes a LookupSource through the bridge
// exactly once per lifespan; probe operators take references through
// the bridge so the source is destroyed exactly once, after the last
// prober (and the outer drain, when one exists) is gone.
package joinbridge

import (
	"context"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/silicadb/silica/pkg/common/future"
	"github.com/silicadb/silica/pkg/common/hashmap"
	"github.com/silicadb/silica/pkg/common/moerr"
	"github.com/silicadb/silica/pkg/container/batch"
	"github.com/silicadb/silica/pkg/container/types"
	"github.com/silicadb/silica/pkg/container/vector"
	"github.com/silicadb/silica/pkg/spill"
)

// LookupSource is the immutable result of the build side: the
// collected build batches, the hash table over the build keys, and the
// spill handle for partitions too large for memory.
//
// A group id from the hash table resolves to the packed row refs of
// every build row with that key; a ref packs the batch ordinal in the
// high 32 bits and the row in the low 32.
type LookupSource struct {
	keyCols  []int
	keyTypes []types.Type
	batches  []*batch.Batch
	mp       hashmap.HashMap
	sels     [][]uint64

	// rowStarts[i] is the global row index of batches[i]'s first row;
	// the matched bitmap for outer joins is kept in global row space.
	rowStarts []uint64
	totalRows uint64

	spilled []bool
	spiller spill.Spiller

	// spilled partitions restored on demand during the probe second
	// pass; global row indexes continue past totalRows. Restores run
	// on background goroutines so operator calls never wait on the
	// unspill reads; restoreMu serializes the reads themselves.
	mu        sync.Mutex
	restoring map[int]*future.Value[RestoreResult]
	restored  map[int]*RestoredPartition
	restoreMu sync.Mutex
	nextRow   uint64
}

// NewLookupSource wraps the build side's results. spiller may be nil
// when nothing overflowed; spilledParts then must be all false.
func NewLookupSource(
	keyCols []int, keyTypes []types.Type,
	batches []*batch.Batch, mp hashmap.HashMap, sels [][]uint64,
	spilledParts []bool, spiller spill.Spiller,
) *LookupSource {
	ls := &LookupSource{
		keyCols:   keyCols,
		keyTypes:  keyTypes,
		batches:   batches,
		mp:        mp,
		sels:      sels,
		spilled:   spilledParts,
		spiller:   spiller,
		restoring: make(map[int]*future.Value[RestoreResult]),
		restored:  make(map[int]*RestoredPartition),
	}
	ls.rowStarts = make([]uint64, len(batches))
	for i, bat := range batches {
		ls.rowStarts[i] = ls.totalRows
		ls.totalRows += uint64(bat.RowCount())
	}
	ls.nextRow = ls.totalRows
	return ls
}

// BuildTable indexes the key columns of batches into a fresh hash
// table. sels maps each 1-based group id to the packed refs of its
// rows. Null-keyed rows get no group; they stay reachable only through
// the outer drain.
func BuildTable(ctx context.Context, keyTypes []types.Type, keyCols []int, batches []*batch.Batch) (hashmap.HashMap, [][]uint64, error) {
	mp := hashmap.New(keyTypes, false)
	itr := mp.NewIterator()
	var sels [][]uint64

	for batchIdx, bat := range batches {
		keyVecs := make([]*vector.Vector, len(keyCols))
		for i, col := range keyCols {
			keyVecs[i] = bat.GetVector(int32(col))
		}
		for start := 0; start < bat.RowCount(); start += hashmap.UnitLimit {
			if err := ctx.Err(); err != nil {
				mp.Free()
				return nil, nil, moerr.NewQueryInterrupted(ctx)
			}
			n := bat.RowCount() - start
			if n > hashmap.UnitLimit {
				n = hashmap.UnitLimit
			}
			vs, zvs, err := itr.Insert(start, n, keyVecs)
			if err != nil {
				mp.Free()
				return nil, nil, err
			}
			for i := 0; i < n; i++ {
				if zvs[i] == 0 {
					continue
				}
				g := vs[i]
				for uint64(len(sels)) < g {
					sels = append(sels, nil)
				}
				sels[g-1] = append(sels[g-1], PackRowRef(batchIdx, start+i))
			}
		}
	}
	return mp, sels, nil
}

func PackRowRef(batchIdx, row int) uint64 {
	return uint64(batchIdx)<<32 | uint64(uint32(row))
}

func UnpackRowRef(ref uint64) (batchIdx, row int) {
	return int(ref >> 32), int(uint32(ref))
}

func (ls *LookupSource) KeyCols() []int {
	return ls.keyCols
}

// NewIterator returns a private find cursor over the build hash table.
func (ls *LookupSource) NewIterator() hashmap.Iterator {
	return ls.mp.NewIterator()
}

// Sels returns the packed row refs of the 1-based group id.
func (ls *LookupSource) Sels(groupID uint64) []uint64 {
	return ls.sels[groupID-1]
}

// Batch returns the build batch of a packed ref's batch ordinal.
func (ls *LookupSource) Batch(batchIdx int) *batch.Batch {
	return ls.batches[batchIdx]
}

func (ls *LookupSource) Batches() []*batch.Batch {
	return ls.batches
}

// GlobalRow maps a packed ref into the global row space.
func (ls *LookupSource) GlobalRow(ref uint64) uint64 {
	batchIdx, row := UnpackRowRef(ref)
	return ls.rowStarts[batchIdx] + uint64(row)
}

func (ls *LookupSource) TotalRows() uint64 {
	return ls.totalRows
}

// Empty reports a build side with no rows at all, in memory or on disk.
func (ls *LookupSource) Empty() bool {
	if ls.totalRows > 0 {
		return false
	}
	for _, sp := range ls.spilled {
		if sp {
			return false
		}
	}
	return true
}

// HasSpill reports whether any partition lives on disk.
func (ls *LookupSource) HasSpill() bool {
	for _, sp := range ls.spilled {
		if sp {
			return true
		}
	}
	return false
}

// SpilledPartition reports whether the partition's build rows are on
// disk; probe rows of such partitions must be spilled and replayed.
func (ls *LookupSource) SpilledPartition(partition int) bool {
	return ls.spilled[partition]
}

func (ls *LookupSource) Partitions() int {
	return len(ls.spilled)
}

// Spiller exposes the build-side spill handle for partition replay.
func (ls *LookupSource) Spiller() spill.Spiller {
	return ls.spiller
}

// UnmatchedRefs lists the packed refs of build rows absent from the
// matched bitmap, in build order. The outer drain uses this after the
// last probe closed. Restored partitions report their own unmatched
// rows separately.
func (ls *LookupSource) UnmatchedRefs(matched *roaring64.Bitmap) []uint64 {
	var refs []uint64
	for batchIdx, bat := range ls.batches {
		for row := 0; row < bat.RowCount(); row++ {
			if matched == nil || !matched.Contains(ls.rowStarts[batchIdx]+uint64(row)) {
				refs = append(refs, PackRowRef(batchIdx, row))
			}
		}
	}
	return refs
}

// RestoredPartition is one spilled build partition brought back into
// memory for the probe second pass. Its rows continue the global row
// space past the in-memory build rows.
type RestoredPartition struct {
	batches  []*batch.Batch
	mp       hashmap.HashMap
	sels     [][]uint64
	rowStart uint64
}

func (rp *RestoredPartition) NewIterator() hashmap.Iterator {
	return rp.mp.NewIterator()
}

func (rp *RestoredPartition) Sels(groupID uint64) []uint64 {
	return rp.sels[groupID-1]
}

func (rp *RestoredPartition) Batch(batchIdx int) *batch.Batch {
	return rp.batches[batchIdx]
}

func (rp *RestoredPartition) GlobalRow(ref uint64) uint64 {
	batchIdx, row := UnpackRowRef(ref)
	start := rp.rowStart
	for i := 0; i < batchIdx; i++ {
		start += uint64(rp.batches[i].RowCount())
	}
	return start + uint64(row)
}

// UnmatchedRefs lists the restored partition's build rows absent from
// the matched bitmap.
func (rp *RestoredPartition) UnmatchedRefs(matched *roaring64.Bitmap) []uint64 {
	var refs []uint64
	start := rp.rowStart
	for batchIdx, bat := range rp.batches {
		for row := 0; row < bat.RowCount(); row++ {
			if matched == nil || !matched.Contains(start+uint64(row)) {
				refs = append(refs, PackRowRef(batchIdx, row))
			}
		}
		start += uint64(bat.RowCount())
	}
	return refs
}

func (rp *RestoredPartition) free() {
	if rp.mp != nil {
		rp.mp.Free()
		rp.mp = nil
	}
	rp.batches = nil
	rp.sels = nil
}

// RestoreResult is the outcome of a background partition restore.
type RestoreResult struct {
	Partition *RestoredPartition
	Err       error
}

// RestorePartitionFuture starts restoring one spilled partition on a
// background goroutine, once; every caller (probe replay, outer drain)
// shares the same future and parks on its signal instead of waiting on
// the unspill reads. The caller must know the partition was spilled.
func (ls *LookupSource) RestorePartitionFuture(ctx context.Context, partition int) *future.Value[RestoreResult] {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if fut, ok := ls.restoring[partition]; ok {
		return fut
	}
	fut := future.NewValue[RestoreResult]()
	ls.restoring[partition] = fut
	go func() {
		rp, err := ls.restore(ctx, partition)
		fut.Set(RestoreResult{Partition: rp, Err: err})
	}()
	return fut
}

// RestorePartition is the blocking form, for callers outside a driver.
func (ls *LookupSource) RestorePartition(ctx context.Context, partition int) (*RestoredPartition, error) {
	res := ls.RestorePartitionFuture(ctx, partition).Get()
	return res.Partition, res.Err
}

func (ls *LookupSource) restore(ctx context.Context, partition int) (*RestoredPartition, error) {
	ls.restoreMu.Lock()
	defer ls.restoreMu.Unlock()

	var batches []*batch.Batch
	var rows uint64
	for {
		bat, err := ls.spiller.Unspill(ctx, partition)
		if err != nil {
			return nil, err
		}
		if bat == nil {
			break
		}
		batches = append(batches, bat)
		rows += uint64(bat.RowCount())
	}
	mp, sels, err := BuildTable(ctx, ls.keyTypes, ls.keyCols, batches)
	if err != nil {
		return nil, err
	}

	rp := &RestoredPartition{
		batches:  batches,
		mp:       mp,
		sels:     sels,
		rowStart: ls.nextRow,
	}
	ls.nextRow += rows
	ls.mu.Lock()
	ls.restored[partition] = rp
	ls.mu.Unlock()
	return rp, nil
}

func (ls *LookupSource) destroy() {
	// no restore may still be reading from the spiller when it closes
	ls.restoreMu.Lock()
	defer ls.restoreMu.Unlock()
	if ls.mp != nil {
		ls.mp.Free()
		ls.mp = nil
	}
	ls.batches = nil
	ls.sels = nil
	for _, rp := range ls.restored {
		rp.free()
	}
	ls.restored = nil
	if ls.spiller != nil {
		_ = ls.spiller.Close()
		ls.spiller = nil
	}
}
