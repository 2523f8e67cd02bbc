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

package join

import (
	"sort"

	"github.com/silicadb/silica/pkg/colexec/joinbridge"
	"github.com/silicadb/silica/pkg/common/future"
	"github.com/silicadb/silica/pkg/common/hashmap"
	"github.com/silicadb/silica/pkg/container/batch"
	"github.com/silicadb/silica/pkg/container/vector"
)

func (op *LookupJoinOperator) AddInput(bat *batch.Batch) error {
	if err := op.EnsureAcceptingInput(); err != nil {
		return err
	}
	if err := op.proc.Interrupted(); err != nil {
		return err
	}
	if bat == nil || bat.IsEmpty() {
		return nil
	}
	op.pending = append(op.pending, bat)
	return nil
}

func (op *LookupJoinOperator) GetOutput() (*batch.Batch, error) {
	if err := op.proc.Interrupted(); err != nil {
		return nil, err
	}
	for {
		switch op.state {
		case stateConsumingInput:
			if op.ls == nil {
				ls, ok := op.srcFut.TryGet()
				if !ok {
					return nil, nil
				}
				op.ls = ls
			}
			// An empty build side cannot match anything; unless
			// unmatched probe rows survive, the probe side is a no-op.
			if op.ls.Empty() && !op.spec.Kind.emitUnmatchedProbe() {
				op.pending = op.pending[:0]
				op.cursor = nil
				if !op.InputDone() {
					return nil, nil
				}
				op.state = stateFinished
				continue
			}
			if op.cursor == nil {
				if len(op.pending) == 0 {
					if !op.InputDone() {
						return nil, nil
					}
					op.startReplay()
					continue
				}
				op.cursor = op.newCursor(op.pending[0], op.ls)
				op.pending = op.pending[1:]
			}
			full, err := op.probe(op.cursor, op.ls, true)
			if err != nil {
				return nil, err
			}
			if full {
				return op.take(), nil
			}
			op.cursor = nil

		case stateLookingForNextBuildPartition:
			if op.replayTable == nil {
				if op.restoreFut == nil {
					if len(op.replayParts) == 0 {
						op.state = stateFinished
						continue
					}
					op.restorePart = op.replayParts[0]
					op.replayParts = op.replayParts[1:]
					op.restoreFut = op.ls.RestorePartitionFuture(op.proc.Ctx(), op.restorePart)
				}
				res, ok := op.restoreFut.TryGet()
				if !ok {
					// restore runs in the background; the driver
					// parks on IsBlocked until it resolves
					return op.take(), nil
				}
				op.restoreFut = nil
				if res.Err != nil {
					return nil, res.Err
				}
				op.replayTable = res.Partition
				op.replayBats = op.buffered[op.restorePart]
				delete(op.buffered, op.restorePart)
			}
			if op.cursor == nil {
				if len(op.replayBats) == 0 {
					op.replayTable = nil
					continue
				}
				op.cursor = op.newCursor(op.replayBats[0], op.replayTable)
				op.replayBats = op.replayBats[1:]
			}
			full, err := op.probe(op.cursor, op.replayTable, false)
			if err != nil {
				return nil, err
			}
			if full {
				return op.take(), nil
			}
			op.cursor = nil

		case stateFinished:
			return op.take(), nil
		}
	}
}

// startReplay moves the operator to the spilled-partition pass once the
// in-memory probe drained. Partitions replay in ascending order.
func (op *LookupJoinOperator) startReplay() {
	op.replayParts = op.replayParts[:0]
	for part := range op.buffered {
		op.replayParts = append(op.replayParts, part)
	}
	sort.Ints(op.replayParts)
	op.state = stateLookingForNextBuildPartition
}

func (op *LookupJoinOperator) newCursor(bat *batch.Batch, table lookupTable) *probeCursor {
	keyVecs := make([]*vector.Vector, len(op.spec.ProbeKeyCols))
	for i, c := range op.spec.ProbeKeyCols {
		keyVecs[i] = bat.Vecs[c]
	}
	return &probeCursor{bat: bat, itr: table.NewIterator(), keyVecs: keyVecs}
}

// probe advances the cursor over its probe batch, emitting joined rows
// until the batch is exhausted or the output batch fills. route is set
// for the first pass only: probe rows whose key hashes into a spilled
// build partition are buffered for replay instead of probed.
func (op *LookupJoinOperator) probe(cur *probeCursor, table lookupTable, route bool) (bool, error) {
	count := cur.bat.RowCount()
	routeSpilled := route && op.ls.HasSpill()
	for cur.row < count {
		if op.out != nil && op.out.RowCount() >= op.batchSize {
			return true, nil
		}
		if cur.row >= cur.chunkStart+len(cur.vs) || cur.vs == nil {
			n := count - cur.row
			if n > hashmap.UnitLimit {
				n = hashmap.UnitLimit
			}
			cur.chunkStart = cur.row
			cur.vs, cur.zvs = cur.itr.Find(cur.chunkStart, n, cur.keyVecs)
		}
		i := cur.row - cur.chunkStart

		// A null key never matches, not even another null.
		if cur.zvs[i] == 0 {
			if op.spec.Kind.emitUnmatchedProbe() {
				if err := op.emitProbeOnly(cur.bat, cur.row); err != nil {
					return false, err
				}
			}
			cur.row++
			continue
		}

		if routeSpilled {
			part := op.partitioner.PartitionOf(cur.bat, cur.row)
			if op.ls.SpilledPartition(part) {
				if err := op.bufferRow(part, cur.bat, cur.row); err != nil {
					return false, err
				}
				cur.row++
				continue
			}
		}

		g := cur.vs[i]
		if g == 0 {
			if op.spec.Kind.emitUnmatchedProbe() {
				if err := op.emitProbeOnly(cur.bat, cur.row); err != nil {
					return false, err
				}
			}
			cur.row++
			continue
		}

		sels := table.Sels(g)
		if op.spec.SingleMatch {
			if err := op.emitJoined(cur.bat, cur.row, table, sels[0]); err != nil {
				return false, err
			}
			op.markMatched(table, sels[0])
			cur.row++
			continue
		}
		for cur.matchIdx < len(sels) {
			if op.out != nil && op.out.RowCount() >= op.batchSize {
				// resume at this match after the flush
				return true, nil
			}
			ref := sels[cur.matchIdx]
			if err := op.emitJoined(cur.bat, cur.row, table, ref); err != nil {
				return false, err
			}
			op.markMatched(table, ref)
			cur.matchIdx++
		}
		cur.matchIdx = 0
		cur.row++
	}
	return false, nil
}

// bufferRow copies one probe row into the staging batches of a spilled
// build partition.
func (op *LookupJoinOperator) bufferRow(part int, bat *batch.Batch, row int) error {
	bats := op.buffered[part]
	var dst *batch.Batch
	if n := len(bats); n > 0 && bats[n-1].RowCount() < op.batchSize {
		dst = bats[n-1]
	} else {
		if n > 0 {
			if err := op.mem.Grow(int64(bats[n-1].Size())); err != nil {
				return err
			}
		}
		dst = batch.NewWithSize(len(bat.Vecs))
		for i, vec := range bat.Vecs {
			dst.Vecs[i] = vector.NewVec(*vec.GetType())
		}
		op.buffered[part] = append(bats, dst)
	}
	for i, vec := range bat.Vecs {
		if err := dst.Vecs[i].UnionOne(vec, int64(row)); err != nil {
			return err
		}
	}
	dst.AddRowCount(1)
	return nil
}

func (op *LookupJoinOperator) ensureOut() *batch.Batch {
	if op.out == nil {
		np := len(op.spec.ProbeOutCols)
		op.out = batch.NewWithSize(np + len(op.spec.BuildOutCols))
		for i, c := range op.spec.ProbeOutCols {
			op.out.Vecs[i] = vector.NewVec(op.spec.ProbeTypes[c])
		}
		for i, c := range op.spec.BuildOutCols {
			op.out.Vecs[np+i] = vector.NewVec(op.spec.BuildTypes[c])
		}
	}
	return op.out
}

func (op *LookupJoinOperator) emitJoined(probeBat *batch.Batch, probeRow int, table lookupTable, ref uint64) error {
	out := op.ensureOut()
	np := len(op.spec.ProbeOutCols)
	for i, c := range op.spec.ProbeOutCols {
		if err := out.Vecs[i].UnionOne(probeBat.Vecs[c], int64(probeRow)); err != nil {
			return err
		}
	}
	batchIdx, buildRow := joinbridge.UnpackRowRef(ref)
	buildBat := table.Batch(batchIdx)
	for i, c := range op.spec.BuildOutCols {
		if err := out.Vecs[np+i].UnionOne(buildBat.Vecs[c], int64(buildRow)); err != nil {
			return err
		}
	}
	out.AddRowCount(1)
	return nil
}

func (op *LookupJoinOperator) emitProbeOnly(probeBat *batch.Batch, probeRow int) error {
	out := op.ensureOut()
	np := len(op.spec.ProbeOutCols)
	for i, c := range op.spec.ProbeOutCols {
		if err := out.Vecs[i].UnionOne(probeBat.Vecs[c], int64(probeRow)); err != nil {
			return err
		}
	}
	for i := range op.spec.BuildOutCols {
		if err := out.Vecs[np+i].UnionNull(); err != nil {
			return err
		}
	}
	out.AddRowCount(1)
	return nil
}

func (op *LookupJoinOperator) markMatched(table lookupTable, ref uint64) {
	if op.matched != nil {
		op.matched.Add(table.GlobalRow(ref))
	}
}

// take hands the accumulated output batch over, or nil when empty.
func (op *LookupJoinOperator) take() *batch.Batch {
	bat := op.out
	op.out = nil
	if bat == nil || bat.IsEmpty() {
		return nil
	}
	return bat
}

// IsBlocked parks the driver until the build side publishes, and
// during replay until a partition restore resolves.
func (op *LookupJoinOperator) IsBlocked() *future.Signal {
	if op.ls == nil && !op.srcFut.Signal().Resolved() {
		return op.srcFut.Signal()
	}
	if op.restoreFut != nil {
		return op.restoreFut.Signal()
	}
	return nil
}

func (op *LookupJoinOperator) Finish() error {
	op.MarkFinished()
	return nil
}

func (op *LookupJoinOperator) IsFinished() bool {
	return op.state == stateFinished && (op.out == nil || op.out.IsEmpty())
}

func (op *LookupJoinOperator) Close() error {
	if !op.MarkClosed() {
		return nil
	}
	op.pending = nil
	op.cursor = nil
	op.buffered = nil
	op.replayBats = nil
	op.replayTable = nil
	op.out = nil
	op.mem.Release()
	op.bridge.ProbeOperatorClosed(op.lifespan, op.matched)
	return nil
}
