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
	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/silicadb/silica/pkg/colexec/joinbridge"
	"github.com/silicadb/silica/pkg/common/future"
	"github.com/silicadb/silica/pkg/common/moerr"
	"github.com/silicadb/silica/pkg/container/batch"
	"github.com/silicadb/silica/pkg/container/vector"
	"github.com/silicadb/silica/pkg/vm"
	"github.com/silicadb/silica/pkg/vm/process"
)

// OuterDrainFactory builds the drain stage of LOOKUP_OUTER and
// FULL_OUTER joins: after the last probe operator closes, it emits one
// null-probe row per unmatched build row. The bridge must have been
// created with needsOuter.
type OuterDrainFactory struct {
	bridge   *joinbridge.Bridge
	spec     Spec
	lifespan vm.Lifespan
}

func NewOuterDrainFactory(bridge *joinbridge.Bridge, spec Spec, lifespan vm.Lifespan) *OuterDrainFactory {
	return &OuterDrainFactory{bridge: bridge, spec: spec, lifespan: lifespan}
}

func (f *OuterDrainFactory) CreateOperator(proc *process.Process) (vm.Operator, error) {
	return &OuterDrainOperator{
		proc:      proc,
		bridge:    f.bridge,
		spec:      f.spec,
		lifespan:  f.lifespan,
		batchSize: proc.Config().BatchSize,
	}, nil
}

func (f *OuterDrainFactory) NoMoreOperators(vm.Lifespan) error {
	return nil
}

func (f *OuterDrainFactory) Duplicate() vm.OperatorFactory {
	return NewOuterDrainFactory(f.bridge, f.spec, f.lifespan)
}

type OuterDrainOperator struct {
	vm.OperatorBase

	proc      *process.Process
	bridge    *joinbridge.Bridge
	spec      Spec
	lifespan  vm.Lifespan
	batchSize int

	started bool
	ls      *joinbridge.LookupSource
	matched *roaring64.Bitmap

	// current drain source: the in-memory lookup source, then each
	// restored spilled partition in turn
	table      interface{ Batch(batchIdx int) *batch.Batch }
	refs       []uint64
	refIdx     int
	parts      []int
	restoreFut *future.Value[joinbridge.RestoreResult]

	done bool
}

func (op *OuterDrainOperator) AddInput(*batch.Batch) error {
	return moerr.NewContractViolation("outer drain takes no input")
}

func (op *OuterDrainOperator) GetOutput() (*batch.Batch, error) {
	if err := op.proc.Interrupted(); err != nil {
		return nil, err
	}
	if op.done {
		return nil, nil
	}
	if !op.started {
		if !op.bridge.OuterFuture(op.lifespan).Resolved() {
			return nil, nil
		}
		op.ls, op.matched = op.bridge.OuterState(op.lifespan)
		op.table = op.ls
		op.refs = op.ls.UnmatchedRefs(op.matched)
		for part := 0; part < op.ls.Partitions(); part++ {
			if op.ls.SpilledPartition(part) {
				op.parts = append(op.parts, part)
			}
		}
		op.started = true
	}

	out := op.newOut()
	for out.RowCount() < op.batchSize {
		if op.refIdx >= len(op.refs) {
			if op.restoreFut == nil {
				if len(op.parts) == 0 {
					op.done = true
					break
				}
				op.restoreFut = op.ls.RestorePartitionFuture(op.proc.Ctx(), op.parts[0])
				op.parts = op.parts[1:]
			}
			res, ok := op.restoreFut.TryGet()
			if !ok {
				// park on the background restore instead of waiting
				break
			}
			op.restoreFut = nil
			if res.Err != nil {
				return nil, res.Err
			}
			op.table = res.Partition
			op.refs = res.Partition.UnmatchedRefs(op.matched)
			op.refIdx = 0
			continue
		}
		if err := op.emitBuildOnly(out, op.refs[op.refIdx]); err != nil {
			return nil, err
		}
		op.refIdx++
	}
	if out.IsEmpty() {
		return nil, nil
	}
	return out, nil
}

func (op *OuterDrainOperator) newOut() *batch.Batch {
	np := len(op.spec.ProbeOutCols)
	out := batch.NewWithSize(np + len(op.spec.BuildOutCols))
	for i, c := range op.spec.ProbeOutCols {
		out.Vecs[i] = vector.NewVec(op.spec.ProbeTypes[c])
	}
	for i, c := range op.spec.BuildOutCols {
		out.Vecs[np+i] = vector.NewVec(op.spec.BuildTypes[c])
	}
	return out
}

func (op *OuterDrainOperator) emitBuildOnly(out *batch.Batch, ref uint64) error {
	np := len(op.spec.ProbeOutCols)
	for i := range op.spec.ProbeOutCols {
		if err := out.Vecs[i].UnionNull(); err != nil {
			return err
		}
	}
	batchIdx, buildRow := joinbridge.UnpackRowRef(ref)
	buildBat := op.table.Batch(batchIdx)
	for i, c := range op.spec.BuildOutCols {
		if err := out.Vecs[np+i].UnionOne(buildBat.Vecs[c], int64(buildRow)); err != nil {
			return err
		}
	}
	out.AddRowCount(1)
	return nil
}

// IsBlocked parks the drain until the last probe operator closes, and
// afterwards while a spilled partition is being restored.
func (op *OuterDrainOperator) IsBlocked() *future.Signal {
	if !op.started {
		if fut := op.bridge.OuterFuture(op.lifespan); !fut.Resolved() {
			return fut
		}
		return nil
	}
	if op.restoreFut != nil {
		return op.restoreFut.Signal()
	}
	return nil
}

func (op *OuterDrainOperator) Finish() error {
	op.MarkFinished()
	return nil
}

func (op *OuterDrainOperator) IsFinished() bool {
	return op.done
}

func (op *OuterDrainOperator) Close() error {
	if !op.MarkClosed() {
		return nil
	}
	op.refs = nil
	op.table = nil
	op.bridge.OuterDrainClosed(op.lifespan)
	return nil
}
