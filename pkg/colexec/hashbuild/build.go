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

// Package hashbuild implements the build side of a hash join: it
// collects build batches into key-hash partitions, spills partitions
// that overflow the operator's memory budget, indexes the in-memory
// rows and publishes the lookup source through the join bridge.
package hashbuild

import (
	"github.com/silicadb/silica/pkg/colexec/joinbridge"
	"github.com/silicadb/silica/pkg/common/future"
	"github.com/silicadb/silica/pkg/common/memory"
	"github.com/silicadb/silica/pkg/common/moerr"
	"github.com/silicadb/silica/pkg/container/batch"
	"github.com/silicadb/silica/pkg/container/types"
	"github.com/silicadb/silica/pkg/logutil"
	"github.com/silicadb/silica/pkg/spill"
	"github.com/silicadb/silica/pkg/vm"
	"github.com/silicadb/silica/pkg/vm/process"
)

// spillThreshold is the fraction of the memory limit at which the
// largest partition gets pushed to disk.
const spillThreshold = 0.8

type BuildFactory struct {
	bridge   *joinbridge.Bridge
	keyCols  []int
	keyTypes []types.Type
	lifespan vm.Lifespan

	created bool
}

// NewFactory describes the build side of one join. One build operator
// per lifespan publishes the lookup source.
func NewFactory(bridge *joinbridge.Bridge, keyCols []int, keyTypes []types.Type, lifespan vm.Lifespan) *BuildFactory {
	return &BuildFactory{
		bridge:   bridge,
		keyCols:  keyCols,
		keyTypes: keyTypes,
		lifespan: lifespan,
	}
}

func (f *BuildFactory) CreateOperator(proc *process.Process) (vm.Operator, error) {
	if f.created {
		return nil, moerr.NewContractViolation("one build operator per lifespan")
	}
	f.created = true
	partitions := proc.Config().Spill.Partitions
	return &BuildOperator{
		proc:        proc,
		bridge:      f.bridge,
		keyCols:     f.keyCols,
		keyTypes:    f.keyTypes,
		lifespan:    f.lifespan,
		mem:         proc.NewOperatorMem("hashbuild"),
		partitioner: spill.NewPartitioner(partitions, f.keyCols),
		parts:       make([][]*batch.Batch, partitions),
		partBytes:   make([]int64, partitions),
		spilled:     make([]bool, partitions),
	}, nil
}

func (f *BuildFactory) NoMoreOperators(vm.Lifespan) error {
	return nil
}

func (f *BuildFactory) Duplicate() vm.OperatorFactory {
	return NewFactory(f.bridge, f.keyCols, f.keyTypes, f.lifespan)
}

type BuildOperator struct {
	vm.OperatorBase

	proc     *process.Process
	bridge   *joinbridge.Bridge
	keyCols  []int
	keyTypes []types.Type
	lifespan vm.Lifespan

	mem         *memory.Context
	partitioner *spill.Partitioner
	parts       [][]*batch.Batch
	partBytes   []int64
	spilled     []bool
	spiller     spill.Spiller

	// spill writes run on a background task so AddInput never waits on
	// disk; queued batches keep FIFO order within a partition
	spillQueue []spillItem
	io         *future.Task

	published bool
}

type spillItem struct {
	part int
	bat  *batch.Batch
}

func (op *BuildOperator) AddInput(bat *batch.Batch) error {
	if err := op.EnsureAcceptingInput(); err != nil {
		return err
	}
	if err := op.proc.Interrupted(); err != nil {
		return err
	}
	if bat == nil || bat.IsEmpty() {
		return nil
	}
	if err := op.reapIO(); err != nil {
		return err
	}

	split, err := op.partitioner.Split(bat)
	if err != nil {
		return err
	}
	for part, pb := range split {
		if pb == nil {
			continue
		}
		if op.spilled[part] {
			op.spillQueue = append(op.spillQueue, spillItem{part: part, bat: pb})
			continue
		}
		sz := int64(pb.Size())
		if err := op.mem.Grow(sz); err != nil {
			return err
		}
		op.parts[part] = append(op.parts[part], pb)
		op.partBytes[part] += sz
	}

	for op.mem.OverThreshold(spillThreshold) {
		spilled, err := op.spillLargestPartition()
		if err != nil {
			return err
		}
		if !spilled {
			// everything spillable already went; the rest must fit
			break
		}
	}
	return op.startIO()
}

// reapIO absorbs a finished background write, surfacing its error.
func (op *BuildOperator) reapIO() error {
	if op.io == nil || !op.io.Signal().Resolved() {
		return nil
	}
	err := op.io.Err()
	op.io = nil
	return err
}

// startIO hands the queued batches to a background write task. One
// task runs at a time; the driver parks on its signal.
func (op *BuildOperator) startIO() error {
	if op.io != nil || len(op.spillQueue) == 0 {
		return nil
	}
	if op.spiller == nil {
		s, err := spill.New(op.proc.Config().Spill, "hashbuild")
		if err != nil {
			return err
		}
		op.spiller = s
	}
	items := op.spillQueue
	op.spillQueue = nil
	sp := op.spiller
	ctx := op.proc.Ctx()
	op.io = future.Go(func() error {
		for _, it := range items {
			if err := sp.Spill(ctx, it.part, it.bat); err != nil {
				return err
			}
		}
		return nil
	})
	return nil
}

// spillLargestPartition queues the biggest in-memory partition for
// disk and reroutes its future rows there. The accounting is released
// right away; the batches stay alive until the write task takes them.
func (op *BuildOperator) spillLargestPartition() (bool, error) {
	victim, best := -1, int64(0)
	for part, sz := range op.partBytes {
		if !op.spilled[part] && sz > best {
			victim, best = part, sz
		}
	}
	if victim < 0 {
		return false, nil
	}

	logutil.Infof("hashbuild spilling partition %d (%d bytes, %d in memory)",
		victim, best, op.mem.Used())
	for _, pb := range op.parts[victim] {
		op.spillQueue = append(op.spillQueue, spillItem{part: victim, bat: pb})
	}
	op.spilled[victim] = true
	op.parts[victim] = nil
	_ = op.mem.Grow(-op.partBytes[victim])
	op.partBytes[victim] = 0
	return true, nil
}

// Finish closes the input. If no spill write is still in flight the
// lookup source publishes immediately; otherwise GetOutput publishes
// once the last write resolves.
func (op *BuildOperator) Finish() error {
	if op.InputDone() {
		return nil
	}
	op.MarkFinished()
	if err := op.reapIO(); err != nil {
		return err
	}
	if err := op.startIO(); err != nil {
		return err
	}
	if op.io != nil {
		return nil
	}
	return op.publish()
}

// publish indexes the in-memory partitions and hands the lookup
// source to the bridge. The spiller's ownership moves to the source.
func (op *BuildOperator) publish() error {
	var batches []*batch.Batch
	for _, part := range op.parts {
		batches = append(batches, part...)
	}
	mp, sels, err := joinbridge.BuildTable(op.proc.Ctx(), op.keyTypes, op.keyCols, batches)
	if err != nil {
		return err
	}
	if err := op.mem.Grow(mp.Size()); err != nil {
		mp.Free()
		return err
	}
	if op.spiller != nil {
		if err := op.spiller.Finish(); err != nil {
			mp.Free()
			return err
		}
	}

	ls := joinbridge.NewLookupSource(op.keyCols, op.keyTypes, batches, mp, sels, op.spilled, op.spiller)
	op.spiller = nil
	op.published = true
	op.bridge.SetLookupSource(op.lifespan, ls)
	return nil
}

func (op *BuildOperator) GetOutput() (*batch.Batch, error) {
	if !op.InputDone() || op.published {
		return nil, nil
	}
	if err := op.reapIO(); err != nil {
		return nil, err
	}
	if err := op.startIO(); err != nil {
		return nil, err
	}
	if op.io != nil {
		return nil, nil
	}
	return nil, op.publish()
}

func (op *BuildOperator) IsBlocked() *future.Signal {
	if op.io != nil {
		return op.io.Signal()
	}
	return nil
}

func (op *BuildOperator) IsFinished() bool {
	return op.InputDone() && op.published
}

func (op *BuildOperator) Close() error {
	if !op.MarkClosed() {
		return nil
	}
	if op.io != nil {
		_ = op.io.Wait()
		op.io = nil
	}
	if !op.published && op.spiller != nil {
		_ = op.spiller.Close()
		op.spiller = nil
	}
	op.parts = nil
	op.mem.Release()
	return nil
}
