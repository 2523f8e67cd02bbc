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

// Package group implements grouped aggregation: a hash table assigns
// dense group ids to group-by keys and one accumulator per aggregate
// folds the rows. Under memory pressure the live run is flushed as
// intermediate-state rows (keys plus per-group accumulator state),
// split by key hash into partitions and spilled; at finish time the
// partitions merge back one at a time, so merge memory is bounded by
// the largest partition rather than the whole key space.
package group

import (
	"github.com/silicadb/silica/pkg/colexec/aggexec"
	"github.com/silicadb/silica/pkg/common/future"
	"github.com/silicadb/silica/pkg/common/hashmap"
	"github.com/silicadb/silica/pkg/common/memory"
	"github.com/silicadb/silica/pkg/common/moerr"
	"github.com/silicadb/silica/pkg/container/batch"
	"github.com/silicadb/silica/pkg/container/types"
	"github.com/silicadb/silica/pkg/container/vector"
	"github.com/silicadb/silica/pkg/logutil"
	"github.com/silicadb/silica/pkg/spill"
	"github.com/silicadb/silica/pkg/vm"
	"github.com/silicadb/silica/pkg/vm/process"
)

const spillThreshold = 0.8

// Mode selects what the operator consumes and emits.
type Mode int

const (
	// Single consumes raw rows and emits final values.
	Single Mode = iota
	// Partial consumes raw rows and emits intermediate state columns.
	Partial
	// Final consumes intermediate state columns and emits final values.
	Final
)

// AggDesc names one aggregate call: the function, its argument column
// (the intermediate state column in Final mode) and the original
// argument type.
type AggDesc struct {
	Op      int64
	ArgCol  int
	ArgType types.Type
}

// Spec describes one grouped aggregation. An empty GroupByCols means
// scalar aggregation: exactly one group, emitted even on empty input.
type Spec struct {
	Mode        Mode
	GroupByCols []int
	GroupTypes  []types.Type
	Aggs        []AggDesc
}

type GroupFactory struct {
	spec Spec
}

func NewFactory(spec Spec) *GroupFactory {
	return &GroupFactory{spec: spec}
}

func (f *GroupFactory) CreateOperator(proc *process.Process) (vm.Operator, error) {
	op := &GroupOperator{
		proc:      proc,
		spec:      f.spec,
		mem:       proc.NewOperatorMem("group"),
		batchSize: proc.Config().BatchSize,
		aggCfg:    aggexec.Config{SingleValueLimit: proc.Config().Agg.SingleValueLimit},
	}
	if !op.scalar() {
		keyCols := make([]int, len(f.spec.GroupTypes))
		for i := range keyCols {
			keyCols[i] = i
		}
		op.partitioner = spill.NewPartitioner(proc.Config().Spill.Partitions, keyCols)
	}
	if err := op.reset(); err != nil {
		return nil, err
	}
	return op, nil
}

func (f *GroupFactory) NoMoreOperators(vm.Lifespan) error {
	return nil
}

func (f *GroupFactory) Duplicate() vm.OperatorFactory {
	return NewFactory(f.spec)
}

type GroupOperator struct {
	vm.OperatorBase

	proc      *process.Process
	spec      Spec
	mem       *memory.Context
	batchSize int
	aggCfg    aggexec.Config

	hm       hashmap.HashMap
	itr      hashmap.Iterator
	seen     uint64
	keyBatch *batch.Batch
	aggs     []aggexec.AggFuncExec

	partitioner *spill.Partitioner
	spiller     spill.Spiller
	spilled     bool
	lastSize    int64

	// background spill I/O: at most one write task and one read task
	// at a time; the driver parks on whichever is in flight
	io              *future.Task
	readTask        *future.Task
	readBat         *batch.Batch
	spillerFinished bool
	mergePart       int
	partMerged      bool
	mergeDone       bool

	ones []uint64

	result  *batch.Batch
	emitted int
}

func (op *GroupOperator) scalar() bool {
	return len(op.spec.GroupByCols) == 0
}

// reset builds a fresh run: empty hash table, empty key batch, fresh
// accumulators. The scalar path grows its single group up front.
func (op *GroupOperator) reset() error {
	op.aggs = make([]aggexec.AggFuncExec, len(op.spec.Aggs))
	for i, desc := range op.spec.Aggs {
		agg, err := aggexec.MakeAgg(op.aggCfg, desc.Op, desc.ArgType)
		if err != nil {
			return err
		}
		op.aggs[i] = agg
	}
	if op.scalar() {
		op.seen = 1
		for _, agg := range op.aggs {
			if err := agg.GroupGrow(1); err != nil {
				return err
			}
		}
		return nil
	}
	op.hm = hashmap.New(op.spec.GroupTypes, true)
	op.itr = op.hm.NewIterator()
	op.seen = 0
	op.keyBatch = batch.NewWithSize(len(op.spec.GroupTypes))
	for i, typ := range op.spec.GroupTypes {
		op.keyBatch.Vecs[i] = vector.NewVec(typ)
	}
	return nil
}

func (op *GroupOperator) AddInput(bat *batch.Batch) error {
	if err := op.EnsureAcceptingInput(); err != nil {
		return err
	}
	if err := op.proc.Interrupted(); err != nil {
		return err
	}
	if err := op.reapIO(); err != nil {
		return err
	}
	if bat == nil || bat.IsEmpty() {
		return nil
	}

	var keyVecs []*vector.Vector
	if !op.scalar() {
		keyVecs = make([]*vector.Vector, len(op.spec.GroupByCols))
		for i, c := range op.spec.GroupByCols {
			keyVecs[i] = bat.Vecs[c]
		}
	}

	count := bat.RowCount()
	for start := 0; start < count; start += hashmap.UnitLimit {
		n := count - start
		if n > hashmap.UnitLimit {
			n = hashmap.UnitLimit
		}
		groups, err := op.assignGroups(keyVecs, start, n)
		if err != nil {
			return err
		}
		for ai, agg := range op.aggs {
			argVec := bat.Vecs[op.spec.Aggs[ai].ArgCol]
			if op.spec.Mode == Final {
				err = agg.BatchMergeIntermediate(argVec, start, groups)
			} else {
				err = agg.BatchFill(start, groups, []*vector.Vector{argVec})
			}
			if err != nil {
				return err
			}
		}
	}

	// one write task at a time; under pressure with a write still in
	// flight the run keeps growing until the driver parks it out
	if err := op.accountMemory(); err != nil {
		if op.scalar() || op.io != nil {
			return err
		}
		return op.spillRun()
	}
	if !op.scalar() && op.io == nil && op.seen > 0 && op.mem.OverThreshold(spillThreshold) {
		return op.spillRun()
	}
	return nil
}

// assignGroups inserts the chunk's keys, appends first-seen key rows to
// the key batch and grows the accumulators to cover new groups.
func (op *GroupOperator) assignGroups(keyVecs []*vector.Vector, start, n int) ([]uint64, error) {
	if op.scalar() {
		for len(op.ones) < n {
			op.ones = append(op.ones, 1)
		}
		return op.ones[:n], nil
	}

	vs, _, err := op.itr.Insert(start, n, keyVecs)
	if err != nil {
		return nil, err
	}
	groups := vs[:n]
	before := op.seen
	for i, g := range groups {
		if g <= op.seen {
			continue
		}
		op.seen = g
		for k, vec := range keyVecs {
			if err := op.keyBatch.Vecs[k].UnionOne(vec, int64(start+i)); err != nil {
				return nil, err
			}
		}
		op.keyBatch.AddRowCount(1)
	}
	if more := int(op.seen - before); more > 0 {
		for _, agg := range op.aggs {
			if err := agg.GroupGrow(more); err != nil {
				return nil, err
			}
		}
	}
	return groups, nil
}

func (op *GroupOperator) accountMemory() error {
	size := int64(0)
	if op.hm != nil {
		size += op.hm.Size()
	}
	if op.keyBatch != nil {
		size += int64(op.keyBatch.Size())
	}
	for _, agg := range op.aggs {
		size += agg.Size()
	}
	if err := op.mem.Grow(size - op.lastSize); err != nil {
		return err
	}
	op.lastSize = size
	return nil
}

// flushRun drains the live run into one batch: the unique key columns
// followed by one intermediate-state column per aggregate. The run's
// accumulators are consumed but the hash table stays up; callers reset
// or free afterwards.
func (op *GroupOperator) flushRun() (*batch.Batch, error) {
	vecs := make([]*vector.Vector, 0, len(op.keyBatch.Vecs)+len(op.aggs))
	vecs = append(vecs, op.keyBatch.Vecs...)
	for _, agg := range op.aggs {
		vec, err := agg.FlushIntermediate()
		if err != nil {
			return nil, err
		}
		vecs = append(vecs, vec)
	}
	return batch.NewWithVectors(vecs)
}

// spillRun flushes the live run as intermediate rows, splits them by
// key hash and hands the partition writes to a background task, then
// starts over empty. The flushed batches stay alive until the task
// takes them; their accounting is released right away.
func (op *GroupOperator) spillRun() error {
	if op.seen == 0 {
		return nil
	}
	if op.spiller == nil {
		s, err := spill.New(op.proc.Config().Spill, "group")
		if err != nil {
			return err
		}
		op.spiller = s
	}

	logutil.Infof("group spilling run (%d groups, %d bytes in memory)",
		op.seen, op.mem.Used())

	runBat, err := op.flushRun()
	if err != nil {
		return err
	}
	parts, err := op.partitioner.Split(runBat)
	if err != nil {
		return err
	}
	op.spilled = true
	sp := op.spiller
	ctx := op.proc.Ctx()
	op.io = future.Go(func() error {
		for part, pb := range parts {
			if pb == nil {
				continue
			}
			if err := sp.Spill(ctx, part, pb); err != nil {
				return err
			}
		}
		return nil
	})

	op.hm.Free()
	for _, agg := range op.aggs {
		agg.Free()
	}
	if err := op.reset(); err != nil {
		return err
	}
	_ = op.mem.Grow(-op.lastSize)
	op.lastSize = 0
	return nil
}

// reapIO absorbs a finished background write, surfacing its error.
func (op *GroupOperator) reapIO() error {
	if op.io == nil || !op.io.Signal().Resolved() {
		return nil
	}
	err := op.io.Err()
	op.io = nil
	return err
}

// Finish builds the result columns when nothing spilled. Otherwise it
// spills the live run too and leaves the merge to GetOutput, which
// advances it one non-blocking step per quantum.
func (op *GroupOperator) Finish() error {
	if op.InputDone() {
		return nil
	}
	op.MarkFinished()

	if !op.spilled {
		result, err := op.resultFromRun()
		if err != nil {
			return err
		}
		op.result = result
		return nil
	}
	if err := op.reapIO(); err != nil {
		return err
	}
	return op.spillRun()
}

// advanceMerge folds the spilled partitions back, one at a time; each
// merged partition's memory is released before the next one loads.
// Reads run on background tasks, so a step that would wait on disk
// instead returns with a task in flight for the driver to park on.
func (op *GroupOperator) advanceMerge() error {
	if op.io != nil {
		if !op.io.Signal().Resolved() {
			return nil
		}
		if err := op.reapIO(); err != nil {
			return err
		}
	}
	if !op.spillerFinished {
		if err := op.spiller.Finish(); err != nil {
			return err
		}
		op.spillerFinished = true
	}

	numKeys := len(op.spec.GroupTypes)
	partitions := op.proc.Config().Spill.Partitions
	for op.mergePart < partitions {
		if err := op.proc.Interrupted(); err != nil {
			return err
		}
		if op.readTask == nil {
			sp, ctx, part := op.spiller, op.proc.Ctx(), op.mergePart
			op.readTask = future.Go(func() error {
				bat, err := sp.Unspill(ctx, part)
				op.readBat = bat
				return err
			})
		}
		if !op.readTask.Signal().Resolved() {
			return nil
		}
		err := op.readTask.Err()
		op.readTask = nil
		if err != nil {
			return err
		}
		pb := op.readBat
		op.readBat = nil

		if pb == nil {
			// partition exhausted
			if op.partMerged {
				partResult, err := op.resultFromRun()
				if err != nil {
					return err
				}
				if op.result == nil {
					op.result = partResult
				} else if _, err := op.result.Append(partResult); err != nil {
					return err
				}
				op.hm.Free()
				for _, agg := range op.aggs {
					agg.Free()
				}
				if err := op.reset(); err != nil {
					return err
				}
				_ = op.mem.Grow(-op.lastSize)
				op.lastSize = 0
				op.partMerged = false
			}
			op.mergePart++
			continue
		}

		if len(pb.Vecs) != numKeys+len(op.aggs) {
			return moerr.NewDataCorruption("spilled aggregation partition")
		}
		op.partMerged = true
		count := pb.RowCount()
		for start := 0; start < count; start += hashmap.UnitLimit {
			n := count - start
			if n > hashmap.UnitLimit {
				n = hashmap.UnitLimit
			}
			groups, err := op.assignGroups(pb.Vecs[:numKeys], start, n)
			if err != nil {
				return err
			}
			for ai, agg := range op.aggs {
				if err := agg.BatchMergeIntermediate(pb.Vecs[numKeys+ai], start, groups); err != nil {
					return err
				}
			}
		}
		if err := op.accountMemory(); err != nil {
			return err
		}
	}
	op.mergeDone = true
	return nil
}

// resultFromRun turns the live run into an output batch: key columns
// plus final values, or intermediate state columns in Partial mode.
func (op *GroupOperator) resultFromRun() (*batch.Batch, error) {
	var vecs []*vector.Vector
	if !op.scalar() {
		vecs = append(vecs, op.keyBatch.Vecs...)
	}
	for _, agg := range op.aggs {
		var vec *vector.Vector
		var err error
		if op.spec.Mode == Partial {
			vec, err = agg.FlushIntermediate()
		} else {
			vec, err = agg.Flush()
		}
		if err != nil {
			return nil, err
		}
		vecs = append(vecs, vec)
	}
	return batch.NewWithVectors(vecs)
}

func (op *GroupOperator) GetOutput() (*batch.Batch, error) {
	if err := op.proc.Interrupted(); err != nil {
		return nil, err
	}
	if op.InputDone() && op.spilled && !op.mergeDone {
		if err := op.advanceMerge(); err != nil {
			return nil, err
		}
	}
	if op.result == nil || op.emitted >= op.result.RowCount() {
		return nil, nil
	}
	end := op.emitted + op.batchSize
	if end > op.result.RowCount() {
		end = op.result.RowCount()
	}
	win, err := op.result.Window(op.emitted, end)
	if err != nil {
		return nil, err
	}
	op.emitted = end
	return win, nil
}

func (op *GroupOperator) IsBlocked() *future.Signal {
	if op.io != nil {
		return op.io.Signal()
	}
	if op.readTask != nil {
		return op.readTask.Signal()
	}
	return nil
}

func (op *GroupOperator) IsFinished() bool {
	if !op.InputDone() {
		return false
	}
	if op.spilled && !op.mergeDone {
		return false
	}
	return op.result == nil || op.emitted >= op.result.RowCount()
}

func (op *GroupOperator) Close() error {
	if !op.MarkClosed() {
		return nil
	}
	if op.io != nil {
		_ = op.io.Wait()
		op.io = nil
	}
	if op.readTask != nil {
		_ = op.readTask.Wait()
		op.readTask = nil
	}
	if op.hm != nil {
		op.hm.Free()
		op.hm = nil
	}
	for _, agg := range op.aggs {
		agg.Free()
	}
	op.aggs = nil
	op.keyBatch = nil
	op.result = nil
	if op.spiller != nil {
		_ = op.spiller.Close()
		op.spiller = nil
	}
	op.mem.Release()
	return nil
}
