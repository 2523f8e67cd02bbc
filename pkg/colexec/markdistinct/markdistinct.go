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

// Package markdistinct appends a boolean column flagging the first
// occurrence of every distinct key across the whole input stream. The
// table of seen keys stays in memory; its growth is charged to the
// operator's memory context.
package markdistinct

import (
	"github.com/silicadb/silica/pkg/common/future"
	"github.com/silicadb/silica/pkg/common/hashmap"
	"github.com/silicadb/silica/pkg/common/memory"
	"github.com/silicadb/silica/pkg/container/batch"
	"github.com/silicadb/silica/pkg/container/types"
	"github.com/silicadb/silica/pkg/container/vector"
	"github.com/silicadb/silica/pkg/vm"
	"github.com/silicadb/silica/pkg/vm/process"
)

// Spec names the key columns the distinct mark is computed over.
type Spec struct {
	KeyCols  []int
	KeyTypes []types.Type
}

type MarkDistinctFactory struct {
	spec Spec
}

func NewFactory(spec Spec) *MarkDistinctFactory {
	return &MarkDistinctFactory{spec: spec}
}

func (f *MarkDistinctFactory) CreateOperator(proc *process.Process) (vm.Operator, error) {
	return &MarkDistinctOperator{
		proc: proc,
		spec: f.spec,
		mem:  proc.NewOperatorMem("markdistinct"),
		hash: hashmap.NewMarkDistinctHash(f.spec.KeyTypes),
	}, nil
}

func (f *MarkDistinctFactory) NoMoreOperators(vm.Lifespan) error {
	return nil
}

func (f *MarkDistinctFactory) Duplicate() vm.OperatorFactory {
	return NewFactory(f.spec)
}

type MarkDistinctOperator struct {
	vm.OperatorBase

	proc *process.Process
	spec Spec
	mem  *memory.Context
	hash *hashmap.MarkDistinctHash

	lastSize int64
	pending  []*batch.Batch
}

func (op *MarkDistinctOperator) AddInput(bat *batch.Batch) error {
	if err := op.EnsureAcceptingInput(); err != nil {
		return err
	}
	if err := op.proc.Interrupted(); err != nil {
		return err
	}
	if bat == nil || bat.IsEmpty() {
		return nil
	}

	keyVecs := make([]*vector.Vector, len(op.spec.KeyCols))
	for i, c := range op.spec.KeyCols {
		keyVecs[i] = bat.Vecs[c]
	}
	marks, err := op.hash.Mark(keyVecs, bat.RowCount())
	if err != nil {
		return err
	}
	if err := op.mem.Grow(op.hash.Size() - op.lastSize); err != nil {
		return err
	}
	op.lastSize = op.hash.Size()

	markVec := vector.NewVec(types.T_bool.ToType())
	if err := vector.AppendFixedList(markVec, marks, nil); err != nil {
		return err
	}
	out, err := batch.NewWithVectors(append(append([]*vector.Vector{}, bat.Vecs...), markVec))
	if err != nil {
		return err
	}
	op.pending = append(op.pending, out)
	return nil
}

func (op *MarkDistinctOperator) GetOutput() (*batch.Batch, error) {
	if err := op.proc.Interrupted(); err != nil {
		return nil, err
	}
	if len(op.pending) == 0 {
		return nil, nil
	}
	out := op.pending[0]
	op.pending = op.pending[1:]
	return out, nil
}

func (op *MarkDistinctOperator) IsBlocked() *future.Signal {
	return nil
}

func (op *MarkDistinctOperator) Finish() error {
	op.MarkFinished()
	return nil
}

func (op *MarkDistinctOperator) IsFinished() bool {
	return op.InputDone() && len(op.pending) == 0
}

func (op *MarkDistinctOperator) Close() error {
	if !op.MarkClosed() {
		return nil
	}
	if op.hash != nil {
		op.hash.Free()
		op.hash = nil
	}
	op.pending = nil
	op.mem.Release()
	return nil
}
