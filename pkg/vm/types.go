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

// Package vm defines the operator contract the driver pumps batches
// through. Operators are push-pull: the driver pushes input batches in
// and pulls output batches out, one cooperative quantum at a time, and
// parks on the operator's blocked signal instead of waiting in place.
package vm

import (
	"github.com/silicadb/silica/pkg/common/future"
	"github.com/silicadb/silica/pkg/container/batch"
	"github.com/silicadb/silica/pkg/vm/process"
)

// Lifespan identifies one grouped-execution slice of a pipeline. The
// join bridge keys its refcounts by lifespan so independent groups
// build and drain independently.
type Lifespan uint32

// TaskWide is the lifespan of ungrouped execution.
const TaskWide Lifespan = 0

// Operator is one stage of a pipeline.
//
// AddInput may buffer the batch; GetOutput returns nil when nothing is
// ready yet. IsBlocked returns a signal to park on, or nil when the
// operator can make progress right now. Finish declares end of input;
// AddInput afterwards is a contract violation. Close releases resources
// and is idempotent.
type Operator interface {
	AddInput(bat *batch.Batch) error
	GetOutput() (*batch.Batch, error)
	IsBlocked() *future.Signal
	Finish() error
	IsFinished() bool
	Close() error
}

// OperatorFactory creates the per-driver operator instances of one
// pipeline stage.
//
// NoMoreOperators declares that no further operators will be created
// for the lifespan; lifecycle bookkeeping (the join bridge refcounts)
// hangs off this call. Duplicate returns an independent factory for a
// parallel pipeline instance.
type OperatorFactory interface {
	CreateOperator(proc *process.Process) (Operator, error)
	NoMoreOperators(lifespan Lifespan) error
	Duplicate() OperatorFactory
}

// Source feeds a driver. Read returns nil when exhausted.
type Source interface {
	Read(proc *process.Process) (*batch.Batch, error)
}

// Sink consumes a driver's final output.
type Sink interface {
	Write(proc *process.Process, bat *batch.Batch) error
	Close() error
}
