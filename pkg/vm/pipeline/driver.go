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

// Package pipeline pumps batches from a source through an operator
// chain into a sink, one cooperative quantum at a time. A driver never
// blocks inside Step: when an operator reports a blocked signal the
// driver parks and the scheduler re-enqueues it once the signal
// resolves.
package pipeline

import (
	"github.com/silicadb/silica/pkg/common/future"
	"github.com/silicadb/silica/pkg/vm"
	"github.com/silicadb/silica/pkg/vm/process"
)

// State is the outcome of one driver quantum.
type State int

const (
	// Running means the quantum made progress; step again.
	Running State = iota
	// Parked means no progress until the returned signal resolves.
	Parked
	// Done means the pipeline ran to completion.
	Done
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Parked:
		return "parked"
	case Done:
		return "done"
	}
	return "unknown"
}

// Driver runs one instance of a pipeline. It is not safe for
// concurrent use; the scheduler guarantees one goroutine steps a
// driver at a time.
type Driver struct {
	proc *process.Process
	src  vm.Source
	ops  []vm.Operator
	sink vm.Sink

	srcDone  bool
	finished int
	done     bool
	closed   bool
}

// NewDriver instantiates the pipeline: one operator per factory, in
// order, between src and sink.
func NewDriver(proc *process.Process, src vm.Source, factories []vm.OperatorFactory, sink vm.Sink) (*Driver, error) {
	d := &Driver{proc: proc, src: src, sink: sink}
	for _, f := range factories {
		op, err := f.CreateOperator(proc)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.ops = append(d.ops, op)
	}
	return d, nil
}

// Step runs one quantum. It moves at most one batch between adjacent
// stages, or advances end-of-input by one stage, and returns without
// waiting. A Parked state carries the signal to park on; an error
// poisons the driver.
func (d *Driver) Step() (State, *future.Signal, error) {
	if d.done {
		return Done, nil, nil
	}
	if err := d.proc.Interrupted(); err != nil {
		return Done, nil, err
	}

	for _, op := range d.ops {
		if sig := op.IsBlocked(); sig != nil && !sig.Resolved() {
			return Parked, sig, nil
		}
	}

	// drain downstream-first so a full stage empties before its
	// upstream pushes more in
	for i := len(d.ops) - 1; i >= 0; i-- {
		bat, err := d.ops[i].GetOutput()
		if err != nil {
			return Done, nil, err
		}
		if bat == nil {
			continue
		}
		if i == len(d.ops)-1 {
			err = d.sink.Write(d.proc, bat)
		} else {
			err = d.ops[i+1].AddInput(bat)
		}
		if err != nil {
			return Done, nil, err
		}
		return Running, nil, nil
	}

	if !d.srcDone {
		bat, err := d.src.Read(d.proc)
		if err != nil {
			return Done, nil, err
		}
		if bat == nil {
			d.srcDone = true
			if err := d.ops[0].Finish(); err != nil {
				return Done, nil, err
			}
		} else if err := d.ops[0].AddInput(bat); err != nil {
			return Done, nil, err
		}
		return Running, nil, nil
	}

	// end of input ripples down one stage per quantum: a stage's
	// Finish is only called after the stage before it fully drained
	for d.finished < len(d.ops) {
		if !d.ops[d.finished].IsFinished() {
			return Running, nil, nil
		}
		d.finished++
		if d.finished < len(d.ops) {
			if err := d.ops[d.finished].Finish(); err != nil {
				return Done, nil, err
			}
			return Running, nil, nil
		}
	}

	d.done = true
	return Done, nil, nil
}

// Close releases the operators and the sink. Safe to call more than
// once and after a failed Step.
func (d *Driver) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	var firstErr error
	for _, op := range d.ops {
		if err := op.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.sink != nil {
		if err := d.sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
