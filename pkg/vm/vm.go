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

package vm

import (
	"github.com/silicadb/silica/pkg/common/moerr"
)

// OperatorBase carries the lifecycle flags shared by every operator
// implementation. Embedders still implement the data-path methods.
type OperatorBase struct {
	finished bool
	closed   bool
}

// EnsureAcceptingInput is the AddInput precondition check.
func (o *OperatorBase) EnsureAcceptingInput() error {
	if o.finished {
		return moerr.NewContractViolation("AddInput after Finish")
	}
	if o.closed {
		return moerr.NewContractViolation("AddInput after Close")
	}
	return nil
}

func (o *OperatorBase) MarkFinished() {
	o.finished = true
}

func (o *OperatorBase) InputDone() bool {
	return o.finished
}

// MarkClosed flips the closed flag; the first call returns true so the
// embedder releases resources exactly once.
func (o *OperatorBase) MarkClosed() bool {
	if o.closed {
		return false
	}
	o.closed = true
	return true
}
