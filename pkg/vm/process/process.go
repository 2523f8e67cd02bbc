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

// Package process holds the per-query execution context shared by every
// operator of the query: cancellation, the memory accounting tree and
// the engine configuration.
package process

import (
	"context"

	"go.uber.org/zap"

	"github.com/silicadb/silica/pkg/common/memory"
	"github.com/silicadb/silica/pkg/common/moerr"
	"github.com/silicadb/silica/pkg/config"
	"github.com/silicadb/silica/pkg/logutil"
)

type Process struct {
	ctx    context.Context
	cancel context.CancelFunc

	// Mem is the query-level memory context; operators hang their own
	// children off it.
	mem *memory.Context
	cfg *config.EngineConfig

	logger *zap.Logger
}

// New builds the context of one query. queryMemoryLimit <= 0 means
// unlimited at the query level (operator limits still apply).
func New(ctx context.Context, cfg *config.EngineConfig, queryMemoryLimit int64) *Process {
	cctx, cancel := context.WithCancel(ctx)
	return &Process{
		ctx:    cctx,
		cancel: cancel,
		mem:    memory.NewRootContext("query", queryMemoryLimit),
		cfg:    cfg,
		logger: logutil.GetLogger(),
	}
}

func (proc *Process) Ctx() context.Context {
	return proc.ctx
}

// Cancel interrupts the query; blocked operators observe it through
// the context.
func (proc *Process) Cancel() {
	proc.cancel()
}

// Interrupted returns ErrQueryInterrupted once the query context is
// done, nil otherwise. Operators call it at quantum boundaries.
func (proc *Process) Interrupted() error {
	if proc.ctx.Err() != nil {
		return moerr.NewQueryInterrupted(proc.ctx)
	}
	return nil
}

func (proc *Process) Mem() *memory.Context {
	return proc.mem
}

// NewOperatorMem opens a child memory context carrying the per-operator
// limit from the engine config.
func (proc *Process) NewOperatorMem(name string) *memory.Context {
	return proc.mem.NewChildWithLimit(name, proc.cfg.OperatorMemoryLimit)
}

func (proc *Process) Config() *config.EngineConfig {
	return proc.cfg
}

func (proc *Process) Logger() *zap.Logger {
	return proc.logger
}

// Free releases the query memory context. Call after every operator
// closed.
func (proc *Process) Free() {
	proc.cancel()
	proc.mem.Release()
}

// NewTestProcess is the process used across the engine's tests.
func NewTestProcess() *Process {
	return New(context.Background(), config.Default(), 0)
}
