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

package pipeline

import (
	"context"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/silicadb/silica/pkg/common/moerr"
	"github.com/silicadb/silica/pkg/logutil"
)

// Scheduler runs drivers on a bounded worker pool. A parked driver
// gives its worker back; a watcher goroutine re-enqueues it when the
// blocked signal resolves. The first driver error cancels the
// scheduler's context, which interrupts every other driver on its next
// quantum.
type Scheduler struct {
	pool   *ants.Pool
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup

	mu  sync.Mutex
	err error
}

func NewScheduler(ctx context.Context, workers int) (*Scheduler, error) {
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Scheduler{pool: pool, ctx: ctx, cancel: cancel}, nil
}

// Schedule submits the driver for execution. The scheduler owns the
// driver from here: it closes it on completion, error or cancellation.
func (s *Scheduler) Schedule(d *Driver) error {
	s.wg.Add(1)
	if err := s.pool.Submit(func() { s.run(d) }); err != nil {
		s.wg.Done()
		return err
	}
	return nil
}

// Ctx is the scheduler's cancellation scope. Processes driving
// scheduled pipelines should derive from it so a driver failure or an
// explicit Cancel interrupts every quantum.
func (s *Scheduler) Ctx() context.Context {
	return s.ctx
}

func (s *Scheduler) run(d *Driver) {
	for {
		if err := s.ctx.Err(); err != nil {
			s.fail(moerr.NewQueryInterrupted(s.ctx))
			s.retire(d)
			return
		}
		state, sig, err := d.Step()
		if err != nil {
			s.fail(err)
			s.retire(d)
			return
		}
		switch state {
		case Running:
		case Done:
			s.retire(d)
			return
		case Parked:
			// release the worker; resume when the signal fires or
			// the scheduler shuts down
			go func() {
				select {
				case <-sig.Done():
				case <-s.ctx.Done():
				}
				if err := s.pool.Submit(func() { s.run(d) }); err != nil {
					s.fail(err)
					s.retire(d)
				}
			}()
			return
		}
	}
}

func (s *Scheduler) retire(d *Driver) {
	if err := d.Close(); err != nil {
		s.fail(err)
	}
	s.wg.Done()
}

func (s *Scheduler) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
		logutil.GetLogger().Warn("driver failed, cancelling query", zap.Error(err))
	}
	s.mu.Unlock()
	s.cancel()
}

// Cancel interrupts every driver. Safe to call concurrently with Wait.
func (s *Scheduler) Cancel() {
	s.cancel()
}

// Wait blocks until every scheduled driver has retired, then releases
// the pool and returns the first driver error, if any.
func (s *Scheduler) Wait() error {
	s.wg.Wait()
	s.cancel()
	s.pool.Release()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
