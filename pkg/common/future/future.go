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

// Package future provides the publish-once latch used for blocked
// signals between operators and the driver. An operator returns a
// *Signal from IsBlocked; the driver parks the pipeline on Done()
// instead of blocking the worker thread.
package future

import "sync"

// Signal is a one-shot latch. The zero value is unusable; use NewSignal.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Resolve fires the signal. Resolving more than once is a no-op.
func (s *Signal) Resolve() {
	s.once.Do(func() { close(s.ch) })
}

// Done returns a channel closed when the signal resolves.
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}

// Resolved reports without blocking.
func (s *Signal) Resolved() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Value is a publish-once future carrying a value of type T.
// Readers either poll with TryGet or park on Done.
type Value[T any] struct {
	sig *Signal
	mu  sync.Mutex
	v   T
	set bool
}

func NewValue[T any]() *Value[T] {
	return &Value[T]{sig: NewSignal()}
}

// Set publishes v. Only the first publication sticks.
func (f *Value[T]) Set(v T) {
	f.mu.Lock()
	if !f.set {
		f.v = v
		f.set = true
	}
	f.mu.Unlock()
	f.sig.Resolve()
}

// TryGet returns the value if published.
func (f *Value[T]) TryGet() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.v, f.set
}

// Get returns the published value; callers must know it resolved
// (e.g. after parking on Done).
func (f *Value[T]) Get() T {
	<-f.sig.Done()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.v
}

func (f *Value[T]) Done() <-chan struct{} {
	return f.sig.Done()
}

// Signal exposes the underlying latch for IsBlocked results.
func (f *Value[T]) Signal() *Signal {
	return f.sig
}

// Task is one background job, typically spill I/O moved off the worker
// thread. The signal resolves when the job returns; Err is readable
// after that.
type Task struct {
	sig *Signal
	err error
}

// Go runs fn on its own goroutine.
func Go(fn func() error) *Task {
	t := &Task{sig: NewSignal()}
	go func() {
		t.err = fn()
		t.sig.Resolve()
	}()
	return t
}

func (t *Task) Signal() *Signal {
	return t.sig
}

// Err returns fn's result. Valid once the signal resolved.
func (t *Task) Err() error {
	return t.err
}

// Wait blocks until the job finishes and returns its error. Operators
// park on Signal instead; Wait is for teardown paths and tests.
func (t *Task) Wait() error {
	<-t.sig.Done()
	return t.err
}
