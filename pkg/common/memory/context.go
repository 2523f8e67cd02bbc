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

// Package memory provides the byte-accounting contexts operators report
// their estimated usage to. Contexts form a tree: child usage rolls up
// into the parent, and the limit is enforced where it is set.
package memory

import (
	"sync/atomic"

	"github.com/silicadb/silica/pkg/common/moerr"
)

type Context struct {
	name   string
	parent *Context
	limit  int64 // 0 means unlimited at this level
	used   atomic.Int64
}

// NewRootContext creates a top-level context. limit == 0 disables the check.
func NewRootContext(name string, limit int64) *Context {
	return &Context{name: name, limit: limit}
}

// NewChild creates an unlimited child whose usage rolls up into c.
func (c *Context) NewChild(name string) *Context {
	return &Context{name: name, parent: c}
}

// NewChildWithLimit creates a child enforcing its own limit as well.
func (c *Context) NewChildWithLimit(name string, limit int64) *Context {
	return &Context{name: name, parent: c, limit: limit}
}

// Grow records delta bytes (negative to shrink) against this context and
// all ancestors. On limit breach the reservation is rolled back and a
// resource-exhaustion error identifying the context is returned.
func (c *Context) Grow(delta int64) error {
	for ctx := c; ctx != nil; ctx = ctx.parent {
		used := ctx.used.Add(delta)
		if ctx.limit > 0 && used > ctx.limit {
			// roll back what was reserved so far, including this level
			for undo := c; undo != ctx; undo = undo.parent {
				undo.used.Add(-delta)
			}
			ctx.used.Add(-delta)
			return moerr.NewMemoryLimitExceeded(ctx.name, ctx.limit, used)
		}
	}
	return nil
}

// SetBytes adjusts this context to an absolute estimate. Operators that
// track a single estimated size (hash tables, accumulators) use this on
// every significant allocation.
func (c *Context) SetBytes(n int64) error {
	return c.Grow(n - c.used.Load())
}

// OverThreshold reports whether the usage of this context crossed the
// limit fraction, for operators that spill instead of failing.
func (c *Context) OverThreshold(fraction float64) bool {
	if c.limit <= 0 {
		return false
	}
	return float64(c.used.Load()) >= float64(c.limit)*fraction
}

func (c *Context) Used() int64 {
	return c.used.Load()
}

func (c *Context) Limit() int64 {
	return c.limit
}

func (c *Context) Name() string {
	return c.name
}

// Release returns all bytes held by this context to its ancestors.
// Called from operator Close on every exit path.
func (c *Context) Release() {
	_ = c.Grow(-c.used.Load())
}
