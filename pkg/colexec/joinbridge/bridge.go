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

package joinbridge

import (
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/silicadb/silica/pkg/common/future"
	"github.com/silicadb/silica/pkg/common/moerr"
	"github.com/silicadb/silica/pkg/logutil"
	"github.com/silicadb/silica/pkg/vm"
)

// Bridge tracks, per lifespan, who still holds the lookup source.
//
// The counting rules: probe factories are declared up front with
// IncrementProbeFactoryCount and released by ProbeFactoryClosed; every
// live probe operator holds one more reference between
// ProbeOperatorCreated and ProbeOperatorClosed. A bridge built with
// needsOuter holds one extra reference for the outer drain, released
// by OuterDrainClosed. When the count drains to zero after the source
// was published, the source is destroyed, exactly once.
type Bridge struct {
	needsOuter bool

	mu        sync.Mutex
	lifespans map[vm.Lifespan]*lifespanState
}

type lifespanState struct {
	source *future.Value[*LookupSource]

	probeFactories int
	probeOperators int
	outerPending   bool
	declared       bool

	matched   *roaring64.Bitmap
	outer     *future.Signal
	destroyed bool
}

func NewBridge(needsOuter bool) *Bridge {
	return &Bridge{
		needsOuter: needsOuter,
		lifespans:  make(map[vm.Lifespan]*lifespanState),
	}
}

func (b *Bridge) state(lifespan vm.Lifespan) *lifespanState {
	st, ok := b.lifespans[lifespan]
	if !ok {
		st = &lifespanState{
			source:       future.NewValue[*LookupSource](),
			outerPending: b.needsOuter,
			matched:      roaring64.New(),
			outer:        future.NewSignal(),
		}
		b.lifespans[lifespan] = st
	}
	return st
}

// SetLookupSource publishes the build result for the lifespan. Only
// the last build driver calls this; only the first publication sticks.
func (b *Bridge) SetLookupSource(lifespan vm.Lifespan, ls *LookupSource) {
	b.mu.Lock()
	st := b.state(lifespan)
	b.mu.Unlock()
	st.source.Set(ls)
	logutil.Debugf("lookup source published for lifespan %d: %d rows", lifespan, ls.TotalRows())
	b.maybeFinish(lifespan)
}

// LookupSourceFuture returns the probe side's handle; probes park on
// its Signal until the build publishes.
func (b *Bridge) LookupSourceFuture(lifespan vm.Lifespan) *future.Value[*LookupSource] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state(lifespan).source
}

// IncrementProbeFactoryCount declares n probe factories for the
// lifespan before any of them runs.
func (b *Bridge) IncrementProbeFactoryCount(lifespan vm.Lifespan, n int) {
	b.mu.Lock()
	st := b.state(lifespan)
	st.probeFactories += n
	st.declared = true
	b.mu.Unlock()
}

func (b *Bridge) ProbeFactoryClosed(lifespan vm.Lifespan) {
	b.mu.Lock()
	st := b.state(lifespan)
	st.probeFactories--
	underflow := st.probeFactories < 0
	b.mu.Unlock()
	if underflow {
		panic(moerr.NewContractViolation("probe factory closed more times than declared"))
	}
	b.maybeFinish(lifespan)
}

func (b *Bridge) ProbeOperatorCreated(lifespan vm.Lifespan) {
	b.mu.Lock()
	b.state(lifespan).probeOperators++
	b.mu.Unlock()
}

// ProbeOperatorClosed releases one probe reference and merges the
// probe's private matched-build-row bitmap into the shared one.
func (b *Bridge) ProbeOperatorClosed(lifespan vm.Lifespan, matched *roaring64.Bitmap) {
	b.mu.Lock()
	st := b.state(lifespan)
	if matched != nil {
		st.matched.Or(matched)
	}
	st.probeOperators--
	underflow := st.probeOperators < 0
	b.mu.Unlock()
	if underflow {
		panic(moerr.NewContractViolation("probe operator closed more times than created"))
	}
	b.maybeFinish(lifespan)
}

// OuterFuture resolves once every probe of the lifespan is gone and
// the source is published; the outer drain operator parks on it.
func (b *Bridge) OuterFuture(lifespan vm.Lifespan) *future.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state(lifespan).outer
}

// OuterState returns the lookup source and the merged matched bitmap.
// Valid only after OuterFuture resolved.
func (b *Bridge) OuterState(lifespan vm.Lifespan) (*LookupSource, *roaring64.Bitmap) {
	b.mu.Lock()
	st := b.state(lifespan)
	b.mu.Unlock()
	ls, _ := st.source.TryGet()
	return ls, st.matched
}

// OuterDrainClosed releases the outer drain's reference.
func (b *Bridge) OuterDrainClosed(lifespan vm.Lifespan) {
	b.mu.Lock()
	st := b.state(lifespan)
	already := !st.outerPending
	st.outerPending = false
	b.mu.Unlock()
	if already {
		panic(moerr.NewContractViolation("outer drain closed twice"))
	}
	b.maybeFinish(lifespan)
}

// maybeFinish resolves the outer future and destroys the source when
// references drain. Destruction runs outside the lock; the destroyed
// flag keeps it single-shot.
func (b *Bridge) maybeFinish(lifespan vm.Lifespan) {
	b.mu.Lock()
	st := b.lifespans[lifespan]
	if st == nil {
		b.mu.Unlock()
		return
	}
	probesGone := st.declared && st.probeFactories == 0 && st.probeOperators == 0
	_, published := st.source.TryGet()

	resolveOuter := probesGone && published
	destroy := probesGone && published && !st.outerPending && !st.destroyed
	if destroy {
		st.destroyed = true
	}
	b.mu.Unlock()

	if resolveOuter {
		st.outer.Resolve()
	}
	if destroy {
		ls, _ := st.source.TryGet()
		ls.destroy()
		logutil.Debugf("lookup source destroyed for lifespan %d", lifespan)
	}
}

// Destroyed reports whether the lifespan's source has been torn down.
func (b *Bridge) Destroyed(lifespan vm.Lifespan) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.lifespans[lifespan]
	return st != nil && st.destroyed
}
