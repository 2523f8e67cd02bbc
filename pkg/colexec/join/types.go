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

// Package join implements the probe side of a hash join: a lookup
// operator that streams probe batches against the published lookup
// source, and a drain operator that emits the unmatched build rows of
// the outer join kinds.
package join

import (
	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/silicadb/silica/pkg/colexec/joinbridge"
	"github.com/silicadb/silica/pkg/common/future"
	"github.com/silicadb/silica/pkg/common/hashmap"
	"github.com/silicadb/silica/pkg/common/memory"
	"github.com/silicadb/silica/pkg/container/batch"
	"github.com/silicadb/silica/pkg/container/types"
	"github.com/silicadb/silica/pkg/container/vector"
	"github.com/silicadb/silica/pkg/spill"
	"github.com/silicadb/silica/pkg/vm"
	"github.com/silicadb/silica/pkg/vm/process"
)

// Kind selects which side's unmatched rows survive the join.
type Kind int

const (
	Inner Kind = iota
	// ProbeOuter keeps unmatched probe rows with a null build side.
	ProbeOuter
	// LookupOuter keeps unmatched build rows, emitted by the drain
	// operator after the last probe closes.
	LookupOuter
	FullOuter
)

func (k Kind) String() string {
	switch k {
	case Inner:
		return "INNER"
	case ProbeOuter:
		return "PROBE_OUTER"
	case LookupOuter:
		return "LOOKUP_OUTER"
	case FullOuter:
		return "FULL_OUTER"
	}
	return "UNKNOWN"
}

// emitUnmatchedProbe reports whether unmatched probe rows produce a
// null-build output row.
func (k Kind) emitUnmatchedProbe() bool {
	return k == ProbeOuter || k == FullOuter
}

// trackMatchedBuild reports whether probes must record matched build
// rows for the drain.
func (k Kind) trackMatchedBuild() bool {
	return k == LookupOuter || k == FullOuter
}

// Spec describes one lookup join: which probe columns carry the key,
// both sides' column types, and which columns each side contributes to
// the output (probe columns first, then build columns).
type Spec struct {
	Kind Kind
	// SingleMatch emits at most one build match per probe row.
	SingleMatch bool

	ProbeKeyCols []int
	ProbeTypes   []types.Type
	BuildTypes   []types.Type
	ProbeOutCols []int
	BuildOutCols []int
}

type LookupJoinFactory struct {
	bridge   *joinbridge.Bridge
	spec     Spec
	lifespan vm.Lifespan
}

// NewFactory registers one probe factory on the bridge.
func NewFactory(bridge *joinbridge.Bridge, spec Spec, lifespan vm.Lifespan) *LookupJoinFactory {
	bridge.IncrementProbeFactoryCount(lifespan, 1)
	return &LookupJoinFactory{bridge: bridge, spec: spec, lifespan: lifespan}
}

func (f *LookupJoinFactory) CreateOperator(proc *process.Process) (vm.Operator, error) {
	f.bridge.ProbeOperatorCreated(f.lifespan)
	op := &LookupJoinOperator{
		proc:        proc,
		bridge:      f.bridge,
		spec:        f.spec,
		lifespan:    f.lifespan,
		mem:         proc.NewOperatorMem("join"),
		srcFut:      f.bridge.LookupSourceFuture(f.lifespan),
		batchSize:   proc.Config().BatchSize,
		partitioner: spill.NewPartitioner(proc.Config().Spill.Partitions, f.spec.ProbeKeyCols),
		buffered:    make(map[int][]*batch.Batch),
	}
	if f.spec.Kind.trackMatchedBuild() {
		op.matched = roaring64.New()
	}
	return op, nil
}

func (f *LookupJoinFactory) NoMoreOperators(lifespan vm.Lifespan) error {
	f.bridge.ProbeFactoryClosed(lifespan)
	return nil
}

func (f *LookupJoinFactory) Duplicate() vm.OperatorFactory {
	return NewFactory(f.bridge, f.spec, f.lifespan)
}

type joinState int

const (
	// waiting for the lookup source, then streaming probe input
	stateConsumingInput joinState = iota
	// replaying buffered probe rows against restored spilled partitions
	stateLookingForNextBuildPartition
	stateFinished
)

// lookupTable is what a probe cursor runs against: the in-memory
// lookup source or one restored spilled partition.
type lookupTable interface {
	NewIterator() hashmap.Iterator
	Sels(groupID uint64) []uint64
	Batch(batchIdx int) *batch.Batch
	GlobalRow(ref uint64) uint64
}

// probeCursor is the mid-batch resume point: the probe batch, the next
// row, the cached group ids of the current chunk, and for the current
// row the index of the next build match to emit.
type probeCursor struct {
	bat     *batch.Batch
	itr     hashmap.Iterator
	keyVecs []*vector.Vector

	row        int
	chunkStart int
	vs         []uint64
	zvs        []int64

	matchIdx int
}

type LookupJoinOperator struct {
	vm.OperatorBase

	proc     *process.Process
	bridge   *joinbridge.Bridge
	spec     Spec
	lifespan vm.Lifespan
	mem      *memory.Context

	srcFut *future.Value[*joinbridge.LookupSource]
	ls     *joinbridge.LookupSource

	state     joinState
	batchSize int

	// probe input pending ahead of the cursor
	pending []*batch.Batch
	cursor  *probeCursor

	// probe rows routed to spilled build partitions, replayed later
	partitioner *spill.Partitioner
	buffered    map[int][]*batch.Batch
	replayParts []int
	replayTable *joinbridge.RestoredPartition
	replayBats  []*batch.Batch
	restoreFut  *future.Value[joinbridge.RestoreResult]
	restorePart int

	matched *roaring64.Bitmap

	out *batch.Batch
}
