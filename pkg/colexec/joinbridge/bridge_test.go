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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/stretchr/testify/require"

	"github.com/silicadb/silica/pkg/config"
	"github.com/silicadb/silica/pkg/container/batch"
	"github.com/silicadb/silica/pkg/container/types"
	"github.com/silicadb/silica/pkg/container/vector"
	"github.com/silicadb/silica/pkg/spill"
	"github.com/silicadb/silica/pkg/vm"
)

func buildLookupSource(t *testing.T, keys []int64) *LookupSource {
	vec := vector.NewVec(types.T_int64.ToType())
	require.NoError(t, vector.AppendFixedList(vec, keys, nil))
	bat, err := batch.NewWithVectors([]*vector.Vector{vec})
	require.NoError(t, err)

	keyTypes := []types.Type{types.T_int64.ToType()}
	mp, sels, err := BuildTable(context.Background(), keyTypes, []int{0}, []*batch.Batch{bat})
	require.NoError(t, err)
	return NewLookupSource([]int{0}, keyTypes, []*batch.Batch{bat}, mp, sels, make([]bool, 4), nil)
}

func TestLookupSourceRefs(t *testing.T) {
	ls := buildLookupSource(t, []int64{1, 1, 2})
	require.Equal(t, uint64(3), ls.TotalRows())
	require.False(t, ls.Empty())
	require.False(t, ls.HasSpill())

	itr := ls.NewIterator()
	vec := vector.NewVec(types.T_int64.ToType())
	require.NoError(t, vector.AppendFixedList(vec, []int64{1}, nil))
	vs, _ := itr.Find(0, 1, []*vector.Vector{vec})
	require.NotZero(t, vs[0])
	refs := ls.Sels(vs[0])
	require.Len(t, refs, 2)
	b0, r0 := UnpackRowRef(refs[0])
	require.Equal(t, 0, b0)
	require.Equal(t, int64(1), vector.GetFixedAt[int64](ls.Batch(b0).Vecs[0], r0))
}

func TestBridgePublishOnceAndDestroy(t *testing.T) {
	b := NewBridge(false)
	ls := buildLookupSource(t, []int64{7})

	b.IncrementProbeFactoryCount(vm.TaskWide, 1)
	fut := b.LookupSourceFuture(vm.TaskWide)
	_, ok := fut.TryGet()
	require.False(t, ok)

	b.SetLookupSource(vm.TaskWide, ls)
	got, ok := fut.TryGet()
	require.True(t, ok)
	require.Same(t, ls, got)

	b.ProbeOperatorCreated(vm.TaskWide)
	b.ProbeFactoryClosed(vm.TaskWide)
	require.False(t, b.Destroyed(vm.TaskWide))

	b.ProbeOperatorClosed(vm.TaskWide, nil)
	require.True(t, b.Destroyed(vm.TaskWide))
	// destroyed source dropped its table and batches
	require.Nil(t, got.Batches())
}

// A partition restore runs once no matter who asks: concurrent probers
// and the outer drain all get the same future, and the blocking form
// resolves to the same restored partition.
func TestRestorePartitionFutureShared(t *testing.T) {
	spillCfg := config.Default().Spill
	spillCfg.Dir = t.TempDir()
	spillCfg.Partitions = 2
	sp, err := spill.New(spillCfg, "test")
	require.NoError(t, err)

	vec := vector.NewVec(types.T_int64.ToType())
	require.NoError(t, vector.AppendFixedList(vec, []int64{7, 8, 8}, nil))
	bat, err := batch.NewWithVectors([]*vector.Vector{vec})
	require.NoError(t, err)
	require.NoError(t, sp.Spill(context.Background(), 1, bat))
	require.NoError(t, sp.Finish())

	keyTypes := []types.Type{types.T_int64.ToType()}
	mp, sels, err := BuildTable(context.Background(), keyTypes, []int{0}, nil)
	require.NoError(t, err)
	ls := NewLookupSource([]int{0}, keyTypes, nil, mp, sels, []bool{false, true}, sp)

	futA := ls.RestorePartitionFuture(context.Background(), 1)
	futB := ls.RestorePartitionFuture(context.Background(), 1)
	require.Same(t, futA, futB)

	res := futA.Get()
	require.NoError(t, res.Err)
	require.NotNil(t, res.Partition)
	require.Equal(t, 3, res.Partition.Batch(0).RowCount())

	rp, err := ls.RestorePartition(context.Background(), 1)
	require.NoError(t, err)
	require.Same(t, res.Partition, rp)

	ls.destroy()
}

func TestBridgeOuterFuture(t *testing.T) {
	b := NewBridge(true)
	ls := buildLookupSource(t, []int64{1, 2, 3})

	b.IncrementProbeFactoryCount(vm.TaskWide, 1)
	b.SetLookupSource(vm.TaskWide, ls)
	b.ProbeOperatorCreated(vm.TaskWide)

	outer := b.OuterFuture(vm.TaskWide)
	require.False(t, outer.Resolved())

	// the probe matched build row 1 only
	matched := roaring64.New()
	matched.Add(1)
	b.ProbeOperatorClosed(vm.TaskWide, matched)
	require.False(t, outer.Resolved())

	b.ProbeFactoryClosed(vm.TaskWide)
	require.True(t, outer.Resolved())
	// outer drain still holds a reference
	require.False(t, b.Destroyed(vm.TaskWide))

	gotLs, gotMatched := b.OuterState(vm.TaskWide)
	require.Same(t, ls, gotLs)
	refs := gotLs.UnmatchedRefs(gotMatched)
	require.Len(t, refs, 2)

	b.OuterDrainClosed(vm.TaskWide)
	require.True(t, b.Destroyed(vm.TaskWide))
}

func TestBridgeLifespansIndependent(t *testing.T) {
	b := NewBridge(false)
	ls1 := buildLookupSource(t, []int64{1})
	ls2 := buildLookupSource(t, []int64{2})

	b.IncrementProbeFactoryCount(vm.Lifespan(1), 1)
	b.IncrementProbeFactoryCount(vm.Lifespan(2), 1)
	b.SetLookupSource(vm.Lifespan(1), ls1)
	b.SetLookupSource(vm.Lifespan(2), ls2)

	b.ProbeFactoryClosed(vm.Lifespan(1))
	require.True(t, b.Destroyed(vm.Lifespan(1)))
	require.False(t, b.Destroyed(vm.Lifespan(2)))

	b.ProbeFactoryClosed(vm.Lifespan(2))
	require.True(t, b.Destroyed(vm.Lifespan(2)))
}

func TestBridgeRefcountTorture(t *testing.T) {
	const lifespans = 8
	const factoriesPerLifespan = 4
	const operatorsPerFactory = 8

	b := NewBridge(true)
	sources := make([]*LookupSource, lifespans)
	for i := range sources {
		sources[i] = buildLookupSource(t, []int64{int64(i), int64(i) + 100})
		b.IncrementProbeFactoryCount(vm.Lifespan(i), factoriesPerLifespan)
	}

	var wg sync.WaitGroup
	for i := 0; i < lifespans; i++ {
		lifespan := vm.Lifespan(i)

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			time.Sleep(time.Duration(i%3) * time.Millisecond)
			b.SetLookupSource(lifespan, sources[i])
		}(i)

		for f := 0; f < factoriesPerLifespan; f++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				var inner sync.WaitGroup
				for o := 0; o < operatorsPerFactory; o++ {
					b.ProbeOperatorCreated(lifespan)
					inner.Add(1)
					go func(o int) {
						defer inner.Done()
						matched := roaring64.New()
						matched.Add(uint64(o % 2))
						b.ProbeOperatorClosed(lifespan, matched)
					}(o)
				}
				inner.Wait()
				b.ProbeFactoryClosed(lifespan)
			}()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			<-b.OuterFuture(lifespan).Done()
			ls, matched := b.OuterState(lifespan)
			require.NotNil(t, ls)
			require.Equal(t, uint64(2), matched.GetCardinality())
			require.False(t, b.Destroyed(lifespan))
			b.OuterDrainClosed(lifespan)
		}()
	}
	wg.Wait()

	for i := 0; i < lifespans; i++ {
		require.True(t, b.Destroyed(vm.Lifespan(i)))
	}
}
