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

package join

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/silicadb/silica/pkg/colexec/hashbuild"
	"github.com/silicadb/silica/pkg/colexec/joinbridge"
	"github.com/silicadb/silica/pkg/config"
	"github.com/silicadb/silica/pkg/container/batch"
	"github.com/silicadb/silica/pkg/container/types"
	"github.com/silicadb/silica/pkg/container/vector"
	"github.com/silicadb/silica/pkg/spill"
	"github.com/silicadb/silica/pkg/vm"
	"github.com/silicadb/silica/pkg/vm/process"
)

var testTypes = []types.Type{types.T_int64.ToType(), types.T_varchar.ToType()}

// kvBatch builds a two-column (int64 key, varchar value) batch; a nil
// entry in keys makes a null key.
func kvBatch(t *testing.T, keys []*int64, vals []string) *batch.Batch {
	keyVec := vector.NewVec(types.T_int64.ToType())
	valVec := vector.NewVec(types.T_varchar.ToType())
	for i, k := range keys {
		if k == nil {
			require.NoError(t, vector.AppendFixed(keyVec, int64(0), true))
		} else {
			require.NoError(t, vector.AppendFixed(keyVec, *k, false))
		}
		require.NoError(t, vector.AppendBytes(valVec, []byte(vals[i]), false))
	}
	bat, err := batch.NewWithVectors([]*vector.Vector{keyVec, valVec})
	require.NoError(t, err)
	return bat
}

func ptrs(keys ...int64) []*int64 {
	out := make([]*int64, len(keys))
	for i := range keys {
		k := keys[i]
		out[i] = &k
	}
	return out
}

// publishBuild indexes a two-column build side and publishes it on the
// bridge, as the build operator would.
func publishBuild(t *testing.T, bridge *joinbridge.Bridge, keys []*int64, vals []string) {
	bat := kvBatch(t, keys, vals)
	keyTypes := []types.Type{types.T_int64.ToType()}
	var batches []*batch.Batch
	if bat.RowCount() > 0 {
		batches = []*batch.Batch{bat}
	}
	mp, sels, err := joinbridge.BuildTable(context.Background(), keyTypes, []int{0}, batches)
	require.NoError(t, err)
	ls := joinbridge.NewLookupSource([]int{0}, keyTypes, batches, mp, sels,
		make([]bool, config.Default().Spill.Partitions), nil)
	bridge.SetLookupSource(vm.TaskWide, ls)
}

func testSpec(kind Kind) Spec {
	return Spec{
		Kind:         kind,
		ProbeKeyCols: []int{0},
		ProbeTypes:   testTypes,
		BuildTypes:   testTypes,
		ProbeOutCols: []int{1},
		BuildOutCols: []int{1},
	}
}

// collect drains the operator after Finish, waiting out blocked
// signals the way the driver parks.
func collect(t *testing.T, op vm.Operator) *batch.Batch {
	var all *batch.Batch
	for {
		if sig := op.IsBlocked(); sig != nil && !sig.Resolved() {
			<-sig.Done()
		}
		bat, err := op.GetOutput()
		require.NoError(t, err)
		if bat == nil {
			if op.IsFinished() {
				break
			}
			continue
		}
		all, err = all.Append(bat)
		require.NoError(t, err)
	}
	return all
}

// driveToFinished steps a non-emitting operator until its background
// work settles.
func driveToFinished(t *testing.T, op vm.Operator) {
	for !op.IsFinished() {
		if sig := op.IsBlocked(); sig != nil && !sig.Resolved() {
			<-sig.Done()
		}
		bat, err := op.GetOutput()
		require.NoError(t, err)
		require.Nil(t, bat)
	}
}

func rowStrings(bat *batch.Batch, col int) []string {
	if bat == nil {
		return nil
	}
	out := make([]string, bat.RowCount())
	for i := range out {
		if bat.Vecs[col].IsNullAt(i) {
			out[i] = "<null>"
		} else {
			out[i] = bat.Vecs[col].GetStringAt(i)
		}
	}
	return out
}

func TestInnerJoinDuplicateBuildKeys(t *testing.T) {
	proc := process.NewTestProcess()
	defer proc.Free()

	bridge := joinbridge.NewBridge(false)
	f := NewFactory(bridge, testSpec(Inner), vm.TaskWide)
	op, err := f.CreateOperator(proc)
	require.NoError(t, err)

	publishBuild(t, bridge, ptrs(1, 1), []string{"x", "y"})
	require.NoError(t, op.AddInput(kvBatch(t, ptrs(1, 2), []string{"a", "b"})))
	require.NoError(t, op.Finish())

	out := collect(t, op)
	require.Equal(t, []string{"a", "a"}, rowStrings(out, 0))
	require.Equal(t, []string{"x", "y"}, rowStrings(out, 1))

	require.NoError(t, op.Close())
	require.NoError(t, f.NoMoreOperators(vm.TaskWide))
}

func TestProbeOuterEmitsNullBuildSide(t *testing.T) {
	proc := process.NewTestProcess()
	defer proc.Free()

	bridge := joinbridge.NewBridge(false)
	f := NewFactory(bridge, testSpec(ProbeOuter), vm.TaskWide)
	op, err := f.CreateOperator(proc)
	require.NoError(t, err)

	publishBuild(t, bridge, ptrs(1, 1), []string{"x", "y"})
	require.NoError(t, op.AddInput(kvBatch(t, ptrs(1, 2), []string{"a", "b"})))
	require.NoError(t, op.Finish())

	out := collect(t, op)
	require.Equal(t, []string{"a", "a", "b"}, rowStrings(out, 0))
	require.Equal(t, []string{"x", "y", "<null>"}, rowStrings(out, 1))
	require.NoError(t, op.Close())
}

func TestJoinParksUntilBuildPublishes(t *testing.T) {
	proc := process.NewTestProcess()
	defer proc.Free()

	bridge := joinbridge.NewBridge(false)
	f := NewFactory(bridge, testSpec(Inner), vm.TaskWide)
	op, err := f.CreateOperator(proc)
	require.NoError(t, err)

	require.NoError(t, op.AddInput(kvBatch(t, ptrs(1), []string{"a"})))
	bat, err := op.GetOutput()
	require.NoError(t, err)
	require.Nil(t, bat)
	require.NotNil(t, op.IsBlocked())

	publishBuild(t, bridge, ptrs(1), []string{"x"})
	require.Nil(t, op.IsBlocked())
	require.NoError(t, op.Finish())

	out := collect(t, op)
	require.Equal(t, []string{"x"}, rowStrings(out, 1))
	require.NoError(t, op.Close())
}

func TestNullProbeKeyNeverMatches(t *testing.T) {
	proc := process.NewTestProcess()
	defer proc.Free()

	for _, kind := range []Kind{Inner, ProbeOuter} {
		bridge := joinbridge.NewBridge(false)
		f := NewFactory(bridge, testSpec(kind), vm.TaskWide)
		op, err := f.CreateOperator(proc)
		require.NoError(t, err)

		// the build side holds a null key too; null != null here
		publishBuild(t, bridge, []*int64{nil, ptrs(1)[0]}, []string{"nv", "x"})
		require.NoError(t, op.AddInput(kvBatch(t, []*int64{nil, ptrs(1)[0]}, []string{"a", "b"})))
		require.NoError(t, op.Finish())

		out := collect(t, op)
		if kind == Inner {
			require.Equal(t, []string{"b"}, rowStrings(out, 0), kind.String())
		} else {
			require.Equal(t, []string{"a", "b"}, rowStrings(out, 0), kind.String())
			require.Equal(t, []string{"<null>", "x"}, rowStrings(out, 1), kind.String())
		}
		require.NoError(t, op.Close())
	}
}

func TestEmptyBuildShortCircuit(t *testing.T) {
	proc := process.NewTestProcess()
	defer proc.Free()

	bridge := joinbridge.NewBridge(false)
	f := NewFactory(bridge, testSpec(Inner), vm.TaskWide)
	op, err := f.CreateOperator(proc)
	require.NoError(t, err)

	publishBuild(t, bridge, nil, nil)
	require.NoError(t, op.AddInput(kvBatch(t, ptrs(1, 2, 3), []string{"a", "b", "c"})))
	require.NoError(t, op.Finish())

	require.Nil(t, collect(t, op))
	require.NoError(t, op.Close())
}

func TestSingleMatchEmitsFirstMatchOnly(t *testing.T) {
	proc := process.NewTestProcess()
	defer proc.Free()

	bridge := joinbridge.NewBridge(false)
	spec := testSpec(Inner)
	spec.SingleMatch = true
	f := NewFactory(bridge, spec, vm.TaskWide)
	op, err := f.CreateOperator(proc)
	require.NoError(t, err)

	publishBuild(t, bridge, ptrs(1, 1), []string{"x", "y"})
	require.NoError(t, op.AddInput(kvBatch(t, ptrs(1), []string{"a"})))
	require.NoError(t, op.Finish())

	out := collect(t, op)
	require.Equal(t, []string{"x"}, rowStrings(out, 1))
	require.NoError(t, op.Close())
}

func TestLookupOuterDrain(t *testing.T) {
	proc := process.NewTestProcess()
	defer proc.Free()

	bridge := joinbridge.NewBridge(true)
	spec := testSpec(LookupOuter)
	f := NewFactory(bridge, spec, vm.TaskWide)
	op, err := f.CreateOperator(proc)
	require.NoError(t, err)

	publishBuild(t, bridge, ptrs(1, 2), []string{"x", "y"})
	require.NoError(t, op.AddInput(kvBatch(t, ptrs(2), []string{"b"})))
	require.NoError(t, op.Finish())

	out := collect(t, op)
	require.Equal(t, []string{"b"}, rowStrings(out, 0))
	require.Equal(t, []string{"y"}, rowStrings(out, 1))

	drainOp, err := NewOuterDrainFactory(bridge, spec, vm.TaskWide).CreateOperator(proc)
	require.NoError(t, err)
	require.NotNil(t, drainOp.IsBlocked())

	// the drain wakes only after every probe is gone
	require.NoError(t, op.Close())
	require.NoError(t, f.NoMoreOperators(vm.TaskWide))
	require.Nil(t, drainOp.IsBlocked())

	drained := collect(t, drainOp)
	require.Equal(t, []string{"<null>"}, rowStrings(drained, 0))
	require.Equal(t, []string{"x"}, rowStrings(drained, 1))
	require.NoError(t, drainOp.Close())
	require.True(t, bridge.Destroyed(vm.TaskWide))
}

func TestFullOuterKeepsBothSides(t *testing.T) {
	proc := process.NewTestProcess()
	defer proc.Free()

	bridge := joinbridge.NewBridge(true)
	spec := testSpec(FullOuter)
	f := NewFactory(bridge, spec, vm.TaskWide)
	op, err := f.CreateOperator(proc)
	require.NoError(t, err)

	publishBuild(t, bridge, ptrs(1, 2), []string{"x", "y"})
	require.NoError(t, op.AddInput(kvBatch(t, ptrs(1, 3), []string{"a", "c"})))
	require.NoError(t, op.Finish())

	out := collect(t, op)
	require.Equal(t, []string{"a", "c"}, rowStrings(out, 0))
	require.Equal(t, []string{"x", "<null>"}, rowStrings(out, 1))

	drainOp, err := NewOuterDrainFactory(bridge, spec, vm.TaskWide).CreateOperator(proc)
	require.NoError(t, err)
	require.NoError(t, op.Close())
	require.NoError(t, f.NoMoreOperators(vm.TaskWide))

	drained := collect(t, drainOp)
	require.Equal(t, []string{"<null>"}, rowStrings(drained, 0))
	require.Equal(t, []string{"y"}, rowStrings(drained, 1))
	require.NoError(t, drainOp.Close())
}

func TestMidBatchCursorResume(t *testing.T) {
	cfg := config.Default()
	cfg.BatchSize = 4
	proc := process.New(context.Background(), cfg, 0)
	defer proc.Free()

	bridge := joinbridge.NewBridge(false)
	f := NewFactory(bridge, testSpec(Inner), vm.TaskWide)
	op, err := f.CreateOperator(proc)
	require.NoError(t, err)

	// key 1 fans out to 6 build rows; output batches cap at 4 rows, so
	// the second probe of key 1 pauses mid-row and resumes
	publishBuild(t, bridge, ptrs(1, 1, 1, 1, 1, 1),
		[]string{"v0", "v1", "v2", "v3", "v4", "v5"})
	require.NoError(t, op.AddInput(kvBatch(t, ptrs(1, 1), []string{"a", "b"})))
	require.NoError(t, op.Finish())

	first, err := op.GetOutput()
	require.NoError(t, err)
	require.Equal(t, 4, first.RowCount())

	out := first
	for {
		bat, err := op.GetOutput()
		require.NoError(t, err)
		if bat == nil {
			break
		}
		require.LessOrEqual(t, bat.RowCount(), 4)
		out, err = out.Append(bat)
		require.NoError(t, err)
	}
	require.Equal(t, 12, out.RowCount())
	require.Equal(t, []string{"a", "a", "a", "a", "a", "a", "b", "b", "b", "b", "b", "b"},
		rowStrings(out, 0))
	require.Equal(t, []string{"v0", "v1", "v2", "v3", "v4", "v5", "v0", "v1", "v2", "v3", "v4", "v5"},
		rowStrings(out, 1))
	require.NoError(t, op.Close())
}

// gateSpiller delays reads until the gate opens, standing in for slow
// disk during a partition restore.
type gateSpiller struct {
	spill.Spiller
	gate chan struct{}
}

func (g *gateSpiller) Unspill(ctx context.Context, partition int) (*batch.Batch, error) {
	<-g.gate
	return g.Spiller.Unspill(ctx, partition)
}

// A probe replaying into a spilled partition must not wait on the
// restore reads: GetOutput returns nothing and IsBlocked carries the
// restore signal until the partition is back in memory.
func TestReplayParksWhileRestoreInFlight(t *testing.T) {
	cfg := config.Default()
	cfg.Spill.Dir = t.TempDir()
	cfg.Spill.Partitions = 1
	proc := process.New(context.Background(), cfg, 0)
	defer proc.Free()

	// every build row sits in the lone, spilled partition
	keyTypes := []types.Type{types.T_int64.ToType()}
	sp, err := spill.New(cfg.Spill, "test")
	require.NoError(t, err)
	require.NoError(t, sp.Spill(context.Background(), 0, kvBatch(t, ptrs(1, 2), []string{"b1", "b2"})))
	require.NoError(t, sp.Finish())
	gs := &gateSpiller{Spiller: sp, gate: make(chan struct{})}

	mp, sels, err := joinbridge.BuildTable(context.Background(), keyTypes, []int{0}, nil)
	require.NoError(t, err)
	ls := joinbridge.NewLookupSource([]int{0}, keyTypes, nil, mp, sels, []bool{true}, gs)
	bridge := joinbridge.NewBridge(false)
	bridge.SetLookupSource(vm.TaskWide, ls)

	f := NewFactory(bridge, testSpec(Inner), vm.TaskWide)
	op, err := f.CreateOperator(proc)
	require.NoError(t, err)
	require.NoError(t, op.AddInput(kvBatch(t, ptrs(2), []string{"p2"})))
	require.NoError(t, op.Finish())

	// the first quantum buffers the probe rows and starts the restore
	bat, err := op.GetOutput()
	require.NoError(t, err)
	require.Nil(t, bat)
	sig := op.IsBlocked()
	require.NotNil(t, sig)
	require.False(t, sig.Resolved())

	close(gs.gate)
	<-sig.Done()

	out := collect(t, op)
	require.Equal(t, []string{"p2"}, rowStrings(out, 0))
	require.Equal(t, []string{"b2"}, rowStrings(out, 1))
	require.NoError(t, op.Close())
	require.NoError(t, f.NoMoreOperators(vm.TaskWide))
}

// End to end over a spilled build side: the build operator pushes
// partitions to disk, probes for those partitions buffer and replay,
// and the full-outer drain picks up unmatched rows from both memory
// and restored partitions.
func TestSpilledPartitionReplayFullOuter(t *testing.T) {
	cfg := config.Default()
	cfg.OperatorMemoryLimit = 512 << 10
	cfg.Spill.Dir = t.TempDir()
	cfg.Spill.Partitions = 4
	proc := process.New(context.Background(), cfg, 0)
	defer proc.Free()

	bridge := joinbridge.NewBridge(true)

	keyTypes := []types.Type{types.T_int64.ToType()}
	bf := hashbuild.NewFactory(bridge, []int{0}, keyTypes, vm.TaskWide)
	buildOp, err := bf.CreateOperator(proc)
	require.NoError(t, err)

	// 64 distinct keys, 12 rows each, padded so memory pressure spills
	const distinct, copies = 64, 12
	pad := make([]byte, 1024)
	for c := 0; c < copies; c++ {
		keyVec := vector.NewVec(types.T_int64.ToType())
		valVec := vector.NewVec(types.T_varchar.ToType())
		for k := 0; k < distinct; k++ {
			require.NoError(t, vector.AppendFixed(keyVec, int64(k), false))
			require.NoError(t, vector.AppendBytes(valVec,
				append([]byte(fmt.Sprintf("v%03d-", k)), pad...), false))
		}
		bat, err := batch.NewWithVectors([]*vector.Vector{keyVec, valVec})
		require.NoError(t, err)
		require.NoError(t, buildOp.AddInput(bat))
	}
	require.NoError(t, buildOp.Finish())
	driveToFinished(t, buildOp)

	ls, ok := bridge.LookupSourceFuture(vm.TaskWide).TryGet()
	require.True(t, ok)
	require.True(t, ls.HasSpill())

	spec := testSpec(FullOuter)
	f := NewFactory(bridge, spec, vm.TaskWide)
	op, err := f.CreateOperator(proc)
	require.NoError(t, err)

	// probe the first half of the key space
	probeKeys := make([]*int64, distinct/2)
	probeTags := make([]string, distinct/2)
	for k := range probeKeys {
		kk := int64(k)
		probeKeys[k] = &kk
		probeTags[k] = fmt.Sprintf("p%03d", k)
	}
	require.NoError(t, op.AddInput(kvBatch(t, probeKeys, probeTags)))
	require.NoError(t, op.Finish())

	out := collect(t, op)
	require.NotNil(t, out)
	require.Equal(t, distinct/2*copies, out.RowCount())
	counts := map[string]int{}
	for _, s := range rowStrings(out, 0) {
		counts[s]++
	}
	require.Len(t, counts, distinct/2)
	for _, n := range counts {
		require.Equal(t, copies, n)
	}

	drainOp, err := NewOuterDrainFactory(bridge, spec, vm.TaskWide).CreateOperator(proc)
	require.NoError(t, err)
	require.NoError(t, op.Close())
	require.NoError(t, f.NoMoreOperators(vm.TaskWide))

	drained := collect(t, drainOp)
	require.NotNil(t, drained)
	require.Equal(t, distinct/2*copies, drained.RowCount())
	unmatched := map[string]bool{}
	for _, s := range rowStrings(drained, 0) {
		require.Equal(t, "<null>", s)
	}
	for _, s := range rowStrings(drained, 1) {
		unmatched[s[:5]] = true
	}
	for k := distinct / 2; k < distinct; k++ {
		require.True(t, unmatched[fmt.Sprintf("v%03d-", k)[:5]], "key %d not drained", k)
	}
	require.NoError(t, drainOp.Close())
	require.NoError(t, buildOp.Close())
	require.True(t, bridge.Destroyed(vm.TaskWide))
}
