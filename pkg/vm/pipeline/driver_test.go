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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/silicadb/silica/pkg/colexec/hashbuild"
	"github.com/silicadb/silica/pkg/colexec/join"
	"github.com/silicadb/silica/pkg/colexec/joinbridge"
	"github.com/silicadb/silica/pkg/colexec/markdistinct"
	"github.com/silicadb/silica/pkg/common/moerr"
	"github.com/silicadb/silica/pkg/config"
	"github.com/silicadb/silica/pkg/container/batch"
	"github.com/silicadb/silica/pkg/container/types"
	"github.com/silicadb/silica/pkg/container/vector"
	"github.com/silicadb/silica/pkg/vm"
	"github.com/silicadb/silica/pkg/vm/process"
)

type sliceSource struct {
	bats []*batch.Batch
	next int
}

func (s *sliceSource) Read(*process.Process) (*batch.Batch, error) {
	if s.next >= len(s.bats) {
		return nil, nil
	}
	bat := s.bats[s.next]
	s.next++
	return bat, nil
}

type collectSink struct {
	mu   sync.Mutex
	rows int
	bats []*batch.Batch
}

func (s *collectSink) Write(_ *process.Process, bat *batch.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows += bat.RowCount()
	s.bats = append(s.bats, bat)
	return nil
}

func (s *collectSink) Close() error { return nil }

func int64Batch(t *testing.T, keys []int64) *batch.Batch {
	vec := vector.NewVec(types.T_int64.ToType())
	require.NoError(t, vector.AppendFixedList(vec, keys, nil))
	bat, err := batch.NewWithVectors([]*vector.Vector{vec})
	require.NoError(t, err)
	return bat
}

func kvBatch(t *testing.T, keys []int64, vals []string) *batch.Batch {
	keyVec := vector.NewVec(types.T_int64.ToType())
	valVec := vector.NewVec(types.T_varchar.ToType())
	require.NoError(t, vector.AppendFixedList(keyVec, keys, nil))
	for _, v := range vals {
		require.NoError(t, vector.AppendBytes(valVec, []byte(v), false))
	}
	bat, err := batch.NewWithVectors([]*vector.Vector{keyVec, valVec})
	require.NoError(t, err)
	return bat
}

func stepToCompletion(t *testing.T, d *Driver) {
	for i := 0; i < 10000; i++ {
		state, sig, err := d.Step()
		require.NoError(t, err)
		switch state {
		case Done:
			return
		case Parked:
			<-sig.Done()
		}
	}
	t.Fatal("driver did not finish")
}

func TestDriverRunsSourceToSink(t *testing.T) {
	proc := process.NewTestProcess()
	defer proc.Free()

	src := &sliceSource{bats: []*batch.Batch{
		int64Batch(t, []int64{1, 2, 1}),
		int64Batch(t, []int64{3, 2}),
	}}
	sink := &collectSink{}
	f := markdistinct.NewFactory(markdistinct.Spec{
		KeyCols:  []int{0},
		KeyTypes: []types.Type{types.T_int64.ToType()},
	})
	d, err := NewDriver(proc, src, []vm.OperatorFactory{f}, sink)
	require.NoError(t, err)
	defer d.Close()

	stepToCompletion(t, d)
	require.Equal(t, 5, sink.rows)

	var marks []bool
	for _, bat := range sink.bats {
		col := bat.Vecs[1]
		for i := 0; i < bat.RowCount(); i++ {
			marks = append(marks, vector.GetFixedAt[bool](col, i))
		}
	}
	require.Equal(t, []bool{true, true, false, true, false}, marks)
}

func TestDriverParksOnBuildFuture(t *testing.T) {
	proc := process.NewTestProcess()
	defer proc.Free()

	bridge := joinbridge.NewBridge(false)
	spec := join.Spec{
		Kind:         join.Inner,
		ProbeKeyCols: []int{0},
		ProbeTypes:   []types.Type{types.T_int64.ToType(), types.T_varchar.ToType()},
		BuildTypes:   []types.Type{types.T_int64.ToType(), types.T_varchar.ToType()},
		ProbeOutCols: []int{1},
		BuildOutCols: []int{1},
	}
	jf := join.NewFactory(bridge, spec, vm.TaskWide)

	src := &sliceSource{bats: []*batch.Batch{
		kvBatch(t, []int64{1, 2}, []string{"a", "b"}),
	}}
	sink := &collectSink{}
	d, err := NewDriver(proc, src, []vm.OperatorFactory{jf}, sink)
	require.NoError(t, err)

	// probe parks until the build side publishes
	state, parkSig, err := d.Step()
	for err == nil && state == Running {
		state, parkSig, err = d.Step()
	}
	require.NoError(t, err)
	require.Equal(t, Parked, state)
	require.NotNil(t, parkSig)
	require.False(t, parkSig.Resolved())

	// build pipeline publishes the lookup source
	bproc := process.NewTestProcess()
	defer bproc.Free()
	bf := hashbuild.NewFactory(bridge, []int{0}, spec.BuildTypes[:1], vm.TaskWide)
	bd, err := NewDriver(bproc, &sliceSource{bats: []*batch.Batch{
		kvBatch(t, []int64{1, 1}, []string{"x", "y"}),
	}}, []vm.OperatorFactory{bf}, &collectSink{})
	require.NoError(t, err)
	stepToCompletion(t, bd)
	require.NoError(t, bd.Close())

	require.True(t, parkSig.Resolved())
	stepToCompletion(t, d)
	require.NoError(t, d.Close())
	require.NoError(t, jf.NoMoreOperators(vm.TaskWide))

	// probe key 1 matched both build rows, key 2 matched none
	require.Equal(t, 2, sink.rows)
	require.True(t, bridge.Destroyed(vm.TaskWide))
}

func TestSchedulerRunsDriversToCompletion(t *testing.T) {
	s, err := NewScheduler(context.Background(), 2)
	require.NoError(t, err)

	cfg := config.Default()
	sinks := make([]*collectSink, 4)
	procs := make([]*process.Process, 4)
	for i := range sinks {
		sinks[i] = &collectSink{}
		procs[i] = process.New(s.Ctx(), cfg, 0)
		f := markdistinct.NewFactory(markdistinct.Spec{
			KeyCols:  []int{0},
			KeyTypes: []types.Type{types.T_int64.ToType()},
		})
		d, err := NewDriver(procs[i], &sliceSource{bats: []*batch.Batch{
			int64Batch(t, []int64{int64(i), int64(i), int64(i + 1)}),
		}}, []vm.OperatorFactory{f}, sinks[i])
		require.NoError(t, err)
		require.NoError(t, s.Schedule(d))
	}

	require.NoError(t, s.Wait())
	for i := range sinks {
		require.Equal(t, 3, sinks[i].rows)
	}
	for _, proc := range procs {
		proc.Free()
	}
}

func TestSchedulerResumesParkedDriver(t *testing.T) {
	s, err := NewScheduler(context.Background(), 2)
	require.NoError(t, err)

	cfg := config.Default()
	bridge := joinbridge.NewBridge(false)
	spec := join.Spec{
		Kind:         join.Inner,
		ProbeKeyCols: []int{0},
		ProbeTypes:   []types.Type{types.T_int64.ToType(), types.T_varchar.ToType()},
		BuildTypes:   []types.Type{types.T_int64.ToType(), types.T_varchar.ToType()},
		ProbeOutCols: []int{1},
		BuildOutCols: []int{1},
	}

	pproc := process.New(s.Ctx(), cfg, 0)
	defer pproc.Free()
	jf := join.NewFactory(bridge, spec, vm.TaskWide)
	sink := &collectSink{}
	pd, err := NewDriver(pproc, &sliceSource{bats: []*batch.Batch{
		kvBatch(t, []int64{1, 2, 1}, []string{"a", "b", "c"}),
	}}, []vm.OperatorFactory{jf}, sink)
	require.NoError(t, err)
	require.NoError(t, s.Schedule(pd))

	// let the probe driver park before the build side even starts
	time.Sleep(10 * time.Millisecond)

	bproc := process.New(s.Ctx(), cfg, 0)
	defer bproc.Free()
	bf := hashbuild.NewFactory(bridge, []int{0}, spec.BuildTypes[:1], vm.TaskWide)
	bd, err := NewDriver(bproc, &sliceSource{bats: []*batch.Batch{
		kvBatch(t, []int64{1, 2}, []string{"x", "y"}),
	}}, []vm.OperatorFactory{bf}, &collectSink{})
	require.NoError(t, err)
	require.NoError(t, s.Schedule(bd))

	require.NoError(t, s.Wait())
	require.NoError(t, jf.NoMoreOperators(vm.TaskWide))
	require.Equal(t, 3, sink.rows)
	require.True(t, bridge.Destroyed(vm.TaskWide))
}

func TestSchedulerCancellation(t *testing.T) {
	s, err := NewScheduler(context.Background(), 1)
	require.NoError(t, err)

	// probe driver with no build side ever: parks forever until cancel
	cfg := config.Default()
	proc := process.New(s.Ctx(), cfg, 0)
	defer proc.Free()
	bridge := joinbridge.NewBridge(false)
	jf := join.NewFactory(bridge, join.Spec{
		Kind:         join.Inner,
		ProbeKeyCols: []int{0},
		ProbeTypes:   []types.Type{types.T_int64.ToType()},
		BuildTypes:   []types.Type{types.T_int64.ToType()},
		ProbeOutCols: []int{0},
	}, vm.TaskWide)
	d, err := NewDriver(proc, &sliceSource{bats: []*batch.Batch{
		int64Batch(t, []int64{1}),
	}}, []vm.OperatorFactory{jf}, &collectSink{})
	require.NoError(t, err)
	require.NoError(t, s.Schedule(d))

	time.Sleep(10 * time.Millisecond)
	s.Cancel()
	err = s.Wait()
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrQueryInterrupted))
}
