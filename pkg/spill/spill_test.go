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

package spill

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/silicadb/silica/pkg/common/moerr"
	"github.com/silicadb/silica/pkg/config"
	"github.com/silicadb/silica/pkg/container/batch"
	"github.com/silicadb/silica/pkg/container/types"
	"github.com/silicadb/silica/pkg/container/vector"
)

func testBatch(t *testing.T, vals []int64, tags []string) *batch.Batch {
	a := vector.NewVec(types.T_int64.ToType())
	require.NoError(t, vector.AppendFixedList(a, vals, nil))
	b := vector.NewVec(types.T_varchar.ToType())
	for _, s := range tags {
		require.NoError(t, vector.AppendBytes(b, []byte(s), false))
	}
	bat, err := batch.NewWithVectors([]*vector.Vector{a, b})
	require.NoError(t, err)
	return bat
}

func spillConfig(t *testing.T, backend string, compress bool) config.SpillConfig {
	return config.SpillConfig{
		Dir:        t.TempDir(),
		Backend:    backend,
		Partitions: 4,
		Compress:   compress,
	}
}

func TestSpillRoundTrip(t *testing.T) {
	for _, backend := range []string{config.SpillBackendFile, config.SpillBackendPebble} {
		for _, compress := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s-compress-%v", backend, compress), func(t *testing.T) {
				ctx := context.Background()
				s, err := New(spillConfig(t, backend, compress), "test")
				require.NoError(t, err)
				defer func() { require.NoError(t, s.Close()) }()

				require.NoError(t, s.Spill(ctx, 1, testBatch(t, []int64{1, 2}, []string{"a", "b"})))
				require.NoError(t, s.Spill(ctx, 1, testBatch(t, []int64{3}, []string{"c"})))
				require.NoError(t, s.Spill(ctx, 3, testBatch(t, []int64{9}, []string{"z"})))
				require.NoError(t, s.Finish())

				require.True(t, s.Spilled(1))
				require.True(t, s.Spilled(3))
				require.False(t, s.Spilled(0))
				require.Greater(t, s.Size(), int64(0))

				// partition 1 comes back in spill order
				bat, err := s.Unspill(ctx, 1)
				require.NoError(t, err)
				require.Equal(t, 2, bat.RowCount())
				require.Equal(t, []int64{1, 2}, vector.MustFixedCol[int64](bat.Vecs[0]))
				require.Equal(t, "b", bat.Vecs[1].GetStringAt(1))

				bat, err = s.Unspill(ctx, 1)
				require.NoError(t, err)
				require.Equal(t, 1, bat.RowCount())
				require.Equal(t, int64(3), vector.GetFixedAt[int64](bat.Vecs[0], 0))

				bat, err = s.Unspill(ctx, 1)
				require.NoError(t, err)
				require.Nil(t, bat)

				// untouched partition is immediately exhausted
				bat, err = s.Unspill(ctx, 0)
				require.NoError(t, err)
				require.Nil(t, bat)
			})
		}
	}
}

func TestSpillLargeCompressible(t *testing.T) {
	ctx := context.Background()
	s, err := New(spillConfig(t, config.SpillBackendFile, true), "test")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	vals := make([]int64, 8192)
	tags := make([]string, 8192)
	for i := range vals {
		vals[i] = int64(i % 7)
		tags[i] = "same-tag"
	}
	require.NoError(t, s.Spill(ctx, 0, testBatch(t, vals, tags)))
	require.NoError(t, s.Finish())

	bat, err := s.Unspill(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 8192, bat.RowCount())
	require.Equal(t, "same-tag", bat.Vecs[1].GetStringAt(511))
	// compression must beat the raw payload by a wide margin here
	require.Less(t, s.Size(), int64(8192*8))
}

func TestSpillCanceledContext(t *testing.T) {
	s, err := New(spillConfig(t, config.SpillBackendFile, false), "test")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Spill(ctx, 0, testBatch(t, []int64{1}, []string{"a"}))
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrQueryInterrupted))
}

func TestSpillContractViolations(t *testing.T) {
	ctx := context.Background()
	s, err := New(spillConfig(t, config.SpillBackendFile, false), "test")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = s.Unspill(ctx, 0)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrContractViolation))

	require.NoError(t, s.Finish())
	err = s.Spill(ctx, 0, testBatch(t, []int64{1}, []string{"a"}))
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrContractViolation))
}

func TestPartitionerDeterministic(t *testing.T) {
	bat := testBatch(t, []int64{10, 20, 10, 30}, []string{"x", "y", "x", "z"})
	p := NewPartitioner(8, []int{0, 1})
	q := NewPartitioner(8, []int{0, 1})

	for row := 0; row < bat.RowCount(); row++ {
		require.Equal(t, p.PartitionOf(bat, row), q.PartitionOf(bat, row))
	}
	// identical keys land in the same partition
	require.Equal(t, p.PartitionOf(bat, 0), p.PartitionOf(bat, 2))
}

func TestPartitionerSplit(t *testing.T) {
	const rows = 1000
	vals := make([]int64, rows)
	tags := make([]string, rows)
	for i := range vals {
		vals[i] = int64(i)
		tags[i] = fmt.Sprintf("tag-%d", i)
	}
	bat := testBatch(t, vals, tags)

	p := NewPartitioner(4, []int{0})
	parts, err := p.Split(bat)
	require.NoError(t, err)
	require.Len(t, parts, 4)

	total := 0
	for part, pb := range parts {
		if pb == nil {
			continue
		}
		total += pb.RowCount()
		for row := 0; row < pb.RowCount(); row++ {
			require.Equal(t, part, p.PartitionOf(pb, row))
			// row contents travel together
			v := vector.GetFixedAt[int64](pb.Vecs[0], row)
			require.Equal(t, fmt.Sprintf("tag-%d", v), pb.Vecs[1].GetStringAt(row))
		}
	}
	require.Equal(t, rows, total)
}

func TestPartitionerNullKeys(t *testing.T) {
	a := vector.NewVec(types.T_int64.ToType())
	require.NoError(t, vector.AppendFixed(a, int64(5), false))
	require.NoError(t, vector.AppendFixed(a, int64(0), true))
	require.NoError(t, vector.AppendFixed(a, int64(0), true))
	bat, err := batch.NewWithVectors([]*vector.Vector{a})
	require.NoError(t, err)

	p := NewPartitioner(8, []int{0})
	// null rows hash consistently
	require.Equal(t, p.PartitionOf(bat, 1), p.PartitionOf(bat, 2))
}
