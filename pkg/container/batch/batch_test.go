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

package batch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/silicadb/silica/pkg/container/types"
	"github.com/silicadb/silica/pkg/container/vector"
)

func newTestBatch(t *testing.T, keys []int64, vals []string) *Batch {
	kvec := vector.NewVec(types.T_int64.ToType())
	require.NoError(t, vector.AppendFixedList(kvec, keys, nil))
	vvec := vector.NewVec(types.T_varchar.ToType())
	for _, s := range vals {
		require.NoError(t, vector.AppendBytes(vvec, []byte(s), false))
	}
	bat, err := NewWithVectors([]*vector.Vector{kvec, vvec})
	require.NoError(t, err)
	return bat
}

func TestNewWithVectorsChecksLengths(t *testing.T) {
	kvec := vector.NewVec(types.T_int64.ToType())
	require.NoError(t, vector.AppendFixedList(kvec, []int64{1, 2}, nil))
	vvec := vector.NewVec(types.T_int64.ToType())
	require.NoError(t, vector.AppendFixedList(vvec, []int64{1}, nil))
	_, err := NewWithVectors([]*vector.Vector{kvec, vvec})
	require.Error(t, err)
}

func TestWindow(t *testing.T) {
	bat := newTestBatch(t, []int64{1, 2, 3, 4}, []string{"a", "b", "c", "d"})
	w, err := bat.Window(1, 3)
	require.NoError(t, err)
	require.Equal(t, 2, w.RowCount())
	require.Equal(t, int64(2), vector.GetFixedAt[int64](w.Vecs[0], 0))
	require.Equal(t, "c", w.Vecs[1].GetStringAt(1))
}

func TestAppendAndShrink(t *testing.T) {
	a := newTestBatch(t, []int64{1, 2}, []string{"a", "b"})
	b := newTestBatch(t, []int64{3}, []string{"c"})
	got, err := a.Append(b)
	require.NoError(t, err)
	require.Equal(t, 3, got.RowCount())
	require.Equal(t, "c", got.Vecs[1].GetStringAt(2))

	got.Shrink([]int64{0, 2}, false)
	require.Equal(t, 2, got.RowCount())
	require.Equal(t, int64(3), vector.GetFixedAt[int64](got.Vecs[0], 1))
}

func TestMarshalRoundTrip(t *testing.T) {
	bat := newTestBatch(t, []int64{7, 8, 9}, []string{"x", "y", "z"})
	data, err := bat.MarshalBinary()
	require.NoError(t, err)

	var rbat Batch
	require.NoError(t, rbat.UnmarshalBinary(data))
	require.Equal(t, 3, rbat.RowCount())
	require.Equal(t, 2, rbat.VectorCount())
	require.Equal(t, int64(8), vector.GetFixedAt[int64](rbat.Vecs[0], 1))
	require.Equal(t, "z", rbat.Vecs[1].GetStringAt(2))
}
