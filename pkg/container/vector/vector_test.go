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

package vector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/silicadb/silica/pkg/container/types"
)

func TestAppendFixed(t *testing.T) {
	v := NewVec(types.T_int64.ToType())
	require.NoError(t, AppendFixedList(v, []int64{1, 2, 3}, []bool{false, true, false}))
	require.Equal(t, 3, v.Length())
	require.Equal(t, int64(1), GetFixedAt[int64](v, 0))
	require.True(t, v.IsNullAt(1))
	require.False(t, v.IsNullAt(2))
	require.Equal(t, []int64{1, 0, 3}, MustFixedCol[int64](v))
}

func TestAppendBytes(t *testing.T) {
	v := NewVec(types.T_varchar.ToType())
	require.NoError(t, AppendBytes(v, []byte("hello"), false))
	require.NoError(t, AppendBytes(v, nil, true))
	require.NoError(t, AppendBytes(v, []byte("world"), false))
	require.Equal(t, "hello", v.GetStringAt(0))
	require.True(t, v.IsNullAt(1))
	require.Equal(t, "world", v.GetStringAt(2))
}

func TestConstVector(t *testing.T) {
	v := NewConstFixed(types.T_int32.ToType(), int32(7), 100)
	require.True(t, v.IsConst())
	require.Equal(t, 100, v.Length())
	require.Equal(t, int32(7), GetFixedAt[int32](v, 99))

	n := NewConstNull(types.T_int32.ToType(), 10)
	require.True(t, n.IsConstNull())
	require.True(t, n.IsNullAt(5))
}

func TestWindowFlat(t *testing.T) {
	v := NewVec(types.T_int64.ToType())
	require.NoError(t, AppendFixedList(v, []int64{10, 20, 30, 40, 50}, []bool{false, false, true, false, false}))
	w, err := v.Window(1, 4)
	require.NoError(t, err)
	require.Equal(t, 3, w.Length())
	require.Equal(t, int64(20), GetFixedAt[int64](w, 0))
	require.True(t, w.IsNullAt(1))
	require.Equal(t, int64(40), GetFixedAt[int64](w, 2))

	_, err = v.Window(3, 9)
	require.Error(t, err)
}

func TestDictWindowSlicesSelection(t *testing.T) {
	dict := NewVec(types.T_varchar.ToType())
	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, AppendBytes(dict, []byte(s), false))
	}
	v := NewDict(dict, []uint32{2, 0, 1, 2, 0})
	require.Equal(t, 5, v.Length())
	require.Equal(t, "c", v.GetStringAt(0))

	w, err := v.Window(1, 4)
	require.NoError(t, err)
	require.True(t, w.IsDict())
	require.Equal(t, 3, w.Length())
	require.Equal(t, "a", w.GetStringAt(0))
	require.Equal(t, "b", w.GetStringAt(1))
	require.Equal(t, "c", w.GetStringAt(2))
}

func TestUnionOne(t *testing.T) {
	src := NewVec(types.T_int64.ToType())
	require.NoError(t, AppendFixedList(src, []int64{5, 6}, []bool{false, true}))

	dst := NewVec(types.T_int64.ToType())
	require.NoError(t, dst.UnionOne(src, 0))
	require.NoError(t, dst.UnionOne(src, 1))
	require.NoError(t, dst.UnionMulti(src, 0, 2))
	require.Equal(t, 4, dst.Length())
	require.Equal(t, int64(5), GetFixedAt[int64](dst, 0))
	require.True(t, dst.IsNullAt(1))
	require.Equal(t, int64(5), GetFixedAt[int64](dst, 3))
}

func TestUnionBatchWithFlags(t *testing.T) {
	src := NewVec(types.T_int32.ToType())
	require.NoError(t, AppendFixedList(src, []int32{1, 2, 3, 4}, nil))

	dst := NewVec(types.T_int32.ToType())
	require.NoError(t, dst.UnionBatch(src, 0, 4, []uint8{1, 0, 0, 1}))
	require.Equal(t, 2, dst.Length())
	require.Equal(t, int32(1), GetFixedAt[int32](dst, 0))
	require.Equal(t, int32(4), GetFixedAt[int32](dst, 1))
}

func TestShrink(t *testing.T) {
	v := NewVec(types.T_int64.ToType())
	require.NoError(t, AppendFixedList(v, []int64{1, 2, 3, 4, 5}, []bool{false, true, false, false, false}))
	v.Shrink([]int64{1, 3}, false)
	require.Equal(t, 2, v.Length())
	require.True(t, v.IsNullAt(0))
	require.Equal(t, int64(4), GetFixedAt[int64](v, 1))

	w := NewVec(types.T_int64.ToType())
	require.NoError(t, AppendFixedList(w, []int64{1, 2, 3, 4, 5}, nil))
	w.Shrink([]int64{0, 4}, true)
	require.Equal(t, []int64{2, 3, 4}, MustFixedCol[int64](w))
}

func TestMarshalRoundTrip(t *testing.T) {
	v := NewVec(types.T_varchar.ToType())
	require.NoError(t, AppendBytes(v, []byte("x"), false))
	require.NoError(t, AppendBytes(v, nil, true))
	require.NoError(t, AppendBytes(v, []byte("yz"), false))

	data, err := v.MarshalBinary()
	require.NoError(t, err)

	var w Vector
	require.NoError(t, w.UnmarshalBinary(data))
	require.Equal(t, 3, w.Length())
	require.Equal(t, "x", w.GetStringAt(0))
	require.True(t, w.IsNullAt(1))
	require.Equal(t, "yz", w.GetStringAt(2))
}

func TestMarshalFlattensDict(t *testing.T) {
	dict := NewVec(types.T_int64.ToType())
	require.NoError(t, AppendFixedList(dict, []int64{100, 200}, nil))
	v := NewDict(dict, []uint32{1, 1, 0})

	data, err := v.MarshalBinary()
	require.NoError(t, err)
	var w Vector
	require.NoError(t, w.UnmarshalBinary(data))
	require.Equal(t, []int64{200, 200, 100}, MustFixedCol[int64](&w))
}
