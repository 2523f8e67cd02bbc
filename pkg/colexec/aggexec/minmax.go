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

package aggexec

import (
	"bytes"

	"github.com/silicadb/silica/pkg/common/moerr"
	"github.com/silicadb/silica/pkg/container/types"
)

func newMinMax(op int64, argType types.Type, isMin bool) (AggFuncExec, error) {
	switch argType.Oid {
	case types.T_int8:
		return minMaxOf[int8](op, argType, isMin), nil
	case types.T_int16:
		return minMaxOf[int16](op, argType, isMin), nil
	case types.T_int32:
		return minMaxOf[int32](op, argType, isMin), nil
	case types.T_int64:
		return minMaxOf[int64](op, argType, isMin), nil
	case types.T_uint8:
		return minMaxOf[uint8](op, argType, isMin), nil
	case types.T_uint16:
		return minMaxOf[uint16](op, argType, isMin), nil
	case types.T_uint32:
		return minMaxOf[uint32](op, argType, isMin), nil
	case types.T_uint64:
		return minMaxOf[uint64](op, argType, isMin), nil
	case types.T_float32:
		return minMaxOf[float32](op, argType, isMin), nil
	case types.T_float64:
		return minMaxOf[float64](op, argType, isMin), nil
	case types.T_varchar:
		return minMaxBytes(op, argType, isMin), nil
	}
	name := "max"
	if isMin {
		name = "min"
	}
	return nil, moerr.NewTypeMismatch(name, argType.String())
}

func minMaxOf[T types.Number](op int64, argType types.Type, isMin bool) AggFuncExec {
	better := func(a, b T) bool { return a > b }
	if isMin {
		better = func(a, b T) bool { return a < b }
	}
	fill := func(_ int64, v T, acc T, empty bool, isNull bool) (T, bool, error) {
		if isNull {
			return acc, empty, nil
		}
		if empty || better(v, acc) {
			return v, false, nil
		}
		return acc, false, nil
	}
	merge := func(_, _ int64, acc1, acc2 T, empty1, empty2 bool, _ aggPriv) (T, bool, error) {
		if empty2 {
			return acc1, empty1, nil
		}
		if empty1 || better(acc2, acc1) {
			return acc2, false, nil
		}
		return acc1, false, nil
	}
	return newUnaryAgg[T, T](op, noPriv{}, false, argType, argType, fill, merge, nil)
}

func minMaxBytes(op int64, argType types.Type, isMin bool) AggFuncExec {
	want := 1
	if isMin {
		want = -1
	}
	fill := func(_ int64, v []byte, acc []byte, empty bool, isNull bool) ([]byte, bool, error) {
		if isNull {
			return acc, empty, nil
		}
		if empty || bytes.Compare(v, acc) == want {
			return append([]byte(nil), v...), false, nil
		}
		return acc, false, nil
	}
	merge := func(_, _ int64, acc1, acc2 []byte, empty1, empty2 bool, _ aggPriv) ([]byte, bool, error) {
		if empty2 {
			return acc1, empty1, nil
		}
		if empty1 || bytes.Compare(acc2, acc1) == want {
			return append([]byte(nil), acc2...), false, nil
		}
		return acc1, false, nil
	}
	return newUnaryAgg[[]byte, []byte](op, noPriv{}, false, argType, argType, fill, merge, nil)
}
