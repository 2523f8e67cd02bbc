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
	"github.com/silicadb/silica/pkg/common/moerr"
	"github.com/silicadb/silica/pkg/container/types"
)

// sum widens: signed ints to int64, unsigned to uint64, floats to
// float64.
func newSum(argType types.Type) (AggFuncExec, error) {
	switch argType.Oid {
	case types.T_int8:
		return sumOf[int8, int64](argType, types.T_int64.ToType()), nil
	case types.T_int16:
		return sumOf[int16, int64](argType, types.T_int64.ToType()), nil
	case types.T_int32:
		return sumOf[int32, int64](argType, types.T_int64.ToType()), nil
	case types.T_int64:
		return sumOf[int64, int64](argType, types.T_int64.ToType()), nil
	case types.T_uint8:
		return sumOf[uint8, uint64](argType, types.T_uint64.ToType()), nil
	case types.T_uint16:
		return sumOf[uint16, uint64](argType, types.T_uint64.ToType()), nil
	case types.T_uint32:
		return sumOf[uint32, uint64](argType, types.T_uint64.ToType()), nil
	case types.T_uint64:
		return sumOf[uint64, uint64](argType, types.T_uint64.ToType()), nil
	case types.T_float32:
		return sumOf[float32, float64](argType, types.T_float64.ToType()), nil
	case types.T_float64:
		return sumOf[float64, float64](argType, types.T_float64.ToType()), nil
	}
	return nil, moerr.NewTypeMismatch("sum", argType.String())
}

func sumOf[T types.Number, R types.Number](argType, retType types.Type) AggFuncExec {
	fill := func(_ int64, v T, acc R, empty bool, isNull bool) (R, bool, error) {
		if isNull {
			return acc, empty, nil
		}
		return acc + R(v), false, nil
	}
	merge := func(_, _ int64, acc1, acc2 R, empty1, empty2 bool, _ aggPriv) (R, bool, error) {
		if empty2 {
			return acc1, empty1, nil
		}
		return acc1 + acc2, false, nil
	}
	return newUnaryAgg[T, R](AggIdSum, noPriv{}, false, argType, retType, fill, merge, nil)
}
