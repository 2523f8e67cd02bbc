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

const groupConcatSep = ","

// group_concat joins the non-null values of a group in arrival order.
// A single group's value is capped by cfg.SingleValueLimit.
func newGroupConcat(cfg Config, argType types.Type) (AggFuncExec, error) {
	if !argType.IsVarlen() {
		return nil, moerr.NewTypeMismatch("group_concat", argType.String())
	}
	limit := cfg.SingleValueLimit
	fill := func(_ int64, v []byte, acc []byte, empty bool, isNull bool) ([]byte, bool, error) {
		if isNull {
			return acc, empty, nil
		}
		if !empty {
			acc = append(acc, groupConcatSep...)
		}
		acc = append(acc, v...)
		if limit > 0 && int64(len(acc)) > limit {
			return nil, false, moerr.NewAggValueTooLarge("group_concat", limit, int64(len(acc)))
		}
		return acc, false, nil
	}
	merge := func(_, _ int64, acc1, acc2 []byte, empty1, empty2 bool, _ aggPriv) ([]byte, bool, error) {
		if empty2 {
			return acc1, empty1, nil
		}
		if empty1 {
			return append([]byte(nil), acc2...), false, nil
		}
		acc1 = append(acc1, groupConcatSep...)
		acc1 = append(acc1, acc2...)
		if limit > 0 && int64(len(acc1)) > limit {
			return nil, false, moerr.NewAggValueTooLarge("group_concat", limit, int64(len(acc1)))
		}
		return acc1, false, nil
	}
	return newUnaryAgg[[]byte, []byte](AggIdGroupConcat, noPriv{}, false, argType, types.T_varchar.ToType(), fill, merge, nil), nil
}
