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
	"encoding/binary"

	"github.com/silicadb/silica/pkg/common/moerr"
	"github.com/silicadb/silica/pkg/container/types"
	"github.com/silicadb/silica/pkg/container/vector"
)

// countAggExec never reads argument values, only null positions, so it
// skips the generic executor entirely. AggIdStarCount counts null rows
// too; an empty group evaluates to 0, not null.
type countAggExec struct {
	op         int64
	argType    types.Type
	countNulls bool
	vs         []int64
}

func newCount(op int64, argType types.Type) AggFuncExec {
	return &countAggExec{op: op, argType: argType, countNulls: op == AggIdStarCount}
}

func (a *countAggExec) AggID() int64 {
	return a.op
}

func (a *countAggExec) TypesInfo() ([]types.Type, types.Type) {
	return []types.Type{a.argType}, types.T_int64.ToType()
}

func (a *countAggExec) GroupGrow(more int) error {
	for i := 0; i < more; i++ {
		a.vs = append(a.vs, 0)
	}
	return nil
}

func (a *countAggExec) BatchFill(offset int, groups []uint64, vectors []*vector.Vector) error {
	vec := vectors[0]
	for i := range groups {
		if groups[i] == 0 {
			continue
		}
		if !a.countNulls && vec.IsNullAt(offset+i) {
			continue
		}
		a.vs[groups[i]-1]++
	}
	return nil
}

func (a *countAggExec) BatchMerge(other AggFuncExec, offset int, groups []uint64) error {
	a2, ok := other.(*countAggExec)
	if !ok || a2.op != a.op {
		return moerr.NewContractViolation("merging incompatible aggregate executors")
	}
	for i := range groups {
		if groups[i] == 0 {
			continue
		}
		a.vs[groups[i]-1] += a2.vs[offset+i]
	}
	return nil
}

func (a *countAggExec) Flush() (*vector.Vector, error) {
	vec := vector.NewVec(types.T_int64.ToType())
	if err := vector.AppendFixedList(vec, a.vs, nil); err != nil {
		return nil, err
	}
	return vec, nil
}

func (a *countAggExec) FlushIntermediate() (*vector.Vector, error) {
	vec := vector.NewVec(types.T_varchar.ToType())
	var scratch [8]byte
	for _, v := range a.vs {
		binary.BigEndian.PutUint64(scratch[:], uint64(v))
		if err := vector.AppendBytes(vec, scratch[:], false); err != nil {
			return nil, err
		}
	}
	return vec, nil
}

func (a *countAggExec) BatchMergeIntermediate(vec *vector.Vector, offset int, groups []uint64) error {
	for i := range groups {
		if groups[i] == 0 {
			continue
		}
		data := vec.GetBytesAt(offset + i)
		if len(data) != 8 {
			return moerr.NewDataCorruption("count partial state")
		}
		a.vs[groups[i]-1] += int64(binary.BigEndian.Uint64(data))
	}
	return nil
}

func (a *countAggExec) Size() int64 {
	return int64(len(a.vs)) * 8
}

func (a *countAggExec) Free() {
	a.vs = nil
}
