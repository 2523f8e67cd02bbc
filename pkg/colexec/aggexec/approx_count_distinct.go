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
	"github.com/axiomhq/hyperloglog"

	"github.com/silicadb/silica/pkg/common/moerr"
	"github.com/silicadb/silica/pkg/container/types"
	"github.com/silicadb/silica/pkg/container/vector"
)

// approxCountDistinctExec keeps one hll sketch per group. Nulls do not
// count; an empty group estimates 0.
type approxCountDistinctExec struct {
	argType  types.Type
	varlen   bool
	sketches []*hyperloglog.Sketch
}

func newApproxCountDistinct(argType types.Type) AggFuncExec {
	return &approxCountDistinctExec{
		argType: argType,
		varlen:  argType.IsVarlen(),
	}
}

func (a *approxCountDistinctExec) AggID() int64 {
	return AggIdApproxCountDistinct
}

func (a *approxCountDistinctExec) TypesInfo() ([]types.Type, types.Type) {
	return []types.Type{a.argType}, types.T_uint64.ToType()
}

func (a *approxCountDistinctExec) GroupGrow(more int) error {
	for i := 0; i < more; i++ {
		a.sketches = append(a.sketches, hyperloglog.New14())
	}
	return nil
}

func (a *approxCountDistinctExec) BatchFill(offset int, groups []uint64, vectors []*vector.Vector) error {
	vec := vectors[0]
	for i := range groups {
		if groups[i] == 0 {
			continue
		}
		row := offset + i
		if vec.IsNullAt(row) {
			continue
		}
		sk := a.sketches[groups[i]-1]
		if a.varlen {
			sk.Insert(vec.GetBytesAt(row))
		} else {
			sk.Insert(vec.RawAt(row))
		}
	}
	return nil
}

func (a *approxCountDistinctExec) BatchMerge(other AggFuncExec, offset int, groups []uint64) error {
	a2, ok := other.(*approxCountDistinctExec)
	if !ok {
		return moerr.NewContractViolation("merging incompatible aggregate executors")
	}
	for i := range groups {
		if groups[i] == 0 {
			continue
		}
		if err := a.sketches[groups[i]-1].Merge(a2.sketches[offset+i]); err != nil {
			return moerr.NewInternalf("merging hll sketches: %v", err)
		}
	}
	return nil
}

func (a *approxCountDistinctExec) Flush() (*vector.Vector, error) {
	vec := vector.NewVec(types.T_uint64.ToType())
	for _, sk := range a.sketches {
		if err := vector.AppendFixed(vec, sk.Estimate(), false); err != nil {
			return nil, err
		}
	}
	return vec, nil
}

func (a *approxCountDistinctExec) FlushIntermediate() (*vector.Vector, error) {
	vec := vector.NewVec(types.T_varchar.ToType())
	for _, sk := range a.sketches {
		data, err := sk.MarshalBinary()
		if err != nil {
			return nil, err
		}
		if err := vector.AppendBytes(vec, data, false); err != nil {
			return nil, err
		}
	}
	return vec, nil
}

func (a *approxCountDistinctExec) BatchMergeIntermediate(vec *vector.Vector, offset int, groups []uint64) error {
	for i := range groups {
		if groups[i] == 0 {
			continue
		}
		sk := hyperloglog.New14()
		if err := sk.UnmarshalBinary(vec.GetBytesAt(offset + i)); err != nil {
			return moerr.NewDataCorruptionf("hll partial state: %v", err)
		}
		if err := a.sketches[groups[i]-1].Merge(sk); err != nil {
			return moerr.NewInternalf("merging hll sketches: %v", err)
		}
	}
	return nil
}

func (a *approxCountDistinctExec) Size() int64 {
	// a dense 14-precision sketch holds 2^14 registers
	return int64(len(a.sketches)) * (1 << 14)
}

func (a *approxCountDistinctExec) Free() {
	a.sketches = nil
}
