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
	"unsafe"

	"github.com/silicadb/silica/pkg/common/moerr"
	"github.com/silicadb/silica/pkg/container/types"
	"github.com/silicadb/silica/pkg/container/vector"
)

// unaryAgg runs any single-argument aggregate through three closures.
//
// fill folds one input value into a group's accumulator, merge folds
// two accumulators, eval turns the final accumulators into the result
// column. es[i] is the empty flag: no non-null input has reached group
// i yet; an empty group evaluates to null (count is the exception and
// evaluates to 0).
type unaryAgg[T1, T2 any] struct {
	op   int64
	ityp types.Type
	otyp types.Type
	priv aggPriv

	vs []T2
	es []bool

	fill  func(g int64, v T1, acc T2, empty bool, isNull bool) (T2, bool, error)
	merge func(g1, g2 int64, acc1, acc2 T2, empty1, empty2 bool, priv2 aggPriv) (T2, bool, error)
	eval  func(vs []T2, es []bool) ([]T2, error)

	isCount bool
}

func newUnaryAgg[T1, T2 any](
	op int64, priv aggPriv, isCount bool, ityp, otyp types.Type,
	fill func(int64, T1, T2, bool, bool) (T2, bool, error),
	merge func(int64, int64, T2, T2, bool, bool, aggPriv) (T2, bool, error),
	eval func([]T2, []bool) ([]T2, error),
) AggFuncExec {
	return &unaryAgg[T1, T2]{
		op:      op,
		priv:    priv,
		isCount: isCount,
		ityp:    ityp,
		otyp:    otyp,
		fill:    fill,
		merge:   merge,
		eval:    eval,
	}
}

func (a *unaryAgg[T1, T2]) AggID() int64 {
	return a.op
}

func (a *unaryAgg[T1, T2]) TypesInfo() ([]types.Type, types.Type) {
	return []types.Type{a.ityp}, a.otyp
}

func (a *unaryAgg[T1, T2]) GroupGrow(more int) error {
	var zero T2
	for i := 0; i < more; i++ {
		a.vs = append(a.vs, zero)
		a.es = append(a.es, true)
	}
	a.priv.grows(more)
	return nil
}

func (a *unaryAgg[T1, T2]) BatchFill(offset int, groups []uint64, vectors []*vector.Vector) (err error) {
	var value T1
	vec := vectors[0]

	if a.ityp.IsVarlen() {
		for i := range groups {
			if groups[i] == 0 {
				continue
			}
			g := int64(groups[i] - 1)
			row := offset + i
			isNull := vec.IsNullAt(row)
			if !isNull {
				value = any(vec.GetBytesAt(row)).(T1)
			}
			if a.vs[g], a.es[g], err = a.fill(g, value, a.vs[g], a.es[g], isNull); err != nil {
				return err
			}
		}
		return nil
	}

	if vec.IsConst() || vec.IsDict() {
		for i := range groups {
			if groups[i] == 0 {
				continue
			}
			g := int64(groups[i] - 1)
			row := offset + i
			isNull := vec.IsNullAt(row)
			if !isNull {
				value = vector.GetFixedAt[T1](vec, row)
			}
			if a.vs[g], a.es[g], err = a.fill(g, value, a.vs[g], a.es[g], isNull); err != nil {
				return err
			}
		}
		return nil
	}

	values := vector.MustFixedCol[T1](vec)
	nsp := vec.GetNulls()
	for i := range groups {
		if groups[i] == 0 {
			continue
		}
		g := int64(groups[i] - 1)
		row := offset + i
		isNull := nsp.Contains(uint64(row))
		if a.vs[g], a.es[g], err = a.fill(g, values[row], a.vs[g], a.es[g], isNull); err != nil {
			return err
		}
	}
	return nil
}

func (a *unaryAgg[T1, T2]) BatchMerge(other AggFuncExec, offset int, groups []uint64) (err error) {
	a2, ok := other.(*unaryAgg[T1, T2])
	if !ok || a2.op != a.op {
		return moerr.NewContractViolation("merging incompatible aggregate executors")
	}
	for i := range groups {
		if groups[i] == 0 {
			continue
		}
		g1 := int64(groups[i] - 1)
		g2 := int64(offset + i)
		a.vs[g1], a.es[g1], err = a.merge(g1, g2, a.vs[g1], a2.vs[g2], a.es[g1], a2.es[g2], a2.priv)
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *unaryAgg[T1, T2]) Flush() (*vector.Vector, error) {
	var err error
	if a.eval != nil {
		if a.vs, err = a.eval(a.vs, a.es); err != nil {
			return nil, err
		}
	}

	vec := vector.NewVec(a.otyp)
	nsp := a.es
	if a.isCount {
		nsp = nil
	}
	if a.otyp.IsVarlen() {
		vs := any(a.vs).([][]byte)
		for i := range vs {
			isNull := nsp != nil && nsp[i]
			if err = vector.AppendBytes(vec, vs[i], isNull); err != nil {
				return nil, err
			}
		}
		return vec, nil
	}
	if err = vector.AppendFixedList(vec, a.vs, nsp); err != nil {
		return nil, err
	}
	return vec, nil
}

// FlushIntermediate records per group: empty flag, length-prefixed raw
// accumulator, then the priv extras (the avg counter). eval is not run;
// the avg record carries the running sum.
func (a *unaryAgg[T1, T2]) FlushIntermediate() (*vector.Vector, error) {
	vec := vector.NewVec(types.T_varchar.ToType())
	var hdr [5]byte
	for g := range a.vs {
		var val []byte
		if a.otyp.IsVarlen() {
			val = any(a.vs).([][]byte)[g]
		} else {
			val = types.EncodeSlice(a.vs[g : g+1])
		}
		hdr[0] = 0
		if a.es[g] {
			hdr[0] = 1
		}
		binary.BigEndian.PutUint32(hdr[1:], uint32(len(val)))
		buf := append(append([]byte(nil), hdr[:]...), val...)
		buf = a.priv.appendGroup(buf, g)
		if err := vector.AppendBytes(vec, buf, false); err != nil {
			return nil, err
		}
	}
	return vec, nil
}

func (a *unaryAgg[T1, T2]) BatchMergeIntermediate(vec *vector.Vector, offset int, groups []uint64) (err error) {
	for i := range groups {
		if groups[i] == 0 {
			continue
		}
		data := vec.GetBytesAt(offset + i)
		if len(data) < 5 {
			return moerr.NewDataCorruption("aggregate partial state")
		}
		empty2 := data[0] == 1
		vlen := int(binary.BigEndian.Uint32(data[1:5]))
		rest := data[5:]
		if len(rest) < vlen {
			return moerr.NewDataCorruption("aggregate partial state")
		}
		var v2 T2
		if a.otyp.IsVarlen() {
			v2 = any(append([]byte(nil), rest[:vlen]...)).(T2)
		} else {
			raw := append([]byte(nil), rest[:vlen]...)
			v2 = types.DecodeSlice[T2](raw)[0]
		}
		priv2, err := a.priv.decodeGroup(rest[vlen:])
		if err != nil {
			return err
		}
		g1 := int64(groups[i] - 1)
		if a.vs[g1], a.es[g1], err = a.merge(g1, 0, a.vs[g1], v2, a.es[g1], empty2, priv2); err != nil {
			return err
		}
	}
	return nil
}

func (a *unaryAgg[T1, T2]) Size() int64 {
	var zero T2
	sz := int64(len(a.es)) + a.priv.size()
	if a.otyp.IsVarlen() {
		vs := any(a.vs).([][]byte)
		for i := range vs {
			sz += int64(len(vs[i]) + 24)
		}
		return sz
	}
	return sz + int64(len(a.vs))*int64(unsafe.Sizeof(zero))
}

func (a *unaryAgg[T1, T2]) Free() {
	a.vs = nil
	a.es = nil
}
