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
)

// avgPriv carries the per-group row counts next to the running sums.
type avgPriv struct {
	cnts []int64
}

func (p *avgPriv) grows(more int) {
	for i := 0; i < more; i++ {
		p.cnts = append(p.cnts, 0)
	}
}

func (p *avgPriv) size() int64 {
	return int64(len(p.cnts)) * 8
}

func (p *avgPriv) appendGroup(buf []byte, g int) []byte {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(p.cnts[g]))
	return append(buf, scratch[:]...)
}

func (p *avgPriv) decodeGroup(data []byte) (aggPriv, error) {
	if len(data) != 8 {
		return nil, moerr.NewDataCorruption("avg partial state")
	}
	return &avgPriv{cnts: []int64{int64(binary.BigEndian.Uint64(data))}}, nil
}

// avg keeps sum and count per group; the quotient is taken at flush.
func newAvg(argType types.Type) (AggFuncExec, error) {
	switch argType.Oid {
	case types.T_int8:
		return avgOf[int8](argType), nil
	case types.T_int16:
		return avgOf[int16](argType), nil
	case types.T_int32:
		return avgOf[int32](argType), nil
	case types.T_int64:
		return avgOf[int64](argType), nil
	case types.T_uint8:
		return avgOf[uint8](argType), nil
	case types.T_uint16:
		return avgOf[uint16](argType), nil
	case types.T_uint32:
		return avgOf[uint32](argType), nil
	case types.T_uint64:
		return avgOf[uint64](argType), nil
	case types.T_float32:
		return avgOf[float32](argType), nil
	case types.T_float64:
		return avgOf[float64](argType), nil
	}
	return nil, moerr.NewTypeMismatch("avg", argType.String())
}

func avgOf[T types.Number](argType types.Type) AggFuncExec {
	priv := &avgPriv{}
	fill := func(g int64, v T, acc float64, empty bool, isNull bool) (float64, bool, error) {
		if isNull {
			return acc, empty, nil
		}
		priv.cnts[g]++
		return acc + float64(v), false, nil
	}
	merge := func(g1, g2 int64, acc1, acc2 float64, empty1, empty2 bool, priv2 aggPriv) (float64, bool, error) {
		if empty2 {
			return acc1, empty1, nil
		}
		priv.cnts[g1] += priv2.(*avgPriv).cnts[g2]
		return acc1 + acc2, false, nil
	}
	eval := func(vs []float64, es []bool) ([]float64, error) {
		for i := range vs {
			if !es[i] {
				vs[i] /= float64(priv.cnts[i])
			}
		}
		return vs, nil
	}
	return newUnaryAgg[T, float64](AggIdAvg, priv, false, argType, types.T_float64.ToType(), fill, merge, eval)
}
