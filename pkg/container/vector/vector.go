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
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/silicadb/silica/pkg/common/moerr"
	"github.com/silicadb/silica/pkg/container/nulls"
	"github.com/silicadb/silica/pkg/container/types"
)

const (
	// FLAT is an uncompressed vector.
	FLAT = iota
	// CONSTANT holds one value (or null) repeated length times.
	CONSTANT
	// DICT is a dictionary view: a selection over another vector.
	// Windowing a DICT vector slices the selection, not the dictionary.
	DICT
)

// Vector represents a column. Once handed to a batch it is immutable;
// the Append/Union mutators are only used while an operator builds its
// own output vector.
type Vector struct {
	class int
	typ   types.Type
	nsp   *nulls.Nulls

	// data holds fixed-width values, or Varlena headers into area.
	data []byte
	area []byte

	// dictionary view state, class == DICT only
	dict *Vector
	sels []uint32

	length int
}

func NewVec(typ types.Type) *Vector {
	return &Vector{class: FLAT, typ: typ}
}

// NewConstNull returns a null constant of the given length.
func NewConstNull(typ types.Type, length int) *Vector {
	v := &Vector{class: CONSTANT, typ: typ, length: length}
	v.nsp = v.nsp.Add(0)
	return v
}

// NewConstFixed repeats one fixed-width value length times.
func NewConstFixed[T any](typ types.Type, val T, length int) *Vector {
	v := &Vector{class: CONSTANT, typ: typ, length: length}
	v.data = append(v.data, types.EncodeFixed(val)...)
	return v
}

// NewConstBytes repeats one varlen value length times.
func NewConstBytes(typ types.Type, val []byte, length int) *Vector {
	v := &Vector{class: CONSTANT, typ: typ, length: length}
	v.area = append(v.area, val...)
	v.data = append(v.data, types.EncodeFixed(types.Varlena{Offset: 0, Length: uint32(len(val))})...)
	return v
}

// NewDict builds a dictionary view over dict selecting sels.
func NewDict(dict *Vector, sels []uint32) *Vector {
	return &Vector{class: DICT, typ: dict.typ, dict: dict, sels: sels, length: len(sels)}
}

func (v *Vector) Length() int          { return v.length }
func (v *Vector) GetType() *types.Type { return &v.typ }
func (v *Vector) GetNulls() *nulls.Nulls {
	return v.nsp
}
func (v *Vector) GetArea() []byte { return v.area }
func (v *Vector) IsConst() bool   { return v.class == CONSTANT }
func (v *Vector) IsDict() bool    { return v.class == DICT }

func (v *Vector) IsConstNull() bool {
	return v.class == CONSTANT && v.nsp.Contains(0)
}

// IsNullAt resolves the encoding class.
func (v *Vector) IsNullAt(i int) bool {
	switch v.class {
	case CONSTANT:
		return v.nsp.Contains(0)
	case DICT:
		return v.dict.IsNullAt(int(v.sels[i]))
	}
	return v.nsp.Contains(uint64(i))
}

// Size estimates the memory held by this vector, for accounting only.
func (v *Vector) Size() int {
	n := len(v.data) + len(v.area) + 4*len(v.sels)
	if v.dict != nil {
		n += v.dict.Size()
	}
	return n
}

// MustFixedCol exposes the raw fixed-width values of a FLAT vector.
func MustFixedCol[T any](v *Vector) []T {
	if v.class != FLAT {
		panic(moerr.NewContractViolation("MustFixedCol on a non-flat vector"))
	}
	return types.DecodeSlice[T](v.data)[:v.length]
}

// GetFixedAt reads one fixed-width value resolving the encoding class.
func GetFixedAt[T any](v *Vector, i int) T {
	switch v.class {
	case CONSTANT:
		i = 0
	case DICT:
		return GetFixedAt[T](v.dict, int(v.sels[i]))
	}
	return types.DecodeSlice[T](v.data)[i]
}

// GetBytesAt reads one varlen value resolving the encoding class.
func (v *Vector) GetBytesAt(i int) []byte {
	switch v.class {
	case CONSTANT:
		i = 0
	case DICT:
		return v.dict.GetBytesAt(int(v.sels[i]))
	}
	va := types.DecodeSlice[types.Varlena](v.data)[i]
	return va.GetByteSlice(v.area)
}

func (v *Vector) GetStringAt(i int) string {
	return string(v.GetBytesAt(i))
}

// RawAt returns the raw fixed-width bytes of position i, resolving the
// encoding class. Used by the hashmap layer to serialize keys.
func (v *Vector) RawAt(i int) []byte {
	return v.rawAt(i)
}

// rawAt returns the raw fixed-width bytes of position i.
func (v *Vector) rawAt(i int) []byte {
	switch v.class {
	case CONSTANT:
		i = 0
	case DICT:
		return v.dict.rawAt(int(v.sels[i]))
	}
	sz := v.typ.TypeSize()
	return v.data[i*sz : (i+1)*sz]
}

// AppendFixed appends one fixed-width value to a FLAT vector.
func AppendFixed[T any](v *Vector, val T, isNull bool) error {
	if v.class != FLAT {
		return moerr.NewContractViolation("append to a non-flat vector")
	}
	if isNull {
		var zero T
		val = zero
		v.nsp = v.nsp.Add(uint64(v.length))
	}
	v.data = append(v.data, types.EncodeFixed(val)...)
	v.length++
	return nil
}

// AppendBytes appends one varlen value to a FLAT vector.
func AppendBytes(v *Vector, val []byte, isNull bool) error {
	if v.class != FLAT {
		return moerr.NewContractViolation("append to a non-flat vector")
	}
	var va types.Varlena
	if isNull {
		v.nsp = v.nsp.Add(uint64(v.length))
	} else {
		va.Offset = uint32(len(v.area))
		va.Length = uint32(len(val))
		v.area = append(v.area, val...)
	}
	v.data = append(v.data, types.EncodeFixed(va)...)
	v.length++
	return nil
}

// AppendFixedList bulk-appends values; nulls may be nil.
func AppendFixedList[T any](v *Vector, vals []T, nsp []bool) error {
	for i, val := range vals {
		isNull := nsp != nil && nsp[i]
		if err := AppendFixed(v, val, isNull); err != nil {
			return err
		}
	}
	return nil
}

// UnionNull appends a null position.
func (v *Vector) UnionNull() error {
	if v.typ.IsVarlen() {
		return AppendBytes(v, nil, true)
	}
	v.nsp = v.nsp.Add(uint64(v.length))
	v.data = append(v.data, make([]byte, v.typ.TypeSize())...)
	v.length++
	return nil
}

// UnionOne appends w's position sel to v.
func (v *Vector) UnionOne(w *Vector, sel int64) error {
	if v.class != FLAT {
		return moerr.NewContractViolation("union into a non-flat vector")
	}
	if w.IsNullAt(int(sel)) {
		return v.UnionNull()
	}
	if v.typ.IsVarlen() {
		return AppendBytes(v, w.GetBytesAt(int(sel)), false)
	}
	v.data = append(v.data, w.rawAt(int(sel))...)
	v.length++
	return nil
}

// UnionMulti appends w's position sel cnt times.
func (v *Vector) UnionMulti(w *Vector, sel int64, cnt int) error {
	for i := 0; i < cnt; i++ {
		if err := v.UnionOne(w, sel); err != nil {
			return err
		}
	}
	return nil
}

// UnionBatch appends w's positions [offset, offset+cnt); when flags is
// non-nil only positions with a non-zero flag are taken.
func (v *Vector) UnionBatch(w *Vector, offset int64, cnt int, flags []uint8) error {
	for i := 0; i < cnt; i++ {
		if flags != nil && flags[i] == 0 {
			continue
		}
		if err := v.UnionOne(w, offset+int64(i)); err != nil {
			return err
		}
	}
	return nil
}

// Window returns a zero-copy view of [start, end). A dictionary vector
// windows its selection; the dictionary itself is shared untouched.
func (v *Vector) Window(start, end int) (*Vector, error) {
	if start < 0 || end < start || end > v.length {
		return nil, moerr.NewContractViolationf("window [%d, %d) out of range [0, %d)", start, end, v.length)
	}
	switch v.class {
	case CONSTANT:
		w := *v
		w.length = end - start
		return &w, nil
	case DICT:
		return NewDict(v.dict, v.sels[start:end]), nil
	}
	sz := v.typ.TypeSize()
	w := &Vector{
		class:  FLAT,
		typ:    v.typ,
		data:   v.data[start*sz : end*sz],
		area:   v.area,
		nsp:    v.nsp.Range(uint64(start), uint64(end)),
		length: end - start,
	}
	return w, nil
}

// Shrink keeps only the selected rows of a FLAT vector, in sels order.
// negate keeps the complement instead; sels must then be sorted.
func (v *Vector) Shrink(sels []int64, negate bool) {
	if v.class != FLAT {
		panic(moerr.NewContractViolation("shrink a non-flat vector"))
	}
	if negate {
		kept := make([]int64, 0, v.length-len(sels))
		j := 0
		for i := int64(0); i < int64(v.length); i++ {
			if j < len(sels) && sels[j] == i {
				j++
				continue
			}
			kept = append(kept, i)
		}
		sels = kept
	}
	sz := v.typ.TypeSize()
	out := make([]byte, 0, len(sels)*sz)
	for _, sel := range sels {
		out = append(out, v.data[sel*int64(sz):(sel+1)*int64(sz)]...)
	}
	v.nsp = v.nsp.Filter(sels)
	v.data = out
	v.length = len(sels)
}

// Dup deep-copies into a flat vector, resolving any encoding.
func (v *Vector) Dup() (*Vector, error) {
	w := NewVec(v.typ)
	for i := 0; i < v.length; i++ {
		if err := w.UnionOne(v, int64(i)); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (v *Vector) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s[%d]", v.typ, v.length)
	return buf.String()
}

// MarshalBinary serializes the vector, flattening non-flat encodings.
// The format is internal to spilling; no compatibility is promised.
func (v *Vector) MarshalBinary() ([]byte, error) {
	src := v
	if v.class != FLAT {
		var err error
		if src, err = v.Dup(); err != nil {
			return nil, err
		}
	}
	nspData, err := src.nsp.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte(uint8(src.typ.Oid))
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(src.typ.Width))
	buf.Write(hdr)
	binary.BigEndian.PutUint32(hdr, uint32(src.length))
	buf.Write(hdr)
	for _, part := range [][]byte{src.data, src.area, nspData} {
		binary.BigEndian.PutUint32(hdr, uint32(len(part)))
		buf.Write(hdr)
		buf.Write(part)
	}
	return buf.Bytes(), nil
}

func (v *Vector) UnmarshalBinary(data []byte) error {
	if len(data) < 9 {
		return moerr.NewDataCorruption("vector header")
	}
	v.class = FLAT
	v.typ = types.Type{Oid: types.T(data[0]), Width: int32(binary.BigEndian.Uint32(data[1:5]))}
	v.length = int(binary.BigEndian.Uint32(data[5:9]))
	data = data[9:]
	parts := make([][]byte, 3)
	for i := range parts {
		if len(data) < 4 {
			return moerr.NewDataCorruption("vector part header")
		}
		n := int(binary.BigEndian.Uint32(data[:4]))
		data = data[4:]
		if len(data) < n {
			return moerr.NewDataCorruption("vector part body")
		}
		// copy out so the vector does not alias the read buffer
		parts[i] = append([]byte(nil), data[:n]...)
		data = data[n:]
	}
	v.data, v.area = parts[0], parts[1]
	if len(parts[2]) > 0 {
		v.nsp = &nulls.Nulls{}
		if err := v.nsp.UnmarshalBinary(parts[2]); err != nil {
			return moerr.NewDataCorruption("vector null bitmap")
		}
	} else {
		v.nsp = nil
	}
	return nil
}
