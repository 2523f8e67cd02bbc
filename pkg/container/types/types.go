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

package types

import "fmt"

// T is the type oid of a column.
type T uint8

const (
	T_any T = iota
	T_bool
	T_int8
	T_int16
	T_int32
	T_int64
	T_uint8
	T_uint16
	T_uint32
	T_uint64
	T_float32
	T_float64
	// T_varchar is the only variable-width type the engine core needs;
	// all varlen SQL types map onto it before execution.
	T_varchar
)

// Type describes a column type. Width only matters for varlen types and
// only as planner metadata; execution never truncates.
type Type struct {
	Oid   T
	Width int32
}

func New(oid T, width int32) Type {
	return Type{Oid: oid, Width: width}
}

func (t T) ToType() Type {
	return Type{Oid: t}
}

var fixedSizes = [...]int{
	T_any:     0,
	T_bool:    1,
	T_int8:    1,
	T_int16:   2,
	T_int32:   4,
	T_int64:   8,
	T_uint8:   1,
	T_uint16:  2,
	T_uint32:  4,
	T_uint64:  8,
	T_float32: 4,
	T_float64: 8,
	T_varchar: -1,
}

// FixedLength returns the in-memory width of a value, -1 for varlen types.
func (t T) FixedLength() int {
	return fixedSizes[t]
}

func (t T) IsVarlen() bool {
	return t == T_varchar
}

// TypeSize returns the per-position size of the vector's data array:
// the value width for fixed types, the Varlena header width otherwise.
func (t Type) TypeSize() int {
	if t.Oid.IsVarlen() {
		return VarlenaSize
	}
	return fixedSizes[t.Oid]
}

func (t Type) IsVarlen() bool {
	return t.Oid.IsVarlen()
}

func (t Type) String() string {
	return t.Oid.String()
}

func (t T) String() string {
	switch t {
	case T_bool:
		return "BOOL"
	case T_int8:
		return "TINYINT"
	case T_int16:
		return "SMALLINT"
	case T_int32:
		return "INT"
	case T_int64:
		return "BIGINT"
	case T_uint8:
		return "TINYINT UNSIGNED"
	case T_uint16:
		return "SMALLINT UNSIGNED"
	case T_uint32:
		return "INT UNSIGNED"
	case T_uint64:
		return "BIGINT UNSIGNED"
	case T_float32:
		return "FLOAT"
	case T_float64:
		return "DOUBLE"
	case T_varchar:
		return "VARCHAR"
	}
	return fmt.Sprintf("T(%d)", uint8(t))
}

// FixedTypes groups the oids usable as fixed-width group-by keys.
func (t T) IsFixedLen() bool {
	return t != T_any && !t.IsVarlen()
}

// FixedSizeT is the constraint matching every fixed-width element type.
type FixedSizeT interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}

// Number is the constraint matching the numeric element types.
type Number interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}
