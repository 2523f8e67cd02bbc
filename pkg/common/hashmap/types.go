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

// Package hashmap is the grouped hash table layer: it maps composite
// column keys to dense group ids. Keys are serialized to bytes (with a
// null prefix byte per nullable column) so hashing and equality are
// type-agnostic; fixed-width keys totalling at most 8 bytes take the
// packed int fast path.
package hashmap

import (
	"github.com/silicadb/silica/pkg/container/types"
	"github.com/silicadb/silica/pkg/container/vector"
)

// UnitLimit is the number of rows an iterator processes per call.
// Callers loop in UnitLimit chunks, which is also the engine's
// cooperative yield granularity for group-id computation.
const UnitLimit = 256

// HashMap is the grouped hash table interface exposed to operators.
type HashMap interface {
	// HasNull reports whether nulls participate as key values.
	HasNull() bool
	// GroupCount returns the number of distinct keys inserted.
	GroupCount() uint64
	// Size estimates held memory in bytes.
	Size() int64
	// NewIterator returns a batched insert/find cursor.
	NewIterator() Iterator
	// Free drops the table.
	Free()
}

// Iterator performs bulk find-or-insert on a hash map.
//
// Insert processes rows [start, start+count) of vecs and returns for
// each row the 1-based group id (first-seen order). zvs[i] == 0 marks a
// row with a null key component when the map does not admit nulls; such
// rows get no group.
//
// Find is the read-only variant: vs[i] == 0 means not found.
type Iterator interface {
	Insert(start, count int, vecs []*vector.Vector) (vs []uint64, zvs []int64, err error)
	Find(start, count int, vecs []*vector.Vector) (vs []uint64, zvs []int64)
}

// TotalKeyWidth computes the serialized key width of the given key
// types, including the null prefix bytes when nullable.
func TotalKeyWidth(typs []types.Type, nullable bool) int {
	width := 0
	for _, typ := range typs {
		if typ.IsVarlen() {
			return -1
		}
		width += typ.TypeSize()
		if nullable {
			width++
		}
	}
	return width
}

// New picks the packed-int table when every key column is fixed width
// and the total fits in 8 bytes, otherwise the serialized-bytes table.
func New(typs []types.Type, hasNull bool) HashMap {
	if w := TotalKeyWidth(typs, hasNull); w >= 0 && w <= 8 {
		return NewIntHashMap(hasNull)
	}
	return NewStrHashMap(hasNull)
}
