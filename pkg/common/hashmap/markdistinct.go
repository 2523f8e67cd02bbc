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

package hashmap

import (
	"github.com/silicadb/silica/pkg/container/types"
	"github.com/silicadb/silica/pkg/container/vector"
)

// MarkDistinctHash flags the first occurrence of every distinct key.
// Nulls count as a key value, so a null key is distinct exactly once.
type MarkDistinctHash struct {
	hm   HashMap
	itr  Iterator
	seen uint64
}

func NewMarkDistinctHash(typs []types.Type) *MarkDistinctHash {
	hm := New(typs, true)
	return &MarkDistinctHash{hm: hm, itr: hm.NewIterator()}
}

// Mark returns one flag per row of vecs: true iff the row's key was
// never seen before. A freshly assigned group id is always greater
// than every id handed out so far, which is what makes the
// first-occurrence test a single comparison.
func (m *MarkDistinctHash) Mark(vecs []*vector.Vector, rowCount int) ([]bool, error) {
	marks := make([]bool, rowCount)
	for start := 0; start < rowCount; start += UnitLimit {
		n := rowCount - start
		if n > UnitLimit {
			n = UnitLimit
		}
		vs, _, err := m.itr.Insert(start, n, vecs)
		if err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			if vs[i] > m.seen {
				m.seen = vs[i]
				marks[start+i] = true
			}
		}
	}
	return marks, nil
}

// GroupCount returns the number of distinct keys observed.
func (m *MarkDistinctHash) GroupCount() uint64 {
	return m.hm.GroupCount()
}

// Size estimates held memory in bytes.
func (m *MarkDistinctHash) Size() int64 {
	return m.hm.Size()
}

func (m *MarkDistinctHash) Free() {
	m.hm.Free()
}
