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
	"github.com/silicadb/silica/pkg/container/hashtable"
	"github.com/silicadb/silica/pkg/container/types"
	"github.com/silicadb/silica/pkg/container/vector"
)

// IntHashMap packs a composite fixed-width key of at most 8 bytes into
// one uint64. The null prefix byte per column preserves injectivity of
// the packing for nullable keys.
type IntHashMap struct {
	hasNull bool
	hashMap *hashtable.Int64HashMap
}

func NewIntHashMap(hasNull bool) *IntHashMap {
	ht := &hashtable.Int64HashMap{}
	ht.Init()
	return &IntHashMap{hasNull: hasNull, hashMap: ht}
}

func (m *IntHashMap) HasNull() bool {
	return m.hasNull
}

func (m *IntHashMap) GroupCount() uint64 {
	return m.hashMap.Cardinality()
}

func (m *IntHashMap) Size() int64 {
	return m.hashMap.Size()
}

func (m *IntHashMap) Free() {
	m.hashMap = nil
}

func (m *IntHashMap) NewIterator() Iterator {
	return &intHashMapIterator{
		mp:      m,
		keys:    make([]uint64, UnitLimit),
		keyOffs: make([]uint32, UnitLimit),
		values:  make([]uint64, UnitLimit),
		zValues: make([]int64, UnitLimit),
		hashes:  make([]uint64, UnitLimit),
	}
}

type intHashMapIterator struct {
	mp      *IntHashMap
	keys    []uint64
	keyOffs []uint32
	values  []uint64
	zValues []int64
	hashes  []uint64
}

func (itr *intHashMapIterator) encodeKeys(start, n int, vecs []*vector.Vector) {
	for i := 0; i < n; i++ {
		itr.keys[i] = 0
		itr.keyOffs[i] = 0
		itr.zValues[i] = 1
		itr.hashes[i] = 0
	}
	keyBytes := types.EncodeSlice(itr.keys[:n])
	for _, vec := range vecs {
		sz := uint32(vec.GetType().TypeSize())
		for i := 0; i < n; i++ {
			row := start + i
			base := uint32(i) * 8
			if vec.IsNullAt(row) {
				if itr.mp.hasNull {
					keyBytes[base+itr.keyOffs[i]] = 1
					itr.keyOffs[i]++
				} else {
					itr.zValues[i] = 0
				}
				continue
			}
			if itr.mp.hasNull {
				keyBytes[base+itr.keyOffs[i]] = 0
				itr.keyOffs[i]++
			}
			copy(keyBytes[base+itr.keyOffs[i]:base+itr.keyOffs[i]+sz], vec.RawAt(row))
			itr.keyOffs[i] += sz
		}
	}
}

func (itr *intHashMapIterator) Insert(start, count int, vecs []*vector.Vector) ([]uint64, []int64, error) {
	n := count
	itr.encodeKeys(start, n, vecs)
	if err := itr.mp.hashMap.InsertBatch(n, itr.hashes, itr.keys, itr.zValues, itr.values); err != nil {
		return nil, nil, err
	}
	return itr.values[:n], itr.zValues[:n], nil
}

func (itr *intHashMapIterator) Find(start, count int, vecs []*vector.Vector) ([]uint64, []int64) {
	n := count
	itr.encodeKeys(start, n, vecs)
	itr.mp.hashMap.FindBatch(n, itr.hashes, itr.keys, itr.values)
	for i := 0; i < n; i++ {
		if itr.zValues[i] == 0 {
			itr.values[i] = 0
		}
	}
	return itr.values[:n], itr.zValues[:n]
}
