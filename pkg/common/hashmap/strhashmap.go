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
	"encoding/binary"

	"github.com/silicadb/silica/pkg/container/hashtable"
	"github.com/silicadb/silica/pkg/container/vector"
)

// StrHashMap serializes the group-by columns of each row into one byte
// key. Variable-length columns carry a length prefix so that column
// boundaries stay unambiguous in the concatenation.
type StrHashMap struct {
	hasNull bool
	hashMap *hashtable.BytesHashMap
}

func NewStrHashMap(hasNull bool) *StrHashMap {
	ht := &hashtable.BytesHashMap{}
	ht.Init()
	return &StrHashMap{hasNull: hasNull, hashMap: ht}
}

func (m *StrHashMap) HasNull() bool {
	return m.hasNull
}

func (m *StrHashMap) GroupCount() uint64 {
	return m.hashMap.Cardinality()
}

func (m *StrHashMap) Size() int64 {
	return m.hashMap.Size()
}

func (m *StrHashMap) Free() {
	m.hashMap = nil
}

func (m *StrHashMap) NewIterator() Iterator {
	itr := &strHashMapIterator{
		mp:      m,
		keys:    make([][]byte, UnitLimit),
		values:  make([]uint64, UnitLimit),
		zValues: make([]int64, UnitLimit),
		hashes:  make([]uint64, UnitLimit),
	}
	for i := range itr.keys {
		itr.keys[i] = make([]byte, 0, 16)
	}
	return itr
}

type strHashMapIterator struct {
	mp      *StrHashMap
	keys    [][]byte
	values  []uint64
	zValues []int64
	hashes  []uint64
}

func (itr *strHashMapIterator) encodeKeys(start, n int, vecs []*vector.Vector) {
	for i := 0; i < n; i++ {
		itr.keys[i] = itr.keys[i][:0]
		itr.zValues[i] = 1
		itr.hashes[i] = 0
	}
	var lenBuf [4]byte
	for _, vec := range vecs {
		varlen := vec.GetType().Oid.IsVarlen()
		for i := 0; i < n; i++ {
			row := start + i
			if vec.IsNullAt(row) {
				if itr.mp.hasNull {
					itr.keys[i] = append(itr.keys[i], 1)
				} else {
					itr.zValues[i] = 0
				}
				continue
			}
			if itr.mp.hasNull {
				itr.keys[i] = append(itr.keys[i], 0)
			}
			if varlen {
				v := vec.GetBytesAt(row)
				binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(v)))
				itr.keys[i] = append(itr.keys[i], lenBuf[:]...)
				itr.keys[i] = append(itr.keys[i], v...)
			} else {
				itr.keys[i] = append(itr.keys[i], vec.RawAt(row)...)
			}
		}
	}
}

func (itr *strHashMapIterator) Insert(start, count int, vecs []*vector.Vector) ([]uint64, []int64, error) {
	n := count
	itr.encodeKeys(start, n, vecs)
	if err := itr.mp.hashMap.InsertBatch(n, itr.hashes, itr.keys, itr.zValues, itr.values); err != nil {
		return nil, nil, err
	}
	return itr.values[:n], itr.zValues[:n], nil
}

func (itr *strHashMapIterator) Find(start, count int, vecs []*vector.Vector) ([]uint64, []int64) {
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
