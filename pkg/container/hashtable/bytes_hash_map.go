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

package hashtable

import (
	"bytes"

	"github.com/silicadb/silica/pkg/common/moerr"
)

type BytesHashMapCell struct {
	Hash   uint64
	Mapped uint64
	KeyOff uint64
	KeyLen uint32
}

// BytesHashMap maps serialized composite keys to dense 1-based ids.
// Keys are copied into a shared arena; cells store (hash, offset, len)
// so the probe loop compares the full hash before touching key bytes,
// which short-circuits null-pattern mismatches (the null prefix bytes
// are part of the serialized key).
type BytesHashMap struct {
	bucketCntBits uint8
	bucketCnt     uint64
	elemCnt       uint64
	maxElemCnt    uint64
	bucketData    []BytesHashMapCell
	keyArena      []byte
}

func (ht *BytesHashMap) Init() {
	ht.bucketCntBits = kInitialBucketCntBits
	ht.bucketCnt = kInitialBucketCnt
	ht.elemCnt = 0
	ht.maxElemCnt = kInitialBucketCnt * kLoadFactorNumerator / kLoadFactorDenominator
	ht.bucketData = make([]BytesHashMapCell, kInitialBucketCnt)
}

func (ht *BytesHashMap) cellKey(cell *BytesHashMapCell) []byte {
	return ht.keyArena[cell.KeyOff : cell.KeyOff+uint64(cell.KeyLen)]
}

// InsertBatch finds or assigns ids for n serialized keys; zs[i] == 0
// skips row i.
func (ht *BytesHashMap) InsertBatch(n int, hashes []uint64, keys [][]byte, zs []int64, values []uint64) error {
	if err := ht.resizeOnDemand(n); err != nil {
		return err
	}
	if hashes[0] == 0 {
		Crc32BytesBatchHash(keys, hashes, n)
	}
	for i := 0; i < n; i++ {
		if zs != nil && zs[i] == 0 {
			continue
		}
		empty, _, cell := ht.findBucket(hashes[i], keys[i])
		if empty {
			ht.elemCnt++
			cell.Hash = hashes[i]
			cell.KeyOff = uint64(len(ht.keyArena))
			cell.KeyLen = uint32(len(keys[i]))
			ht.keyArena = append(ht.keyArena, keys[i]...)
			cell.Mapped = ht.elemCnt
		}
		values[i] = cell.Mapped
	}
	return nil
}

// FindBatch looks keys up without inserting; 0 means not found.
func (ht *BytesHashMap) FindBatch(n int, hashes []uint64, keys [][]byte, values []uint64) {
	if hashes[0] == 0 {
		Crc32BytesBatchHash(keys, hashes, n)
	}
	for i := 0; i < n; i++ {
		_, _, cell := ht.findBucket(hashes[i], keys[i])
		values[i] = cell.Mapped
	}
}

func (ht *BytesHashMap) findBucket(hash uint64, key []byte) (empty bool, idx uint64, cell *BytesHashMapCell) {
	mask := ht.bucketCnt - 1
	for idx = hash & mask; true; idx = (idx + 1) & mask {
		cell = &ht.bucketData[idx]
		if cell.Mapped == 0 {
			empty = true
			return
		}
		if cell.Hash == hash && bytes.Equal(ht.cellKey(cell), key) {
			return
		}
	}
	return
}

func (ht *BytesHashMap) resizeOnDemand(n int) error {
	targetCnt := ht.elemCnt + uint64(n)
	if targetCnt <= ht.maxElemCnt {
		return nil
	}

	newBucketCntBits := ht.bucketCntBits + 2
	newBucketCnt := uint64(1) << newBucketCntBits
	newMaxElemCnt := newBucketCnt * kLoadFactorNumerator / kLoadFactorDenominator
	for newMaxElemCnt < targetCnt {
		newBucketCntBits++
		newBucketCnt <<= 1
		newMaxElemCnt = newBucketCnt * kLoadFactorNumerator / kLoadFactorDenominator
	}
	if newBucketCnt > kMaxBucketCnt {
		return moerr.NewHashTableCapacity(newBucketCnt, kMaxBucketCnt)
	}

	oldBucketData := ht.bucketData

	ht.bucketCntBits = newBucketCntBits
	ht.bucketCnt = newBucketCnt
	ht.maxElemCnt = newMaxElemCnt
	ht.bucketData = make([]BytesHashMapCell, newBucketCnt)

	mask := ht.bucketCnt - 1
	for i := range oldBucketData {
		cell := &oldBucketData[i]
		if cell.Mapped == 0 {
			continue
		}
		idx := cell.Hash & mask
		for ht.bucketData[idx].Mapped != 0 {
			idx = (idx + 1) & mask
		}
		ht.bucketData[idx] = *cell
	}
	return nil
}

func (ht *BytesHashMap) Cardinality() uint64 {
	return ht.elemCnt
}

func (ht *BytesHashMap) BucketCount() uint64 {
	return ht.bucketCnt
}

func (ht *BytesHashMap) Size() int64 {
	return int64(ht.bucketCnt)*28 + int64(len(ht.keyArena))
}
