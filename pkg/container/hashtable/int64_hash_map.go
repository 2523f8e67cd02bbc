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
	"github.com/silicadb/silica/pkg/common/moerr"
)

type Int64HashMapCell struct {
	Key    uint64
	Mapped uint64
}

// Int64HashMap is an open-addressing table from 8-byte keys to dense
// 1-based ids. Linear probing; growth rehashes in place and never
// changes an assigned Mapped value.
type Int64HashMap struct {
	bucketCntBits uint8
	bucketCnt     uint64
	elemCnt       uint64
	maxElemCnt    uint64
	// the zero key cannot use Key==0 as the empty marker, it gets a
	// dedicated cell
	zeroCell   Int64HashMapCell
	bucketData []Int64HashMapCell
}

func (ht *Int64HashMap) Init() {
	ht.bucketCntBits = kInitialBucketCntBits
	ht.bucketCnt = kInitialBucketCnt
	ht.elemCnt = 0
	ht.maxElemCnt = kInitialBucketCnt * kLoadFactorNumerator / kLoadFactorDenominator
	ht.bucketData = make([]Int64HashMapCell, kInitialBucketCnt)
}

// InsertBatch finds or assigns an id for every key; zs[i] == 0 skips
// row i (null key convention of the callers).
func (ht *Int64HashMap) InsertBatch(n int, hashes []uint64, keys []uint64, zs []int64, values []uint64) error {
	if err := ht.resizeOnDemand(n); err != nil {
		return err
	}
	if hashes[0] == 0 {
		Crc32Int64BatchHash(keys[:n], hashes)
	}
	for i := 0; i < n; i++ {
		if zs != nil && zs[i] == 0 {
			continue
		}
		key := keys[i]
		if key == 0 {
			if ht.zeroCell.Mapped == 0 {
				ht.elemCnt++
				ht.zeroCell.Mapped = ht.elemCnt
			}
			values[i] = ht.zeroCell.Mapped
			continue
		}
		empty, _, cell := ht.findBucket(hashes[i], key)
		if empty {
			ht.elemCnt++
			cell.Key = key
			cell.Mapped = ht.elemCnt
		}
		values[i] = cell.Mapped
	}
	return nil
}

// FindBatch looks keys up without inserting; 0 means not found.
func (ht *Int64HashMap) FindBatch(n int, hashes []uint64, keys []uint64, values []uint64) {
	if hashes[0] == 0 {
		Crc32Int64BatchHash(keys[:n], hashes)
	}
	for i := 0; i < n; i++ {
		key := keys[i]
		if key == 0 {
			values[i] = ht.zeroCell.Mapped
			continue
		}
		_, _, cell := ht.findBucket(hashes[i], key)
		values[i] = cell.Mapped
	}
}

func (ht *Int64HashMap) findBucket(hash uint64, key uint64) (empty bool, idx uint64, cell *Int64HashMapCell) {
	mask := ht.bucketCnt - 1
	var equal bool
	for idx = hash & mask; true; idx = (idx + 1) & mask {
		cell = &ht.bucketData[idx]
		empty, equal = cell.Key == 0, cell.Key == key
		if empty || equal {
			return
		}
	}
	return
}

func (ht *Int64HashMap) resizeOnDemand(n int) error {
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
	ht.bucketData = make([]Int64HashMapCell, newBucketCnt)

	for i := range oldBucketData {
		cell := &oldBucketData[i]
		if cell.Key != 0 {
			_, newIdx, _ := ht.findBucket(Crc32Int64Hash(cell.Key), cell.Key)
			ht.bucketData[newIdx] = *cell
		}
	}
	return nil
}

func (ht *Int64HashMap) Cardinality() uint64 {
	return ht.elemCnt
}

func (ht *Int64HashMap) BucketCount() uint64 {
	return ht.bucketCnt
}

// Size estimates held memory for accounting.
func (ht *Int64HashMap) Size() int64 {
	return int64(ht.bucketCnt) * 16
}
