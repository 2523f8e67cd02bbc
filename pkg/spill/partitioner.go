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

package spill

import (
	"github.com/silicadb/silica/pkg/container/batch"
	"github.com/silicadb/silica/pkg/container/hashtable"
	"github.com/silicadb/silica/pkg/container/vector"
)

// Partitioner deterministically routes rows to partitions by key hash.
// Build and probe sides of a join must be created with the same key
// column positions and partition count to land matching rows in the
// same partition. A null key component hashes through a marker byte,
// so null-keyed rows still get a stable partition.
type Partitioner struct {
	mask    uint64
	keyCols []int
	scratch []byte
}

// NewPartitioner requires partitions to be a power of two.
func NewPartitioner(partitions int, keyCols []int) *Partitioner {
	return &Partitioner{
		mask:    uint64(partitions) - 1,
		keyCols: keyCols,
	}
}

// PartitionOf computes the partition of one row.
func (p *Partitioner) PartitionOf(bat *batch.Batch, row int) int {
	p.scratch = p.scratch[:0]
	for _, col := range p.keyCols {
		vec := bat.GetVector(int32(col))
		if vec.IsNullAt(row) {
			p.scratch = append(p.scratch, 1)
			continue
		}
		p.scratch = append(p.scratch, 0)
		if vec.GetType().IsVarlen() {
			p.scratch = append(p.scratch, vec.GetBytesAt(row)...)
		} else {
			p.scratch = append(p.scratch, vec.RawAt(row)...)
		}
	}
	return int(hashtable.Crc32BytesHash(p.scratch) & p.mask)
}

// Split copies the batch's rows into per-partition batches. Partitions
// that receive no rows come back nil.
func (p *Partitioner) Split(bat *batch.Batch) ([]*batch.Batch, error) {
	n := int(p.mask) + 1
	sels := make([][]int64, n)
	for row := 0; row < bat.RowCount(); row++ {
		part := p.PartitionOf(bat, row)
		sels[part] = append(sels[part], int64(row))
	}

	out := make([]*batch.Batch, n)
	for part := range sels {
		if len(sels[part]) == 0 {
			continue
		}
		nb := batch.NewWithSize(len(bat.Vecs))
		nb.Attrs = bat.Attrs
		for i := range bat.Vecs {
			nb.Vecs[i] = vector.NewVec(*bat.Vecs[i].GetType())
		}
		for _, sel := range sels[part] {
			for i := range bat.Vecs {
				if err := nb.Vecs[i].UnionOne(bat.Vecs[i], sel); err != nil {
					return nil, err
				}
			}
		}
		nb.SetRowCount(len(sels[part]))
		out[part] = nb
	}
	return out, nil
}
