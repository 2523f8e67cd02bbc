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

package batch

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/silicadb/silica/pkg/common/moerr"
	"github.com/silicadb/silica/pkg/container/vector"
)

// Batch is a rectangular chunk of rows: a list of equal-length vectors.
// A batch is a value type once produced; every column has exactly
// rowCount positions.
type Batch struct {
	Attrs []string
	Vecs  []*vector.Vector

	rowCount int
}

// EmptyBatch is a zero-row marker batch flowing through pipelines.
var EmptyBatch = &Batch{}

func New(attrs []string) *Batch {
	return &Batch{
		Attrs: attrs,
		Vecs:  make([]*vector.Vector, len(attrs)),
	}
}

func NewWithSize(n int) *Batch {
	return &Batch{
		Vecs: make([]*vector.Vector, n),
	}
}

// NewWithVectors wraps vectors into a batch, checking the equal-length
// invariant.
func NewWithVectors(vecs []*vector.Vector) (*Batch, error) {
	bat := &Batch{Vecs: vecs}
	if len(vecs) > 0 {
		bat.rowCount = vecs[0].Length()
		for i, vec := range vecs {
			if vec.Length() != bat.rowCount {
				return nil, moerr.NewContractViolationf(
					"batch vector %d has %d rows, want %d", i, vec.Length(), bat.rowCount)
			}
		}
	}
	return bat, nil
}

func (bat *Batch) RowCount() int {
	return bat.rowCount
}

func (bat *Batch) SetRowCount(n int) {
	bat.rowCount = n
}

func (bat *Batch) AddRowCount(n int) {
	bat.rowCount += n
}

func (bat *Batch) VectorCount() int {
	return len(bat.Vecs)
}

func (bat *Batch) GetVector(pos int32) *vector.Vector {
	return bat.Vecs[pos]
}

func (bat *Batch) SetVector(pos int32, vec *vector.Vector) {
	bat.Vecs[pos] = vec
}

func (bat *Batch) IsEmpty() bool {
	return bat.rowCount == 0
}

func (bat *Batch) Size() int {
	var size int
	for _, vec := range bat.Vecs {
		size += vec.Size()
	}
	return size
}

// Window returns a zero-copy view of rows [start, end), preserving each
// vector's own slicing semantics.
func (bat *Batch) Window(start, end int) (*Batch, error) {
	rbat := NewWithSize(len(bat.Vecs))
	rbat.Attrs = bat.Attrs
	for i, vec := range bat.Vecs {
		wvec, err := vec.Window(start, end)
		if err != nil {
			return nil, err
		}
		rbat.Vecs[i] = wvec
	}
	rbat.rowCount = end - start
	return rbat, nil
}

// Shrink keeps only the selected rows of every column.
func (bat *Batch) Shrink(sels []int64, negate bool) {
	if !negate && len(sels) == bat.rowCount {
		return
	}
	for _, vec := range bat.Vecs {
		vec.Shrink(sels, negate)
	}
	if negate {
		bat.rowCount -= len(sels)
		return
	}
	bat.rowCount = len(sels)
}

// Append copies all rows of b onto bat. bat's vectors must be flat.
func (bat *Batch) Append(b *Batch) (*Batch, error) {
	if bat == nil {
		return b.Dup()
	}
	if len(bat.Vecs) != len(b.Vecs) {
		return nil, moerr.NewContractViolationf(
			"append batch with %d columns to batch with %d", len(b.Vecs), len(bat.Vecs))
	}
	for i := range bat.Vecs {
		if err := bat.Vecs[i].UnionBatch(b.Vecs[i], 0, b.Vecs[i].Length(), nil); err != nil {
			return bat, err
		}
	}
	bat.rowCount += b.rowCount
	return bat, nil
}

// Dup deep-copies the batch into flat vectors.
func (bat *Batch) Dup() (*Batch, error) {
	rbat := NewWithSize(len(bat.Vecs))
	rbat.Attrs = bat.Attrs
	for i, vec := range bat.Vecs {
		dvec, err := vec.Dup()
		if err != nil {
			return nil, err
		}
		rbat.Vecs[i] = dvec
	}
	rbat.rowCount = bat.rowCount
	return rbat, nil
}

func (bat *Batch) String() string {
	var buf bytes.Buffer
	for i, vec := range bat.Vecs {
		fmt.Fprintf(&buf, "%d : %s\n", i, vec.String())
	}
	return buf.String()
}

// MarshalBinary serializes the batch for spilling.
func (bat *Batch) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(bat.rowCount))
	buf.Write(hdr)
	binary.BigEndian.PutUint32(hdr, uint32(len(bat.Vecs)))
	buf.Write(hdr)
	for _, vec := range bat.Vecs {
		data, err := vec.MarshalBinary()
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint32(hdr, uint32(len(data)))
		buf.Write(hdr)
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

func (bat *Batch) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return moerr.NewDataCorruption("batch header")
	}
	bat.rowCount = int(binary.BigEndian.Uint32(data[:4]))
	vecCnt := int(binary.BigEndian.Uint32(data[4:8]))
	data = data[8:]
	bat.Vecs = make([]*vector.Vector, vecCnt)
	for i := 0; i < vecCnt; i++ {
		if len(data) < 4 {
			return moerr.NewDataCorruption("batch vector header")
		}
		n := int(binary.BigEndian.Uint32(data[:4]))
		data = data[4:]
		if len(data) < n {
			return moerr.NewDataCorruption("batch vector body")
		}
		bat.Vecs[i] = &vector.Vector{}
		if err := bat.Vecs[i].UnmarshalBinary(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
