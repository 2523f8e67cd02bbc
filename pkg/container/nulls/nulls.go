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

// Package nulls tracks the null positions of a vector. A nil *Nulls is a
// valid empty set, so callers never need to allocate for the common
// all-non-null case.
package nulls

import (
	"github.com/RoaringBitmap/roaring"
)

type Nulls struct {
	np *roaring.Bitmap
}

func New() *Nulls {
	return &Nulls{np: roaring.New()}
}

func (n *Nulls) Any() bool {
	return n != nil && n.np != nil && !n.np.IsEmpty()
}

func (n *Nulls) Contains(row uint64) bool {
	return n != nil && n.np != nil && n.np.Contains(uint32(row))
}

func (n *Nulls) Count() int {
	if n == nil || n.np == nil {
		return 0
	}
	return int(n.np.GetCardinality())
}

// Add marks rows as null, allocating the bitmap on first use. It returns
// the receiver (or a fresh set when called on nil) so callers can write
// v.nsp = v.nsp.Add(i).
func (n *Nulls) Add(rows ...uint64) *Nulls {
	if n == nil {
		n = New()
	} else if n.np == nil {
		n.np = roaring.New()
	}
	for _, row := range rows {
		n.np.Add(uint32(row))
	}
	return n
}

// Or merges other into n, shifting other's positions by offset.
func (n *Nulls) Or(other *Nulls, offset uint64) *Nulls {
	if !other.Any() {
		return n
	}
	if n == nil {
		n = New()
	} else if n.np == nil {
		n.np = roaring.New()
	}
	it := other.np.Iterator()
	for it.HasNext() {
		n.np.Add(it.Next() + uint32(offset))
	}
	return n
}

// Range copies the null positions of [start, end) shifted to 0-based.
func (n *Nulls) Range(start, end uint64) *Nulls {
	if !n.Any() {
		return nil
	}
	var out *Nulls
	it := n.np.Iterator()
	it.AdvanceIfNeeded(uint32(start))
	for it.HasNext() {
		row := uint64(it.Next())
		if row >= end {
			break
		}
		out = out.Add(row - start)
	}
	return out
}

// Filter keeps only the positions selected by sels, renumbered densely.
func (n *Nulls) Filter(sels []int64) *Nulls {
	if !n.Any() {
		return nil
	}
	var out *Nulls
	for i, sel := range sels {
		if n.Contains(uint64(sel)) {
			out = out.Add(uint64(i))
		}
	}
	return out
}

func (n *Nulls) Reset() {
	if n != nil && n.np != nil {
		n.np.Clear()
	}
}

func (n *Nulls) Clone() *Nulls {
	if !n.Any() {
		return nil
	}
	return &Nulls{np: n.np.Clone()}
}

// MarshalBinary serializes via the roaring wire format.
func (n *Nulls) MarshalBinary() ([]byte, error) {
	if !n.Any() {
		return nil, nil
	}
	return n.np.ToBytes()
}

func (n *Nulls) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		n.np = nil
		return nil
	}
	n.np = roaring.New()
	return n.np.UnmarshalBinary(data)
}
