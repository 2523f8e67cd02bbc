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

import "unsafe"

// Varlena is the fixed-width header of a variable-length value. It
// always points into the owning vector's area.
type Varlena struct {
	Offset uint32
	Length uint32
}

const VarlenaSize = int(unsafe.Sizeof(Varlena{}))

func (v Varlena) GetByteSlice(area []byte) []byte {
	return area[v.Offset : v.Offset+v.Length]
}

// EncodeSlice reinterprets a typed slice as raw bytes without copying.
func EncodeSlice[T any](vs []T) []byte {
	if len(vs) == 0 {
		return nil
	}
	sz := int(unsafe.Sizeof(vs[0]))
	return unsafe.Slice((*byte)(unsafe.Pointer(&vs[0])), len(vs)*sz)
}

// DecodeSlice reinterprets raw bytes as a typed slice without copying.
func DecodeSlice[T any](data []byte) []T {
	var zero T
	sz := int(unsafe.Sizeof(zero))
	if len(data) < sz {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), len(data)/sz)
}

// EncodeFixed encodes one fixed-width value as its raw bytes.
func EncodeFixed[T any](v T) []byte {
	sz := unsafe.Sizeof(v)
	return unsafe.Slice((*byte)(unsafe.Pointer(&v)), sz)
}

// DecodeFixed decodes one fixed-width value from raw bytes.
func DecodeFixed[T any](data []byte) T {
	return *(*T)(unsafe.Pointer(&data[0]))
}
