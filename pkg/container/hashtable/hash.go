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
	"hash/crc32"

	"github.com/silicadb/silica/pkg/container/types"
)

// Castagnoli is hardware accelerated on amd64 and arm64.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Crc32Int64Hash hashes one 8-byte key. The low bits feed bucket
// selection, so the 32-bit crc is spread over 64 bits.
func Crc32Int64Hash(key uint64) uint64 {
	h := uint64(crc32.Checksum(types.EncodeFixed(key), crcTable))
	return h | h<<32
}

// Crc32Int64BatchHash fills hashes for a batch of 8-byte keys.
func Crc32Int64BatchHash(keys []uint64, hashes []uint64) {
	for i, key := range keys {
		hashes[i] = Crc32Int64Hash(key)
	}
}

// Crc32BytesHash hashes a serialized composite key.
func Crc32BytesHash(key []byte) uint64 {
	h := uint64(crc32.Checksum(key, crcTable))
	return h | h<<32
}

// Crc32BytesBatchHash fills hashes for a batch of serialized keys.
func Crc32BytesBatchHash(keys [][]byte, hashes []uint64, n int) {
	for i := 0; i < n; i++ {
		hashes[i] = Crc32BytesHash(keys[i])
	}
}
