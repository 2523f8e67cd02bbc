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
	"context"
	"encoding/binary"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/pierrec/lz4"

	"github.com/silicadb/silica/pkg/common/moerr"
	"github.com/silicadb/silica/pkg/container/batch"
)

// pebbleSpiller stores frames under [partition u32][seq u64] keys, so a
// prefix iteration replays a partition in spill order.
type pebbleSpiller struct {
	dir      string
	compress bool

	db     *pebble.DB
	seqs   []uint64
	iters  []*pebble.Iterator
	size   int64
	sealed bool
}

func newPebbleSpiller(dir string, partitions int, compress bool) (*pebbleSpiller, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, moerr.NewSpillIO("opening pebble spill store", err)
	}
	return &pebbleSpiller{
		dir:      dir,
		compress: compress,
		db:       db,
		seqs:     make([]uint64, partitions),
		iters:    make([]*pebble.Iterator, partitions),
	}, nil
}

func spillKey(partition int, seq uint64) []byte {
	key := make([]byte, 12)
	binary.BigEndian.PutUint32(key, uint32(partition))
	binary.BigEndian.PutUint64(key[4:], seq)
	return key
}

func (s *pebbleSpiller) Spill(ctx context.Context, partition int, bat *batch.Batch) error {
	if err := ctx.Err(); err != nil {
		return moerr.NewQueryInterrupted(ctx)
	}
	if s.sealed {
		return moerr.NewContractViolation("spill after Finish")
	}

	payload, err := bat.MarshalBinary()
	if err != nil {
		return err
	}
	value := make([]byte, 5, 5+len(payload))
	value[0] = frameRaw
	binary.BigEndian.PutUint32(value[1:], uint32(len(payload)))
	if s.compress {
		dst := make([]byte, lz4.CompressBlockBound(len(payload)))
		n, err := lz4.CompressBlock(payload, dst, nil)
		if err != nil {
			return moerr.NewSpillIO("compressing spill frame", err)
		}
		if n > 0 && n < len(payload) {
			value[0] = frameLz4
			payload = dst[:n]
		}
	}
	value = append(value, payload...)

	if err := s.db.Set(spillKey(partition, s.seqs[partition]), value, pebble.NoSync); err != nil {
		return moerr.NewSpillIO("writing pebble spill frame", err)
	}
	s.seqs[partition]++
	s.size += int64(len(value))
	return nil
}

func (s *pebbleSpiller) Finish() error {
	if s.sealed {
		return nil
	}
	s.sealed = true
	if err := s.db.Flush(); err != nil {
		return moerr.NewSpillIO("flushing pebble spill store", err)
	}
	return nil
}

func (s *pebbleSpiller) Unspill(ctx context.Context, partition int) (*batch.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, moerr.NewQueryInterrupted(ctx)
	}
	if !s.sealed {
		return nil, moerr.NewContractViolation("unspill before Finish")
	}
	if s.seqs[partition] == 0 {
		return nil, nil
	}

	itr := s.iters[partition]
	if itr == nil {
		itr = s.db.NewIter(&pebble.IterOptions{
			LowerBound: spillKey(partition, 0),
			UpperBound: spillKey(partition+1, 0),
		})
		s.iters[partition] = itr
		itr.First()
	}
	if !itr.Valid() {
		return nil, nil
	}

	value := itr.Value()
	if len(value) < 5 {
		return nil, moerr.NewDataCorruption("pebble spill frame")
	}
	rawLen := binary.BigEndian.Uint32(value[1:])
	payload := value[5:]
	switch value[0] {
	case frameRaw:
	case frameLz4:
		dst := make([]byte, rawLen)
		if _, err := lz4.UncompressBlock(payload, dst); err != nil {
			return nil, moerr.NewDataCorruptionf("lz4 spill frame: %v", err)
		}
		payload = dst
	default:
		return nil, moerr.NewDataCorruptionf("unknown spill frame flag %d", value[0])
	}

	bat := &batch.Batch{}
	if err := bat.UnmarshalBinary(payload); err != nil {
		return nil, err
	}
	itr.Next()
	return bat, nil
}

func (s *pebbleSpiller) Spilled(partition int) bool {
	return s.seqs[partition] > 0
}

func (s *pebbleSpiller) Partitions() int {
	return len(s.seqs)
}

func (s *pebbleSpiller) Size() int64 {
	return s.size
}

func (s *pebbleSpiller) Close() error {
	for _, itr := range s.iters {
		if itr != nil {
			_ = itr.Close()
		}
	}
	_ = s.db.Close()
	if err := os.RemoveAll(s.dir); err != nil {
		return moerr.NewSpillIO("removing spill run", err)
	}
	return nil
}
