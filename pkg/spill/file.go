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
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4"

	"github.com/silicadb/silica/pkg/common/moerr"
	"github.com/silicadb/silica/pkg/container/batch"
	"github.com/silicadb/silica/pkg/logutil"
)

const (
	frameRaw  = 0
	frameLz4  = 1
	frameSize = 9 // flag byte + raw length + stored length
)

// fileSpiller keeps one append-only file per partition. A frame is
// [flag u8][rawLen u32][storedLen u32][payload]; lz4 block compression
// is used per frame when it actually shrinks the payload.
type fileSpiller struct {
	dir      string
	compress bool

	files   []*os.File
	writers []*bufio.Writer
	readers []*bufio.Reader
	counts  []int64
	size    int64
	sealed  bool
}

func newFileSpiller(dir string, partitions int, compress bool) (*fileSpiller, error) {
	return &fileSpiller{
		dir:      dir,
		compress: compress,
		files:    make([]*os.File, partitions),
		writers:  make([]*bufio.Writer, partitions),
		readers:  make([]*bufio.Reader, partitions),
		counts:   make([]int64, partitions),
	}, nil
}

func (s *fileSpiller) partitionPath(partition int) string {
	return filepath.Join(s.dir, fmt.Sprintf("part-%d.spill", partition))
}

func (s *fileSpiller) Spill(ctx context.Context, partition int, bat *batch.Batch) error {
	if err := ctx.Err(); err != nil {
		return moerr.NewQueryInterrupted(ctx)
	}
	if s.sealed {
		return moerr.NewContractViolation("spill after Finish")
	}
	if s.writers[partition] == nil {
		f, err := os.Create(s.partitionPath(partition))
		if err != nil {
			return moerr.NewSpillIO("creating spill file", err)
		}
		s.files[partition] = f
		s.writers[partition] = bufio.NewWriter(f)
	}

	payload, err := bat.MarshalBinary()
	if err != nil {
		return err
	}
	flag := byte(frameRaw)
	stored := payload
	if s.compress {
		dst := make([]byte, lz4.CompressBlockBound(len(payload)))
		n, err := lz4.CompressBlock(payload, dst, nil)
		if err != nil {
			return moerr.NewSpillIO("compressing spill frame", err)
		}
		if n > 0 && n < len(payload) {
			flag = frameLz4
			stored = dst[:n]
		}
	}

	var header [frameSize]byte
	header[0] = flag
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[5:], uint32(len(stored)))
	w := s.writers[partition]
	if _, err := w.Write(header[:]); err != nil {
		return moerr.NewSpillIO("writing spill frame", err)
	}
	if _, err := w.Write(stored); err != nil {
		return moerr.NewSpillIO("writing spill frame", err)
	}
	s.counts[partition]++
	s.size += int64(len(stored)) + frameSize
	return nil
}

func (s *fileSpiller) Finish() error {
	if s.sealed {
		return nil
	}
	s.sealed = true
	for i, w := range s.writers {
		if w == nil {
			continue
		}
		if err := w.Flush(); err != nil {
			return moerr.NewSpillIO("flushing spill file", err)
		}
		if _, err := s.files[i].Seek(0, io.SeekStart); err != nil {
			return moerr.NewSpillIO("rewinding spill file", err)
		}
		s.readers[i] = bufio.NewReader(s.files[i])
	}
	logutil.Debugf("sealed spill run %s: %d bytes", s.dir, s.size)
	return nil
}

func (s *fileSpiller) Unspill(ctx context.Context, partition int) (*batch.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, moerr.NewQueryInterrupted(ctx)
	}
	if !s.sealed {
		return nil, moerr.NewContractViolation("unspill before Finish")
	}
	r := s.readers[partition]
	if r == nil {
		return nil, nil
	}

	var header [frameSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, moerr.NewSpillIO("reading spill frame", err)
	}
	rawLen := binary.BigEndian.Uint32(header[1:])
	storedLen := binary.BigEndian.Uint32(header[5:])
	stored := make([]byte, storedLen)
	if _, err := io.ReadFull(r, stored); err != nil {
		return nil, moerr.NewSpillIO("reading spill frame", err)
	}

	payload := stored
	switch header[0] {
	case frameRaw:
	case frameLz4:
		payload = make([]byte, rawLen)
		if _, err := lz4.UncompressBlock(stored, payload); err != nil {
			return nil, moerr.NewDataCorruptionf("lz4 spill frame: %v", err)
		}
	default:
		return nil, moerr.NewDataCorruptionf("unknown spill frame flag %d", header[0])
	}

	bat := &batch.Batch{}
	if err := bat.UnmarshalBinary(payload); err != nil {
		return nil, err
	}
	return bat, nil
}

func (s *fileSpiller) Spilled(partition int) bool {
	return s.counts[partition] > 0
}

func (s *fileSpiller) Partitions() int {
	return len(s.counts)
}

func (s *fileSpiller) Size() int64 {
	return s.size
}

func (s *fileSpiller) Close() error {
	for _, f := range s.files {
		if f != nil {
			_ = f.Close()
		}
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return moerr.NewSpillIO("removing spill run", err)
	}
	return nil
}
