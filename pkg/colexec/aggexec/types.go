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

// Package aggexec implements the grouped aggregation executors. An
// executor keeps one accumulator per group, addressed by the dense
// 1-based group ids the hashmap layer hands out; group id 0 in a fill
// batch means the row has no group and is skipped.
package aggexec

import (
	"github.com/silicadb/silica/pkg/common/moerr"
	"github.com/silicadb/silica/pkg/container/types"
	"github.com/silicadb/silica/pkg/container/vector"
)

// Aggregate function ids.
const (
	AggIdCount int64 = iota
	AggIdStarCount
	AggIdSum
	AggIdMin
	AggIdMax
	AggIdAvg
	AggIdGroupConcat
	AggIdApproxCountDistinct
)

// AggFuncExec is the grouped accumulator of one aggregate call.
//
// FlushIntermediate and BatchMergeIntermediate are the spill pair:
// one serializes every group's state into a column, the other folds
// such a column back into a fresh executor of the same function.
type AggFuncExec interface {
	AggID() int64
	TypesInfo() ([]types.Type, types.Type)

	// GroupGrow appends more empty groups.
	GroupGrow(more int) error
	// BatchFill adds rows [offset, offset+len(groups)) of vectors to
	// the accumulators named by groups (1-based; 0 skips the row).
	BatchFill(offset int, groups []uint64, vectors []*vector.Vector) error
	// BatchMerge folds groups of other into this executor: other's
	// group offset+i merges into groups[i].
	BatchMerge(other AggFuncExec, offset int, groups []uint64) error

	// Flush evaluates every group into the result vector. The executor
	// is spent afterwards.
	Flush() (*vector.Vector, error)
	// FlushIntermediate serializes every group's state into a varchar
	// column, one blob per group, for a downstream final aggregation.
	FlushIntermediate() (*vector.Vector, error)
	// BatchMergeIntermediate folds FlushIntermediate rows back in: row
	// offset+i of vec merges into groups[i].
	BatchMergeIntermediate(vec *vector.Vector, offset int, groups []uint64) error

	Size() int64
	Free()
}

// Config bounds a single accumulator value; group_concat returns
// ErrAggValueTooLarge past the limit.
type Config struct {
	SingleValueLimit int64
}

// MakeAgg builds the executor for the aggregate op over an argument of
// type argType.
func MakeAgg(cfg Config, op int64, argType types.Type) (AggFuncExec, error) {
	switch op {
	case AggIdCount, AggIdStarCount:
		return newCount(op, argType), nil
	case AggIdSum:
		return newSum(argType)
	case AggIdMin:
		return newMinMax(op, argType, true)
	case AggIdMax:
		return newMinMax(op, argType, false)
	case AggIdAvg:
		return newAvg(argType)
	case AggIdGroupConcat:
		return newGroupConcat(cfg, argType)
	case AggIdApproxCountDistinct:
		return newApproxCountDistinct(argType), nil
	}
	return nil, moerr.NewInternalf("unknown aggregate function id %d", op)
}

// aggPriv is the per-function side state living next to the result
// column (the avg counters, the hll sketches). noPriv is the common
// empty case.
type aggPriv interface {
	grows(more int)
	size() int64

	// appendGroup serializes one group's extras onto an intermediate
	// record; decodeGroup parses them back into a single-group priv
	// usable as the merge closure's priv2 (its state at index 0).
	appendGroup(buf []byte, g int) []byte
	decodeGroup(data []byte) (aggPriv, error)
}

type noPriv struct{}

func (noPriv) grows(int)   {}
func (noPriv) size() int64 { return 0 }

func (noPriv) appendGroup(buf []byte, _ int) []byte { return buf }
func (noPriv) decodeGroup([]byte) (aggPriv, error)  { return noPriv{}, nil }
