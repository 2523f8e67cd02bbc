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

package memory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/silicadb/silica/pkg/common/moerr"
)

func TestGrowRollsUp(t *testing.T) {
	root := NewRootContext("query", 0)
	op := root.NewChild("join")
	require.NoError(t, op.Grow(100))
	require.Equal(t, int64(100), op.Used())
	require.Equal(t, int64(100), root.Used())

	require.NoError(t, op.Grow(-40))
	require.Equal(t, int64(60), root.Used())
}

func TestLimitBreachRollsBack(t *testing.T) {
	root := NewRootContext("query", 128)
	op := root.NewChild("group")
	require.NoError(t, op.Grow(100))

	err := op.Grow(100)
	require.Error(t, err)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrMemoryLimitExceeded))
	// the failed reservation must not stick anywhere in the tree
	require.Equal(t, int64(100), op.Used())
	require.Equal(t, int64(100), root.Used())
}

func TestSetBytesAndRelease(t *testing.T) {
	root := NewRootContext("query", 0)
	op := root.NewChild("hashtable")
	require.NoError(t, op.SetBytes(512))
	require.NoError(t, op.SetBytes(256))
	require.Equal(t, int64(256), root.Used())

	op.Release()
	require.Equal(t, int64(0), op.Used())
	require.Equal(t, int64(0), root.Used())
}

func TestOverThreshold(t *testing.T) {
	op := NewRootContext("build", 1000)
	require.NoError(t, op.Grow(600))
	require.False(t, op.OverThreshold(0.75))
	require.NoError(t, op.Grow(200))
	require.True(t, op.OverThreshold(0.75))
}
