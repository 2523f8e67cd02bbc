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

package future

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignal(t *testing.T) {
	s := NewSignal()
	require.False(t, s.Resolved())
	s.Resolve()
	s.Resolve() // idempotent
	require.True(t, s.Resolved())
	<-s.Done()
}

func TestValuePublishOnce(t *testing.T) {
	f := NewValue[int]()
	_, ok := f.TryGet()
	require.False(t, ok)

	f.Set(42)
	f.Set(7) // second publication must not overwrite
	v, ok := f.TryGet()
	require.True(t, ok)
	require.Equal(t, 42, v)
	require.Equal(t, 42, f.Get())
}

func TestValueConcurrentReaders(t *testing.T) {
	f := NewValue[string]()
	var wg sync.WaitGroup
	out := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i] = f.Get()
		}(i)
	}
	f.Set("built")
	wg.Wait()
	for _, v := range out {
		require.Equal(t, "built", v)
	}
}

func TestTaskRunsInBackground(t *testing.T) {
	release := make(chan struct{})
	task := Go(func() error {
		<-release
		return nil
	})
	require.False(t, task.Signal().Resolved())

	close(release)
	require.NoError(t, task.Wait())
	require.True(t, task.Signal().Resolved())
	require.NoError(t, task.Err())
}

func TestTaskCarriesError(t *testing.T) {
	boom := errors.New("disk gone")
	task := Go(func() error { return boom })
	require.ErrorIs(t, task.Wait(), boom)
	require.ErrorIs(t, task.Err(), boom)
}
