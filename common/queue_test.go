// Copyright 2025 The ArckFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLinkedListQueue(t *testing.T) {
	q := NewLinkedListQueue[int]()

	assert.NotNil(t, q)
	assert.True(t, q.IsEmpty())
	assert.Equal(t, 0, q.Len())
}

func TestLinkedListQueue_PushPopOrder(t *testing.T) {
	q := NewLinkedListQueue[int]()
	q.Push(4)
	q.Push(5)
	require.False(t, q.IsEmpty())

	assert.Equal(t, 4, q.Pop())
	assert.Equal(t, 5, q.Pop())
	assert.True(t, q.IsEmpty())
}

func TestLinkedListQueue_PopEmptyQueue(t *testing.T) {
	assert.Panics(t, func() {
		NewLinkedListQueue[int]().Pop()
	})
}

func TestLinkedListQueue_Len(t *testing.T) {
	q := NewLinkedListQueue[int]()
	for i, v := range []int{4, 5, 6} {
		q.Push(v)
		assert.Equal(t, i+1, q.Len())
	}
	for i, want := range []int{4, 5, 6} {
		assert.Equal(t, want, q.Pop())
		assert.Equal(t, 2-i, q.Len())
	}
}

func TestLinkedListQueue_ReuseAfterEmpty(t *testing.T) {
	q := NewLinkedListQueue[int]()
	q.Push(4)
	q.Pop()
	require.True(t, q.IsEmpty())

	q.Push(7)
	assert.Equal(t, 7, q.Pop())
	assert.True(t, q.IsEmpty())
}
