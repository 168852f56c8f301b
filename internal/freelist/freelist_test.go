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

package freelist

import (
	"testing"

	"github.com/arckfs/arckfs/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateShrinksLowEdge(t *testing.T) {
	l := NewList(0, 999)
	a := &Allocator{}

	base, err := a.Allocate(l, 10, false, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), base)
	assert.Equal(t, uint64(990), l.NumFree())

	base2, err := a.Allocate(l, 5, false, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), base2)
	assert.Equal(t, uint64(985), l.NumFree())
}

func TestAllocateWholeNodeErasesIt(t *testing.T) {
	l := NewList(0, 9) // exactly 10 blocks, one node
	a := &Allocator{}

	base, err := a.Allocate(l, 10, false, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), base)
	assert.Equal(t, uint64(0), l.NumFree())
	assert.Equal(t, uint64(0), l.NumNodes())

	_, err = a.Allocate(l, 1, false, nil)
	assert.ErrorIs(t, err, errs.NoSpace)
}

func TestFreeMergesHole(t *testing.T) {
	l := NewList(0, 999)
	a := &Allocator{}

	b1, err := a.Allocate(l, 100, false, nil)
	require.NoError(t, err)
	b2, err := a.Allocate(l, 100, false, nil)
	require.NoError(t, err)
	require.NotEqual(t, b1, b2)

	require.NoError(t, l.Free(b1, 100))
	require.NoError(t, l.Free(b2, 100))

	// Merged back: at least as much free as before both allocations,
	// and the tree should have collapsed toward fewer nodes again.
	assert.Equal(t, uint64(1000), l.NumFree())
}

func TestAllocateAnywayFallthrough(t *testing.T) {
	// Two lists sharing a PM node; own looks short (6 free over 2 nodes
	// averages 3 < 5) but siblings have nothing better, so Allocate must
	// still succeed rather than returning NoSpace early.
	own := NewEmptyList(0, 6)
	require.NoError(t, own.Free(0, 5))
	require.NoError(t, own.Free(6, 1))
	sib := NewList(7, 7) // 1 free
	a := &Allocator{Siblings: func(o *List) []*List { return []*List{own, sib} }}

	base, err := a.Allocate(own, 5, false, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), base)
}

func TestClientInodeListRefillAndPop(t *testing.T) {
	refills := 0
	c := &ClientInodeList{
		ChunkSize: 4,
		Refill: func(want uint64) (uint64, uint64, error) {
			refills++
			return 100, want, nil
		},
	}

	ino, err := c.New()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), ino)
	assert.Equal(t, 1, refills)
	assert.Equal(t, 3, c.NumFree())

	for i := 0; i < 3; i++ {
		_, err := c.New()
		require.NoError(t, err)
	}
	assert.Equal(t, 0, c.NumFree())

	_, err = c.New()
	require.NoError(t, err)
	assert.Equal(t, 2, refills)

	c.Free(999)
	assert.Equal(t, 4, c.NumFree())

	chunks := c.Chunks()
	assert.Len(t, chunks, 2)
}
