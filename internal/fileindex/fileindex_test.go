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

package fileindex

import (
	"testing"

	"github.com/arckfs/arckfs/internal/pmregion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testExtent = 2 << 20

// harness hands out sequential pages/extents from a scratch region.
type harness struct {
	r    *pmregion.Region
	next pmregion.Offset
}

func newHarness(t *testing.T, pages int64) *harness {
	t.Helper()
	r, err := pmregion.MapAnonymous(pages * pmregion.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return &harness{r: r, next: pmregion.PageSize}
}

func (h *harness) page() pmregion.Offset {
	off := h.next
	h.next += pmregion.PageSize
	return off
}

func (h *harness) extent() pmregion.Offset {
	off := h.next
	h.next += testExtent
	return off
}

func (h *harness) index(t *testing.T) (Index, *Mirror) {
	t.Helper()
	first := h.page()
	h.r.Memset(first, pmregion.PageSize, 0)
	ix := Index{Region: h.r, First: first, ExtentSize: testExtent}
	m, err := ix.Build()
	require.NoError(t, err)
	return ix, m
}

func TestBuildEmpty(t *testing.T) {
	h := newHarness(t, 8)
	_, m := h.index(t)
	assert.Empty(t, m.Extents)
	assert.Equal(t, 1, m.ChainPages())
}

func TestAppendAndLookup(t *testing.T) {
	h := newHarness(t, 4096)
	ix, m := h.index(t)

	e0, e1 := h.extent(), h.extent()
	require.NoError(t, ix.Append(m, e0, nil))
	require.NoError(t, ix.Append(m, e1, nil))

	ext, within, ok := ix.ExtentFor(m, 5)
	require.True(t, ok)
	assert.Equal(t, e0, ext)
	assert.Equal(t, uint64(5), within)

	// Crossing the 2-MiB boundary lands in the second extent.
	ext, within, ok = ix.ExtentFor(m, testExtent+7)
	require.True(t, ok)
	assert.Equal(t, e1, ext)
	assert.Equal(t, uint64(7), within)

	_, _, ok = ix.ExtentFor(m, 2*testExtent)
	assert.False(t, ok)
}

func TestBuildMatchesAppends(t *testing.T) {
	h := newHarness(t, 4096)
	ix, m := h.index(t)
	var want []pmregion.Offset
	for i := 0; i < 5; i++ {
		e := h.extent()
		want = append(want, e)
		require.NoError(t, ix.Append(m, e, nil))
	}

	rebuilt, err := ix.Build()
	require.NoError(t, err)
	assert.Equal(t, want, rebuilt.Extents)
}

func TestAppendChainsPastPageCapacity(t *testing.T) {
	h := newHarness(t, 2048)
	ix, m := h.index(t)

	pagesAllocated := 0
	alloc := func() (pmregion.Offset, error) {
		pagesAllocated++
		return h.page(), nil
	}

	// Fill the head page's data slots plus one more to force a chain.
	for i := 0; i < DataSlotsPerPage+1; i++ {
		// Reuse one extent offset: chain structure is what's under test.
		require.NoError(t, ix.Append(m, pmregion.PageSize*10, alloc))
	}
	assert.Equal(t, 1, pagesAllocated)
	assert.Equal(t, 2, m.ChainPages())
	assert.Len(t, m.Extents, DataSlotsPerPage+1)

	rebuilt, err := ix.Build()
	require.NoError(t, err)
	assert.Len(t, rebuilt.Extents, DataSlotsPerPage+1)
	assert.Equal(t, 2, rebuilt.ChainPages())
}

func TestCyclicChainDetected(t *testing.T) {
	h := newHarness(t, 8)
	first := h.page()
	h.r.Memset(first, pmregion.PageSize, 0)
	// Fill data slots and chain the page to itself.
	for s := 0; s < DataSlotsPerPage; s++ {
		h.r.WriteU64(first+pmregion.Offset(s*SlotSize), uint64(pmregion.PageSize*3))
	}
	h.r.WriteU64(first+pmregion.Offset(ChainSlot*SlotSize), uint64(first))

	ix := Index{Region: h.r, First: first, ExtentSize: testExtent}
	_, err := ix.Build()
	assert.Error(t, err)
}

func TestTruncateToZeroFreesEverything(t *testing.T) {
	h := newHarness(t, 4096)
	ix, m := h.index(t)

	var exts []pmregion.Offset
	for i := 0; i < 5; i++ {
		e := h.extent()
		exts = append(exts, e)
		require.NoError(t, ix.Append(m, e, nil))
	}

	var freedExtents, freedPages []pmregion.Offset
	require.NoError(t, ix.Truncate(m, 0,
		func(e pmregion.Offset) { freedExtents = append(freedExtents, e) },
		func(p pmregion.Offset) { freedPages = append(freedPages, p) },
	))

	// Empty index, every extent released, head page kept.
	assert.Equal(t, exts, freedExtents)
	assert.Empty(t, freedPages)
	assert.Empty(t, m.Extents)

	rebuilt, err := ix.Build()
	require.NoError(t, err)
	assert.Empty(t, rebuilt.Extents)
}

func TestTruncatePartialKeepsPrefix(t *testing.T) {
	h := newHarness(t, 4096)
	ix, m := h.index(t)

	var exts []pmregion.Offset
	for i := 0; i < 5; i++ {
		e := h.extent()
		exts = append(exts, e)
		require.NoError(t, ix.Append(m, e, nil))
	}

	var freed []pmregion.Offset
	// Truncate into the middle of extent 2: extents 0-2 survive.
	require.NoError(t, ix.Truncate(m, 2*testExtent+100,
		func(e pmregion.Offset) { freed = append(freed, e) },
		func(pmregion.Offset) {},
	))
	assert.Equal(t, exts[3:], freed)
	assert.Equal(t, exts[:3], m.Extents)
}

func TestTruncateThenAppendReuses(t *testing.T) {
	h := newHarness(t, 4096)
	ix, m := h.index(t)

	require.NoError(t, ix.Append(m, h.extent(), nil))
	require.NoError(t, ix.Truncate(m, 0, func(pmregion.Offset) {}, func(pmregion.Offset) {}))

	e := h.extent()
	require.NoError(t, ix.Append(m, e, nil))
	got, _, ok := ix.ExtentFor(m, 0)
	require.True(t, ok)
	assert.Equal(t, e, got)
}
