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

// Package fileindex implements the two-level sparse file index: 4-KiB PM
// index pages holding 8-byte extent offsets,
// chained through each page's reserved last slot, mirrored in DRAM as a
// flat array for O(1) page lookup on the read/write path.
package fileindex

import (
	"fmt"

	"github.com/arckfs/arckfs/internal/errs"
	"github.com/arckfs/arckfs/internal/pmregion"
)

const (
	// SlotSize is one index entry: a single 8-byte offset.
	SlotSize = 8
	// SlotsPerPage counts all slots in an index page, chain slot included.
	SlotsPerPage = pmregion.PageSize / SlotSize
	// ChainSlot is the reserved last slot: non-zero means "next index
	// page lives here".
	ChainSlot = SlotsPerPage - 1
	// DataSlotsPerPage counts the slots that may hold extent offsets.
	DataSlotsPerPage = SlotsPerPage - 1
)

// Index binds a file's index chain to its region. First is the offset of
// the first index page, recorded in the inode; the index borrows its pages
// from the allocator and never owns them.
type Index struct {
	Region     *pmregion.Region
	First      pmregion.Offset
	ExtentSize uint64
}

// Mirror is the DRAM mirror: Extents[i] is the PM offset of extent i, plus
// the walk state needed to append in O(1).
type Mirror struct {
	Extents []pmregion.Offset
	Pages   []pmregion.Offset // index pages in chain order, First included

	tailPage pmregion.Offset
	tailSlot int // next free data slot in tailPage
}

// ChainPages reports how many index pages back the file, used by the
// fsck length bound.
func (m *Mirror) ChainPages() int { return len(m.Pages) }

func (ix *Index) slotOff(page pmregion.Offset, slot int) pmregion.Offset {
	return page + pmregion.Offset(slot*SlotSize)
}

// Build walks the chain from First, filling the flat mirror. The walk is
// bounded by the region size so a corrupted (cyclic) chain is reported as
// an IO error instead of looping.
func (ix *Index) Build() (*Mirror, error) {
	m := &Mirror{tailPage: ix.First}
	if ix.First == 0 {
		return nil, errs.InvalidArgument
	}

	maxPages := ix.Region.Size() / pmregion.PageSize
	page := ix.First
	for {
		if uint64(len(m.Pages)) > maxPages {
			return nil, fmt.Errorf("%w: index chain from %#x exceeds region page count, assuming a cycle", errs.IO, ix.First)
		}
		m.Pages = append(m.Pages, page)
		m.tailPage = page

		for slot := 0; slot < DataSlotsPerPage; slot++ {
			off := ix.Region.ReadU64(ix.slotOff(page, slot))
			if off == 0 {
				m.tailSlot = slot
				return m, nil
			}
			m.Extents = append(m.Extents, pmregion.Offset(off))
		}

		chain := ix.Region.ReadU64(ix.slotOff(page, ChainSlot))
		if chain == 0 {
			// Page is full with no successor: the next append chains.
			m.tailSlot = DataSlotsPerPage
			return m, nil
		}
		page = pmregion.Offset(chain)
	}
}

// Append links a freshly allocated extent at extentOff to the end of the
// file. When the current page is out of data slots, allocPage supplies a
// new zeroed index page, placed in the old page's chain slot. The store
// into the previously-zero slot is the publish point.
func (ix *Index) Append(m *Mirror, extentOff pmregion.Offset, allocPage func() (pmregion.Offset, error)) error {
	r := ix.Region

	if m.tailSlot >= DataSlotsPerPage {
		newPage, err := allocPage()
		if err != nil {
			return err
		}
		r.Memset(newPage, pmregion.PageSize, 0)

		// Fill the new page's first slot before linking it, so the chain
		// store publishes a complete page.
		r.WriteU64(ix.slotOff(newPage, 0), uint64(extentOff))
		r.Clwb(ix.slotOff(newPage, 0), SlotSize)

		chainOff := ix.slotOff(m.tailPage, ChainSlot)
		r.WriteU64(chainOff, uint64(newPage))
		r.Clwb(chainOff, SlotSize)
		r.Sfence()

		m.Pages = append(m.Pages, newPage)
		m.tailPage = newPage
		m.tailSlot = 1
	} else {
		off := ix.slotOff(m.tailPage, m.tailSlot)
		r.WriteU64(off, uint64(extentOff))
		r.Clwb(off, SlotSize)
		r.Sfence()
		m.tailSlot++
	}

	m.Extents = append(m.Extents, extentOff)
	return nil
}

// Truncate cuts the file to newSize bytes. The zero store into the first
// dropped slot is the atomic truncate publish; the walk that follows
// returns every dropped extent and every emptied non-head index page
// through the free callbacks.
func (ix *Index) Truncate(m *Mirror, newSize uint64, freeExtent, freePage func(pmregion.Offset)) error {
	keep := int((newSize + ix.ExtentSize - 1) / ix.ExtentSize)
	if keep >= len(m.Extents) {
		return nil
	}
	r := ix.Region

	// Locate the page/slot pair holding entry `keep`.
	page := keep / DataSlotsPerPage
	slot := keep % DataSlotsPerPage
	if page >= len(m.Pages) {
		return errs.IO
	}

	cutOff := ix.slotOff(m.Pages[page], slot)
	r.WriteU64(cutOff, 0)
	r.Clwb(cutOff, SlotSize)
	r.Sfence()

	for _, ext := range m.Extents[keep:] {
		freeExtent(ext)
	}
	// Pages past the cut page drop entirely; the head page always stays.
	for _, p := range m.Pages[page+1:] {
		freePage(p)
	}
	// The surviving tail page's chain slot must terminate the chain.
	if page < len(m.Pages)-1 {
		chainOff := ix.slotOff(m.Pages[page], ChainSlot)
		r.WriteU64(chainOff, 0)
		r.Clwb(chainOff, SlotSize)
		r.Sfence()
	}

	m.Extents = m.Extents[:keep]
	m.Pages = m.Pages[:page+1]
	m.tailPage = m.Pages[page]
	m.tailSlot = slot
	return nil
}

// ForEachPage visits every PM page reachable from the index: each index
// page (one 4-KiB page) and each data extent (ExtentSize bytes). The page
// mapper's per-file install iterates exactly this set.
func (ix *Index) ForEachPage(m *Mirror, fn func(off pmregion.Offset, bytes uint64, isIndex bool)) {
	for _, p := range m.Pages {
		fn(p, pmregion.PageSize, true)
	}
	for _, e := range m.Extents {
		fn(e, ix.ExtentSize, false)
	}
}

// ExtentFor returns the PM offset holding file byte pos plus the offset
// within that extent — the O(1) mirror lookup on the read/write path. ok is
// false past the indexed region.
func (ix *Index) ExtentFor(m *Mirror, pos uint64) (ext pmregion.Offset, within uint64, ok bool) {
	i := int(pos / ix.ExtentSize)
	if i >= len(m.Extents) {
		return 0, 0, false
	}
	return m.Extents[i], pos % ix.ExtentSize, true
}
