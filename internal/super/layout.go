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

package super

import (
	"fmt"

	"github.com/arckfs/arckfs/internal/errs"
	"github.com/arckfs/arckfs/internal/inode"
	"github.com/arckfs/arckfs/internal/pmregion"
)

// Symbolic in-process addresses. Fixed at build, far above
// anything the Go heap hands out.
const (
	// MountAddr is the base of every trust group's mapped PM window; user
	// virtual address = MountAddr + PM offset.
	MountAddr = 0x6000_0000_0000
)

// Persisted super-page layout (block 0). All fields are 8-byte words.
const (
	supMagic        = 0
	supVersion      = 8
	supJournalDir   = 16 // written as 0 (undo) at format, never changed after
	supSockets      = 24
	supCPUsPerSock  = 32
	supPMNodeCount  = 40
	supMaxInodes    = 48
	supHeadReserved = 56
	supJournalPairs = 64 // block offset of the journal pointer-pair array
	supNodeRanges   = 128 // pmNodeCount pairs of {startBlock, endBlock}
)

// Magic identifies an initialized arckfs region.
const Magic = 0x73666b6372615f70

// FormatVersion is bumped on incompatible on-media changes.
const FormatVersion = 1

// Layout is the computed PM geometry for one region.
type Layout struct {
	TotalBlocks   uint64
	MaxInodes     int
	HeadReserved  uint64 // super page + inode table + root index page
	InodeTable    pmregion.Offset
	RootIndexPage pmregion.Offset
	ExtentSize    uint64
	Sockets       int
	CPUsPerSocket int

	// NodeRanges partitions the data region across PM nodes,
	// [start, end] block numbers inclusive.
	NodeRanges [][2]uint64
}

// ComputeLayout derives the geometry from the region size and config.
// nodeRanges may be nil, in which case the data region splits evenly
// across pmNodes.
func ComputeLayout(regionBytes uint64, maxInodes, sockets, cpusPerSocket, pmNodes int, extentSize uint64, nodeRanges [][2]uint64) (Layout, error) {
	if maxInodes <= int(inode.RootIno) || sockets < 1 || cpusPerSocket < 1 || pmNodes < 1 {
		return Layout{}, errs.InvalidArgument
	}
	if extentSize == 0 || extentSize%pmregion.PageSize != 0 {
		return Layout{}, errs.InvalidArgument
	}

	tableBytes := uint64(maxInodes) * inode.Size
	tableBlocks := (tableBytes + pmregion.PageSize - 1) / pmregion.PageSize
	head := tableBlocks + 2 // super page + root index page

	total := regionBytes / pmregion.PageSize
	if total <= head+extentSize/pmregion.PageSize {
		return Layout{}, fmt.Errorf("%w: region of %d blocks cannot hold %d head-reserved blocks plus data", errs.NoSpace, total, head)
	}

	l := Layout{
		TotalBlocks:   total,
		MaxInodes:     maxInodes,
		HeadReserved:  head,
		InodeTable:    pmregion.PageSize,
		RootIndexPage: pmregion.Offset((1 + tableBlocks) * pmregion.PageSize),
		ExtentSize:    extentSize,
		Sockets:       sockets,
		CPUsPerSocket: cpusPerSocket,
	}

	if nodeRanges != nil {
		if len(nodeRanges) != pmNodes {
			return Layout{}, errs.InvalidArgument
		}
		l.NodeRanges = nodeRanges
		return l, nil
	}

	dataStart := head
	dataBlocks := total - head
	per := dataBlocks / uint64(pmNodes)
	for n := 0; n < pmNodes; n++ {
		start := dataStart + uint64(n)*per
		end := start + per - 1
		if n == pmNodes-1 {
			end = total - 1
		}
		l.NodeRanges = append(l.NodeRanges, [2]uint64{start, end})
	}
	return l, nil
}

// InodeOffset locates ino's PM inode record in the dense head-region
// table.
func (l *Layout) InodeOffset(ino uint32) pmregion.Offset {
	return l.InodeTable + pmregion.Offset(uint64(ino)*inode.Size)
}

// NodeOf maps a block number to its owning PM node, or -1 for head or
// out-of-range blocks.
func (l *Layout) NodeOf(block uint64) int {
	for n, r := range l.NodeRanges {
		if block >= r[0] && block <= r[1] {
			return n
		}
	}
	return -1
}

// writeSuperPage persists the geometry into block 0.
func (l *Layout) writeSuperPage(r *pmregion.Region, journalPairs pmregion.Offset) {
	r.Memset(0, pmregion.PageSize, 0)
	r.WriteU64(supMagic, Magic)
	r.WriteU64(supVersion, FormatVersion)
	r.WriteU64(supJournalDir, 0) // undo
	r.WriteU64(supSockets, uint64(l.Sockets))
	r.WriteU64(supCPUsPerSock, uint64(l.CPUsPerSocket))
	r.WriteU64(supPMNodeCount, uint64(len(l.NodeRanges)))
	r.WriteU64(supMaxInodes, uint64(l.MaxInodes))
	r.WriteU64(supHeadReserved, l.HeadReserved)
	r.WriteU64(supJournalPairs, uint64(journalPairs))
	for i, nr := range l.NodeRanges {
		r.WriteU64(supNodeRanges+pmregion.Offset(i*16), nr[0])
		r.WriteU64(supNodeRanges+pmregion.Offset(i*16+8), nr[1])
	}
	r.Clwb(0, pmregion.PageSize)
	r.Sfence()
}

// readSuperPage validates block 0 and reconstructs the layout of an
// existing region. extentSize is not persisted (it is configuration, not
// format) and comes from the caller.
func readSuperPage(r *pmregion.Region, extentSize uint64) (Layout, pmregion.Offset, error) {
	if r.ReadU64(supMagic) != Magic {
		return Layout{}, 0, fmt.Errorf("%w: no arckfs super block", errs.ErrNoDevice)
	}
	if v := r.ReadU64(supVersion); v != FormatVersion {
		return Layout{}, 0, fmt.Errorf("%w: format version %d, want %d", errs.IO, v, FormatVersion)
	}

	l := Layout{
		TotalBlocks:   r.Size() / pmregion.PageSize,
		MaxInodes:     int(r.ReadU64(supMaxInodes)),
		HeadReserved:  r.ReadU64(supHeadReserved),
		ExtentSize:    extentSize,
		Sockets:       int(r.ReadU64(supSockets)),
		CPUsPerSocket: int(r.ReadU64(supCPUsPerSock)),
	}
	tableBlocks := l.HeadReserved - 2
	l.InodeTable = pmregion.PageSize
	l.RootIndexPage = pmregion.Offset((1 + tableBlocks) * pmregion.PageSize)

	nodes := int(r.ReadU64(supPMNodeCount))
	for i := 0; i < nodes; i++ {
		l.NodeRanges = append(l.NodeRanges, [2]uint64{
			r.ReadU64(supNodeRanges + pmregion.Offset(i*16)),
			r.ReadU64(supNodeRanges + pmregion.Offset(i*16+8)),
		})
	}
	return l, pmregion.Offset(r.ReadU64(supJournalPairs)), nil
}

// JournalDirection reports the replay-direction field. Format writes 0
// (undo) into it and nothing in this core changes it afterwards.
func JournalDirection(r *pmregion.Region) uint64 {
	return r.ReadU64(supJournalDir)
}
