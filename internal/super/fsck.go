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

	"github.com/arckfs/arckfs/internal/fileindex"
	"github.com/arckfs/arckfs/internal/inode"
	"github.com/arckfs/arckfs/internal/pmregion"
)

// FsckReport collects consistency violations found by Fsck.
type FsckReport struct {
	Violations []string

	BlocksScanned uint64
	InodesScanned int
}

func (r *FsckReport) violatef(format string, args ...any) {
	r.Violations = append(r.Violations, fmt.Sprintf(format, args...))
}

// Clean reports whether no violations were found.
func (r *FsckReport) Clean() bool { return len(r.Violations) == 0 }

// Fsck checks the mounted instance's consistency invariants: every block
// is free in at most one list or reachable from exactly one inode's
// index; the journal has no unreplayed transactions; and every index
// chain is acyclic with length within the size bound.
func (s *Super) Fsck() *FsckReport {
	rep := &FsckReport{}
	l := &s.Layout
	rep.BlocksScanned = l.TotalBlocks

	// owner[b] names block b's claimant (a free list or an inode); a block
	// absent from the map is unclaimed.
	owner := make(map[uint64]string)

	claim := func(b uint64, who string) {
		if prev, ok := owner[b]; ok {
			rep.violatef("block %d claimed by both %s and %s", b, prev, who)
			return
		}
		owner[b] = who
	}

	for node := range s.blockLists {
		for cpu, list := range s.blockLists[node] {
			list.WalkFree(func(low, high uint64) {
				for b := low; b <= high; b++ {
					claim(b, fmt.Sprintf("free-list(node=%d,cpu=%d)", node, cpu))
				}
			})
		}
	}

	blocksPerExtent := l.ExtentSize / pmregion.PageSize
	for ino := uint32(inode.RootIno); int(ino) < l.MaxInodes; ino++ {
		sh := s.Store.Find(ino)
		if sh == nil || sh.FileType == inode.TypeNone {
			continue
		}
		rep.InodesScanned++
		if sh.Index == 0 {
			continue
		}

		ix := fileindex.Index{Region: s.Region, First: sh.Index, ExtentSize: l.ExtentSize}
		m, err := ix.Build()
		if err != nil {
			rep.violatef("inode %d: index walk: %v", ino, err)
			continue
		}

		// The chain walk above already rejects cycles; the entry count
		// must also fit the chain's slot capacity.
		capacity := uint64(m.ChainPages()) * fileindex.DataSlotsPerPage
		if uint64(len(m.Extents)) > capacity {
			rep.violatef("inode %d: %d extents exceed chain capacity %d", ino, len(m.Extents), capacity)
		}

		who := fmt.Sprintf("inode(%d)", ino)
		for _, p := range m.Pages {
			claim(uint64(p)/pmregion.PageSize, who)
		}
		for _, e := range m.Extents {
			base := uint64(e) / pmregion.PageSize
			for b := uint64(0); b < blocksPerExtent; b++ {
				claim(base+b, who)
			}
		}
	}

	for cpu := 0; cpu < s.Journal.CPUs(); cpu++ {
		if s.Journal.Pending(cpu) {
			rep.violatef("journal cpu %d: unreplayed transaction after mount", cpu)
		}
	}

	return rep
}
