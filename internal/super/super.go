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

// Package super owns the top-level Supervisor state: the PM layout, the
// shadow-inode store, the two-level allocators, leases, trust groups,
// delegation rings and Agents, and the mount/map ioctl semantics built
// from them.
//
// Everything is an explicitly constructed context object; there are no
// package-level singletons.
package super

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arckfs/arckfs/clock"
	"github.com/arckfs/arckfs/internal/agent"
	"github.com/arckfs/arckfs/internal/fileindex"
	"github.com/arckfs/arckfs/internal/freelist"
	"github.com/arckfs/arckfs/internal/inode"
	"github.com/arckfs/arckfs/internal/journal"
	"github.com/arckfs/arckfs/internal/lease"
	"github.com/arckfs/arckfs/internal/logger"
	"github.com/arckfs/arckfs/internal/metrics"
	"github.com/arckfs/arckfs/internal/pagemap"
	"github.com/arckfs/arckfs/internal/pmregion"
	"github.com/arckfs/arckfs/internal/ring"
	"github.com/arckfs/arckfs/internal/trustgroup"
)

// Options collects the construction parameters, typically derived from
// cfg.Config by the cmd layer.
type Options struct {
	MaxInodes         int
	Sockets           int
	CPUsPerSocket     int
	PMNodes           int
	NodeRanges        [][2]uint64 // nil: split evenly
	ExtentSize        uint64
	RingEntries       int
	DelegationThreads int // per socket; 0 disables delegation
	// ClearDelegationLimit is the byte threshold above which Supervisor
	// zeroing is delegated instead of memset directly.
	ClearDelegationLimit uint64
	LeasePeriod          time.Duration
	MaxLeaseOwners       int
	RootMode             uint32
	MaxTrustGroups       int
	Clock                clock.Clock
	Metrics              *metrics.Metrics
}

type installKey struct {
	tg  trustgroup.ID
	ino uint32
}

type installRange struct {
	vaddr uint64
	bytes uint64
}

// Super is one mounted file-system instance's Supervisor half.
type Super struct {
	Region  *pmregion.Region
	Layout  Layout
	Store   *inode.Store
	TGs     *trustgroup.Table
	Leases  *lease.Manager
	Journal *journal.Journal
	Metrics *metrics.Metrics

	// Space registers Client buffers for Agent translation.
	Space    *agent.SliceSpace
	Counters *ring.CounterTable

	blockLists [][]*freelist.List // [node][cpu]
	blockAlloc freelist.Allocator
	inodeLists []*freelist.List // [cpu], disjoint ino slices
	inodeAlloc freelist.Allocator

	sends    [][]*ring.SendHandle // [node][thread]
	pool     *agent.Pool
	agentsUp atomic.Bool

	opts Options

	mu       sync.Mutex
	vmas     map[trustgroup.ID]*pagemap.VMA
	installs map[installKey][]installRange
}

func (o *Options) normalize() {
	if o.Sockets < 1 {
		o.Sockets = 1
	}
	if o.CPUsPerSocket < 1 {
		o.CPUsPerSocket = 1
	}
	if o.PMNodes < 1 {
		o.PMNodes = o.Sockets
	}
	if o.ExtentSize == 0 {
		o.ExtentSize = 2 << 20
	}
	if o.RingEntries == 0 {
		o.RingEntries = 64
	}
	if o.ClearDelegationLimit == 0 {
		o.ClearDelegationLimit = 256 << 10
	}
	if o.LeasePeriod == 0 {
		o.LeasePeriod = 200 * time.Millisecond
	}
	if o.MaxLeaseOwners == 0 {
		o.MaxLeaseOwners = 16
	}
	if o.RootMode == 0 {
		o.RootMode = 0o755
	}
	if o.MaxTrustGroups == 0 {
		o.MaxTrustGroups = 64
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewUnregistered()
	}
}

func (s *Super) cpus() int { return s.Layout.Sockets * s.Layout.CPUsPerSocket }

// New mounts a Supervisor over region. A region carrying a valid super
// page is attached (journal replay, then allocator/shadow rebuild by
// scan); anything else is formatted fresh.
func New(region *pmregion.Region, opts Options) (*Super, error) {
	opts.normalize()

	s := &Super{
		Region:   region,
		Metrics:  opts.Metrics,
		Space:    agent.NewSliceSpace(),
		opts:     opts,
		vmas:     make(map[trustgroup.ID]*pagemap.VMA),
		installs: make(map[installKey][]installRange),
	}

	formatted := region.ReadU64(supMagic) == Magic
	if formatted {
		l, pairOff, err := readSuperPage(region, opts.ExtentSize)
		if err != nil {
			return nil, err
		}
		s.Layout = l
		if err := s.attach(pairOff); err != nil {
			return nil, err
		}
	} else {
		l, err := ComputeLayout(region.Size(), opts.MaxInodes, opts.Sockets, opts.CPUsPerSocket, opts.PMNodes, opts.ExtentSize, opts.NodeRanges)
		if err != nil {
			return nil, err
		}
		s.Layout = l
		if err := s.mkfs(); err != nil {
			return nil, err
		}
	}

	s.TGs = trustgroup.NewTable(opts.MaxTrustGroups)
	s.Leases = &lease.Manager{
		MaxOwners: opts.MaxLeaseOwners,
		Period:    opts.LeasePeriod,
		Clock:     opts.Clock,
		Metrics:   opts.Metrics,
		InCriticalSection: func(tg trustgroup.ID, ino uint64) bool {
			return s.TGs.LeaseBit(tg, ino)
		},
		ClearMapRing: func(tg trustgroup.ID, ino uint64) {
			s.TGs.SetMapBit(tg, ino, false)
			s.zapInstalls(tg, uint32(ino))
		},
	}

	s.initRings()
	return s, nil
}

// StartAgents launches the delegation Agents. A no-op when delegation is
// disabled.
func (s *Super) StartAgents(ctx context.Context) {
	if s.pool != nil {
		s.pool.Start(ctx)
		s.agentsUp.Store(true)
	}
}

// Stop shuts the Agents down.
func (s *Super) Stop() {
	if s.pool != nil {
		s.agentsUp.Store(false)
		s.pool.Stop()
	}
}

// DelegationEnabled reports whether Agents are running. Nobody may post a
// delegation before StartAgents: a request on an undrained ring would spin
// its issuer forever.
func (s *Super) DelegationEnabled() bool { return s.agentsUp.Load() }

func (s *Super) initRings() {
	threads := s.opts.DelegationThreads
	if threads <= 0 {
		return
	}
	nodes := len(s.Layout.NodeRanges)
	s.Counters = ring.NewCounterTable(s.cpus(), 4, nodes)

	var agents []*agent.Agent
	s.sends = make([][]*ring.SendHandle, nodes)
	for n := 0; n < nodes; n++ {
		s.sends[n] = make([]*ring.SendHandle, threads)
		for t := 0; t < threads; t++ {
			send, recv, err := ring.New(s.opts.RingEntries)
			if err != nil {
				logger.Errorf("super: ring (%d,%d): %v", n, t, err)
				return
			}
			s.sends[n][t] = send
			agents = append(agents, &agent.Agent{
				Ring:     recv,
				Region:   s.Region,
				Space:    s.Space,
				Counters: s.Counters,
				Node:     n,
				Metrics:  s.Metrics,
			})
		}
	}
	pool, err := agent.NewPool(agents)
	if err != nil {
		logger.Errorf("super: agent pool: %v", err)
		return
	}
	s.pool = pool
}

// Ring returns the send handle for (node, thread), or nil when delegation
// is disabled. Clients pick thread = cpu % threads-per-node.
func (s *Super) Ring(node, thread int) *ring.SendHandle {
	if s.sends == nil || node >= len(s.sends) {
		return nil
	}
	row := s.sends[node]
	if len(row) == 0 {
		return nil
	}
	return row[thread%len(row)]
}

// mkfs formats the region: super page, zeroed inode table, root inode and
// root index page, free lists, journal hard init.
func (s *Super) mkfs() error {
	r := s.Region
	l := &s.Layout

	r.Memset(l.InodeTable, uint64(l.MaxInodes)*inode.Size, 0)
	r.Memset(l.RootIndexPage, pmregion.PageSize, 0)

	s.buildFreshLists()
	s.Store = inode.NewStore(l.MaxInodes)

	// Journal hard init: pointer-pair blocks from CPU 0's list, one ring
	// page per CPU from that CPU's own list.
	cpus := s.cpus()
	pairBlocks := (uint64(cpus)*pmregion.CacheLine + pmregion.PageSize - 1) / pmregion.PageSize
	pairBase, err := s.allocBlocksRaw(0, 0, pairBlocks, true)
	if err != nil {
		return fmt.Errorf("journal pointer array: %w", err)
	}
	pairOff := pmregion.Offset(pairBase * pmregion.PageSize)

	pairOffs := make([]pmregion.Offset, cpus)
	ringOffs := make([]pmregion.Offset, cpus)
	for c := 0; c < cpus; c++ {
		node := s.nodeForCPU(c)
		blk, err := s.allocBlocksRaw(c, node, 1, true)
		if err != nil {
			return fmt.Errorf("journal ring page cpu %d: %w", c, err)
		}
		pairOffs[c] = pairOff + pmregion.Offset(c*pmregion.CacheLine)
		ringOffs[c] = pmregion.Offset(blk * pmregion.PageSize)
	}
	j, err := journal.Init(s.Region, pairOffs, ringOffs, s.Metrics)
	if err != nil {
		return err
	}
	s.Journal = j

	// Root inode: directory, mode from config, uid/gid 0.
	now := s.opts.Clock.Now().Unix()
	inode.Write(r, l.InodeOffset(inode.RootIno), inode.Inode{
		FileType: inode.TypeDir,
		Mode:     s.opts.RootMode,
		Size:     0,
		Index:    l.RootIndexPage,
		Atime:    now,
		Ctime:    now,
		Mtime:    now,
	})
	r.Sfence()
	_ = s.Store.SetInode(inode.RootIno, inode.TypeDir, s.opts.RootMode, 0, 0, l.RootIndexPage)

	l.writeSuperPage(r, pairOff)
	return nil
}

func (s *Super) nodeForCPU(cpu int) int {
	socket := cpu / s.Layout.CPUsPerSocket
	return socket % len(s.Layout.NodeRanges)
}

// buildFreshLists creates fully-free per-CPU lists over each node's range.
func (s *Super) buildFreshLists() {
	cpus := s.cpus()
	s.blockLists = make([][]*freelist.List, len(s.Layout.NodeRanges))
	for n, nr := range s.Layout.NodeRanges {
		s.blockLists[n] = make([]*freelist.List, cpus)
		total := nr[1] - nr[0] + 1
		per := total / uint64(cpus)
		for c := 0; c < cpus; c++ {
			start := nr[0] + uint64(c)*per
			end := start + per - 1
			if c == cpus-1 {
				end = nr[1]
			}
			s.blockLists[n][c] = freelist.NewList(start, end)
		}
	}
	s.blockAlloc = freelist.Allocator{Siblings: s.siblingBlockLists}

	s.buildInodeLists(false)
}

// buildInodeLists partitions the inode number space across CPUs. When
// empty is true the lists start empty and allocated inodes are withheld by
// the caller.
func (s *Super) buildInodeLists(empty bool) {
	cpus := s.cpus()
	first := uint64(inode.RootIno) + 1
	total := uint64(s.Layout.MaxInodes) - first
	per := total / uint64(cpus)
	s.inodeLists = make([]*freelist.List, cpus)
	for c := 0; c < cpus; c++ {
		start := first + uint64(c)*per
		end := start + per - 1
		if c == cpus-1 {
			end = uint64(s.Layout.MaxInodes) - 1
		}
		if empty {
			s.inodeLists[c] = freelist.NewEmptyList(start, end)
		} else {
			s.inodeLists[c] = freelist.NewList(start, end)
		}
	}
	s.inodeAlloc = freelist.Allocator{Siblings: func(own *freelist.List) []*freelist.List { return s.inodeLists }}
}

func (s *Super) siblingBlockLists(own *freelist.List) []*freelist.List {
	for _, node := range s.blockLists {
		for _, l := range node {
			if l == own {
				return node
			}
		}
	}
	return nil
}

// attach rebuilds DRAM state over an existing region: replay the journal,
// then scan the inode table to rebuild the shadow store and free lists so
// that the ownership invariant holds (every block free in exactly one list or
// reachable from exactly one index).
func (s *Super) attach(pairOff pmregion.Offset) error {
	r := s.Region
	l := &s.Layout
	cpus := s.cpus()

	pairOffs := make([]pmregion.Offset, cpus)
	ringOffs := make([]pmregion.Offset, cpus)
	for c := 0; c < cpus; c++ {
		pairOffs[c] = pairOff + pmregion.Offset(c*pmregion.CacheLine)
		head := r.ReadU64(pairOffs[c])
		ringOffs[c] = pmregion.Offset(head & pmregion.PageMask)
	}
	j, err := journal.Attach(r, pairOffs, ringOffs, s.Metrics)
	if err != nil {
		return err
	}
	s.Journal = j
	replayed, err := j.Replay()
	if err != nil {
		return err
	}
	if replayed > 0 {
		logger.Infof("super: journal replay restored %d pre-images", replayed)
	}

	// Used-block scan.
	used := make([]bool, l.TotalBlocks)
	for b := uint64(0); b < l.HeadReserved; b++ {
		used[b] = true
	}
	pairBlocks := (uint64(cpus)*pmregion.CacheLine + pmregion.PageSize - 1) / pmregion.PageSize
	for b := uint64(0); b < pairBlocks; b++ {
		used[uint64(pairOff)/pmregion.PageSize+b] = true
	}
	for c := 0; c < cpus; c++ {
		used[uint64(ringOffs[c])/pmregion.PageSize] = true
	}

	s.Store = inode.NewStore(l.MaxInodes)
	blocksPerExtent := l.ExtentSize / pmregion.PageSize

	inodeUsed := make([]bool, l.MaxInodes)
	for ino := uint32(inode.RootIno); int(ino) < l.MaxInodes; ino++ {
		rec := inode.Read(r, l.InodeOffset(ino))
		if rec.FileType == inode.TypeNone {
			continue
		}
		inodeUsed[ino] = true
		_ = s.Store.SetInode(ino, rec.FileType, rec.Mode, rec.UID, rec.GID, rec.Index)

		if rec.Index == 0 {
			continue
		}
		ix := fileindex.Index{Region: r, First: rec.Index, ExtentSize: l.ExtentSize}
		m, err := ix.Build()
		if err != nil {
			return fmt.Errorf("inode %d: %w", ino, err)
		}
		for _, p := range m.Pages {
			used[uint64(p)/pmregion.PageSize] = true
		}
		for _, e := range m.Extents {
			base := uint64(e) / pmregion.PageSize
			for b := uint64(0); b < blocksPerExtent; b++ {
				used[base+b] = true
			}
		}
	}

	// Rebuild block lists from the free runs of each CPU slice.
	s.blockLists = make([][]*freelist.List, len(l.NodeRanges))
	for n, nr := range l.NodeRanges {
		s.blockLists[n] = make([]*freelist.List, cpus)
		total := nr[1] - nr[0] + 1
		per := total / uint64(cpus)
		for c := 0; c < cpus; c++ {
			start := nr[0] + uint64(c)*per
			end := start + per - 1
			if c == cpus-1 {
				end = nr[1]
			}
			list := freelist.NewEmptyList(start, end)
			runStart, inRun := uint64(0), false
			for b := start; b <= end; b++ {
				if !used[b] && !inRun {
					runStart, inRun = b, true
				}
				if used[b] && inRun {
					_ = list.Free(runStart, b-runStart)
					inRun = false
				}
			}
			if inRun {
				_ = list.Free(runStart, end-runStart+1)
			}
			s.blockLists[n][c] = list
		}
	}
	s.blockAlloc = freelist.Allocator{Siblings: s.siblingBlockLists}

	// Inode lists: every number not referenced by a live inode is free.
	s.buildInodeLists(true)
	first := uint64(inode.RootIno) + 1
	runStart, inRun := uint64(0), false
	flush := func(endExclusive uint64) {
		if !inRun {
			return
		}
		for _, list := range s.inodeLists {
			ls, le := list.Range()
			lo, hi := runStart, endExclusive-1
			if lo < ls {
				lo = ls
			}
			if hi > le {
				hi = le
			}
			if lo <= hi {
				_ = list.Free(lo, hi-lo+1)
			}
		}
		inRun = false
	}
	for i := first; i < uint64(l.MaxInodes); i++ {
		if !inodeUsed[i] && !inRun {
			runStart, inRun = i, true
		}
		if inodeUsed[i] {
			flush(i)
		}
	}
	flush(uint64(l.MaxInodes))

	return nil
}
