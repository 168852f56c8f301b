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

// Package freelist implements the per-CPU block/inode free-space
// allocators: a red-black tree of free intervals per CPU (and, on the
// Supervisor side, per PM node), with first/last shortcut pointers and
// bounded candidate-list retries. Each list takes one lock; allocation
// never holds two list locks at once.
package freelist

import (
	"sync"

	"github.com/arckfs/arckfs/internal/errs"
	"github.com/arckfs/arckfs/internal/rangetree"
)

// List is one CPU's (Supervisor: also one PM node's) free-space pool: a
// red-black tree of non-overlapping [low, high] ranges plus accounting
// counters.
type List struct {
	mu sync.Mutex

	tree       *rangetree.Tree
	firstNode  *rangetree.Node
	lastNode   *rangetree.Node
	numFree    uint64
	numNodes   uint64
	rangeStart uint64
	rangeEnd   uint64 // inclusive
}

// NewList creates a free list covering [start, end] inclusive, fully free.
func NewList(start, end uint64) *List {
	l := &List{
		tree:       rangetree.New(rangetree.Block),
		rangeStart: start,
		rangeEnd:   end,
	}
	if end >= start {
		n := &rangetree.Node{Low: start, High: end}
		_ = l.tree.Insert(n)
		l.firstNode = n
		l.lastNode = n
		l.numNodes = 1
		l.numFree = end - start + 1
	}
	return l
}

// NewEmptyList creates a free list responsible for [start, end] with no
// free blocks yet; callers Free ranges into it, e.g. when rebuilding
// allocator state from a scan at attach time.
func NewEmptyList(start, end uint64) *List {
	return &List{
		tree:       rangetree.New(rangetree.Block),
		rangeStart: start,
		rangeEnd:   end,
	}
}

// NumFree reports blocks currently free in this list.
func (l *List) NumFree() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.numFree
}

// NumNodes reports the number of free-interval nodes currently tracked.
func (l *List) NumNodes() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.numNodes
}

// Range reports the [start, end] this list was assigned to manage.
func (l *List) Range() (start, end uint64) {
	return l.rangeStart, l.rangeEnd
}

// WalkFree visits every free interval in address order, for consistency
// checks over the allocator state.
func (l *List) WalkFree(fn func(low, high uint64)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tree.Walk(func(n *rangetree.Node) bool {
		fn(n.Low, n.High)
		return true
	})
}

// notEnough is the fragmentation heuristic: divide free blocks by node
// count rather than checking contiguity, and treat an empty list as
// always insufficient.
func (l *List) notEnough(want uint64) bool {
	if l.firstNode == nil || l.lastNode == nil || l.numNodes == 0 {
		return true
	}
	return l.numFree/l.numNodes < want
}

// allocLocked walks the tree in address order starting at firstNode,
// takes the first interval that can satisfy want (whole-node take if it's
// an exact match, otherwise shrink its low edge), and returns the base
// block.
func (l *List) allocLocked(want uint64) (base uint64, ok bool) {
	if l.firstNode == nil || l.numFree == 0 {
		return 0, false
	}

	curr := l.firstNode
	for curr != nil {
		currBlocks := curr.High - curr.Low + 1
		if want <= currBlocks {
			if want == currBlocks {
				base = curr.Low
				if curr == l.firstNode {
					l.firstNode = l.successor(curr)
				}
				if curr == l.lastNode {
					l.lastNode = l.predecessor(curr)
				}
				l.tree.Erase(curr)
				l.numNodes--
			} else {
				base = curr.Low
				curr.Low += want
			}
			l.numFree -= want
			return base, true
		}
		curr = l.successor(curr)
	}
	return 0, false
}

// successor/predecessor walk the tree in address order. The range tree
// does not expose iterator links directly, so we re-find by key; lists are
// small enough in practice that this keeps the code simple.
func (l *List) successor(n *rangetree.Node) *rangetree.Node {
	return l.tree.FindGreaterEqual(n.High + 1)
}

func (l *List) predecessor(n *rangetree.Node) *rangetree.Node {
	var prev *rangetree.Node
	l.tree.Walk(func(cand *rangetree.Node) bool {
		if cand.High < n.Low {
			prev = cand
			return true
		}
		return cand.Low < n.Low
	})
	return prev
}

// Candidate picks, among a set of sibling lists (the other CPUs sharing a
// PM node), the one with the most free blocks.
func Candidate(lists []*List) *List {
	var best *List
	var bestFree uint64
	for _, cand := range lists {
		f := cand.NumFree()
		if best == nil || f > bestFree {
			best = cand
			bestFree = f
		}
	}
	return best
}

// Allocator owns the retry-across-lists policy: try the caller's own
// list, and if it looks short, retry up to twice against the sibling list
// with the most free space before falling through and allocating anyway —
// the fragmentation heuristic alone never produces NoSpace.
type Allocator struct {
	// Siblings returns every list that shares the allocation domain with
	// own (e.g. every CPU on the same PM node), used for the candidate
	// retry. It must include own itself.
	Siblings func(own *List) []*List
}

// Allocate reserves want contiguous(-ish, per-node) blocks from own,
// falling back to siblings per the retry policy, and finally allocating
// from whatever list it ends up holding even if its accounting looked
// short (the "allocate anyway" fallthrough).
func (a *Allocator) Allocate(own *List, want uint64, zero bool, zeroFn func(base, count uint64)) (uint64, error) {
	if want == 0 {
		return 0, errs.InvalidArgument
	}

	list := own
	for retried := 0; ; {
		list.mu.Lock()
		short := list.notEnough(want)
		if short && retried < 2 {
			list.mu.Unlock()
			retried++
			if a.Siblings != nil {
				if cand := Candidate(a.Siblings(own)); cand != nil {
					list = cand
				}
			}
			continue
		}

		base, ok := list.allocLocked(want)
		list.mu.Unlock()
		if !ok {
			return 0, errs.NoSpace
		}
		if zero && zeroFn != nil {
			zeroFn(base, want)
		}
		return base, nil
	}
}

// Free returns a block range to the list owning it, merging with adjacent
// free intervals where possible.
func (l *List) Free(blocknr, numBlocks uint64) error {
	if numBlocks == 0 {
		return errs.InvalidArgument
	}
	if blocknr < l.rangeStart || blocknr+numBlocks > l.rangeEnd+1 {
		return errs.IO
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	low := blocknr
	high := blocknr + numBlocks - 1

	if _, exists := l.tree.Find(low); exists {
		return errs.InvalidArgument
	}

	prev := l.predecessorByKey(low)
	next := l.nextByKey(high)

	switch {
	case prev != nil && next != nil && low == prev.High+1 && high+1 == next.Low:
		nextHigh := next.High
		if l.lastNode == next {
			l.lastNode = prev
		}
		// Erase next before widening prev: the erase walk matches by key,
		// and a widened prev would already contain next.Low.
		l.tree.Erase(next)
		prev.High = nextHigh
		l.numNodes--
	case prev != nil && low == prev.High+1:
		prev.High += numBlocks
	case next != nil && high+1 == next.Low:
		next.Low -= numBlocks
	default:
		n := &rangetree.Node{Low: low, High: high}
		if err := l.tree.Insert(n); err != nil {
			return err
		}
		if prev == nil {
			l.firstNode = n
		}
		if next == nil {
			l.lastNode = n
		}
		l.numNodes++
	}

	l.numFree += numBlocks
	return nil
}

func (l *List) predecessorByKey(low uint64) *rangetree.Node {
	var prev *rangetree.Node
	l.tree.Walk(func(n *rangetree.Node) bool {
		if n.High < low {
			prev = n
			return true
		}
		return false
	})
	return prev
}

func (l *List) nextByKey(high uint64) *rangetree.Node {
	var next *rangetree.Node
	l.tree.Walk(func(n *rangetree.Node) bool {
		if next != nil {
			return false
		}
		if n.Low > high {
			next = n
			return false
		}
		return true
	})
	return next
}
