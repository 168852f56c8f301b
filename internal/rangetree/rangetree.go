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

// Package rangetree implements the generic ordered range-node store shared
// by the block/inode free-list allocators and the directory hash. It has
// two key disciplines: Block (interval tree keyed by [range_low,
// range_high], non-overlapping) and Dir (keyed by a 64-bit name hash),
// sharing one node header between them.
//
// The tree is a hand-rolled left-leaning red-black tree (Sedgewick's
// LLRB); no generic container models ordered range search over intervals.
package rangetree

import "fmt"

// Discipline selects the key ordering and uniqueness rule. Block and
// inode range nodes share the range discipline; directory-hash nodes use
// the hash discipline.
type Discipline int

const (
	// Block disciplines both block and inode-number range nodes:
	// non-overlapping [Low, High] intervals.
	Block Discipline = iota
	// Dir disciplines directory-hash nodes: unique Hash keys.
	Dir
)

type color bool

const (
	red   color = true
	black color = false
)

// Node is the shared range-node header. Block callers use Low/High; Dir
// callers use Hash/Entry. A node belongs to exactly one tree at a time.
type Node struct {
	Low, High uint64 // Block/Inode discipline
	Hash      uint64 // Dir discipline
	Entry     any    // Dir discipline: opaque dentry pointer

	left, right *Node
	color       color
}

// Tree is one disciplined red-black tree. Callers (a free list or a
// directory bucket) are responsible for serializing access; this type does
// no internal locking and is always used with the owning lock held.
type Tree struct {
	discipline Discipline
	root       *Node
	size       int
}

// New constructs an empty tree of the given discipline.
func New(d Discipline) *Tree {
	return &Tree{discipline: d}
}

// Len returns the number of nodes currently in the tree.
func (t *Tree) Len() int { return t.size }

// Discipline reports the tree's key discipline.
func (t *Tree) Discipline() Discipline { return t.discipline }

func (t *Tree) compare(n *Node, key uint64) int {
	if t.discipline == Dir {
		switch {
		case key < n.Hash:
			return -1
		case key > n.Hash:
			return 1
		default:
			return 0
		}
	}
	switch {
	case key < n.Low:
		return -1
	case key > n.High:
		return 1
	default:
		return 0
	}
}

// Find performs a point query. For Block it returns the node whose
// [Low, High] interval contains key. For Dir it returns the node with the
// given Hash. ok is false when no such node exists.
func (t *Tree) Find(key uint64) (node *Node, ok bool) {
	curr := t.root
	for curr != nil {
		switch c := t.compare(curr, key); {
		case c < 0:
			curr = curr.left
		case c > 0:
			curr = curr.right
		default:
			return curr, true
		}
	}
	return nil, false
}

// FindGreaterEqual returns the smallest node whose key (Low for Block,
// Hash for Dir) is >= key, used by the free-list allocator's
// address-ordered walk.
func (t *Tree) FindGreaterEqual(key uint64) *Node {
	var best *Node
	curr := t.root
	for curr != nil {
		lowKey := curr.Low
		if t.discipline == Dir {
			lowKey = curr.Hash
		}
		if lowKey >= key {
			best = curr
			curr = curr.left
		} else {
			curr = curr.right
		}
	}
	return best
}

// ErrDuplicateKey is returned by Insert when the Dir discipline finds the
// hash already present, or the Block discipline finds an overlapping
// interval.
var ErrDuplicateKey = fmt.Errorf("rangetree: duplicate key")

// Insert adds new into the tree. It enforces uniqueness for Dir and
// non-overlap for Block, returning ErrDuplicateKey otherwise.
func (t *Tree) Insert(n *Node) error {
	key := n.Low
	if t.discipline == Dir {
		key = n.Hash
	}
	if _, exists := t.Find(key); exists {
		return ErrDuplicateKey
	}
	n.left, n.right = nil, nil
	n.color = red
	t.root = t.insert(t.root, n)
	t.root.color = black
	t.size++
	return nil
}

func (t *Tree) insert(h, n *Node) *Node {
	if h == nil {
		return n
	}

	key := n.Low
	if t.discipline == Dir {
		key = n.Hash
	}
	switch c := t.compare(h, key); {
	case c < 0:
		h.left = t.insert(h.left, n)
	default:
		h.right = t.insert(h.right, n)
	}

	if isRed(h.right) && !isRed(h.left) {
		h = rotateLeft(h)
	}
	if isRed(h.left) && isRed(h.left.left) {
		h = rotateRight(h)
	}
	if isRed(h.left) && isRed(h.right) {
		flipColors(h)
	}
	return h
}

// Erase removes n from the tree. Callers locate n via Find (or keep a
// direct reference, e.g. a free list's first/last shortcut) — no search is
// repeated here beyond the standard LLRB delete walk.
func (t *Tree) Erase(n *Node) {
	key := n.Low
	if t.discipline == Dir {
		key = n.Hash
	}
	if t.root == nil {
		return
	}
	if !isRed(t.root.left) && !isRed(t.root.right) {
		t.root.color = red
	}
	t.root = t.erase(t.root, key)
	if t.root != nil {
		t.root.color = black
	}
	t.size--
}

func (t *Tree) erase(h *Node, key uint64) *Node {
	if t.compare(h, key) < 0 {
		if !isRed(h.left) && !isRed(h.left.left) {
			h = moveRedLeft(h)
		}
		h.left = t.erase(h.left, key)
	} else {
		if isRed(h.left) {
			h = rotateRight(h)
		}
		if t.compare(h, key) == 0 && h.right == nil {
			return nil
		}
		if !isRed(h.right) && !isRed(h.right.left) {
			h = moveRedRight(h)
		}
		if t.compare(h, key) == 0 {
			// Splice the successor node into h's position rather than
			// copying its fields, so the node removed is n itself and
			// references callers hold to other nodes stay valid.
			smallest := min(h.right)
			right := deleteMin(h.right)
			smallest.left, smallest.right, smallest.color = h.left, right, h.color
			h = smallest
		} else {
			h.right = t.erase(h.right, key)
		}
	}
	return fixUp(h)
}

// First returns the node with the smallest key, or nil if the tree is
// empty — the free list's "first node" shortcut.
func (t *Tree) First() *Node { return min(t.root) }

// Last returns the node with the largest key, or nil if the tree is empty
// — the free list's "last node" shortcut.
func (t *Tree) Last() *Node { return max(t.root) }

// Walk performs an in-order traversal, calling fn for every node in
// ascending key order. Stops early if fn returns false.
func (t *Tree) Walk(fn func(*Node) bool) {
	walk(t.root, fn)
}

func walk(n *Node, fn func(*Node) bool) bool {
	if n == nil {
		return true
	}
	if !walk(n.left, fn) {
		return false
	}
	if !fn(n) {
		return false
	}
	return walk(n.right, fn)
}

func isRed(n *Node) bool {
	if n == nil {
		return false
	}
	return n.color == red
}

func rotateLeft(h *Node) *Node {
	x := h.right
	h.right = x.left
	x.left = h
	x.color = h.color
	h.color = red
	return x
}

func rotateRight(h *Node) *Node {
	x := h.left
	h.left = x.right
	x.right = h
	x.color = h.color
	h.color = red
	return x
}

func flipColors(h *Node) {
	h.color = !h.color
	h.left.color = !h.left.color
	h.right.color = !h.right.color
}

func moveRedLeft(h *Node) *Node {
	flipColors(h)
	if isRed(h.right.left) {
		h.right = rotateRight(h.right)
		h = rotateLeft(h)
		flipColors(h)
	}
	return h
}

func moveRedRight(h *Node) *Node {
	flipColors(h)
	if isRed(h.left.left) {
		h = rotateRight(h)
		flipColors(h)
	}
	return h
}

func fixUp(h *Node) *Node {
	if isRed(h.right) && !isRed(h.left) {
		h = rotateLeft(h)
	}
	if isRed(h.left) && isRed(h.left.left) {
		h = rotateRight(h)
	}
	if isRed(h.left) && isRed(h.right) {
		flipColors(h)
	}
	return h
}

func min(n *Node) *Node {
	if n == nil {
		return nil
	}
	for n.left != nil {
		n = n.left
	}
	return n
}

func max(n *Node) *Node {
	if n == nil {
		return nil
	}
	for n.right != nil {
		n = n.right
	}
	return n
}

func deleteMin(h *Node) *Node {
	if h.left == nil {
		return nil
	}
	if !isRed(h.left) && !isRed(h.left.left) {
		h = moveRedLeft(h)
	}
	h.left = deleteMin(h.left)
	return fixUp(h)
}
