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
	"sync"

	"github.com/arckfs/arckfs/internal/errs"
)

// inodeChunk records one Supervisor allocation batch. It exists purely
// for bookkeeping (e.g. returning whole chunks on unmount); the fast
// per-inode pop path uses the flat free list below.
type inodeChunk struct {
	start uint64
	num   uint64
	next  *inodeChunk
}

// ClientInodeList is the Client-side per-CPU inode allocator: a flat
// free list of individual inode numbers for O(1) pop, plus a linked list
// of the chunks received from the Supervisor so they can be accounted for
// (and, at unmount, handed back in bulk).
type ClientInodeList struct {
	mu sync.Mutex

	chunks   *inodeChunk
	freeHead []uint64 // LIFO stack standing in for the C singly-linked list

	// ChunkSize is how many inode numbers are requested per refill. The
	// Client sets it to 64; cfg.SupervisorConfig.InodeChunkSize is not
	// passed through to it.
	ChunkSize uint64

	// Refill is invoked on underflow; it must return a fresh
	// [start, start+num) range from the Supervisor's AllocInode ioctl.
	Refill func(want uint64) (start uint64, num uint64, err error)
}

// Prepend records a chunk received from the Supervisor and pushes its
// individual inode numbers onto the flat free list in descending order,
// so the flat list pops ascending.
func (c *ClientInodeList) Prepend(start, num uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prependLocked(start, num)
}

func (c *ClientInodeList) prependLocked(start, num uint64) {
	c.chunks = &inodeChunk{start: start, num: num, next: c.chunks}
	for i := num; i > 0; i-- {
		c.freeHead = append(c.freeHead, start+i-1)
	}
}

// New pops the next free inode number, refilling from the Supervisor via
// Refill when the flat list is empty.
func (c *ClientInodeList) New() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.freeHead) == 0 {
		if c.Refill == nil {
			return 0, errs.NoSpace
		}
		want := c.ChunkSize
		if want == 0 {
			want = 1
		}
		start, num, err := c.Refill(want)
		if err != nil {
			return 0, err
		}
		if num == 0 {
			return 0, errs.NoSpace
		}
		c.prependLocked(start, num)
	}

	n := len(c.freeHead) - 1
	ino := c.freeHead[n]
	c.freeHead = c.freeHead[:n]
	return ino, nil
}

// Free returns a single inode number to the flat free list.
func (c *ClientInodeList) Free(ino uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freeHead = append(c.freeHead, ino)
}

// Chunks returns the start/num pairs of every chunk ever received from the
// Supervisor, oldest last, for unmount-time accounting.
func (c *ClientInodeList) Chunks() [][2]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][2]uint64
	for ch := c.chunks; ch != nil; ch = ch.next {
		out = append(out, [2]uint64{ch.start, ch.num})
	}
	return out
}

// NumFree reports how many individual inode numbers are immediately
// available without a Supervisor round-trip.
func (c *ClientInodeList) NumFree() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.freeHead)
}
