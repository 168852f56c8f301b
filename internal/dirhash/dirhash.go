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

// Package dirhash implements the directory hash: a chained hash of
// name -> (inode number, dir-entry offset) with fill-factor-driven resize,
// tombstoned deletes, and the two-bucket atomic replace used by rename.
// Resize walks a prime bucket-count ladder; per-bucket locks carry a dead
// flag redirecting mutators during migration, a CAS claim keeps the
// resizer single-threaded, and a seqlock over the bucket-table pointer
// lets readers observe the old or the new table but never a torn state.
package dirhash

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/arckfs/arckfs/internal/pmregion"
)

// hashSizes is the prime ladder the resizer walks, truncated to the
// sizes an in-process directory realistically reaches.
var hashSizes = []uint64{
	1063,
	2153,
	4363,
	8219,
	16763,
	32957,
	64601,
	128983,
	256541,
	512959,
	1024921,
}

// RehashFactor is the fill-factor threshold: grow when size exceeds
// nbuckets * RehashFactor, shrink when size * RehashFactor drops under
// nbuckets.
const RehashFactor = 2

// Value is what a directory maps a name to.
type Value struct {
	Ino    uint32
	Dentry pmregion.Offset // PM offset of the dir-entry record
}

type item struct {
	key  string
	val  Value
	next *item
}

type bucket struct {
	mu   sync.Mutex
	head *item
	dead bool
}

type table struct {
	buckets []bucket
}

// Hash is one directory's name index. The zero value is unusable; call
// New.
type Hash struct {
	tbl    atomic.Pointer[table]
	seq    seqLock
	resize atomic.Pointer[table] // non-nil while a resize is migrating
	claim  atomic.Uint64         // CAS-claimed by the single resizer

	mu   sync.Mutex // guards size and dead
	size uint64
	dead bool
}

// New constructs a directory hash at the smallest ladder size.
func New() *Hash {
	h := &Hash{}
	h.tbl.Store(&table{buckets: make([]bucket, hashSizes[0])})
	return h
}

func hashString(key string) uint64 {
	f := fnv.New64a()
	_, _ = f.Write([]byte(key))
	return f.Sum64()
}

// bucketFor snapshots the live table under the seqlock and returns the
// bucket for key.
func (h *Hash) bucketFor(key string) *bucket {
	for {
		begin := h.seq.readBegin()
		t := h.tbl.Load()
		if h.seq.readRetry(begin) {
			continue
		}
		return &t.buckets[hashString(key)%uint64(len(t.buckets))]
	}
}

// resizeBucketFor redirects to the in-progress resize table after a reader
// lands on a dead bucket.
func (h *Hash) resizeBucketFor(key string) *bucket {
	t := h.resize.Load()
	if t == nil {
		// Resize completed while we looked; the live table is current.
		t = h.tbl.Load()
	}
	return &t.buckets[hashString(key)%uint64(len(t.buckets))]
}

// lockBucket locks key's bucket, chasing the resize redirection.
func (h *Hash) lockBucket(key string) *bucket {
	b := h.bucketFor(key)
	b.mu.Lock()
	for b.dead {
		b.mu.Unlock()
		b = h.resizeBucketFor(key)
		b.mu.Lock()
	}
	return b
}

// Lookup resolves key without taking the bucket lock.
func (h *Hash) Lookup(key string) (Value, bool) {
	b := h.bucketFor(key)
	if b.dead {
		b = h.resizeBucketFor(key)
	}
	for i := b.head; i != nil; i = i.next {
		if i.key == key {
			return i.val, true
		}
	}
	return Value{}, false
}

// Insert adds key -> val. Returns false on duplicate or when the directory
// has been killed by unlink.
func (h *Hash) Insert(key string, val Value) bool {
	h.mu.Lock()
	if h.dead {
		h.mu.Unlock()
		return false
	}
	h.mu.Unlock()

	b := h.lockBucket(key)
	for i := b.head; i != nil; i = i.next {
		if i.key == key {
			b.mu.Unlock()
			return false
		}
	}
	b.head = &item{key: key, val: val, next: b.head}
	b.mu.Unlock()

	h.mu.Lock()
	h.size++
	grow := h.needGrow()
	h.mu.Unlock()
	if grow {
		h.doResize(true)
	}
	return true
}

// Remove deletes key, returning its value.
func (h *Hash) Remove(key string) (Value, bool) {
	b := h.lockBucket(key)
	var prev *item
	for i := b.head; i != nil; i = i.next {
		if i.key == key {
			if prev == nil {
				b.head = i.next
			} else {
				prev.next = i.next
			}
			b.mu.Unlock()

			h.mu.Lock()
			h.size--
			shrink := h.needShrink()
			h.mu.Unlock()
			if shrink {
				h.doResize(false)
			}
			return i.val, true
		}
		prev = i
	}
	b.mu.Unlock()
	return Value{}, false
}

func (h *Hash) needGrow() bool {
	n := uint64(len(h.tbl.Load().buckets))
	return n != hashSizes[len(hashSizes)-1] && h.size > n*RehashFactor
}

func (h *Hash) needShrink() bool {
	n := uint64(len(h.tbl.Load().buckets))
	return n != hashSizes[0] && h.size*RehashFactor < n
}

func nextSize(current uint64, enlarge bool) uint64 {
	for i, s := range hashSizes {
		if s != current {
			continue
		}
		if enlarge {
			if i == len(hashSizes)-1 {
				return 0
			}
			return hashSizes[i+1]
		}
		if i == 0 {
			return 0
		}
		return hashSizes[i-1]
	}
	return 0
}

// doResize migrates to the next ladder size. The claim CAS makes resize
// single-threaded; concurrent mutators keep working through the dead-bucket
// redirection.
func (h *Hash) doResize(enlarge bool) {
	if !h.claim.CompareAndSwap(0, 1) {
		return
	}
	defer h.claim.Store(0)

	old := h.tbl.Load()
	newN := nextSize(uint64(len(old.buckets)), enlarge)
	if newN == 0 {
		return
	}

	nt := &table{buckets: make([]bucket, newN)}
	h.resize.Store(nt)

	for i := range old.buckets {
		b := &old.buckets[i]
		b.mu.Lock()
		b.dead = true
		iter := b.head
		for iter != nil {
			next := iter.next
			nb := &nt.buckets[hashString(iter.key)%newN]
			nb.mu.Lock()
			iter.next = nb.head
			nb.head = iter
			nb.mu.Unlock()
			iter = next
		}
		b.head = nil
		b.mu.Unlock()
	}

	h.seq.writeBegin()
	h.tbl.Store(nt)
	h.seq.writeEnd()

	h.resize.Store(nil)
}

// ReplaceFrom is the rename primitive: atomically checks and moves
// src[ksrc] to dst[kdst], overwriting kdst only when dstExists says the
// caller saw it there. Bucket locks are taken in address order; the
// journaled PM updates around this call are fixed by the rename
// transaction.
func ReplaceFrom(dst *Hash, kdst string, dstExists bool, src *Hash, ksrc string, v Value) (replaced Value, ok bool) {
	for {
		bdst := dst.bucketFor(kdst)
		bsrc := src.bucketFor(ksrc)

		locks := []*bucket{bsrc}
		if bdst != bsrc {
			locks = append(locks, bdst)
		}
		// Address order: a stable total order over bucket pointers.
		if len(locks) == 2 && lessBucket(locks[1], locks[0]) {
			locks[0], locks[1] = locks[1], locks[0]
		}
		for _, b := range locks {
			b.mu.Lock()
		}

		if bsrc.dead || bdst.dead {
			for _, b := range locks {
				b.mu.Unlock()
			}
			continue
		}

		dst.mu.Lock()
		dstDead := dst.dead
		dst.mu.Unlock()
		if dstDead {
			for _, b := range locks {
				b.mu.Unlock()
			}
			return Value{}, false
		}

		// Find and unlink the source.
		var srcPrev, srcItem *item
		for i := bsrc.head; i != nil; i = i.next {
			if i.key == ksrc {
				srcItem = i
				break
			}
			srcPrev = i
		}
		if srcItem == nil {
			for _, b := range locks {
				b.mu.Unlock()
			}
			return Value{}, false
		}

		// Find the destination.
		var dstItem *item
		for i := bdst.head; i != nil; i = i.next {
			if i.key == kdst {
				dstItem = i
				break
			}
		}
		if (dstItem != nil) != dstExists {
			for _, b := range locks {
				b.mu.Unlock()
			}
			return Value{}, false
		}

		unlink := func() {
			if srcPrev == nil {
				bsrc.head = srcItem.next
			} else {
				srcPrev.next = srcItem.next
			}
		}

		if dstItem != nil {
			replaced = dstItem.val
			dstItem.val = v
			unlink()
		} else {
			unlink()
			bdst.head = &item{key: kdst, val: v, next: bdst.head}
		}

		for _, b := range locks {
			b.mu.Unlock()
		}

		src.mu.Lock()
		src.size--
		src.mu.Unlock()
		if dstItem == nil {
			dst.mu.Lock()
			dst.size++
			dst.mu.Unlock()
		}
		return replaced, true
	}
}

func lessBucket(a, b *bucket) bool {
	// Pointer identity gives a stable total order over buckets.
	return uintptr(unsafe.Pointer(a)) < uintptr(unsafe.Pointer(b))
}

// Kill marks an empty directory dead so concurrent inserts fail, the
// unlink-vs-create race resolution. Returns false when entries remain.
func (h *Hash) Kill() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dead || h.size != 0 {
		return false
	}
	h.dead = true
	return true
}

// ForcedKill empties and kills the directory regardless of content,
// reporting each dropped value so the caller can release inodes.
func (h *Hash) ForcedKill(drop func(Value)) {
	h.mu.Lock()
	h.dead = true
	h.mu.Unlock()

	t := h.tbl.Load()
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		for it := b.head; it != nil; it = it.next {
			if drop != nil {
				drop(it.val)
			}
		}
		b.head = nil
		b.mu.Unlock()
	}

	h.mu.Lock()
	h.size = 0
	h.mu.Unlock()
}

// Len reports the entry count.
func (h *Hash) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int(h.size)
}

// Dead reports whether the directory has been killed.
func (h *Hash) Dead() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dead
}

// Walk visits every entry in bucket order; the readdir path builds its
// dirent stream from this.
func (h *Hash) Walk(fn func(key string, v Value) bool) {
	t := h.tbl.Load()
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		for it := b.head; it != nil; it = it.next {
			if !fn(it.key, it.val) {
				b.mu.Unlock()
				return
			}
		}
		b.mu.Unlock()
	}
}
