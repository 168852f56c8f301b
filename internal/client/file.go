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

package client

import (
	"errors"
	"runtime"
	"sync"

	"github.com/arckfs/arckfs/internal/dirhash"
	"github.com/arckfs/arckfs/internal/errs"
	"github.com/arckfs/arckfs/internal/fileindex"
	"github.com/arckfs/arckfs/internal/inode"
	"github.com/arckfs/arckfs/internal/pmregion"
	"github.com/arckfs/arckfs/internal/ring"
)

// Open flags, the subset the Client operations need.
const (
	ORdonly = 0x0
	OWronly = 0x1
	ORdwr   = 0x2
	OCreat  = 0x40
	OTrunc  = 0x200
	OAppend = 0x400
)

// DelegationLimit is the byte threshold at which a transfer chunk is
// handed to an Agent instead of copied on the caller's thread
// (WRITE_DELEGATION_LIMIT).
const DelegationLimit = 64 << 10

// appCheckCount bounds completion-poll spins between cooperative yields.
const appCheckCount = 1024

type openFile struct {
	mu       sync.Mutex
	path     string
	ino      uint32
	inodeOff pmregion.Offset // embedded PM inode (dense record for root)
	writable bool
	ix       fileindex.Index
	mirror   *fileindex.Mirror
	size     uint64
	pos      uint64
}

// Open opens (optionally creating) path and returns a descriptor.
func (c *Client) Open(path string, flags int, mode uint32) (int, error) {
	if !c.Intercepts(path) {
		return -1, errs.NotFound
	}
	rel := c.rel(path)
	writable := flags&(OWronly|ORdwr) != 0

	v, _, err := c.lookup(rel)
	if err != nil {
		if flags&OCreat == 0 || !errors.Is(err, errs.NotFound) {
			return -1, err
		}
		parentPath, leaf, serr := splitPath(rel)
		if serr != nil || leaf == "" {
			return -1, errs.InvalidArgument
		}
		parent, derr := c.resolveDir(parentPath)
		if derr != nil {
			return -1, derr
		}
		if _, merr := c.mapInode(parent.ino, true); merr != nil {
			return -1, merr
		}
		c.enterCS(parent.ino)
		v, err = c.createEntry(parent, parentPath, leaf, inode.TypeReg, mode)
		c.leaveCS(parent.ino)
		c.unmapInode(parent.ino)
		if err != nil {
			return -1, err
		}
	}

	indexOff, err := c.mapInode(v.Ino, writable)
	if err != nil {
		return -1, err
	}

	inodeOff := dirhash.DirentInodeOffset(v.Dentry)
	if v.Ino == inode.RootIno {
		inodeOff = c.Sup.Layout.InodeOffset(inode.RootIno)
	}
	rec := inode.Read(c.Sup.Region, inodeOff)
	if rec.FileType == inode.TypeNone {
		c.unmapInode(v.Ino)
		return -1, errs.NotFound
	}

	ix := c.fidx(indexOff)
	m, err := ix.Build()
	if err != nil {
		c.unmapInode(v.Ino)
		return -1, err
	}

	f := &openFile{
		path:     rel,
		ino:      v.Ino,
		inodeOff: inodeOff,
		writable: writable,
		ix:       ix,
		mirror:   m,
		size:     rec.Size,
	}

	if flags&OTrunc != 0 && writable {
		if err := c.truncate(f, 0); err != nil {
			c.unmapInode(v.Ino)
			return -1, err
		}
	}
	if flags&OAppend != 0 {
		f.pos = f.size
	}
	return c.files.add(f), nil
}

// Close releases the descriptor and its lease reference.
func (c *Client) Close(fd int) error {
	f := c.files.remove(fd)
	if f == nil {
		return errs.InvalidArgument
	}
	c.unmapInode(f.ino)
	return nil
}

// Read advances the file position; Pread does not.
func (c *Client) Read(fd int, buf []byte) (int, error) {
	f := c.files.get(fd)
	if f == nil {
		return 0, errs.InvalidArgument
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := c.readAt(f, buf, f.pos)
	f.pos += uint64(n)
	return n, err
}

// Pread reads at an explicit offset.
func (c *Client) Pread(fd int, buf []byte, off uint64) (int, error) {
	f := c.files.get(fd)
	if f == nil {
		return 0, errs.InvalidArgument
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return c.readAt(f, buf, off)
}

// Write advances the file position; Pwrite does not.
func (c *Client) Write(fd int, buf []byte) (int, error) {
	f := c.files.get(fd)
	if f == nil {
		return 0, errs.InvalidArgument
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := c.writeAt(f, buf, f.pos)
	f.pos += uint64(n)
	return n, err
}

// Pwrite writes at an explicit offset.
func (c *Client) Pwrite(fd int, buf []byte, off uint64) (int, error) {
	f := c.files.get(fd)
	if f == nil {
		return 0, errs.InvalidArgument
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return c.writeAt(f, buf, off)
}

// Ftruncate cuts (or extends) the file to size.
func (c *Client) Ftruncate(fd int, size uint64) error {
	f := c.files.get(fd)
	if f == nil {
		return errs.InvalidArgument
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return c.truncate(f, size)
}

// Fstat reports the open file's current metadata.
func (c *Client) Fstat(fd int) (Stat, error) {
	f := c.files.get(fd)
	if f == nil {
		return Stat{}, errs.InvalidArgument
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := inode.Read(c.Sup.Region, f.inodeOff)
	return Stat{Ino: f.ino, FileType: rec.FileType, Mode: rec.Mode, UID: rec.UID, GID: rec.GID,
		Size: f.size, Atime: rec.Atime, Ctime: rec.Ctime, Mtime: rec.Mtime}, nil
}

// Seek sets the file position.
func (c *Client) Seek(fd int, pos uint64) error {
	f := c.files.get(fd)
	if f == nil {
		return errs.InvalidArgument
	}
	f.mu.Lock()
	f.pos = pos
	f.mu.Unlock()
	return nil
}

// readAt copies [off, off+len(buf)) out of the mapped extents, delegating
// chunks past the limit. Reads skip allocation and journaling entirely.
func (c *Client) readAt(f *openFile, buf []byte, off uint64) (int, error) {
	c.enterCS(f.ino)
	defer c.leaveCS(f.ino)

	if off >= f.size {
		return 0, nil
	}
	if rest := f.size - off; uint64(len(buf)) > rest {
		buf = buf[:rest]
	}

	del := c.newDelegationSet(ring.Read, buf)
	defer del.finish()

	done := 0
	for done < len(buf) {
		pos := off + uint64(done)
		ext, within, ok := f.ix.ExtentFor(f.mirror, pos)
		if !ok {
			break
		}
		n := int(c.Sup.Layout.ExtentSize - within)
		if n > len(buf)-done {
			n = len(buf) - done
		}

		pmOff := ext + pmregion.Offset(within)
		if !del.tryDelegate(uint64(done), pmOff, uint64(n), false) {
			copy(buf[done:done+n], c.Sup.Region.Slice(pmOff, uint64(n)))
		}
		done += n
	}
	del.wait()
	return done, nil
}

// writeAt is the Client write fast path: ensure capacity
// (densifying any gap with zeroed extents), copy or delegate per extent
// chunk, persist, then publish the new size.
func (c *Client) writeAt(f *openFile, buf []byte, off uint64) (int, error) {
	if !f.writable {
		return 0, errs.Permission
	}
	c.enterCS(f.ino)
	defer c.leaveCS(f.ino)

	end := off + uint64(len(buf))
	if err := c.ensureCapacity(f, end); err != nil {
		return 0, err
	}

	r := c.Sup.Region
	del := c.newDelegationSet(ring.Write, buf)
	defer del.finish()

	done := 0
	for done < len(buf) {
		pos := off + uint64(done)
		ext, within, ok := f.ix.ExtentFor(f.mirror, pos)
		if !ok {
			return done, errs.IO
		}
		n := int(c.Sup.Layout.ExtentSize - within)
		if n > len(buf)-done {
			n = len(buf) - done
		}

		pmOff := ext + pmregion.Offset(within)
		if !del.tryDelegate(uint64(done), pmOff, uint64(n), true) {
			copy(r.Slice(pmOff, uint64(n)), buf[done:done+n])
			r.Clwb(pmOff, uint64(n))
		}
		done += n
	}
	del.wait()
	r.Sfence()

	if end > f.size {
		f.size = end
		inode.WriteSize(r, f.inodeOff, end)
		r.Sfence()
	}
	return done, nil
}

// ensureCapacity appends zeroed extents until the index covers end bytes.
func (c *Client) ensureCapacity(f *openFile, end uint64) error {
	extSize := c.Sup.Layout.ExtentSize
	blocks := extSize / pmregion.PageSize
	r := c.Sup.Region

	for uint64(len(f.mirror.Extents))*extSize < end {
		base, err := c.allocBlocks(blocks)
		if err != nil {
			return err
		}
		extOff := pmregion.Offset(base * pmregion.PageSize)
		r.Memset(extOff, extSize, 0)

		if err := f.ix.Append(f.mirror, extOff, func() (pmregion.Offset, error) {
			pg, err := c.allocBlocks(1)
			if err != nil {
				return 0, err
			}
			return pmregion.Offset(pg * pmregion.PageSize), nil
		}); err != nil {
			c.freeBlocks(base, blocks)
			return err
		}
	}
	return nil
}

// truncate walks the index cutting it at the new size. Dropped extents land in this
// Client's local free list, so a follow-up write of the same size needs no
// Supervisor round-trip.
func (c *Client) truncate(f *openFile, size uint64) error {
	if !f.writable {
		return errs.Permission
	}
	c.enterCS(f.ino)
	defer c.leaveCS(f.ino)

	blocks := c.Sup.Layout.ExtentSize / pmregion.PageSize
	if size < f.size {
		err := f.ix.Truncate(f.mirror, size,
			func(ext pmregion.Offset) { c.freeBlocks(uint64(ext)/pmregion.PageSize, blocks) },
			func(pg pmregion.Offset) { c.freeBlocks(uint64(pg)/pmregion.PageSize, 1) },
		)
		if err != nil {
			return err
		}
	} else if size > f.size {
		if err := c.ensureCapacity(f, size); err != nil {
			return err
		}
	}

	f.size = size
	inode.WriteSize(c.Sup.Region, f.inodeOff, size)
	c.Sup.Region.Sfence()
	return nil
}

// delegationSet is a future-like completion set: each
// chunk either completes inline (Done) or is posted to a PM node's Agent
// (Pending), and wait joins by polling the per-node notifiers.
type delegationSet struct {
	c       *Client
	typ     ring.RequestType
	buf     []byte
	uaddr   uint64
	issued  map[int]int64
	started bool
}

func (c *Client) newDelegationSet(typ ring.RequestType, buf []byte) *delegationSet {
	return &delegationSet{c: c, typ: typ, buf: buf, issued: make(map[int]int64)}
}

// tryDelegate posts [bufOff, bufOff+n) <-> pmOff to the owning node's ring
// when the chunk qualifies; reports false when the caller should copy
// inline.
func (d *delegationSet) tryDelegate(bufOff uint64, pmOff pmregion.Offset, n uint64, flush bool) bool {
	c := d.c
	if !c.Sup.DelegationEnabled() || n < DelegationLimit {
		return false
	}
	node := c.Sup.Layout.NodeOf(uint64(pmOff) / pmregion.PageSize)
	if node < 0 {
		return false
	}
	send := c.Sup.Ring(node, c.cpu)
	if send == nil {
		return false
	}

	if !d.started {
		d.uaddr = c.Sup.Space.Register(d.buf)
		c.Sup.Counters.ResetThread(c.cpu, 1)
		d.started = true
	}

	req := ring.Request{
		Type:       d.typ,
		FlushCache: flush,
		UAddr:      d.uaddr + bufOff,
		Offset:     pmOff,
		Bytes:      n,
		NotifyIdx:  c.cpu,
		Level:      1,
		Node:       node,
	}
	for send.Send(&req) != nil {
		c.Sup.Metrics.RingFull.Inc()
		runtime.Gosched()
	}
	d.issued[node]++
	c.Sup.Metrics.DelegationsIssued.Inc()
	return true
}

// wait spins until every node it sent to reports completed == issued,
// yielding cooperatively past the spin budget.
func (d *delegationSet) wait() {
	if !d.started {
		return
	}
	c := d.c
	for node, want := range d.issued {
		n := c.Sup.Counters.Get(c.cpu, 1, node)
		spins := 0
		for n.Completed() < want {
			spins++
			if spins >= appCheckCount {
				runtime.Gosched()
				spins = 0
			}
		}
		c.Sup.Metrics.DelegationsCompleted.Add(float64(want))
	}
}

// finish releases the buffer registration.
func (d *delegationSet) finish() {
	if d.started {
		d.c.Sup.Space.Unregister(d.uaddr)
		d.started = false
	}
}
