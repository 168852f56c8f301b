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

// Package client is the unprivileged library half of the file system: it
// mounts through the ioctl surface, resolves paths through a DRAM
// directory cache, allocates blocks and inodes from per-CPU free lists
// refilled by the Supervisor, and executes reads and writes directly over
// the mapped PM window — delegating bulk transfers to Agents.
package client

import (
	"strings"
	"sync"
	"time"

	"github.com/arckfs/arckfs/common"
	"github.com/arckfs/arckfs/internal/dirhash"
	"github.com/arckfs/arckfs/internal/errs"
	"github.com/arckfs/arckfs/internal/fileindex"
	"github.com/arckfs/arckfs/internal/freelist"
	"github.com/arckfs/arckfs/internal/ioctl"
	"github.com/arckfs/arckfs/internal/logger"
	"github.com/arckfs/arckfs/internal/pagemap"
	"github.com/arckfs/arckfs/internal/pmregion"
	"github.com/arckfs/arckfs/internal/super"
	"github.com/arckfs/arckfs/internal/trustgroup"
)

// Options mirrors the environment variables the Client recognizes
// plus the caller identity.
type Options struct {
	PID trustgroup.ProcessID
	UID uint32
	GID uint32

	// AllocCPU pins allocation to one CPU; -1 picks CPU 0.
	AllocCPU int
	// AllocNUMA pins block allocation to one PM node; -1 follows the CPU.
	AllocNUMA int
	// InitAllocBlocks prefetches this many blocks at mount.
	InitAllocBlocks uint64
	// RootPath is the intercepted prefix; operations outside it are not
	// ours.
	RootPath string
	// PreloadFiles are opened read-only at mount to warm their index
	// mirrors.
	PreloadFiles []string
	// RenewLeases starts the background lease renewer.
	RenewLeases bool
}

// refillBlocks is how many blocks one Supervisor round-trip fetches when
// the local list underflows (a few extents' worth).
const refillBlocks = 4 * 512

// dir is the per-directory DRAM state: the leaf-name chain and the
// directory file's index mirror.
type dir struct {
	mu     sync.Mutex
	ino    uint32
	hash   *dirhash.Hash
	mirror *fileindex.Mirror
}

// Client is one process's library state, bound to one trust group.
type Client struct {
	Sup  *super.Super
	D    *ioctl.Dispatcher
	TG   trustgroup.ID
	VMA  *pagemap.VMA
	opts Options

	caller ioctl.Caller
	cpu    int
	node   int

	blocks *freelist.List
	inodes *freelist.ClientInodeList

	mu        sync.Mutex
	dirs      map[uint32]*dir // ino -> directory state
	pathCache *dirhash.Hash   // full path -> {ino, dentry} warm cache
	mapped    map[uint32]*mappedInode

	files *fileTable

	renewStop chan struct{}
	renewDone chan struct{}
}

// mappedInode refcounts a MapInode ioctl so nested opens share one lease.
type mappedInode struct {
	refs     int
	writable bool
	indexOff pmregion.Offset
}

// Mount wires a Client to sup and performs the Mount ioctl.
func Mount(sup *super.Super, opts Options) (*Client, error) {
	if opts.AllocCPU < 0 {
		opts.AllocCPU = 0
	}
	if opts.RootPath == "" {
		opts.RootPath = "/"
	}

	c := &Client{
		Sup:       sup,
		D:         &ioctl.Dispatcher{Sup: sup},
		opts:      opts,
		caller:    ioctl.Caller{PID: opts.PID, UID: opts.UID, GID: opts.GID},
		cpu:       opts.AllocCPU,
		dirs:      make(map[uint32]*dir),
		pathCache: dirhash.New(),
		mapped:    make(map[uint32]*mappedInode),
		files:     newFileTable(),
	}

	var m ioctl.MountArg
	if rc := c.D.Call(c.caller, ioctl.CmdMount, &m); rc != 0 {
		return nil, errnoErr(rc)
	}
	c.TG = m.TG
	c.VMA = sup.VMAFor(m.TG)

	c.node = opts.AllocNUMA
	if c.node < 0 {
		c.node = (c.cpu / sup.Layout.CPUsPerSocket) % len(sup.Layout.NodeRanges)
	}

	total := sup.Layout.TotalBlocks
	c.blocks = freelist.NewEmptyList(0, total-1)
	c.inodes = &freelist.ClientInodeList{
		ChunkSize: 64,
		Refill: func(want uint64) (uint64, uint64, error) {
			a := ioctl.AllocInodeArg{Num: want, CPU: c.cpu}
			if rc := c.D.Call(c.caller, ioctl.CmdAllocInode, &a); rc != 0 {
				return 0, 0, errnoErr(rc)
			}
			return uint64(a.Ino), want, nil
		},
	}

	if opts.InitAllocBlocks > 0 {
		if err := c.refill(opts.InitAllocBlocks); err != nil {
			logger.Warnf("client: initial block prefetch: %v", err)
		}
	}

	for _, p := range opts.PreloadFiles {
		if fd, err := c.Open(p, ORdonly, 0); err == nil {
			_ = c.Close(fd)
		}
	}

	if opts.RenewLeases {
		c.startRenewer()
	}
	return c, nil
}

// Unmount releases open files and the trust group.
func (c *Client) Unmount() error {
	c.stopRenewer()
	c.files.each(func(fd int, _ *openFile) { _ = c.Close(fd) })

	u := ioctl.UmountArg{MountAddr: super.MountAddr}
	if rc := c.D.Call(c.caller, ioctl.CmdUmount, &u); rc != 0 {
		return errnoErr(rc)
	}
	return nil
}

// Intercepts reports whether path belongs to this mount; anything else
// delegates to the host file system.
func (c *Client) Intercepts(path string) bool {
	return path == c.opts.RootPath || strings.HasPrefix(path, c.opts.RootPath+"/") || c.opts.RootPath == "/"
}

// rel strips the intercepted prefix, returning a mount-rooted path.
func (c *Client) rel(path string) string {
	if c.opts.RootPath != "/" {
		path = strings.TrimPrefix(path, c.opts.RootPath)
	}
	if path == "" {
		return "/"
	}
	return path
}

func errnoErr(rc int) error {
	switch rc {
	case 0:
		return nil
	case -11:
		return errs.Again
	case -13:
		return errs.Permission
	case -2:
		return errs.NotFound
	case -19:
		return errs.ErrNoDevice
	case -28:
		return errs.NoSpace
	case -22:
		return errs.InvalidArgument
	default:
		return errs.IO
	}
}

// refill pulls at least want blocks from the Supervisor into the local
// per-CPU list.
func (c *Client) refill(want uint64) error {
	if want < refillBlocks {
		want = refillBlocks
	}
	a := ioctl.AllocBlockArg{Num: want, CPU: c.cpu, PMNode: c.node, Zero: false}
	if rc := c.D.Call(c.caller, ioctl.CmdAllocBlock, &a); rc != 0 {
		return errnoErr(rc)
	}
	return c.blocks.Free(a.Block, want)
}

// allocBlocks takes want contiguous blocks from the local list, refilling
// on underflow (libfs balloc behavior).
func (c *Client) allocBlocks(want uint64) (uint64, error) {
	alloc := freelist.Allocator{}
	for attempt := 0; ; attempt++ {
		base, err := alloc.Allocate(c.blocks, want, false, nil)
		if err == nil {
			return base, nil
		}
		if attempt >= 1 {
			return 0, err
		}
		if err := c.refill(want); err != nil {
			return 0, err
		}
	}
}

// freeBlocks returns a range to the local list; the blocks stay granted
// to this Client, so truncate leaves extents locally reusable.
func (c *Client) freeBlocks(base, count uint64) {
	if err := c.blocks.Free(base, count); err != nil {
		logger.Errorf("client: free blocks [%d, +%d): %v", base, count, err)
	}
}

// LocalFreeBlocks reports the blocks immediately available without a
// Supervisor round-trip.
func (c *Client) LocalFreeBlocks() uint64 { return c.blocks.NumFree() }

// mapInode acquires (or shares) a lease-backed mapping of ino.
func (c *Client) mapInode(ino uint32, writable bool) (pmregion.Offset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if mi, ok := c.mapped[ino]; ok {
		if writable && !mi.writable {
			return 0, errs.Again
		}
		mi.refs++
		return mi.indexOff, nil
	}

	a := ioctl.MapArg{Ino: ino, Writable: writable}
	if rc := c.D.Call(c.caller, ioctl.CmdMap, &a); rc != 0 {
		return 0, errnoErr(rc)
	}
	c.mapped[ino] = &mappedInode{refs: 1, writable: writable, indexOff: a.IndexOffset}
	return a.IndexOffset, nil
}

func (c *Client) unmapInode(ino uint32) {
	c.mu.Lock()
	mi := c.mapped[ino]
	if mi == nil {
		c.mu.Unlock()
		return
	}
	mi.refs--
	last := mi.refs == 0
	if last {
		delete(c.mapped, ino)
	}
	c.mu.Unlock()

	if last {
		a := ioctl.UnmapArg{Ino: ino}
		if rc := c.D.Call(c.caller, ioctl.CmdUnmap, &a); rc != 0 {
			logger.Warnf("client: unmap ino %d: %v", ino, errnoErr(rc))
		}
	}
}

// enterCS/leaveCS bracket lease-holding critical sections by setting the
// TG's lease_ring bit, the liveness signal the Supervisor's expiry check
// consults.
func (c *Client) enterCS(ino uint32) { c.Sup.TGs.SetLeaseBit(c.TG, uint64(ino), true) }
func (c *Client) leaveCS(ino uint32) { c.Sup.TGs.SetLeaseBit(c.TG, uint64(ino), false) }

// startRenewer renews every mapped inode's lease at a quarter of the lease
// period while the Client stays mounted.
func (c *Client) startRenewer() {
	c.renewStop = make(chan struct{})
	c.renewDone = make(chan struct{})
	period := c.Sup.Leases.Period / 4
	if period <= 0 {
		period = 50 * time.Millisecond
	}

	go func() {
		defer close(c.renewDone)
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-c.renewStop:
				return
			case <-t.C:
				c.mu.Lock()
				inos := make([]uint32, 0, len(c.mapped))
				for ino := range c.mapped {
					inos = append(inos, ino)
				}
				c.mu.Unlock()
				for _, ino := range inos {
					if err := c.Sup.RenewLease(c.TG, ino); err != nil {
						logger.Debugf("client: renew ino %d: %v", ino, err)
					}
				}
			}
		}
	}()
}

func (c *Client) stopRenewer() {
	if c.renewStop == nil {
		return
	}
	close(c.renewStop)
	<-c.renewDone
	c.renewStop = nil
}

// fileTable maps descriptors to open files, recycling closed numbers
// through a FIFO (libfs/filetable.c).
type fileTable struct {
	mu    sync.Mutex
	files map[int]*openFile
	free  common.Queue[int]
	next  int
}

func newFileTable() *fileTable {
	return &fileTable{files: make(map[int]*openFile), free: common.NewLinkedListQueue[int](), next: 3}
}

func (t *fileTable) add(f *openFile) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var fd int
	if !t.free.IsEmpty() {
		fd = t.free.Pop()
	} else {
		fd = t.next
		t.next++
	}
	t.files[fd] = f
	return fd
}

func (t *fileTable) get(fd int) *openFile {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.files[fd]
}

func (t *fileTable) remove(fd int) *openFile {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.files[fd]
	if f != nil {
		delete(t.files, fd)
		t.free.Push(fd)
	}
	return f
}

func (t *fileTable) each(fn func(fd int, f *openFile)) {
	t.mu.Lock()
	snapshot := make(map[int]*openFile, len(t.files))
	for fd, f := range t.files {
		snapshot[fd] = f
	}
	t.mu.Unlock()
	for fd, f := range snapshot {
		fn(fd, f)
	}
}
