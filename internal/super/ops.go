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
	"runtime"

	"github.com/arckfs/arckfs/internal/errs"
	"github.com/arckfs/arckfs/internal/fileindex"
	"github.com/arckfs/arckfs/internal/freelist"
	"github.com/arckfs/arckfs/internal/inode"
	"github.com/arckfs/arckfs/internal/pagemap"
	"github.com/arckfs/arckfs/internal/pmregion"
	"github.com/arckfs/arckfs/internal/ring"
	"github.com/arckfs/arckfs/internal/trustgroup"
)

// appCheckCount bounds the completion-poll spin before a cooperative
// yield.
const appCheckCount = 1024

// Mount joins (or creates) the caller's trust group and reserves its mount
// VMA over the whole PM window (ioctl 0x1000).
func (s *Super) Mount(pid trustgroup.ProcessID) (trustgroup.ID, *pagemap.VMA, error) {
	tg, err := s.TGs.PidToTgid(pid, true)
	if err != nil {
		return 0, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	vma, ok := s.vmas[tg]
	if !ok {
		vma = pagemap.NewVMA(MountAddr, s.Region.Size())
		s.vmas[tg] = vma
	}
	return tg, vma, nil
}

// Umount zaps the trust group's VMA and frees the group (ioctl 0x1001).
func (s *Super) Umount(tg trustgroup.ID) error {
	s.mu.Lock()
	vma, ok := s.vmas[tg]
	if ok {
		vma.ZapAll()
		delete(s.vmas, tg)
	}
	for k := range s.installs {
		if k.tg == tg {
			delete(s.installs, k)
		}
	}
	s.mu.Unlock()

	if !ok {
		return errs.NotFound
	}
	return s.TGs.Free(tg)
}

func (s *Super) vmaOf(tg trustgroup.ID) *pagemap.VMA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vmas[tg]
}

// VMAFor exposes tg's reserved mount window, for the in-process Client.
func (s *Super) VMAFor(tg trustgroup.ID) *pagemap.VMA { return s.vmaOf(tg) }

// Creds carries the caller identity for access checks.
type Creds struct {
	UID uint32
	GID uint32
}

// MapInode acquires a lease on ino for tg and installs the file's index
// pages and extents in the trust group's VMA (ioctl 0x1002). Returns the
// first index-page offset for the Client's DRAM mirror build.
func (s *Super) MapInode(tg trustgroup.ID, ino uint32, creds Creds, writable bool) (pmregion.Offset, error) {
	sh := s.Store.Find(ino)
	if sh == nil || sh.FileType == inode.TypeNone {
		return 0, errs.NotFound
	}
	vma := s.vmaOf(tg)
	if vma == nil {
		return 0, errs.InvalidArgument
	}
	if err := s.Store.MayAccess(ino, creds.UID, creds.GID, writable); err != nil {
		return 0, err
	}

	if writable {
		if err := s.Leases.AcquireWrite(uint64(ino), &sh.Lease, tg); err != nil {
			return 0, err
		}
	} else {
		if err := s.Leases.AcquireRead(uint64(ino), &sh.Lease, tg); err != nil {
			return 0, err
		}
	}

	if err := s.installInode(tg, vma, ino, sh.Index, pagemap.ProtFor(writable)); err != nil {
		_ = s.Leases.Release(uint64(ino), &sh.Lease, tg)
		return 0, err
	}
	s.TGs.SetMapBit(tg, uint64(ino), true)
	return sh.Index, nil
}

// UnmapInode releases tg's lease and zaps its mapping (ioctl 0x1003).
func (s *Super) UnmapInode(tg trustgroup.ID, ino uint32) error {
	sh := s.Store.Find(ino)
	if sh == nil || sh.FileType == inode.TypeNone {
		return errs.NotFound
	}
	if err := s.Leases.Release(uint64(ino), &sh.Lease, tg); err != nil {
		return err
	}
	s.zapInstalls(tg, ino)
	s.TGs.SetMapBit(tg, uint64(ino), false)
	return nil
}

// installInode walks ino's index and installs every page of it.
func (s *Super) installInode(tg trustgroup.ID, vma *pagemap.VMA, ino uint32, first pmregion.Offset, prot pagemap.Prot) error {
	if first == 0 {
		return nil
	}
	ix := fileindex.Index{Region: s.Region, First: first, ExtentSize: s.Layout.ExtentSize}
	m, err := ix.Build()
	if err != nil {
		return err
	}

	var ranges []installRange
	var instErr error
	ix.ForEachPage(m, func(off pmregion.Offset, bytes uint64, isIndex bool) {
		if instErr != nil {
			return
		}
		vaddr := vma.Base + uint64(off)
		count := int(bytes / pmregion.PageSize)
		if err := vma.Install(vaddr, uint64(off)/pmregion.PageSize, prot, count); err != nil {
			instErr = err
			return
		}
		ranges = append(ranges, installRange{vaddr: vaddr, bytes: bytes})
	})
	if instErr != nil {
		return instErr
	}

	s.mu.Lock()
	s.installs[installKey{tg: tg, ino: ino}] = ranges
	s.mu.Unlock()
	return nil
}

// zapInstalls removes every PTE installed for (tg, ino); also the
// revocation path an incoming writer triggers on an expired owner.
func (s *Super) zapInstalls(tg trustgroup.ID, ino uint32) {
	s.mu.Lock()
	key := installKey{tg: tg, ino: ino}
	ranges := s.installs[key]
	delete(s.installs, key)
	vma := s.vmas[tg]
	s.mu.Unlock()

	if vma == nil {
		return
	}
	for _, rg := range ranges {
		_ = vma.Zap(rg.vaddr, rg.bytes)
	}
}

// allocBlocksRaw allocates without VMA install, for internal consumers
// (journal init, index pages).
func (s *Super) allocBlocksRaw(cpu, node int, num uint64, zero bool) (uint64, error) {
	if node < 0 || node >= len(s.blockLists) {
		return 0, errs.ErrNoDevice
	}
	lists := s.blockLists[node]
	own := lists[cpu%len(lists)]
	return s.blockAlloc.Allocate(own, num, zero, func(base, count uint64) {
		s.zeroBlocks(base, count)
	})
}

// AllocBlocks allocates num blocks on (cpu, node) and maps them RW into
// tg's VMA (ioctl 0x1007). tg 0 skips the mapping.
func (s *Super) AllocBlocks(tg trustgroup.ID, cpu, node int, num uint64, zero bool) (uint64, error) {
	base, err := s.allocBlocksRaw(cpu, node, num, zero)
	if err != nil {
		return 0, err
	}
	if tg != 0 {
		if vma := s.vmaOf(tg); vma != nil {
			vaddr := vma.Base + base*pmregion.PageSize
			if err := vma.Install(vaddr, base, pagemap.ProtFor(true), int(num)); err != nil {
				return 0, err
			}
		}
	}
	return base, nil
}

// FreeBlocks zaps the range from tg's VMA and returns it to the owning
// CPU list (ioctl 0x1008).
func (s *Super) FreeBlocks(tg trustgroup.ID, block, num uint64) error {
	if num == 0 {
		return errs.InvalidArgument
	}
	node := s.Layout.NodeOf(block)
	if node < 0 {
		return errs.ErrNoDevice
	}

	if tg != 0 {
		if vma := s.vmaOf(tg); vma != nil {
			_ = vma.Zap(vma.Base+block*pmregion.PageSize, num*pmregion.PageSize)
		}
	}

	list := s.listOwning(node, block)
	if list == nil {
		return errs.ErrNoDevice
	}
	return list.Free(block, num)
}

func (s *Super) listOwning(node int, block uint64) *freelist.List {
	for _, l := range s.blockLists[node] {
		start, end := l.Range()
		if block >= start && block <= end {
			return l
		}
	}
	return nil
}

// AllocInodes hands a contiguous inode-number range to a Client CPU
// (ioctl 0x1004).
func (s *Super) AllocInodes(cpu int, num uint64) (uint32, error) {
	if num == 0 {
		return 0, errs.InvalidArgument
	}
	own := s.inodeLists[cpu%len(s.inodeLists)]
	base, err := s.inodeAlloc.Allocate(own, num, false, nil)
	if err != nil {
		return 0, err
	}
	return uint32(base), nil
}

// FreeInodes returns an inode-number range (ioctl 0x1005). The shadow
// records transition back to None.
func (s *Super) FreeInodes(ino uint32, num uint64) error {
	if num == 0 {
		return errs.InvalidArgument
	}
	for i := uint64(0); i < num; i++ {
		if sh := s.Store.Find(ino + uint32(i)); sh != nil {
			sh.FileType = inode.TypeNone
			sh.Index = 0
		}
	}
	for _, list := range s.inodeLists {
		start, end := list.Range()
		if uint64(ino) >= start && uint64(ino) <= end {
			return list.Free(uint64(ino), num)
		}
	}
	return errs.InvalidArgument
}

// PMNodeInfo describes one PM node's block range (ioctl 0x1006).
type PMNodeInfo struct {
	Node       int
	StartBlock uint64
	EndBlock   uint64
}

// PMNodesInfo reports the PM topology.
func (s *Super) PMNodesInfo() []PMNodeInfo {
	out := make([]PMNodeInfo, 0, len(s.Layout.NodeRanges))
	for n, r := range s.Layout.NodeRanges {
		out = append(out, PMNodeInfo{Node: n, StartBlock: r[0], EndBlock: r[1]})
	}
	return out
}

// Chown updates owner on the shadow, the dense PM record, and — when the
// caller supplies its dir-entry's embedded inode offset — the embedded
// copy too (ioctl 0x1009).
func (s *Super) Chown(ino uint32, inodeOff pmregion.Offset, uid, gid uint32) error {
	if err := s.Store.Chown(s.Region, ino, s.Layout.InodeOffset(ino), uid, gid); err != nil {
		return err
	}
	if inodeOff != 0 {
		inode.WriteOwner(s.Region, inodeOff, uid, gid)
	}
	return nil
}

// Chmod updates mode the same three places (ioctl 0x100a).
func (s *Super) Chmod(ino uint32, inodeOff pmregion.Offset, mode uint32) error {
	if err := s.Store.Chmod(s.Region, ino, s.Layout.InodeOffset(ino), mode); err != nil {
		return err
	}
	if inodeOff != 0 {
		inode.WriteMode(s.Region, inodeOff, mode)
	}
	return nil
}

// RenewLease refreshes tg's TSC slot on ino's lease. The Client's
// background renewer invokes this for every inode it keeps mapped.
func (s *Super) RenewLease(tg trustgroup.ID, ino uint32) error {
	sh := s.Store.Find(ino)
	if sh == nil || sh.FileType == inode.TypeNone {
		return errs.NotFound
	}
	return s.Leases.Renew(uint64(ino), &sh.Lease, tg)
}

// SetInode syncs the shadow record after a Client initializes or rewrites
// the PM inode through its own mapping, and persists the dense head-region
// copy so attach-time scans rebuild the same shadow state.
func (s *Super) SetInode(ino uint32, fileType byte, mode, uid, gid uint32, index pmregion.Offset) error {
	if err := s.Store.SetInode(ino, fileType, mode, uid, gid, index); err != nil {
		return err
	}
	rec := inode.Read(s.Region, s.Layout.InodeOffset(ino))
	rec.FileType = fileType
	rec.Mode = mode
	rec.UID = uid
	rec.GID = gid
	rec.Index = index
	inode.Write(s.Region, s.Layout.InodeOffset(ino), rec)
	s.Region.Sfence()
	return nil
}

// zeroBlocks clears a freshly allocated range, delegating to the node's
// Agents past the configured threshold, else memset on the caller's
// thread.
func (s *Super) zeroBlocks(base, count uint64) {
	off := pmregion.Offset(base * pmregion.PageSize)
	bytes := count * pmregion.PageSize

	node := s.Layout.NodeOf(base)
	if !s.DelegationEnabled() || bytes < s.opts.ClearDelegationLimit || node < 0 {
		s.Region.Memset(off, bytes, 0)
		s.Region.Clwb(off, bytes)
		s.Region.Sfence()
		return
	}

	var notify ring.Notifier
	issued := int64(0)
	chunk := s.Layout.ExtentSize
	for b := uint64(0); b < bytes; b += chunk {
		n := chunk
		if b+n > bytes {
			n = bytes - b
		}
		req := ring.Request{
			Type:       ring.Clear,
			Zero:       true,
			FlushCache: true,
			Offset:     off + pmregion.Offset(b),
			Bytes:      n,
			Notify:     &notify,
		}
		send := s.Ring(node, int(issued))
		for send.Send(&req) != nil {
			s.Metrics.RingFull.Inc()
			runtime.Gosched()
		}
		issued++
	}

	spins := 0
	for notify.Completed() < issued {
		spins++
		if spins >= appCheckCount {
			runtime.Gosched()
			spins = 0
		}
	}
	s.Region.Sfence()
}

// FreeBlockCount reports the total free blocks on (node, cpu), for fsck
// and allocator round-trip tests.
func (s *Super) FreeBlockCount(node, cpu int) uint64 {
	if node < 0 || node >= len(s.blockLists) {
		return 0
	}
	return s.blockLists[node][cpu%len(s.blockLists[node])].NumFree()
}
