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

// Package inode implements the PM inode record and the DRAM shadow-inode
// store. Inode numbers partition across Supervisor CPUs in disjoint
// contiguous slices; shadow inodes live in a flat DRAM array indexed
// directly by inode number, and chown/chmod update the shadow and the PM
// record together.
package inode

import (
	"github.com/arckfs/arckfs/internal/errs"
	"github.com/arckfs/arckfs/internal/lease"
	"github.com/arckfs/arckfs/internal/pmregion"
)

// File types, matching SUFS_FILE_TYPE_*.
const (
	TypeNone byte = 0
	TypeReg  byte = 1
	TypeDir  byte = 2
)

// Tombstone is the ino_num sentinel marking a deleted directory entry.
const Tombstone uint32 = 1

// RootIno is the root directory's inode number.
const RootIno uint32 = 2

// Size is the on-media inode record size, padded to a cache line.
const Size = 64

// On-media field offsets within an inode record.
const (
	offFileType = 0
	offMode     = 4
	offUID      = 8
	offGID      = 12
	offSize     = 16
	offIndex    = 24
	offAtime    = 32
	offCtime    = 40
	offMtime    = 48
)

// Inode is the decoded PM inode record.
type Inode struct {
	FileType byte
	Mode     uint32
	UID      uint32
	GID      uint32
	Size     uint64
	Index    pmregion.Offset // offset of the first index page
	Atime    int64
	Ctime    int64
	Mtime    int64
}

// Read decodes the inode record at off.
func Read(r *pmregion.Region, off pmregion.Offset) Inode {
	return Inode{
		FileType: r.Slice(off+offFileType, 1)[0],
		Mode:     r.ReadU32(off + offMode),
		UID:      r.ReadU32(off + offUID),
		GID:      r.ReadU32(off + offGID),
		Size:     r.ReadU64(off + offSize),
		Index:    pmregion.Offset(r.ReadU64(off + offIndex)),
		Atime:    int64(r.ReadU64(off + offAtime)),
		Ctime:    int64(r.ReadU64(off + offCtime)),
		Mtime:    int64(r.ReadU64(off + offMtime)),
	}
}

// Write encodes ino at off and flushes the record.
func Write(r *pmregion.Region, off pmregion.Offset, ino Inode) {
	r.Slice(off+offFileType, 1)[0] = ino.FileType
	r.WriteU32(off+offMode, ino.Mode)
	r.WriteU32(off+offUID, ino.UID)
	r.WriteU32(off+offGID, ino.GID)
	r.WriteU64(off+offSize, ino.Size)
	r.WriteU64(off+offIndex, uint64(ino.Index))
	r.WriteU64(off+offAtime, uint64(ino.Atime))
	r.WriteU64(off+offCtime, uint64(ino.Ctime))
	r.WriteU64(off+offMtime, uint64(ino.Mtime))
	r.Clwb(off, Size)
}

// WriteSize updates only the size field; the word store is the atomic
// publish, flushed by the caller's end-of-operation fence.
func WriteSize(r *pmregion.Region, off pmregion.Offset, size uint64) {
	r.WriteU64(off+offSize, size)
	r.Clwb(off+offSize, 8)
}

// WriteOwner updates only the uid/gid words of the record at off.
func WriteOwner(r *pmregion.Region, off pmregion.Offset, uid, gid uint32) {
	r.WriteU32(off+offUID, uid)
	r.WriteU32(off+offGID, gid)
	r.Clwb(off+offUID, 8)
	r.Sfence()
}

// WriteMode updates only the mode word of the record at off.
func WriteMode(r *pmregion.Region, off pmregion.Offset, mode uint32) {
	r.WriteU32(off+offMode, mode)
	r.Clwb(off+offMode, 4)
	r.Sfence()
}

// Shadow is the DRAM mirror of the subset of inode state the Supervisor
// needs for access checks without touching PM.
type Shadow struct {
	FileType byte
	Mode     uint32
	UID      uint32
	GID      uint32
	Index    pmregion.Offset
	Lease    lease.Lease
}

// Store is the shadow-inode array for one file-system instance, indexed
// directly by inode number.
type Store struct {
	shadows []Shadow
}

// NewStore sizes the array for maxInodes inode numbers.
func NewStore(maxInodes int) *Store {
	return &Store{shadows: make([]Shadow, maxInodes)}
}

// MaxInodes reports the inode-number space size.
func (s *Store) MaxInodes() int { return len(s.shadows) }

// Find returns the shadow for ino, or nil when ino is out of range.
func (s *Store) Find(ino uint32) *Shadow {
	if int(ino) >= len(s.shadows) {
		return nil
	}
	return &s.shadows[ino]
}

// SetInode updates the shadow fields from a directory scan or creation.
// The lease record is zero-valued until first use, so
// a shadow transitioning out of TypeNone needs no extra initialization —
// the zero Lease is already Unowned.
func (s *Store) SetInode(ino uint32, fileType byte, mode, uid, gid uint32, index pmregion.Offset) error {
	sh := s.Find(ino)
	if sh == nil {
		return errs.InvalidArgument
	}
	sh.FileType = fileType
	sh.Mode = mode
	sh.UID = uid
	sh.GID = gid
	sh.Index = index
	return nil
}

// Chown updates owner on both the shadow and the PM inode record; the
// caller holds the inode's lease per the ioctl contract.
func (s *Store) Chown(r *pmregion.Region, ino uint32, inodeOff pmregion.Offset, uid, gid uint32) error {
	sh := s.Find(ino)
	if sh == nil || sh.FileType == TypeNone {
		return errs.NotFound
	}
	sh.UID = uid
	sh.GID = gid
	WriteOwner(r, inodeOff, uid, gid)
	return nil
}

// Chmod updates mode on both the shadow and the PM inode record.
func (s *Store) Chmod(r *pmregion.Region, ino uint32, inodeOff pmregion.Offset, mode uint32) error {
	sh := s.Find(ino)
	if sh == nil || sh.FileType == TypeNone {
		return errs.NotFound
	}
	sh.Mode = mode
	WriteMode(r, inodeOff, mode)
	return nil
}

// MayAccess performs the mode/uid/gid check for a caller identity. Root
// (uid 0) passes unconditionally.
func (s *Store) MayAccess(ino uint32, uid, gid uint32, write bool) error {
	sh := s.Find(ino)
	if sh == nil || sh.FileType == TypeNone {
		return errs.NotFound
	}
	if uid == 0 {
		return nil
	}

	var bits uint32
	switch {
	case uid == sh.UID:
		bits = (sh.Mode >> 6) & 7
	case gid == sh.GID:
		bits = (sh.Mode >> 3) & 7
	default:
		bits = sh.Mode & 7
	}

	need := uint32(4) // read
	if write {
		need = 2
	}
	if bits&need == 0 {
		return errs.Permission
	}
	return nil
}
