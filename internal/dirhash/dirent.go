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

package dirhash

import (
	"github.com/arckfs/arckfs/internal/errs"
	"github.com/arckfs/arckfs/internal/inode"
	"github.com/arckfs/arckfs/internal/pmregion"
)

// On-media dir-entry layout inside a directory's data blocks, fields
// aligned for word-sized atomic updates:
//
//	+0   name_len (u8)   0 terminates the block
//	+4   ino_num  (u32)  inode.Tombstone marks deletion
//	+8   rec_len  (u16)
//	+16  embedded inode record (inode.Size bytes)
//	+16+inode.Size  name, NUL-terminated
//
// name_len is the publication word for a new entry; ino_num is the
// tombstone word for deletion. Both are single aligned stores.
const (
	dentNameLen = 0
	dentIno     = 4
	dentRecLen  = 8
	dentInode   = 16
	dentName    = dentInode + inode.Size
)

// MaxNameLen bounds a single path component.
const MaxNameLen = 255

// DirentInodeOffset locates the embedded inode record within the entry at
// dentry; chown/chmod and size updates write through this.
func DirentInodeOffset(dentry pmregion.Offset) pmregion.Offset { return dentry + dentInode }

// DirentInoOffset locates the ino_num word, the tombstone target the
// rename transaction journals.
func DirentInoOffset(dentry pmregion.Offset) pmregion.Offset { return dentry + dentIno }

// DirentNameLenOffset locates the name_len publication byte.
func DirentNameLenOffset(dentry pmregion.Offset) pmregion.Offset { return dentry + dentNameLen }

// RecLenFor reports the record length an entry for name consumes,
// 8-byte aligned.
func RecLenFor(name string) uint16 { return recLenFor(name) }

// Dirent is a decoded directory entry.
type Dirent struct {
	Off     pmregion.Offset
	Name    string
	Ino     uint32
	RecLen  uint16
	Inode   inode.Inode // denormalized copy; super keeps it in sync on chmod
}

// recLenFor computes the 8-byte-aligned record length for a name.
func recLenFor(name string) uint16 {
	n := dentName + len(name) + 1
	return uint16((n + 7) &^ 7)
}

// PrepareDirent writes everything of a new entry at off except its
// name_len, leaving the record invisible to scanners. Returns the record
// length it will consume once published. The block must have room: the
// caller found off via ScanBlock.
func PrepareDirent(r *pmregion.Region, off pmregion.Offset, name string, ino uint32, emb inode.Inode) (uint16, error) {
	if len(name) == 0 || len(name) > MaxNameLen {
		return 0, errs.InvalidArgument
	}
	rec := recLenFor(name)

	r.WriteU32(off+dentIno, ino)
	r.Slice(off+dentRecLen, 2)[0] = byte(rec)
	r.Slice(off+dentRecLen, 2)[1] = byte(rec >> 8)
	inode.Write(r, off+dentInode, emb)

	nameBuf := r.Slice(off+dentName, uint64(len(name)+1))
	copy(nameBuf, name)
	nameBuf[len(name)] = 0

	r.Clwb(off, uint64(rec))
	r.Sfence()
	return rec, nil
}

// PublishDirent makes the prepared entry at off visible. A scanner that
// sees name_len non-zero sees a complete record. Rename journals the
// pre-image of this word before publishing.
func PublishDirent(r *pmregion.Region, off pmregion.Offset, nameLen int) {
	r.Slice(off+dentNameLen, 1)[0] = byte(nameLen)
	r.Clwb(off+dentNameLen, 1)
	r.Sfence()
}

// AppendDirent prepares and immediately publishes a new entry at off.
func AppendDirent(r *pmregion.Region, off pmregion.Offset, name string, ino uint32, emb inode.Inode) (uint16, error) {
	rec, err := PrepareDirent(r, off, name, ino, emb)
	if err != nil {
		return 0, err
	}
	PublishDirent(r, off, len(name))
	return rec, nil
}

// TombstoneDirent marks the entry at off deleted with a single word store.
func TombstoneDirent(r *pmregion.Region, off pmregion.Offset) {
	r.WriteU32(off+dentIno, inode.Tombstone)
	r.Clwb(off+dentIno, 4)
	r.Sfence()
}

// ReadDirent decodes the entry at off. ok is false at the block-terminating
// sentinel.
func ReadDirent(r *pmregion.Region, off pmregion.Offset) (Dirent, bool) {
	nameLen := int(r.Slice(off+dentNameLen, 1)[0])
	if nameLen == 0 {
		return Dirent{}, false
	}
	rec := uint16(r.Slice(off+dentRecLen, 2)[0]) | uint16(r.Slice(off+dentRecLen, 2)[1])<<8
	d := Dirent{
		Off:    off,
		Ino:    r.ReadU32(off + dentIno),
		RecLen: rec,
		Inode:  inode.Read(r, off+dentInode),
	}
	d.Name = string(r.Slice(off+dentName, uint64(nameLen)))
	return d, true
}

// ScanBlock walks the dir-entries in the block at blockOff, calling fn for
// each live (non-tombstoned) entry, and returns the offset of the first
// free byte (where the next append goes) plus whether the block has
// tombstones worth compacting.
func ScanBlock(r *pmregion.Region, blockOff pmregion.Offset, blockSize uint64, fn func(Dirent) bool) (free pmregion.Offset, tombstones int) {
	off := blockOff
	end := blockOff + pmregion.Offset(blockSize)
	for off+dentName < end {
		d, ok := ReadDirent(r, off)
		if !ok {
			return off, tombstones
		}
		if d.Ino == inode.Tombstone {
			tombstones++
		} else if fn != nil && !fn(d) {
			return off, tombstones
		}
		if d.RecLen == 0 {
			// Torn record; treat as end of block.
			return off, tombstones
		}
		off += pmregion.Offset(d.RecLen)
	}
	return end, tombstones
}

// CompactBlock rewrites the block dropping tombstoned records, done lazily
// when an append finds no room (libfs/chainhash.c's deferred compaction).
// Returns the new first-free offset. Callers hold the directory's write
// lease, so readers in other trust groups are excluded by construction.
func CompactBlock(r *pmregion.Region, blockOff pmregion.Offset, blockSize uint64) pmregion.Offset {
	type live struct {
		name string
		ino  uint32
		emb  inode.Inode
	}
	var entries []live
	ScanBlock(r, blockOff, blockSize, func(d Dirent) bool {
		entries = append(entries, live{name: d.Name, ino: d.Ino, emb: d.Inode})
		return true
	})

	r.Memset(blockOff, blockSize, 0)
	off := blockOff
	for _, e := range entries {
		rec, err := AppendDirent(r, off, e.name, e.ino, e.emb)
		if err != nil {
			break
		}
		off += pmregion.Offset(rec)
	}
	r.Clwb(blockOff, blockSize)
	r.Sfence()
	return off
}
