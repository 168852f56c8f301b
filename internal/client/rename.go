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
	"github.com/arckfs/arckfs/internal/dirhash"
	"github.com/arckfs/arckfs/internal/errs"
	"github.com/arckfs/arckfs/internal/inode"
	"github.com/arckfs/arckfs/internal/ioctl"
	"github.com/arckfs/arckfs/internal/pmregion"
)

// renameStage marks points in the rename transaction where a test may
// simulate a Client crash.
type renameStage int

const (
	stageJournalPublished renameStage = iota
	stageNewPublished
	stageTombstoned
)

// Rename moves oldPath to newPath. A destination that exists must match
// the source's file type. Crash atomicity across the three
// word updates comes from the undo journal: pre-images of
// the new entry's name_len, the old entry's ino, and — when the
// destination exists — the roadblock entry's ino, captured before any of
// them change, with the journal lock held across the whole sequence.
func (c *Client) Rename(oldPath, newPath string) error {
	return c.rename(oldPath, newPath, nil)
}

func (c *Client) rename(oldPath, newPath string, crash func(renameStage) bool) error {
	oldPath, newPath = c.rel(oldPath), c.rel(newPath)
	oldParentPath, oldLeaf, err := splitPath(oldPath)
	if err != nil || oldLeaf == "" {
		return errs.InvalidArgument
	}
	newParentPath, newLeaf, err := splitPath(newPath)
	if err != nil || newLeaf == "" {
		return errs.InvalidArgument
	}

	sdir, err := c.resolveDir(oldParentPath)
	if err != nil {
		return err
	}
	ddir, err := c.resolveDir(newParentPath)
	if err != nil {
		return err
	}

	src, ok := sdir.hash.Lookup(oldLeaf)
	if !ok {
		return errs.NotFound
	}
	r := c.Sup.Region
	srcInode := inode.Read(r, dirhash.DirentInodeOffset(src.Dentry))

	roadblock, dstExists := ddir.hash.Lookup(newLeaf)
	if dstExists {
		rbInode := inode.Read(r, dirhash.DirentInodeOffset(roadblock.Dentry))
		if rbInode.FileType != srcInode.FileType {
			return errs.InvalidArgument
		}
	}

	// Both directories stay write-leased for the duration.
	if _, err := c.mapInode(sdir.ino, true); err != nil {
		return err
	}
	defer c.unmapInode(sdir.ino)
	if ddir != sdir {
		if _, err := c.mapInode(ddir.ino, true); err != nil {
			return err
		}
		defer c.unmapInode(ddir.ino)
	}
	c.enterCS(sdir.ino)
	defer c.leaveCS(sdir.ino)
	if ddir != sdir {
		c.enterCS(ddir.ino)
		defer c.leaveCS(ddir.ino)
	}

	// Stage the new entry, invisible until its name_len store.
	ddir.mu.Lock()
	spot, err := c.dirAppendSpot(ddir, dirhash.RecLenFor(newLeaf))
	if err == nil {
		_, err = dirhash.PrepareDirent(r, spot, newLeaf, src.Ino, srcInode)
	}
	ddir.mu.Unlock()
	if err != nil {
		return err
	}

	tx, err := c.Sup.Journal.Begin(c.cpu)
	if err != nil {
		return err
	}
	tx.Append(dirhash.DirentNameLenOffset(spot))
	tx.Append(dirhash.DirentInoOffset(src.Dentry))
	if dstExists {
		tx.Append(dirhash.DirentInoOffset(roadblock.Dentry))
	}
	tx.Publish()

	if crash != nil && crash(stageJournalPublished) {
		tx.Abort()
		return errs.IO
	}

	dirhash.PublishDirent(r, spot, len(newLeaf))

	if crash != nil && crash(stageNewPublished) {
		tx.Abort()
		return errs.IO
	}

	dirhash.TombstoneDirent(r, src.Dentry)
	if dstExists {
		dirhash.TombstoneDirent(r, roadblock.Dentry)
	}

	if crash != nil && crash(stageTombstoned) {
		tx.Abort()
		return errs.IO
	}

	tx.Commit()

	// DRAM indexes: the two-bucket atomic move plus path-cache fixup.
	dirhash.ReplaceFrom(ddir.hash, newLeaf, dstExists, sdir.hash, oldLeaf,
		dirhash.Value{Ino: src.Ino, Dentry: spot})
	c.pathCache.Remove(oldPath)
	c.pathCache.Remove(newPath)
	c.pathCache.Insert(newPath, dirhash.Value{Ino: src.Ino, Dentry: spot})

	if dstExists {
		// The displaced inode loses its last reference.
		rbEmb := inode.Read(r, dirhash.DirentInodeOffset(roadblock.Dentry))
		c.releaseStorage(roadblock.Ino, rbEmb.Index)
	}
	return nil
}

// releaseStorage frees an unlinked inode's extents and index pages to the
// local list and returns the number to the Supervisor.
func (c *Client) releaseStorage(ino uint32, first pmregion.Offset) {
	if first != 0 {
		ix := c.fidx(first)
		if m, err := ix.Build(); err == nil {
			blocks := c.Sup.Layout.ExtentSize / pmregion.PageSize
			for _, ext := range m.Extents {
				c.freeBlocks(uint64(ext)/pmregion.PageSize, blocks)
			}
			for _, p := range m.Pages {
				c.freeBlocks(uint64(p)/pmregion.PageSize, 1)
			}
		}
	}
	a := ioctl.FreeInodeArg{Ino: ino, Num: 1}
	_ = c.D.Call(c.caller, ioctl.CmdFreeInode, &a)
}
