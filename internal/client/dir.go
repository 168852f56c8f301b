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
	"strings"

	"github.com/arckfs/arckfs/internal/dirhash"
	"github.com/arckfs/arckfs/internal/errs"
	"github.com/arckfs/arckfs/internal/fileindex"
	"github.com/arckfs/arckfs/internal/inode"
	"github.com/arckfs/arckfs/internal/ioctl"
	"github.com/arckfs/arckfs/internal/pmregion"
)

// splitPath returns the parent's mount-rooted path and the leaf component.
func splitPath(path string) (parent, leaf string, err error) {
	if !strings.HasPrefix(path, "/") {
		return "", "", errs.InvalidArgument
	}
	path = strings.TrimRight(path, "/")
	if path == "" {
		return "", "", nil // root itself
	}
	i := strings.LastIndexByte(path, '/')
	parent = path[:i]
	if parent == "" {
		parent = "/"
	}
	return parent, path[i+1:], nil
}

// fidx builds the index handle for an inode's first index page.
func (c *Client) fidx(first pmregion.Offset) fileindex.Index {
	return fileindex.Index{Region: c.Sup.Region, First: first, ExtentSize: c.Sup.Layout.ExtentSize}
}

// loadDir materializes a directory's DRAM state on first touch: build the
// file-index mirror, then scan every dir-entry block into the leaf hash
// (libfs's directory warm-up that makes later lookups O(1)).
func (c *Client) loadDir(ino uint32, indexOff pmregion.Offset, fullPath string) (*dir, error) {
	c.mu.Lock()
	if d, ok := c.dirs[ino]; ok {
		c.mu.Unlock()
		return d, nil
	}
	c.mu.Unlock()

	ix := c.fidx(indexOff)
	m, err := ix.Build()
	if err != nil {
		return nil, err
	}

	d := &dir{ino: ino, hash: dirhash.New(), mirror: m}
	for _, ext := range m.Extents {
		for b := uint64(0); b < c.Sup.Layout.ExtentSize; b += pmregion.PageSize {
			dirhash.ScanBlock(c.Sup.Region, ext+pmregion.Offset(b), pmregion.PageSize, func(de dirhash.Dirent) bool {
				d.hash.Insert(de.Name, dirhash.Value{Ino: de.Ino, Dentry: de.Off})
				if fullPath != "" {
					child := fullPath + "/" + de.Name
					if fullPath == "/" {
						child = "/" + de.Name
					}
					c.pathCache.Insert(child, dirhash.Value{Ino: de.Ino, Dentry: de.Off})
				}
				return true
			})
		}
	}

	c.mu.Lock()
	if exist, ok := c.dirs[ino]; ok {
		d = exist
	} else {
		c.dirs[ino] = d
	}
	c.mu.Unlock()
	return d, nil
}

// resolveDir walks a mount-rooted directory path to its dir state, using
// the full-path cache for interior components.
func (c *Client) resolveDir(path string) (*dir, error) {
	root := c.Sup.Store.Find(inode.RootIno)
	if root == nil {
		return nil, errs.IO
	}
	d, err := c.loadDir(inode.RootIno, root.Index, "/")
	if err != nil {
		return nil, err
	}
	if path == "/" || path == "" {
		return d, nil
	}

	walked := ""
	for _, comp := range strings.Split(strings.Trim(path, "/"), "/") {
		if comp == "" {
			continue
		}
		walked = walked + "/" + comp
		v, ok := c.pathCache.Lookup(walked)
		if !ok {
			v, ok = d.hash.Lookup(comp)
			if !ok {
				return nil, errs.NotFound
			}
		}
		emb := inode.Read(c.Sup.Region, dirhash.DirentInodeOffset(v.Dentry))
		if emb.FileType != inode.TypeDir {
			return nil, errs.InvalidArgument
		}
		d, err = c.loadDir(v.Ino, emb.Index, walked)
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

// lookup resolves a mount-rooted path to its directory entry.
func (c *Client) lookup(path string) (dirhash.Value, *dir, error) {
	if v, ok := c.pathCache.Lookup(path); ok {
		parentPath, _, _ := splitPath(path)
		d, err := c.resolveDir(parentPath)
		if err != nil {
			return dirhash.Value{}, nil, err
		}
		return v, d, nil
	}

	parentPath, leaf, err := splitPath(path)
	if err != nil {
		return dirhash.Value{}, nil, err
	}
	if leaf == "" {
		return dirhash.Value{}, nil, errs.InvalidArgument
	}
	d, err := c.resolveDir(parentPath)
	if err != nil {
		return dirhash.Value{}, nil, err
	}
	v, ok := d.hash.Lookup(leaf)
	if !ok {
		return dirhash.Value{}, nil, errs.NotFound
	}
	c.pathCache.Insert(path, v)
	return v, d, nil
}

// dirAppendSpot finds (compacting lazily, extending if needed) a block
// offset with room for a recLen-byte entry in d's blocks. Caller holds d's
// write lease and d.mu.
func (c *Client) dirAppendSpot(d *dir, recLen uint16) (pmregion.Offset, error) {
	r := c.Sup.Region
	blocks := c.Sup.Layout.ExtentSize / pmregion.PageSize

	scan := func() (pmregion.Offset, bool) {
		for _, ext := range d.mirror.Extents {
			for b := uint64(0); b < blocks; b++ {
				blockOff := ext + pmregion.Offset(b*pmregion.PageSize)
				free, tomb := dirhash.ScanBlock(r, blockOff, pmregion.PageSize, nil)
				if uint64(free)+uint64(recLen) <= uint64(blockOff)+pmregion.PageSize {
					return free, true
				}
				if tomb > 0 {
					free = dirhash.CompactBlock(r, blockOff, pmregion.PageSize)
					if uint64(free)+uint64(recLen) <= uint64(blockOff)+pmregion.PageSize {
						return free, true
					}
				}
			}
		}
		return 0, false
	}

	if off, ok := scan(); ok {
		return off, nil
	}

	// Grow the directory by one extent.
	base, err := c.allocBlocks(blocks)
	if err != nil {
		return 0, err
	}
	extOff := pmregion.Offset(base * pmregion.PageSize)
	r.Memset(extOff, c.Sup.Layout.ExtentSize, 0)
	r.Clwb(extOff, c.Sup.Layout.ExtentSize)

	ix := c.fidx(c.dirIndexOff(d))
	if err := ix.Append(d.mirror, extOff, func() (pmregion.Offset, error) {
		pg, err := c.allocBlocks(1)
		if err != nil {
			return 0, err
		}
		return pmregion.Offset(pg * pmregion.PageSize), nil
	}); err != nil {
		c.freeBlocks(base, blocks)
		return 0, err
	}
	return extOff, nil
}

func (c *Client) dirIndexOff(d *dir) pmregion.Offset {
	sh := c.Sup.Store.Find(d.ino)
	if sh == nil {
		return 0
	}
	return sh.Index
}

// createEntry allocates an inode and index page for a new file or
// directory and publishes its dir-entry in parent. Caller holds parent's
// write lease.
func (c *Client) createEntry(parent *dir, parentPath, leaf string, fileType byte, mode uint32) (dirhash.Value, error) {
	ino64, err := c.inodes.New()
	if err != nil {
		return dirhash.Value{}, err
	}
	ino := uint32(ino64)

	pg, err := c.allocBlocks(1)
	if err != nil {
		return dirhash.Value{}, err
	}
	indexOff := pmregion.Offset(pg * pmregion.PageSize)
	r := c.Sup.Region
	r.Memset(indexOff, pmregion.PageSize, 0)
	r.Clwb(indexOff, pmregion.PageSize)
	r.Sfence()

	now := c.Sup.Leases.Clock.Now().Unix()
	emb := inode.Inode{
		FileType: fileType,
		Mode:     mode,
		UID:      c.opts.UID,
		GID:      c.opts.GID,
		Index:    indexOff,
		Atime:    now,
		Ctime:    now,
		Mtime:    now,
	}

	parent.mu.Lock()
	spot, err := c.dirAppendSpot(parent, dirhash.RecLenFor(leaf))
	if err == nil {
		_, err = dirhash.AppendDirent(r, spot, leaf, ino, emb)
	}
	parent.mu.Unlock()
	if err != nil {
		c.freeBlocks(pg, 1)
		c.inodes.Free(ino64)
		return dirhash.Value{}, err
	}

	if err := c.Sup.SetInode(ino, fileType, mode, c.opts.UID, c.opts.GID, indexOff); err != nil {
		return dirhash.Value{}, err
	}

	v := dirhash.Value{Ino: ino, Dentry: spot}
	parent.hash.Insert(leaf, v)
	full := parentPath + "/" + leaf
	if parentPath == "/" {
		full = "/" + leaf
	}
	c.pathCache.Insert(full, v)
	return v, nil
}

// Mkdir creates a directory (parent write lease held for the mutation).
func (c *Client) Mkdir(path string, mode uint32) error {
	path = c.rel(path)
	parentPath, leaf, err := splitPath(path)
	if err != nil || leaf == "" {
		return errs.InvalidArgument
	}
	parent, err := c.resolveDir(parentPath)
	if err != nil {
		return err
	}
	if _, ok := parent.hash.Lookup(leaf); ok {
		return errs.InvalidArgument
	}

	if _, err := c.mapInode(parent.ino, true); err != nil {
		return err
	}
	defer c.unmapInode(parent.ino)
	c.enterCS(parent.ino)
	defer c.leaveCS(parent.ino)

	_, err = c.createEntry(parent, parentPath, leaf, inode.TypeDir, mode)
	return err
}

// Unlink removes a file; Rmdir removes an empty directory. Both tombstone
// the dir-entry, release the index and extents to the local free list, and
// hand the inode number back to the Supervisor so its shadow returns
// to the unallocated state.
func (c *Client) Unlink(path string) error { return c.remove(path, false) }

// Rmdir removes an empty directory.
func (c *Client) Rmdir(path string) error { return c.remove(path, true) }

func (c *Client) remove(path string, wantDir bool) error {
	path = c.rel(path)
	parentPath, leaf, err := splitPath(path)
	if err != nil || leaf == "" {
		return errs.InvalidArgument
	}
	parent, err := c.resolveDir(parentPath)
	if err != nil {
		return err
	}
	v, ok := parent.hash.Lookup(leaf)
	if !ok {
		return errs.NotFound
	}

	r := c.Sup.Region
	emb := inode.Read(r, dirhash.DirentInodeOffset(v.Dentry))
	isDir := emb.FileType == inode.TypeDir
	if isDir != wantDir {
		return errs.InvalidArgument
	}
	if isDir {
		child, err := c.loadDir(v.Ino, emb.Index, "")
		if err != nil {
			return err
		}
		if !child.hash.Kill() {
			return errs.InvalidArgument
		}
	}

	if _, err := c.mapInode(parent.ino, true); err != nil {
		return err
	}
	defer c.unmapInode(parent.ino)
	c.enterCS(parent.ino)
	defer c.leaveCS(parent.ino)

	dirhash.TombstoneDirent(r, v.Dentry)
	parent.hash.Remove(leaf)
	c.pathCache.Remove(path)

	// Release the file's storage to the local list.
	ix := c.fidx(emb.Index)
	m, err := ix.Build()
	if err == nil {
		for _, ext := range m.Extents {
			c.freeBlocks(uint64(ext)/pmregion.PageSize, c.Sup.Layout.ExtentSize/pmregion.PageSize)
		}
		for _, p := range m.Pages {
			c.freeBlocks(uint64(p)/pmregion.PageSize, 1)
		}
	}

	c.mu.Lock()
	delete(c.dirs, v.Ino)
	c.mu.Unlock()

	a := ioctl.FreeInodeArg{Ino: v.Ino, Num: 1}
	if rc := c.D.Call(c.caller, ioctl.CmdFreeInode, &a); rc != 0 {
		return errnoErr(rc)
	}
	return nil
}

// ReadDir lists a directory's live entries.
func (c *Client) ReadDir(path string) ([]string, error) {
	d, err := c.resolveDir(c.rel(path))
	if err != nil {
		return nil, err
	}
	var names []string
	d.hash.Walk(func(name string, _ dirhash.Value) bool {
		names = append(names, name)
		return true
	})
	return names, nil
}

// Stat describes a file or directory.
type Stat struct {
	Ino      uint32
	FileType byte
	Mode     uint32
	UID      uint32
	GID      uint32
	Size     uint64
	Atime    int64
	Ctime    int64
	Mtime    int64
}

// Lstat resolves path and reads its PM inode record (the dir-entry's
// embedded inode; the dense head-region record for the root).
func (c *Client) Lstat(path string) (Stat, error) {
	path = c.rel(path)
	if path == "/" {
		rec := inode.Read(c.Sup.Region, c.Sup.Layout.InodeOffset(inode.RootIno))
		return Stat{Ino: inode.RootIno, FileType: rec.FileType, Mode: rec.Mode, UID: rec.UID, GID: rec.GID,
			Size: rec.Size, Atime: rec.Atime, Ctime: rec.Ctime, Mtime: rec.Mtime}, nil
	}
	v, _, err := c.lookup(path)
	if err != nil {
		return Stat{}, err
	}
	rec := inode.Read(c.Sup.Region, dirhash.DirentInodeOffset(v.Dentry))
	return Stat{Ino: v.Ino, FileType: rec.FileType, Mode: rec.Mode, UID: rec.UID, GID: rec.GID,
		Size: rec.Size, Atime: rec.Atime, Ctime: rec.Ctime, Mtime: rec.Mtime}, nil
}
