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

// attrTarget resolves path to the pair the chown/chmod ioctls want: the
// inode number and the dir-entry's embedded inode offset (zero for the
// root, whose record lives in the dense head-region table).
func (c *Client) attrTarget(path string) (uint32, pmregion.Offset, error) {
	path = c.rel(path)
	if path == "/" {
		return inode.RootIno, 0, nil
	}
	v, _, err := c.lookup(path)
	if err != nil {
		return 0, 0, err
	}
	return v.Ino, dirhash.DirentInodeOffset(v.Dentry), nil
}

// Chown changes a path's owner through the Supervisor, which updates the
// shadow, the dense record, and the embedded dir-entry copy together.
func (c *Client) Chown(path string, uid, gid uint32) error {
	if !c.Intercepts(path) {
		return errs.NotFound
	}
	ino, off, err := c.attrTarget(path)
	if err != nil {
		return err
	}
	a := ioctl.ChownArg{Ino: ino, UID: uid, GID: gid, InodeOffset: off}
	if rc := c.D.Call(c.caller, ioctl.CmdChown, &a); rc != 0 {
		return errnoErr(rc)
	}
	return nil
}

// Chmod changes a path's mode the same way.
func (c *Client) Chmod(path string, mode uint32) error {
	if !c.Intercepts(path) {
		return errs.NotFound
	}
	ino, off, err := c.attrTarget(path)
	if err != nil {
		return err
	}
	a := ioctl.ChmodArg{Ino: ino, Mode: mode, InodeOffset: off}
	if rc := c.D.Call(c.caller, ioctl.CmdChmod, &a); rc != 0 {
		return errnoErr(rc)
	}
	return nil
}
