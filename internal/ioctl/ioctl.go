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

// Package ioctl exposes the Supervisor's syscall surface: the fixed
// command codes, their payloads, and a dispatch table translating them
// onto super.Super operations with conventional negative-errno returns.
package ioctl

import (
	"github.com/arckfs/arckfs/internal/errs"
	"github.com/arckfs/arckfs/internal/pmregion"
	"github.com/arckfs/arckfs/internal/super"
	"github.com/arckfs/arckfs/internal/trustgroup"
)

// Cmd is an ioctl command code.
type Cmd uint32

// Command codes, fixed by the wire protocol.
const (
	CmdMount       Cmd = 0x1000
	CmdUmount      Cmd = 0x1001
	CmdMap         Cmd = 0x1002
	CmdUnmap       Cmd = 0x1003
	CmdAllocInode  Cmd = 0x1004
	CmdFreeInode   Cmd = 0x1005
	CmdPmNodesInfo Cmd = 0x1006
	CmdAllocBlock  Cmd = 0x1007
	CmdFreeBlock   Cmd = 0x1008
	CmdChown       Cmd = 0x1009
	CmdChmod       Cmd = 0x100a
)

// Payloads. Out fields are filled on success.

type MountArg struct {
	// Out.
	TG        trustgroup.ID
	MountAddr uint64
	MountSize uint64
}

type UmountArg struct {
	MountAddr uint64
}

type MapArg struct {
	Ino      uint32
	Writable bool
	// Out.
	IndexOffset pmregion.Offset
}

type UnmapArg struct {
	Ino uint32
}

type AllocInodeArg struct {
	Num uint64
	CPU int
	// Out.
	Ino uint32
}

type FreeInodeArg struct {
	Ino uint32
	Num uint64
}

type PmNodesInfoArg struct {
	// Out.
	Nodes []super.PMNodeInfo
}

type AllocBlockArg struct {
	Num    uint64
	CPU    int
	PMNode int
	Zero   bool
	// Out.
	Block uint64
}

type FreeBlockArg struct {
	Block uint64
	Num   uint64
}

type ChownArg struct {
	Ino         uint32
	UID         uint32
	GID         uint32
	InodeOffset pmregion.Offset
}

type ChmodArg struct {
	Ino         uint32
	Mode        uint32
	InodeOffset pmregion.Offset
}

// Caller identifies the issuing process for TG resolution and access
// checks.
type Caller struct {
	PID trustgroup.ProcessID
	UID uint32
	GID uint32
}

// Dispatcher routes commands for one Supervisor instance.
type Dispatcher struct {
	Sup *super.Super
}

type handler func(d *Dispatcher, c Caller, arg any) error

var handlers = map[Cmd]handler{
	CmdMount:       (*Dispatcher).mount,
	CmdUmount:      (*Dispatcher).umount,
	CmdMap:         (*Dispatcher).mapInode,
	CmdUnmap:       (*Dispatcher).unmapInode,
	CmdAllocInode:  (*Dispatcher).allocInode,
	CmdFreeInode:   (*Dispatcher).freeInode,
	CmdPmNodesInfo: (*Dispatcher).pmNodesInfo,
	CmdAllocBlock:  (*Dispatcher).allocBlock,
	CmdFreeBlock:   (*Dispatcher).freeBlock,
	CmdChown:       (*Dispatcher).chown,
	CmdChmod:       (*Dispatcher).chmod,
}

// Call dispatches cmd and returns 0 or a negative errno, following the
// syscall convention.
func (d *Dispatcher) Call(c Caller, cmd Cmd, arg any) int {
	h, ok := handlers[cmd]
	if !ok {
		return errs.Errno(errs.InvalidArgument)
	}
	return errs.Errno(h(d, c, arg))
}

func (d *Dispatcher) tgOf(c Caller) (trustgroup.ID, error) {
	tg, err := d.Sup.TGs.PidToTgid(c.PID, false)
	if err != nil {
		return 0, err
	}
	if tg == 0 {
		return 0, errs.NotFound
	}
	return tg, nil
}

func (d *Dispatcher) mount(c Caller, arg any) error {
	a, ok := arg.(*MountArg)
	if !ok {
		return errs.InvalidArgument
	}
	tg, vma, err := d.Sup.Mount(c.PID)
	if err != nil {
		return err
	}
	a.TG = tg
	a.MountAddr = vma.Base
	a.MountSize = vma.Size
	return nil
}

func (d *Dispatcher) umount(c Caller, arg any) error {
	if _, ok := arg.(*UmountArg); !ok {
		return errs.InvalidArgument
	}
	tg, err := d.tgOf(c)
	if err != nil {
		return err
	}
	return d.Sup.Umount(tg)
}

func (d *Dispatcher) mapInode(c Caller, arg any) error {
	a, ok := arg.(*MapArg)
	if !ok {
		return errs.InvalidArgument
	}
	tg, err := d.tgOf(c)
	if err != nil {
		return err
	}
	off, err := d.Sup.MapInode(tg, a.Ino, super.Creds{UID: c.UID, GID: c.GID}, a.Writable)
	if err != nil {
		return err
	}
	a.IndexOffset = off
	return nil
}

func (d *Dispatcher) unmapInode(c Caller, arg any) error {
	a, ok := arg.(*UnmapArg)
	if !ok {
		return errs.InvalidArgument
	}
	tg, err := d.tgOf(c)
	if err != nil {
		return err
	}
	return d.Sup.UnmapInode(tg, a.Ino)
}

func (d *Dispatcher) allocInode(c Caller, arg any) error {
	a, ok := arg.(*AllocInodeArg)
	if !ok {
		return errs.InvalidArgument
	}
	ino, err := d.Sup.AllocInodes(a.CPU, a.Num)
	if err != nil {
		return err
	}
	a.Ino = ino
	return nil
}

func (d *Dispatcher) freeInode(c Caller, arg any) error {
	a, ok := arg.(*FreeInodeArg)
	if !ok {
		return errs.InvalidArgument
	}
	return d.Sup.FreeInodes(a.Ino, a.Num)
}

func (d *Dispatcher) pmNodesInfo(c Caller, arg any) error {
	a, ok := arg.(*PmNodesInfoArg)
	if !ok {
		return errs.InvalidArgument
	}
	a.Nodes = d.Sup.PMNodesInfo()
	return nil
}

func (d *Dispatcher) allocBlock(c Caller, arg any) error {
	a, ok := arg.(*AllocBlockArg)
	if !ok {
		return errs.InvalidArgument
	}
	tg, err := d.tgOf(c)
	if err != nil {
		return err
	}
	block, err := d.Sup.AllocBlocks(tg, a.CPU, a.PMNode, a.Num, a.Zero)
	if err != nil {
		return err
	}
	a.Block = block
	return nil
}

func (d *Dispatcher) freeBlock(c Caller, arg any) error {
	a, ok := arg.(*FreeBlockArg)
	if !ok {
		return errs.InvalidArgument
	}
	tg, err := d.tgOf(c)
	if err != nil {
		return err
	}
	return d.Sup.FreeBlocks(tg, a.Block, a.Num)
}

func (d *Dispatcher) chown(c Caller, arg any) error {
	a, ok := arg.(*ChownArg)
	if !ok {
		return errs.InvalidArgument
	}
	if c.UID != 0 {
		return errs.Permission
	}
	return d.Sup.Chown(a.Ino, a.InodeOffset, a.UID, a.GID)
}

func (d *Dispatcher) chmod(c Caller, arg any) error {
	a, ok := arg.(*ChmodArg)
	if !ok {
		return errs.InvalidArgument
	}
	return d.Sup.Chmod(a.Ino, a.InodeOffset, a.Mode)
}
