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

package ioctl

import (
	"testing"

	"github.com/arckfs/arckfs/internal/inode"
	"github.com/arckfs/arckfs/internal/pmregion"
	"github.com/arckfs/arckfs/internal/super"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	region, err := pmregion.MapAnonymous(64 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { region.Close() })

	sup, err := super.New(region, super.Options{
		MaxInodes:     1024,
		Sockets:       1,
		CPUsPerSocket: 2,
		PMNodes:       1,
	})
	require.NoError(t, err)
	t.Cleanup(sup.Stop)
	return &Dispatcher{Sup: sup}
}

func TestUnknownCommandIsEINVAL(t *testing.T) {
	d := newDispatcher(t)
	assert.Equal(t, -22, d.Call(Caller{PID: 1}, Cmd(0x9999), nil))
}

func TestWrongPayloadTypeIsEINVAL(t *testing.T) {
	d := newDispatcher(t)
	assert.Equal(t, -22, d.Call(Caller{PID: 1}, CmdMount, &MapArg{}))
}

func TestMountThenMapUnmap(t *testing.T) {
	d := newDispatcher(t)
	caller := Caller{PID: 7}

	var m MountArg
	require.Equal(t, 0, d.Call(caller, CmdMount, &m))
	assert.NotZero(t, m.TG)
	assert.Equal(t, uint64(super.MountAddr), m.MountAddr)

	a := MapArg{Ino: inode.RootIno, Writable: true}
	require.Equal(t, 0, d.Call(caller, CmdMap, &a))
	assert.Equal(t, d.Sup.Layout.RootIndexPage, a.IndexOffset)

	assert.Equal(t, 0, d.Call(caller, CmdUnmap, &UnmapArg{Ino: inode.RootIno}))
	assert.Equal(t, 0, d.Call(caller, CmdUmount, &UmountArg{MountAddr: m.MountAddr}))
}

func TestOpsWithoutMountAreENOENT(t *testing.T) {
	d := newDispatcher(t)
	caller := Caller{PID: 9}

	rc := d.Call(caller, CmdMap, &MapArg{Ino: inode.RootIno})
	assert.Equal(t, -2, rc)
	rc = d.Call(caller, CmdAllocBlock, &AllocBlockArg{Num: 1})
	assert.Equal(t, -2, rc)
}

func TestAllocFreeBlockAndInode(t *testing.T) {
	d := newDispatcher(t)
	caller := Caller{PID: 3}
	require.Equal(t, 0, d.Call(caller, CmdMount, &MountArg{}))

	ab := AllocBlockArg{Num: 16, CPU: 0, PMNode: 0}
	require.Equal(t, 0, d.Call(caller, CmdAllocBlock, &ab))
	assert.NotZero(t, ab.Block)
	require.Equal(t, 0, d.Call(caller, CmdFreeBlock, &FreeBlockArg{Block: ab.Block, Num: 16}))

	ai := AllocInodeArg{Num: 4, CPU: 0}
	require.Equal(t, 0, d.Call(caller, CmdAllocInode, &ai))
	assert.NotZero(t, ai.Ino)
	require.Equal(t, 0, d.Call(caller, CmdFreeInode, &FreeInodeArg{Ino: ai.Ino, Num: 4}))
}

func TestPmNodesInfo(t *testing.T) {
	d := newDispatcher(t)
	var a PmNodesInfoArg
	require.Equal(t, 0, d.Call(Caller{PID: 1}, CmdPmNodesInfo, &a))
	require.Len(t, a.Nodes, 1)
	assert.Equal(t, d.Sup.Layout.HeadReserved, a.Nodes[0].StartBlock)
}

func TestChownRequiresRoot(t *testing.T) {
	d := newDispatcher(t)
	require.NoError(t, d.Sup.SetInode(10, inode.TypeReg, 0o644, 0, 0, 0))

	rc := d.Call(Caller{PID: 1, UID: 500}, CmdChown, &ChownArg{Ino: 10, UID: 1, GID: 1})
	assert.Equal(t, -13, rc)
	rc = d.Call(Caller{PID: 1, UID: 0}, CmdChown, &ChownArg{Ino: 10, UID: 1, GID: 1})
	assert.Equal(t, 0, rc)
	assert.Equal(t, uint32(1), d.Sup.Store.Find(10).UID)
}

func TestChmodUpdatesMode(t *testing.T) {
	d := newDispatcher(t)
	require.NoError(t, d.Sup.SetInode(11, inode.TypeReg, 0o644, 0, 0, 0))

	rc := d.Call(Caller{PID: 1}, CmdChmod, &ChmodArg{Ino: 11, Mode: 0o600})
	assert.Equal(t, 0, rc)
	assert.Equal(t, uint32(0o600), d.Sup.Store.Find(11).Mode)
}
