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
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/arckfs/arckfs/clock"
	"github.com/arckfs/arckfs/internal/errs"
	"github.com/arckfs/arckfs/internal/inode"
	"github.com/arckfs/arckfs/internal/pmregion"
	"github.com/arckfs/arckfs/internal/super"
	"github.com/arckfs/arckfs/internal/trustgroup"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRegionSize = 128 << 20

func newFS(t *testing.T, mutate func(*super.Options)) (*super.Super, *pmregion.Region) {
	t.Helper()
	region, err := pmregion.MapAnonymous(testRegionSize)
	require.NoError(t, err)
	t.Cleanup(func() { region.Close() })

	opts := super.Options{
		MaxInodes:     4096,
		Sockets:       1,
		CPUsPerSocket: 2,
		PMNodes:       1,
		ExtentSize:    2 << 20,
		RingEntries:   64,
	}
	if mutate != nil {
		mutate(&opts)
	}
	sup, err := super.New(region, opts)
	require.NoError(t, err)
	t.Cleanup(sup.Stop)
	return sup, region
}

func mountClient(t *testing.T, sup *super.Super, pid uint64) *Client {
	t.Helper()
	cl, err := Mount(sup, Options{PID: trustgroup.ProcessID(pid), RootPath: "/"})
	require.NoError(t, err)
	return cl
}

func TestMountAndRootStat(t *testing.T) {
	sup, _ := newFS(t, nil)
	cl := mountClient(t, sup, 1)

	// lstat("/") is a 0755 directory owned by root.
	st, err := cl.Lstat("/")
	require.NoError(t, err)
	assert.Equal(t, inode.TypeDir, st.FileType)
	assert.Equal(t, uint32(0o755), st.Mode)
	assert.Equal(t, uint32(0), st.UID)
	assert.Equal(t, uint32(0), st.GID)
	assert.Equal(t, uint32(inode.RootIno), st.Ino)
}

func TestSmallWriteFastPath(t *testing.T) {
	sup, _ := newFS(t, nil)
	cl := mountClient(t, sup, 1)

	// Write then read back through a fresh descriptor.
	fd, err := cl.Open("/a", OCreat|ORdwr, 0o644)
	require.NoError(t, err)
	n, err := cl.Write(fd, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, cl.Close(fd))

	fd, err = cl.Open("/a", ORdonly, 0)
	require.NoError(t, err)
	buf := make([]byte, 5)
	n, err = cl.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
	require.NoError(t, cl.Close(fd))

	st, err := cl.Lstat("/a")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), st.Size)

	f := cl.files.get(openAgain(t, cl, "/a"))
	require.NotNil(t, f)
	// Exactly one extent backs the 5-byte file.
	assert.Len(t, f.mirror.Extents, 1)
}

func openAgain(t *testing.T, cl *Client, path string) int {
	t.Helper()
	fd, err := cl.Open(path, ORdonly, 0)
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close(fd) })
	return fd
}

func TestLargeWriteDelegates(t *testing.T) {
	sup, _ := newFS(t, func(o *super.Options) { o.DelegationThreads = 2 })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.StartAgents(ctx)
	cl := mountClient(t, sup, 1)

	// A 2-MiB pwrite crosses the delegation limit.
	payload := bytes.Repeat([]byte{0x5a}, 2<<20)
	fd, err := cl.Open("/big", OCreat|ORdwr, 0o644)
	require.NoError(t, err)
	n, err := cl.Pwrite(fd, payload, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	got := make([]byte, len(payload))
	n, err = cl.Pread(fd, got, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	assert.True(t, bytes.Equal(payload, got))
	require.NoError(t, cl.Close(fd))

	issued := testutil.ToFloat64(sup.Metrics.DelegationsIssued)
	completed := testutil.ToFloat64(sup.Metrics.DelegationsCompleted)
	assert.Greater(t, issued, 0.0)
	assert.Equal(t, issued, completed)
}

func TestWriteAcrossExtentBoundary(t *testing.T) {
	sup, _ := newFS(t, nil)
	cl := mountClient(t, sup, 1)

	ext := int(sup.Layout.ExtentSize)
	fd, err := cl.Open("/span", OCreat|ORdwr, 0o644)
	require.NoError(t, err)

	// Straddle the 2-MiB boundary.
	payload := bytes.Repeat([]byte{7}, 8192)
	off := uint64(ext - 4096)
	_, err = cl.Pwrite(fd, payload, off)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	_, err = cl.Pread(fd, got, off)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	f := cl.files.get(fd)
	assert.Len(t, f.mirror.Extents, 2)
	require.NoError(t, cl.Close(fd))
}

func TestLeaseExpiryHandOff(t *testing.T) {
	sc := clock.NewSimulatedClock(time.Unix(1000, 0))
	sup, _ := newFS(t, func(o *super.Options) {
		o.Clock = sc
		o.LeasePeriod = 100 * time.Millisecond
	})
	clA := mountClient(t, sup, 1)
	clB := mountClient(t, sup, 2)
	require.NotEqual(t, clA.TG, clB.TG)

	fdA, err := clA.Open("/b", OCreat|ORdwr, 0o644)
	require.NoError(t, err)
	_, err = clA.Write(fdA, []byte("owned"))
	require.NoError(t, err)

	// B contends while A's lease is fresh.
	_, err = clB.Open("/b", ORdwr, 0)
	assert.ErrorIs(t, err, errs.Again)

	// A stalls past the lease period with its lease_ring bit clear; B's
	// open succeeds and zaps A's mapping.
	sc.AdvanceTime(time.Second)
	fdB, err := clB.Open("/b", ORdwr, 0)
	require.NoError(t, err)
	assert.False(t, sup.TGs.MapBit(clA.TG, uint64(fileIno(t, clB, fdB))))
	require.NoError(t, clB.Close(fdB))
}

func fileIno(t *testing.T, cl *Client, fd int) uint32 {
	t.Helper()
	f := cl.files.get(fd)
	require.NotNil(t, f)
	return f.ino
}

func TestRenameCrashAtomicity(t *testing.T) {
	sup, region := newFS(t, nil)
	cl := mountClient(t, sup, 1)

	fd, err := cl.Open("/old", OCreat|ORdwr, 0o644)
	require.NoError(t, err)
	_, err = cl.Write(fd, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, cl.Close(fd))
	stBefore, err := cl.Lstat("/old")
	require.NoError(t, err)

	// Kill the Client after the new name is published but
	// before the journal commit.
	err = cl.rename("/old", "/new", func(s renameStage) bool { return s == stageNewPublished })
	require.Error(t, err)

	// "Next mount": a fresh Supervisor over the same PM replays the undo
	// journal.
	sup2, err := super.New(region, super.Options{
		MaxInodes:     4096,
		Sockets:       1,
		CPUsPerSocket: 2,
		PMNodes:       1,
		ExtentSize:    2 << 20,
	})
	require.NoError(t, err)
	defer sup2.Stop()
	cl2 := mountClient(t, sup2, 1)

	_, err = cl2.Lstat("/new")
	assert.ErrorIs(t, err, errs.NotFound)
	st, err := cl2.Lstat("/old")
	require.NoError(t, err)
	assert.Equal(t, stBefore.Ino, st.Ino)

	fd, err = cl2.Open("/old", ORdonly, 0)
	require.NoError(t, err)
	buf := make([]byte, 7)
	_, err = cl2.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf))
	require.NoError(t, cl2.Close(fd))

	// A successful rename tombstones the old name and the
	// new name resolves to the same inode.
	require.NoError(t, cl2.Rename("/old", "/new"))
	_, err = cl2.Lstat("/old")
	assert.ErrorIs(t, err, errs.NotFound)
	st, err = cl2.Lstat("/new")
	require.NoError(t, err)
	assert.Equal(t, stBefore.Ino, st.Ino)
}

func TestRenameOverExistingTypeRules(t *testing.T) {
	sup, _ := newFS(t, nil)
	cl := mountClient(t, sup, 1)

	mk := func(p string) {
		fd, err := cl.Open(p, OCreat|ORdwr, 0o644)
		require.NoError(t, err)
		require.NoError(t, cl.Close(fd))
	}
	mk("/src")
	mk("/dst")
	require.NoError(t, cl.Mkdir("/d", 0o755))

	// Matching types succeed, mismatched types fail.
	require.NoError(t, cl.Rename("/src", "/dst"))
	mk("/src2")
	assert.ErrorIs(t, cl.Rename("/src2", "/d"), errs.InvalidArgument)
}

func TestTruncateFreesExtentsLocally(t *testing.T) {
	sup, _ := newFS(t, nil)
	cl := mountClient(t, sup, 1)

	const tenMiB = 10 << 20
	payload := bytes.Repeat([]byte{1}, tenMiB)
	fd, err := cl.Open("/f", OCreat|ORdwr, 0o644)
	require.NoError(t, err)
	_, err = cl.Pwrite(fd, payload, 0)
	require.NoError(t, err)

	localBefore := cl.LocalFreeBlocks()
	supBefore := sup.FreeBlockCount(0, cl.cpu)

	// Truncate returns 5 extents' worth of blocks to this Client's
	// own list.
	require.NoError(t, cl.Ftruncate(fd, 0))
	assert.Equal(t, localBefore+5*512, cl.LocalFreeBlocks())

	st, err := cl.Fstat(fd)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.Size)

	// Rewriting the same amount needs no Supervisor round-trip.
	_, err = cl.Pwrite(fd, payload, 0)
	require.NoError(t, err)
	assert.Equal(t, supBefore, sup.FreeBlockCount(0, cl.cpu))
	require.NoError(t, cl.Close(fd))
}

func TestMkdirUnlinkReaddir(t *testing.T) {
	sup, _ := newFS(t, nil)
	cl := mountClient(t, sup, 1)

	require.NoError(t, cl.Mkdir("/dir", 0o755))
	fd, err := cl.Open("/dir/x", OCreat|ORdwr, 0o600)
	require.NoError(t, err)
	require.NoError(t, cl.Close(fd))

	names, err := cl.ReadDir("/dir")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, names)

	// A populated directory cannot be removed.
	assert.Error(t, cl.Rmdir("/dir"))

	require.NoError(t, cl.Unlink("/dir/x"))
	_, err = cl.Lstat("/dir/x")
	assert.ErrorIs(t, err, errs.NotFound)

	// Once emptied, the directory can be removed and its name is gone.
	require.NoError(t, cl.Rmdir("/dir"))
	_, err = cl.Lstat("/dir")
	assert.ErrorIs(t, err, errs.NotFound)
}

func TestReadBeyondEOFShortReads(t *testing.T) {
	sup, _ := newFS(t, nil)
	cl := mountClient(t, sup, 1)

	fd, err := cl.Open("/short", OCreat|ORdwr, 0o644)
	require.NoError(t, err)
	_, err = cl.Write(fd, []byte("abc"))
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := cl.Pread(fd, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = cl.Pread(fd, buf, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.NoError(t, cl.Close(fd))
}

func TestWriteOnReadOnlyFD(t *testing.T) {
	sup, _ := newFS(t, nil)
	cl := mountClient(t, sup, 1)

	fd, err := cl.Open("/ro", OCreat|ORdwr, 0o644)
	require.NoError(t, err)
	require.NoError(t, cl.Close(fd))

	fd, err = cl.Open("/ro", ORdonly, 0)
	require.NoError(t, err)
	_, err = cl.Write(fd, []byte("nope"))
	assert.ErrorIs(t, err, errs.Permission)
	require.NoError(t, cl.Close(fd))
}

func TestChmodChownSyncEmbeddedInode(t *testing.T) {
	sup, _ := newFS(t, nil)
	cl := mountClient(t, sup, 1)

	fd, err := cl.Open("/attr", OCreat|ORdwr, 0o644)
	require.NoError(t, err)
	require.NoError(t, cl.Close(fd))

	require.NoError(t, cl.Chmod("/attr", 0o600))
	require.NoError(t, cl.Chown("/attr", 7, 8))

	// The dir-entry's embedded inode, read through lstat, reflects both.
	st, err := cl.Lstat("/attr")
	require.NoError(t, err)
	assert.Equal(t, uint32(0o600), st.Mode)
	assert.Equal(t, uint32(7), st.UID)
	assert.Equal(t, uint32(8), st.GID)

	// So does the Supervisor's shadow.
	sh := sup.Store.Find(st.Ino)
	require.NotNil(t, sh)
	assert.Equal(t, uint32(0o600), sh.Mode)
	assert.Equal(t, uint32(7), sh.UID)
}
