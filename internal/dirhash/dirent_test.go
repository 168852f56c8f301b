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
	"testing"

	"github.com/arckfs/arckfs/internal/errs"
	"github.com/arckfs/arckfs/internal/inode"
	"github.com/arckfs/arckfs/internal/pmregion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func direntRegion(t *testing.T) *pmregion.Region {
	t.Helper()
	r, err := pmregion.MapAnonymous(4 * pmregion.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestAppendReadDirent(t *testing.T) {
	r := direntRegion(t)
	emb := inode.Inode{FileType: inode.TypeReg, Mode: 0o644, UID: 1, GID: 2, Size: 5}

	rec, err := AppendDirent(r, 0, "hello.txt", 42, emb)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), rec%8)

	d, ok := ReadDirent(r, 0)
	require.True(t, ok)
	assert.Equal(t, "hello.txt", d.Name)
	assert.Equal(t, uint32(42), d.Ino)
	assert.Equal(t, rec, d.RecLen)
	assert.Equal(t, emb, d.Inode)
}

func TestAppendRejectsBadNames(t *testing.T) {
	r := direntRegion(t)
	_, err := AppendDirent(r, 0, "", 2, inode.Inode{})
	assert.ErrorIs(t, err, errs.InvalidArgument)

	long := make([]byte, MaxNameLen+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = AppendDirent(r, 0, string(long), 2, inode.Inode{})
	assert.ErrorIs(t, err, errs.InvalidArgument)
}

func TestPrepareIsInvisibleUntilPublished(t *testing.T) {
	r := direntRegion(t)
	_, err := PrepareDirent(r, 0, "staged", 7, inode.Inode{FileType: inode.TypeReg})
	require.NoError(t, err)

	_, ok := ReadDirent(r, 0)
	assert.False(t, ok, "prepared entry must stay invisible")

	PublishDirent(r, 0, len("staged"))
	d, ok := ReadDirent(r, 0)
	require.True(t, ok)
	assert.Equal(t, "staged", d.Name)
}

func TestScanBlockSkipsTombstones(t *testing.T) {
	r := direntRegion(t)
	off := pmregion.Offset(0)
	var offs []pmregion.Offset
	for _, name := range []string{"a", "b", "c"} {
		offs = append(offs, off)
		rec, err := AppendDirent(r, off, name, 10, inode.Inode{FileType: inode.TypeReg})
		require.NoError(t, err)
		off += pmregion.Offset(rec)
	}

	TombstoneDirent(r, offs[1])

	var names []string
	free, tomb := ScanBlock(r, 0, pmregion.PageSize, func(d Dirent) bool {
		names = append(names, d.Name)
		return true
	})
	assert.Equal(t, []string{"a", "c"}, names)
	assert.Equal(t, 1, tomb)
	assert.Equal(t, off, free)
}

func TestCompactBlockDropsTombstones(t *testing.T) {
	r := direntRegion(t)
	off := pmregion.Offset(0)
	var offs []pmregion.Offset
	for _, name := range []string{"keep1", "drop", "keep2"} {
		offs = append(offs, off)
		rec, err := AppendDirent(r, off, name, 10, inode.Inode{FileType: inode.TypeReg})
		require.NoError(t, err)
		off += pmregion.Offset(rec)
	}
	TombstoneDirent(r, offs[1])

	newFree := CompactBlock(r, 0, pmregion.PageSize)
	assert.Less(t, uint64(newFree), uint64(off))

	var names []string
	_, tomb := ScanBlock(r, 0, pmregion.PageSize, func(d Dirent) bool {
		names = append(names, d.Name)
		return true
	})
	assert.Equal(t, []string{"keep1", "keep2"}, names)
	assert.Equal(t, 0, tomb)
}
