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

package inode

import (
	"testing"

	"github.com/arckfs/arckfs/internal/errs"
	"github.com/arckfs/arckfs/internal/pmregion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func region(t *testing.T) *pmregion.Region {
	t.Helper()
	r, err := pmregion.MapAnonymous(16 * pmregion.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestInodeRecordRoundTrip(t *testing.T) {
	r := region(t)
	in := Inode{
		FileType: TypeReg,
		Mode:     0o644,
		UID:      1000,
		GID:      100,
		Size:     4096,
		Index:    pmregion.Offset(8 * pmregion.PageSize),
		Atime:    11,
		Ctime:    22,
		Mtime:    33,
	}
	Write(r, 256, in)
	assert.Equal(t, in, Read(r, 256))
}

func TestWriteSizeTouchesOnlySize(t *testing.T) {
	r := region(t)
	Write(r, 0, Inode{FileType: TypeDir, Mode: 0o755, Size: 10})

	WriteSize(r, 0, 999)
	got := Read(r, 0)
	assert.Equal(t, uint64(999), got.Size)
	assert.Equal(t, TypeDir, got.FileType)
	assert.Equal(t, uint32(0o755), got.Mode)
}

func TestStoreSetInodeAndFind(t *testing.T) {
	s := NewStore(64)

	require.NoError(t, s.SetInode(5, TypeReg, 0o600, 1, 2, 4096))
	sh := s.Find(5)
	require.NotNil(t, sh)
	assert.Equal(t, TypeReg, sh.FileType)
	assert.Equal(t, pmregion.Offset(4096), sh.Index)

	assert.Nil(t, s.Find(64))
	assert.ErrorIs(t, s.SetInode(64, TypeReg, 0, 0, 0, 0), errs.InvalidArgument)
}

func TestChownChmodUpdateShadowAndPM(t *testing.T) {
	r := region(t)
	s := NewStore(64)
	Write(r, 512, Inode{FileType: TypeReg, Mode: 0o644, UID: 1, GID: 1})
	require.NoError(t, s.SetInode(9, TypeReg, 0o644, 1, 1, 0))

	require.NoError(t, s.Chown(r, 9, 512, 7, 8))
	assert.Equal(t, uint32(7), s.Find(9).UID)
	assert.Equal(t, uint32(7), Read(r, 512).UID)
	assert.Equal(t, uint32(8), Read(r, 512).GID)

	require.NoError(t, s.Chmod(r, 9, 512, 0o755))
	assert.Equal(t, uint32(0o755), s.Find(9).Mode)
	assert.Equal(t, uint32(0o755), Read(r, 512).Mode)
}

func TestChownMissingInode(t *testing.T) {
	r := region(t)
	s := NewStore(8)
	assert.ErrorIs(t, s.Chown(r, 3, 0, 1, 1), errs.NotFound)
}

func TestMayAccess(t *testing.T) {
	s := NewStore(16)
	require.NoError(t, s.SetInode(4, TypeReg, 0o640, 10, 20, 0))

	// Root bypasses the check.
	assert.NoError(t, s.MayAccess(4, 0, 0, true))

	// Owner: rw-.
	assert.NoError(t, s.MayAccess(4, 10, 99, true))
	assert.NoError(t, s.MayAccess(4, 10, 99, false))

	// Group: r--.
	assert.NoError(t, s.MayAccess(4, 11, 20, false))
	assert.ErrorIs(t, s.MayAccess(4, 11, 20, true), errs.Permission)

	// Other: ---.
	assert.ErrorIs(t, s.MayAccess(4, 11, 21, false), errs.Permission)

	assert.ErrorIs(t, s.MayAccess(5, 0, 0, false), errs.NotFound)
}
