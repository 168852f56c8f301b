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

package trustgroup

import (
	"testing"

	"github.com/arckfs/arckfs/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPidToTgidAutoAlloc(t *testing.T) {
	tbl := NewTable(8)

	id, err := tbl.PidToTgid(42, true)
	require.NoError(t, err)
	assert.NotZero(t, id)

	again, err := tbl.PidToTgid(42, true)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	g, ok := tbl.Get(id)
	require.True(t, ok)
	assert.Equal(t, []ProcessID{42}, g.pids)
}

func TestPidToTgidNoAutoAllocReturnsZero(t *testing.T) {
	tbl := NewTable(8)
	id, err := tbl.PidToTgid(7, false)
	require.NoError(t, err)
	assert.Zero(t, id)
}

func TestAddRemoveProcess(t *testing.T) {
	tbl := NewTable(8)
	id, err := tbl.Alloc()
	require.NoError(t, err)

	require.NoError(t, tbl.AddProcess(id, 1))
	require.NoError(t, tbl.AddProcess(id, 2))

	g, _ := tbl.Get(id)
	assert.Len(t, g.pids, 2)

	require.NoError(t, tbl.RemoveProcess(id, 1))
	g, _ = tbl.Get(id)
	assert.NotContains(t, g.pids, ProcessID(1))

	err = tbl.RemoveProcess(id, 999)
	assert.ErrorIs(t, err, errs.NotFound)
}

func TestAddProcessCompactsOnOverflow(t *testing.T) {
	tbl := NewTable(8)
	id, err := tbl.Alloc()
	require.NoError(t, err)

	for i := 1; i <= MaxProcessesPerTG; i++ {
		require.NoError(t, tbl.AddProcess(id, ProcessID(i)))
	}
	// Remove half, creating tombstones, then fill again should compact
	// instead of failing.
	for i := 1; i <= MaxProcessesPerTG/2; i++ {
		require.NoError(t, tbl.RemoveProcess(id, ProcessID(i)))
	}
	for i := MaxProcessesPerTG + 1; i <= MaxProcessesPerTG+MaxProcessesPerTG/2; i++ {
		require.NoError(t, tbl.AddProcess(id, ProcessID(i)))
	}
}

func TestAuthorizeDenied(t *testing.T) {
	tbl := NewTable(8)
	tbl.Authorize = func() bool { return false }

	_, err := tbl.Alloc()
	assert.ErrorIs(t, err, errs.Permission)
}

func TestFreeClearsMembership(t *testing.T) {
	tbl := NewTable(8)
	id, err := tbl.Alloc()
	require.NoError(t, err)
	require.NoError(t, tbl.AddProcess(id, 5))

	require.NoError(t, tbl.Free(id))

	next, err := tbl.PidToTgid(5, false)
	require.NoError(t, err)
	assert.Zero(t, next)
}
