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

package pagemap

import (
	"testing"

	"github.com/arckfs/arckfs/internal/errs"
	"github.com/arckfs/arckfs/internal/pmregion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const base = uint64(0x6000_0000_0000)

func TestInstallTranslateZap(t *testing.T) {
	v := NewVMA(base, 1<<20)

	require.NoError(t, v.Install(base, 100, ProtFor(true), 4))
	assert.Equal(t, 4, v.Installed())

	pfn, prot, ok := v.Translate(base + 2*pmregion.PageSize + 17)
	require.True(t, ok)
	assert.Equal(t, uint64(102), pfn)
	assert.True(t, prot.CanWrite())

	require.NoError(t, v.Zap(base, 2*pmregion.PageSize))
	_, _, ok = v.Translate(base)
	assert.False(t, ok)
	_, _, ok = v.Translate(base + 3*pmregion.PageSize)
	assert.True(t, ok)
}

func TestTranslateUninstalledIsFault(t *testing.T) {
	v := NewVMA(base, 1<<20)
	_, _, ok := v.Translate(base + pmregion.PageSize)
	assert.False(t, ok)
}

func TestInstallRejectsOutsideWindow(t *testing.T) {
	v := NewVMA(base, 4*pmregion.PageSize)

	err := v.Install(base+3*pmregion.PageSize, 0, ProtFor(false), 2)
	assert.ErrorIs(t, err, errs.InvalidArgument)

	err = v.Install(base-pmregion.PageSize, 0, ProtFor(false), 1)
	assert.ErrorIs(t, err, errs.InvalidArgument)

	err = v.Install(base+1, 0, ProtFor(false), 1)
	assert.ErrorIs(t, err, errs.InvalidArgument)

	err = v.Install(base, 0, ProtFor(false), 0)
	assert.ErrorIs(t, err, errs.InvalidArgument)
}

func TestReinstallOverridesProtection(t *testing.T) {
	v := NewVMA(base, 1<<20)

	require.NoError(t, v.Install(base, 5, ProtFor(false), 1))
	_, prot, ok := v.Translate(base)
	require.True(t, ok)
	assert.False(t, prot.CanWrite())

	require.NoError(t, v.Install(base, 5, ProtFor(true), 1))
	_, prot, ok = v.Translate(base)
	require.True(t, ok)
	assert.True(t, prot.CanWrite())
}

func TestZapAll(t *testing.T) {
	v := NewVMA(base, 1<<20)
	require.NoError(t, v.Install(base, 0, ProtFor(true), 8))
	v.ZapAll()
	assert.Equal(t, 0, v.Installed())
}

func TestZapUnalignedRejected(t *testing.T) {
	v := NewVMA(base, 1<<20)
	assert.ErrorIs(t, v.Zap(base+7, pmregion.PageSize), errs.InvalidArgument)
}
