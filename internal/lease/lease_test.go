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

package lease

import (
	"testing"
	"time"

	"github.com/arckfs/arckfs/clock"
	"github.com/arckfs/arckfs/internal/errs"
	"github.com/arckfs/arckfs/internal/trustgroup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const period = 200 * time.Millisecond

func newManager(t *testing.T) (*Manager, *clock.SimulatedClock, map[trustgroup.ID]map[uint64]bool) {
	t.Helper()
	sc := clock.NewSimulatedClock(time.Unix(1000, 0))
	inCS := make(map[trustgroup.ID]map[uint64]bool)
	m := &Manager{
		MaxOwners: 2,
		Period:    period,
		Clock:     sc,
		InCriticalSection: func(tg trustgroup.ID, ino uint64) bool {
			return inCS[tg][ino]
		},
	}
	return m, sc, inCS
}

func TestWriteAcquireReleaseRoundTrip(t *testing.T) {
	m, _, _ := newManager(t)
	var l Lease

	require.NoError(t, m.AcquireWrite(7, &l, 1))
	assert.Equal(t, WriteOwned, l.State())
	assert.Equal(t, []trustgroup.ID{1}, l.Owners())

	require.NoError(t, m.Release(7, &l, 1))
	assert.Equal(t, Unowned, l.State())
	assert.Empty(t, l.Owners())
}

func TestReacquireBySameTGIsInvalid(t *testing.T) {
	m, _, _ := newManager(t)
	var l Lease

	require.NoError(t, m.AcquireWrite(7, &l, 1))
	assert.ErrorIs(t, m.AcquireWrite(7, &l, 1), errs.InvalidArgument)
	assert.ErrorIs(t, m.AcquireRead(7, &l, 1), errs.InvalidArgument)
}

func TestWriteContendsUntilExpired(t *testing.T) {
	m, sc, _ := newManager(t)
	var l Lease

	require.NoError(t, m.AcquireWrite(7, &l, 1))
	assert.ErrorIs(t, m.AcquireWrite(7, &l, 2), errs.Again)

	// TSC stale but no CS bit set: expired, takeover succeeds.
	sc.AdvanceTime(2 * period)
	require.NoError(t, m.AcquireWrite(7, &l, 2))
	assert.Equal(t, []trustgroup.ID{2}, l.Owners())
}

func TestCriticalSectionBlocksExpiry(t *testing.T) {
	m, sc, inCS := newManager(t)
	var l Lease

	require.NoError(t, m.AcquireWrite(7, &l, 1))
	inCS[1] = map[uint64]bool{7: true}

	// Stale TSC alone is insufficient while the lease_ring bit is set.
	sc.AdvanceTime(2 * period)
	assert.ErrorIs(t, m.AcquireWrite(7, &l, 2), errs.Again)

	inCS[1][7] = false
	require.NoError(t, m.AcquireWrite(7, &l, 2))
}

func TestReaderSharingUpToMaxOwners(t *testing.T) {
	m, _, _ := newManager(t)
	var l Lease

	require.NoError(t, m.AcquireRead(7, &l, 1))
	require.NoError(t, m.AcquireRead(7, &l, 2))
	assert.Equal(t, ReadOwned, l.State())

	// MaxOwners is 2: a third reader is refused with NoSpace.
	assert.ErrorIs(t, m.AcquireRead(7, &l, 3), errs.NoSpace)

	// Last reader out transitions to Unowned.
	require.NoError(t, m.Release(7, &l, 1))
	assert.Equal(t, ReadOwned, l.State())
	require.NoError(t, m.Release(7, &l, 2))
	assert.Equal(t, Unowned, l.State())
}

func TestNonOwnerReleaseRejected(t *testing.T) {
	m, _, _ := newManager(t)
	var l Lease

	require.NoError(t, m.AcquireRead(7, &l, 1))
	assert.ErrorIs(t, m.Release(7, &l, 2), errs.InvalidArgument)
}

func TestRenewRefreshesExpiry(t *testing.T) {
	m, sc, _ := newManager(t)
	var l Lease

	require.NoError(t, m.AcquireWrite(7, &l, 1))
	sc.AdvanceTime(period / 2)
	require.NoError(t, m.Renew(7, &l, 1))
	sc.AdvanceTime(period/2 + period/4)

	// Without the renewal the lease would have expired by now.
	assert.ErrorIs(t, m.AcquireWrite(7, &l, 2), errs.Again)
}

func TestRenewByNonOwnerRejected(t *testing.T) {
	m, _, _ := newManager(t)
	var l Lease
	assert.ErrorIs(t, m.Renew(7, &l, 1), errs.InvalidArgument)
}

func TestWriterTakeoverScrubsMapRings(t *testing.T) {
	m, sc, _ := newManager(t)
	var cleared []trustgroup.ID
	m.ClearMapRing = func(tg trustgroup.ID, ino uint64) {
		cleared = append(cleared, tg)
	}
	var l Lease

	require.NoError(t, m.AcquireWrite(7, &l, 1))
	sc.AdvanceTime(2 * period)
	require.NoError(t, m.AcquireWrite(7, &l, 2))

	// The incoming writer zapped the outgoing owner's mapping.
	assert.Equal(t, []trustgroup.ID{1}, cleared)
}

func TestReadersDoNotCheckExpiryAmongThemselves(t *testing.T) {
	m, sc, inCS := newManager(t)
	var l Lease

	require.NoError(t, m.AcquireRead(7, &l, 1))
	inCS[1] = map[uint64]bool{7: true}
	sc.AdvanceTime(3 * period)

	// A new reader joins an existing reader set regardless of staleness.
	require.NoError(t, m.AcquireRead(7, &l, 2))
}
