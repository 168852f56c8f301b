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

// Package lease implements the per-inode read/write/unowned lease state
// machine: the can-acquire predicate, the double expiry condition (stamp
// stale AND the owner's lease_ring bit clear), slot garbage collection on
// release, and the map-ring scrub an incoming writer performs on the
// outgoing owners.
package lease

import (
	"sync"
	"time"

	"github.com/arckfs/arckfs/clock"
	"github.com/arckfs/arckfs/internal/errs"
	"github.com/arckfs/arckfs/internal/metrics"
	"github.com/arckfs/arckfs/internal/trustgroup"
)

// State enumerates the per-inode lease states.
type State int

const (
	Unowned State = iota
	WriteOwned
	ReadOwned
)

// Read-to-write upgrade stays behind a disabled branch, permanently off
// until the mapping-permission change it needs is implemented.
const allowReadWriteUpgrade = false

type owner struct {
	tg  trustgroup.ID
	tsc time.Time
}

// Lease is one inode's lease record. It is embedded in the shadow inode and
// mutated only under its own lock.
type Lease struct {
	mu     sync.Mutex
	state  State
	owners []owner
}

// State reports the current lease state.
func (l *Lease) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Owners returns the current owner set, tombstoned slots excluded.
func (l *Lease) Owners() []trustgroup.ID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]trustgroup.ID, 0, len(l.owners))
	for _, o := range l.owners {
		if o.tg != 0 {
			out = append(out, o.tg)
		}
	}
	return out
}

// Manager evaluates lease transitions for every inode of one file-system
// instance. One Manager per super-block; the per-inode record travels with
// the shadow inode.
type Manager struct {
	// MaxOwners bounds concurrent readers (MAX_OWNERS).
	MaxOwners int

	// Period is the lease validity window; an owner whose stamp is older
	// is a takeover candidate.
	Period time.Duration

	// Clock supplies the TSC stand-in. Tests inject clock.SimulatedClock
	// to advance time deterministically.
	Clock clock.Clock

	// InCriticalSection reports the owner's lease_ring bit for ino: true
	// while the trust group is inside a lease-holding critical section.
	// Expiry requires the TSC to be stale AND this to be false; either
	// alone is insufficient.
	InCriticalSection func(tg trustgroup.ID, ino uint64) bool

	// ClearMapRing scrubs an outgoing owner's map_ring bit when a writer
	// takes over; the caller pairs it with zapping the owner's PTEs.
	ClearMapRing func(tg trustgroup.ID, ino uint64)

	// Metrics is optional.
	Metrics *metrics.Metrics
}

func (m *Manager) now() time.Time {
	return m.Clock.Now()
}

func (m *Manager) expired(ino uint64, o owner) bool {
	if m.now().Sub(o.tsc) <= m.Period {
		return false
	}
	if m.InCriticalSection != nil && m.InCriticalSection(o.tg, ino) {
		return false
	}
	return true
}

func needCheckExpire(current, next State) bool {
	return next == WriteOwned || current == WriteOwned
}

// canAcquire evaluates the acquire rules under l.mu. Returns nil when the
// transition may proceed.
func (m *Manager) canAcquire(ino uint64, l *Lease, tg trustgroup.ID, next State) error {
	if l.state == Unowned {
		return nil
	}

	if allowReadWriteUpgrade && next == WriteOwned && l.state == ReadOwned &&
		len(l.owners) == 1 && l.owners[0].tg == tg {
		return nil
	}

	for _, o := range l.owners {
		if o.tg == tg {
			return errs.InvalidArgument
		}
		if needCheckExpire(l.state, next) && o.tg != 0 {
			if !m.expired(ino, o) {
				if m.Metrics != nil {
					m.Metrics.LeaseContention.Inc()
				}
				return errs.Again
			}
		}
	}

	if next == ReadOwned && l.state == ReadOwned {
		if len(l.owners) >= m.MaxOwners {
			return errs.NoSpace
		}
	}
	return nil
}

// clearMapRings scrubs every current owner's map_ring bit; invoked when a
// writer takes over so a dead owner's stale mapping cannot outlive its
// lease.
func (m *Manager) clearMapRings(ino uint64, l *Lease) {
	if m.ClearMapRing == nil {
		return
	}
	for _, o := range l.owners {
		if o.tg != 0 {
			m.ClearMapRing(o.tg, ino)
		}
	}
}

// AcquireWrite transitions the lease to WriteOwned with tg as its single
// owner. Existing owners must all be tombstoned or expired.
func (m *Manager) AcquireWrite(ino uint64, l *Lease, tg trustgroup.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := m.canAcquire(ino, l, tg, WriteOwned); err != nil {
		return err
	}

	if m.Metrics != nil {
		if l.state != Unowned {
			m.Metrics.LeaseExpired.Inc()
		}
		m.Metrics.LeaseAcquired.WithLabelValues("write").Inc()
	}

	m.clearMapRings(ino, l)

	l.state = WriteOwned
	l.owners = l.owners[:0]
	l.owners = append(l.owners, owner{tg: tg, tsc: m.now()})
	return nil
}

// AcquireRead adds tg as a reader, transitioning from Unowned or an expired
// WriteOwned, or joining an existing reader set with room.
func (m *Manager) AcquireRead(ino uint64, l *Lease, tg trustgroup.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := m.canAcquire(ino, l, tg, ReadOwned); err != nil {
		return err
	}

	if m.Metrics != nil {
		if l.state == WriteOwned {
			m.Metrics.LeaseExpired.Inc()
		}
		m.Metrics.LeaseAcquired.WithLabelValues("read").Inc()
	}

	if l.state == ReadOwned {
		l.owners = append(l.owners, owner{tg: tg, tsc: m.now()})
	} else {
		// Taking over from Unowned or an expired writer.
		if l.state == WriteOwned {
			m.clearMapRings(ino, l)
		}
		l.state = ReadOwned
		l.owners = l.owners[:0]
		l.owners = append(l.owners, owner{tg: tg, tsc: m.now()})
	}
	return nil
}

// findOwner reports tg's slot index under l.mu, or -1.
func findOwner(l *Lease, tg trustgroup.ID) int {
	if l.state == Unowned {
		return -1
	}
	if l.state == WriteOwned {
		if len(l.owners) > 0 && l.owners[0].tg == tg {
			return 0
		}
		return -1
	}
	for i, o := range l.owners {
		if o.tg == tg {
			return i
		}
	}
	return -1
}

// gc compacts tombstoned slots in place, folded into
// release.
func gc(l *Lease) {
	out := l.owners[:0]
	for _, o := range l.owners {
		if o.tg != 0 {
			out = append(out, o)
		}
	}
	l.owners = out
}

// Release drops tg's hold. A WriteOwned lease transitions unconditionally
// to Unowned; a ReadOwned lease tombstones the slot and transitions when
// the last reader leaves. Non-owner release is rejected.
func (m *Manager) Release(ino uint64, l *Lease, tg trustgroup.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := findOwner(l, tg)
	if idx < 0 {
		return errs.InvalidArgument
	}

	if l.state == WriteOwned {
		l.state = Unowned
		l.owners = l.owners[:0]
		return nil
	}

	l.owners[idx].tg = 0
	l.owners[idx].tsc = time.Time{}
	gc(l)
	if len(l.owners) == 0 {
		l.state = Unowned
	}
	return nil
}

// Renew refreshes tg's TSC slot only. The Client's
// background renewer calls this while a descriptor stays open.
func (m *Manager) Renew(ino uint64, l *Lease, tg trustgroup.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := findOwner(l, tg)
	if idx < 0 {
		return errs.InvalidArgument
	}
	l.owners[idx].tsc = m.now()
	return nil
}

// Holds reports whether tg currently owns the lease in any mode.
func (m *Manager) Holds(l *Lease, tg trustgroup.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return findOwner(l, tg) >= 0
}
