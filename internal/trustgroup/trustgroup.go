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

// Package trustgroup implements the Trust-Group (TG) table: a
// process->TG mapping where a TG groups cooperating processes sharing a
// mount's leases and rings.
//
// Membership is keyed by an opaque ProcessID the caller supplies (a
// goroutine/process identity is not a stable kernel concept in Go), and
// each TG additionally carries a github.com/google/uuid external handle,
// since the dense internal id is not meaningful to API consumers outside
// this package.
package trustgroup

import (
	"sync"

	"github.com/arckfs/arckfs/internal/errs"
	"github.com/google/uuid"
)

// ProcessID identifies a cooperating process/thread for membership
// purposes; stands in for a Linux pid.
type ProcessID uint64

// MaxProcessesPerTG bounds SUFS_MAX_PROCESS_PER_TGROUP.
const MaxProcessesPerTG = 64

// ID is the dense internal trust-group identifier. Zero means "no TG".
type ID uint32

// TG is one trust group: a set of member processes sharing a mount VMA and
// per-TG rings.
type TG struct {
	ID      ID
	Handle  uuid.UUID
	used    bool
	pids    []ProcessID // compacted lazily, mirrors tgroup->pid[]/max_index
	LeaseRing map[uint64]bool // bitmap indexed by inode number; see rings.go
	MapRing   map[uint64]bool
}

// Table is the process-wide TG table, constructed explicitly and passed
// around rather than kept as a package global.
type Table struct {
	mu sync.Mutex

	groups    []TG // index 0 unused, mirrors tgid==0 sentinel
	pidToTgid map[ProcessID]ID

	// Authorize reports whether the caller may mutate TG membership
	// ("root-equivalent" privilege). Nil means "always allow", suitable
	// for single-tenant test harnesses.
	Authorize func() bool
}

// NewTable constructs an empty table sized for maxGroups trust groups.
func NewTable(maxGroups int) *Table {
	if maxGroups < 1 {
		maxGroups = 1
	}
	return &Table{
		groups:    make([]TG, maxGroups),
		pidToTgid: make(map[ProcessID]ID),
	}
}

func (t *Table) authorized() bool {
	return t.Authorize == nil || t.Authorize()
}

// allocLocked finds an unused slot and optionally seeds it with pid as
// its first member.
func (t *Table) allocLocked(pid ProcessID) (ID, error) {
	for i := 1; i < len(t.groups); i++ {
		if !t.groups[i].used {
			t.groups[i] = TG{
				ID:        ID(i),
				Handle:    uuid.New(),
				used:      true,
				LeaseRing: make(map[uint64]bool),
				MapRing:   make(map[uint64]bool),
			}
			if pid != 0 {
				t.groups[i].pids = []ProcessID{pid}
				t.pidToTgid[pid] = ID(i)
			}
			return ID(i), nil
		}
	}
	return 0, errs.NoSpace
}

// Alloc allocates an empty trust group. Requires modify-membership
// privilege.
func (t *Table) Alloc() (ID, error) {
	if !t.authorized() {
		return 0, errs.Permission
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocLocked(0)
}

// Free releases a trust group and clears every member's reverse mapping.
func (t *Table) Free(id ID) error {
	if !t.authorized() {
		return errs.Permission
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freeLocked(id)
}

func (t *Table) freeLocked(id ID) error {
	if int(id) >= len(t.groups) || id == 0 {
		return errs.InvalidArgument
	}
	g := &t.groups[id]
	if !g.used {
		return errs.InvalidArgument
	}
	for _, pid := range g.pids {
		if pid != 0 {
			delete(t.pidToTgid, pid)
		}
	}
	t.groups[id] = TG{}
	return nil
}

// gcLocked compacts a TG's pid slice in place, dropping tombstoned
// (removed) slots.
func gcLocked(g *TG) {
	out := g.pids[:0]
	for _, p := range g.pids {
		if p != 0 {
			out = append(out, p)
		}
	}
	g.pids = out
}

// AddProcess adds pid as a member of tgid, compacting tombstones first if
// the group is at capacity.
func (t *Table) AddProcess(tgid ID, pid ProcessID) error {
	if !t.authorized() {
		return errs.Permission
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(tgid) >= len(t.groups) {
		return errs.InvalidArgument
	}
	g := &t.groups[tgid]
	if !g.used {
		return errs.InvalidArgument
	}

	if len(g.pids) == MaxProcessesPerTG {
		gcLocked(g)
		if len(g.pids) == MaxProcessesPerTG {
			return errs.NoSpace
		}
	}

	t.pidToTgid[pid] = tgid
	g.pids = append(g.pids, pid)
	return nil
}

// RemoveProcess removes pid from tgid.
func (t *Table) RemoveProcess(tgid ID, pid ProcessID) error {
	if !t.authorized() {
		return errs.Permission
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(tgid) >= len(t.groups) {
		return errs.InvalidArgument
	}
	g := &t.groups[tgid]
	if !g.used {
		return errs.InvalidArgument
	}

	for i, p := range g.pids {
		if p == pid {
			g.pids[i] = 0
			delete(t.pidToTgid, pid)
			if i == len(g.pids)-1 {
				g.pids = g.pids[:i]
			}
			return nil
		}
	}
	return errs.NotFound
}

// PidToTgid is the hot lookup path: returns the TG a pid belongs to,
// optionally
// auto-allocating a single-member TG on first use. Unlike the mutating
// membership operations above, this does not require privilege — every
// process is allowed to look up (or create) its own TG.
func (t *Table) PidToTgid(pid ProcessID, autoAlloc bool) (ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.pidToTgid[pid]; ok {
		return id, nil
	}
	if !autoAlloc {
		return 0, nil
	}
	return t.allocLocked(pid)
}

// Get returns a copy of the TG record for id, for read-only inspection
// (e.g. rendering its lease/map rings).
func (t *Table) Get(id ID) (TG, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(id) >= len(t.groups) || !t.groups[id].used {
		return TG{}, false
	}
	return t.groups[id], true
}
