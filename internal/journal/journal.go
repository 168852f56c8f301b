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

// Package journal implements the per-CPU undo journal: a 4-KiB circular
// ring of 16-byte {target, pre-image} entries per CPU, plus a head/tail
// pointer pair on its own PM cache line. A transaction appends pre-images,
// flushes, publishes the tail, performs the in-place word updates, then
// drops the entries by advancing head. Replay direction defaults to undo;
// the super block carries the direction field, which is read but never
// written here.
package journal

import (
	"fmt"
	"sync"

	"github.com/arckfs/arckfs/internal/errs"
	"github.com/arckfs/arckfs/internal/metrics"
	"github.com/arckfs/arckfs/internal/pmregion"
)

// EntrySize is the on-media size of one undo entry: target offset and
// pre-image value, 8 bytes each.
const EntrySize = 16

// Direction selects the replay semantics. Only undo is implemented; the
// field exists because the on-media format reserves it.
type Direction uint8

const (
	// Undo replay writes pre-images back for uncommitted transactions.
	Undo Direction = 0
	// Redo is reserved and unimplemented.
	Redo Direction = 1
)

// perCPU is one CPU's journal: the PM offsets of its pointer pair and its
// ring page, plus the DRAM lock serializing transactions on that CPU.
type perCPU struct {
	mu      sync.Mutex
	pairOff pmregion.Offset // head u64, tail u64
	ringOff pmregion.Offset // 4-KiB circular page
}

// Journal is the per-CPU journal set for one file-system instance.
type Journal struct {
	region  *pmregion.Region
	cpus    []perCPU
	metrics *metrics.Metrics
}

func (c *perCPU) head(r *pmregion.Region) pmregion.Offset {
	return pmregion.Offset(r.ReadU64(c.pairOff))
}

func (c *perCPU) tail(r *pmregion.Region) pmregion.Offset {
	return pmregion.Offset(r.ReadU64(c.pairOff + 8))
}

// next advances an entry offset within the CPU's circular page
// (next_lite_journal).
func (c *perCPU) next(p pmregion.Offset) pmregion.Offset {
	if (uint64(p)&(pmregion.PageSize-1))+EntrySize >= pmregion.PageSize {
		return pmregion.Offset(uint64(p) & pmregion.PageMask)
	}
	return p + EntrySize
}

// Attach binds to already-initialized journal state: pairOffs[i] is CPU
// i's pointer-pair cache line, ringOffs[i] its ring page ("soft init").
func Attach(region *pmregion.Region, pairOffs, ringOffs []pmregion.Offset, m *metrics.Metrics) (*Journal, error) {
	if len(pairOffs) != len(ringOffs) || len(pairOffs) == 0 {
		return nil, errs.InvalidArgument
	}
	j := &Journal{region: region, cpus: make([]perCPU, len(pairOffs)), metrics: m}
	for i := range pairOffs {
		j.cpus[i].pairOff = pairOffs[i]
		j.cpus[i].ringOff = ringOffs[i]
	}
	return j, nil
}

// Init performs the hard init: head and tail both point at the start of
// each CPU's ring page, flushed and fenced.
func Init(region *pmregion.Region, pairOffs, ringOffs []pmregion.Offset, m *metrics.Metrics) (*Journal, error) {
	j, err := Attach(region, pairOffs, ringOffs, m)
	if err != nil {
		return nil, err
	}
	for i := range j.cpus {
		c := &j.cpus[i]
		region.WriteU64(c.pairOff, uint64(c.ringOff))
		region.WriteU64(c.pairOff+8, uint64(c.ringOff))
		region.Clwb(c.pairOff, pmregion.CacheLine)
	}
	region.Sfence()
	return j, nil
}

// CPUs reports how many per-CPU journals exist.
func (j *Journal) CPUs() int { return len(j.cpus) }

// Tx is one open transaction on a CPU's journal. The CPU's journal lock is
// held from Begin until Commit or Abort, covering the in-place updates in
// between — the rename sequence requires exactly this.
type Tx struct {
	j    *Journal
	cpu  *perCPU
	tail pmregion.Offset
	open bool
}

// Begin opens a transaction on cpu's journal. head != tail here means a
// previous transaction never finished, which mount-time replay should have
// cleared.
func (j *Journal) Begin(cpu int) (*Tx, error) {
	if cpu < 0 || cpu >= len(j.cpus) {
		return nil, errs.InvalidArgument
	}
	c := &j.cpus[cpu]
	c.mu.Lock()

	head := c.head(j.region)
	tail := c.tail(j.region)
	if head == 0 || head != tail {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: journal cpu %d has an unreplayed transaction (head %#x tail %#x)", errs.IO, cpu, head, tail)
	}
	return &Tx{j: j, cpu: c, tail: tail, open: true}, nil
}

// Append records an undo entry for the 8-byte word at target: the entry
// carries the target offset and the word's current value (its pre-image).
// Target is aligned down to 8 bytes first.
func (tx *Tx) Append(target pmregion.Offset) {
	target = pmregion.Offset(uint64(target) &^ 7)

	r := tx.j.region
	r.WriteU64(tx.tail, uint64(target))
	r.WriteU64(tx.tail+8, r.ReadU64(target))
	tx.tail = tx.cpu.next(tx.tail)
}

// flush writes back the entry range [head, tail), handling wrap.
func (tx *Tx) flush(head, tail pmregion.Offset) {
	r := tx.j.region
	if head == tail {
		return
	}
	if head < tail {
		r.Clwb(head, uint64(tail-head))
		return
	}
	pageStart := pmregion.Offset(uint64(tail) & pmregion.PageMask)
	r.Clwb(head, pmregion.PageSize-(uint64(head)&^pmregion.PageMask))
	r.Clwb(pageStart, uint64(tail)-uint64(pageStart))
}

// Publish persists the appended entries and the new tail. After Publish
// returns, a crash at any point before Commit replays the pre-images.
func (tx *Tx) Publish() {
	r := tx.j.region
	c := tx.cpu

	head := c.head(r)
	tx.flush(head, tx.tail)

	r.WriteU64(c.pairOff+8, uint64(tx.tail))
	r.Clwb(c.pairOff, pmregion.CacheLine)
	r.Sfence()
}

// Commit drops the journaled entries by advancing head to tail
// and releases the CPU's journal
// lock.
func (tx *Tx) Commit() {
	if !tx.open {
		return
	}
	r := tx.j.region
	c := tx.cpu

	r.WriteU64(c.pairOff, uint64(tx.tail))
	r.Clwb(c.pairOff, pmregion.CacheLine)
	r.Sfence()

	if tx.j.metrics != nil {
		tx.j.metrics.JournalTransactions.Inc()
	}

	tx.open = false
	c.mu.Unlock()
}

// Abort releases the lock without touching PM: the published entries (if
// any) remain live and the next mount replays them, making an abort
// indistinguishable from a crash before commit.
func (tx *Tx) Abort() {
	if !tx.open {
		return
	}
	tx.open = false
	tx.cpu.mu.Unlock()
}

// Replay performs mount-time recovery: for every CPU where head != tail,
// walk the live entries tail back to head writing each pre-image to its
// target, then set head = tail. Returns the number of entries replayed.
func (j *Journal) Replay() (int, error) {
	r := j.region
	replayed := 0

	for i := range j.cpus {
		c := &j.cpus[i]
		c.mu.Lock()

		head := c.head(r)
		tail := c.tail(r)
		if head == 0 || head == tail {
			c.mu.Unlock()
			continue
		}

		// Undo runs newest-first: walking tail back toward head means a
		// target journaled twice ends up with its earliest pre-image.
		var live []pmregion.Offset
		for p := head; p != tail; p = c.next(p) {
			live = append(live, p)
		}
		for i := len(live) - 1; i >= 0; i-- {
			p := live[i]
			target := pmregion.Offset(r.ReadU64(p))
			prior := r.ReadU64(p + 8)
			r.WriteU64(target, prior)
			r.Clwb(target, 8)
			replayed++
		}
		r.Sfence()

		r.WriteU64(c.pairOff, uint64(tail))
		r.Clwb(c.pairOff, pmregion.CacheLine)
		r.Sfence()

		c.mu.Unlock()
	}

	if j.metrics != nil {
		j.metrics.JournalReplayedEntries.Add(float64(replayed))
	}
	return replayed, nil
}

// Pending reports whether cpu has an unreplayed transaction, for fsck.
// It reads the head/tail pair without taking the CPU's journal lock, so it
// may be called while a transaction on that CPU is open.
func (j *Journal) Pending(cpu int) bool {
	if cpu < 0 || cpu >= len(j.cpus) {
		return false
	}
	c := &j.cpus[cpu]
	return c.head(j.region) != c.tail(j.region)
}
