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

// Package ring implements the delegation transport: fixed-capacity
// request rings between Client CPUs and per-socket Agents, with a
// multi-producer locked send side and a single lock-free consumer. The
// slot protocol: a producer writes a slot only while its valid flag is
// clear, the consumer reads only while it is set, and the flag store is
// the publication point. The storage has one owner and two typed handles
// split at construction, so a caller cannot mix directions.
package ring

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arckfs/arckfs/internal/errs"
	"github.com/arckfs/arckfs/internal/pmregion"
	"github.com/google/uuid"
)

// RequestType selects the Agent operation.
type RequestType uint8

const (
	// Read copies PM -> user buffer.
	Read RequestType = iota
	// Write copies user buffer -> PM.
	Write
	// Clear zeroes a PM range on the Supervisor's behalf.
	Clear
)

func (t RequestType) String() string {
	switch t {
	case Read:
		return "read"
	case Write:
		return "write"
	case Clear:
		return "clear"
	default:
		return fmt.Sprintf("RequestType(%d)", int(t))
	}
}

// Request is one delegation request, the payload of a ring slot. The
// slot keeps the valid flag on its own cache line via padding, so
// publication is a plain flag store.
type Request struct {
	ID         uuid.UUID // correlation id, carried through logs
	Type       RequestType
	Zero       bool
	FlushCache bool
	SFence     bool

	UAddr  uint64          // user-virtual source/destination
	Offset pmregion.Offset // PM-side fixed-base offset
	Bytes  uint64

	// NotifyIdx/Level/Node locate the issuer's completion counter in the
	// notifier table; Notify short-circuits the table for
	// Supervisor-issued Clear requests.
	NotifyIdx int
	Level     int
	Node      int
	Notify    *Notifier
}

type pad [56]byte

type slot struct {
	req   Request
	_     pad
	valid atomic.Uint32
	_     pad
}

type ring struct {
	slots []slot

	prodMu  sync.Mutex
	prodIdx int

	consIdx int
}

// SendHandle is the producer view. Multiple Client threads may share one;
// enqueues are serialized by the handle's lock.
type SendHandle struct{ r *ring }

// RecvHandle is the consumer view. Exactly one Agent holds it; Recv takes
// no lock.
type RecvHandle struct{ r *ring }

// New creates a ring of numEntries slots and splits it into its two typed
// handles. numEntries must be a positive power of two (cfg validation
// enforces the same bound on the configured value).
func New(numEntries int) (*SendHandle, *RecvHandle, error) {
	if numEntries <= 0 || numEntries&(numEntries-1) != 0 {
		return nil, nil, fmt.Errorf("%w: ring entries %d must be a positive power of two", errs.InvalidArgument, numEntries)
	}
	r := &ring{slots: make([]slot, numEntries)}
	return &SendHandle{r: r}, &RecvHandle{r: r}, nil
}

// Capacity reports the slot count.
func (h *SendHandle) Capacity() int { return len(h.r.slots) }

// Send enqueues req. Returns errs.Again when the slot at the producer
// index is still valid (ring full); callers spin or back off.
func (h *SendHandle) Send(req *Request) error {
	r := h.r
	r.prodMu.Lock()
	defer r.prodMu.Unlock()

	s := &r.slots[r.prodIdx]
	if s.valid.Load() != 0 {
		return errs.Again
	}

	s.req = *req
	// Publish: the payload store above must not be reordered past this.
	s.valid.Store(1)
	r.prodIdx = (r.prodIdx + 1) % len(r.slots)
	return nil
}

// Recv dequeues into out. Returns errs.Again when the slot at the consumer
// index is empty. Single consumer; no lock taken.
func (h *RecvHandle) Recv(out *Request) error {
	r := h.r
	s := &r.slots[r.consIdx]
	if s.valid.Load() == 0 {
		return errs.Again
	}

	*out = s.req
	s.valid.Store(0)
	r.consIdx = (r.consIdx + 1) % len(r.slots)
	return nil
}
