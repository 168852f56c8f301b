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

package agent

import (
	"sync"

	"github.com/arckfs/arckfs/internal/errs"
)

// SliceSpace is the in-process stand-in for a requesting task's mm:
// Client buffers are registered under synthetic user-virtual addresses,
// and an Agent resolves a request's [uaddr, uaddr+bytes) range against
// the registry in place of a page-table walk under the requester's mm. A
// registered buffer is one contiguous chunk, so merging adjacent pages is
// already done.
type SliceSpace struct {
	mu   sync.Mutex
	next uint64
	bufs map[uint64][]byte
}

// UserBase is where synthetic user addresses start; distinct from the
// mount window so a confused offset fails translation instead of aliasing.
const UserBase = 0x7f00_0000_0000

// NewSliceSpace constructs an empty registry.
func NewSliceSpace() *SliceSpace {
	return &SliceSpace{next: UserBase, bufs: make(map[uint64][]byte)}
}

// Register maps buf at a fresh user address. The caller must Unregister
// after its delegations complete.
func (s *SliceSpace) Register(buf []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := s.next
	// Keep registrations page-disjoint so a bad length cannot bleed into
	// a neighbor.
	s.next += (uint64(len(buf)) + 8191) &^ 4095
	s.bufs[addr] = buf
	return addr
}

// Unregister drops the registration at addr.
func (s *SliceSpace) Unregister(addr uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bufs, addr)
}

// Resolve implements AddressSpace.
func (s *SliceSpace) Resolve(uaddr, bytes uint64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for base, buf := range s.bufs {
		if uaddr >= base && uaddr+bytes <= base+uint64(len(buf)) {
			off := uaddr - base
			return [][]byte{buf[off : off+bytes]}, nil
		}
	}
	return nil, errs.IO
}
