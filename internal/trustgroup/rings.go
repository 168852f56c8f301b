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

// Lease-ring and map-ring accessors. The rings are per-TG bitmaps
// indexed by inode number: lease_ring is set by the Client while it is
// inside a lease-holding critical section and inspected by the Supervisor
// to distinguish true liveness from expiry; map_ring tracks "currently
// mapped in our VMA". They are table-locked maps behind typed accessors.

// SetLeaseBit sets or clears tg's lease_ring bit for ino.
func (t *Table) SetLeaseBit(id ID, ino uint64, set bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(id) >= len(t.groups) || !t.groups[id].used {
		return
	}
	if set {
		t.groups[id].LeaseRing[ino] = true
	} else {
		delete(t.groups[id].LeaseRing, ino)
	}
}

// LeaseBit reports tg's lease_ring bit for ino.
func (t *Table) LeaseBit(id ID, ino uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(id) >= len(t.groups) || !t.groups[id].used {
		return false
	}
	return t.groups[id].LeaseRing[ino]
}

// SetMapBit sets or clears tg's map_ring bit for ino.
func (t *Table) SetMapBit(id ID, ino uint64, set bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(id) >= len(t.groups) || !t.groups[id].used {
		return
	}
	if set {
		t.groups[id].MapRing[ino] = true
	} else {
		delete(t.groups[id].MapRing, ino)
	}
}

// MapBit reports tg's map_ring bit for ino.
func (t *Table) MapBit(id ID, ino uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(id) >= len(t.groups) || !t.groups[id].used {
		return false
	}
	return t.groups[id].MapRing[ino]
}
