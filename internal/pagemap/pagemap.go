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

// Package pagemap models the page-table installation contract: installing
// PFN ranges into a trust group's reserved VMA window with computed
// protection, and zapping them on unmap or lease takeover.
//
// Real PTE manipulation is out of scope; this implementation keeps the
// installed state in DRAM so the rest of the system — lease takeover
// zaps, map_ring bookkeeping, access checks — is exercised with the real
// contract.
package pagemap

import (
	"fmt"
	"sync"

	"github.com/arckfs/arckfs/internal/errs"
	"github.com/arckfs/arckfs/internal/pmregion"
)

// Prot is the protection computed from {read|write|shared}.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtShared
)

// CanWrite reports whether the protection permits stores.
func (p Prot) CanWrite() bool { return p&ProtWrite != 0 }

type mapping struct {
	pfn  uint64
	prot Prot
}

// VMA is one trust group's reserved mount window. It is pre-reserved at
// mount and does not support demand paging: translating an uninstalled
// address is a fault, fatal to the offending process per the contract.
type VMA struct {
	Base uint64
	Size uint64

	mu        sync.Mutex
	installed map[uint64]mapping // page-aligned vaddr -> mapping
}

// NewVMA reserves a window of size bytes at base.
func NewVMA(base, size uint64) *VMA {
	return &VMA{Base: base, Size: size, installed: make(map[uint64]mapping)}
}

func (v *VMA) contains(vaddr uint64) bool {
	return vaddr >= v.Base && vaddr < v.Base+v.Size
}

// Install installs count contiguous PFNs starting at vaddr with prot.
// Re-installing an already-mapped page overwrites its protection, which is
// how a read mapping is replaced after a lease upgrade through
// release-and-reacquire.
func (v *VMA) Install(vaddr, pfn uint64, prot Prot, count int) error {
	if count <= 0 || vaddr%pmregion.PageSize != 0 {
		return errs.InvalidArgument
	}
	end := vaddr + uint64(count)*pmregion.PageSize
	if !v.contains(vaddr) || end > v.Base+v.Size {
		return fmt.Errorf("%w: [%#x, %#x) outside VMA [%#x, %#x)", errs.InvalidArgument, vaddr, end, v.Base, v.Base+v.Size)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for i := 0; i < count; i++ {
		v.installed[vaddr+uint64(i)*pmregion.PageSize] = mapping{pfn: pfn + uint64(i), prot: prot}
	}
	return nil
}

// Zap removes installed PTEs over [vaddr, vaddr+bytes) and "flushes the
// TLB" (nothing to flush here; the removal itself is the visible effect).
// Zapping an uninstalled range is a no-op, matching zap_page_range.
func (v *VMA) Zap(vaddr, bytes uint64) error {
	if vaddr%pmregion.PageSize != 0 {
		return errs.InvalidArgument
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for a := vaddr; a < vaddr+bytes; a += pmregion.PageSize {
		delete(v.installed, a)
	}
	return nil
}

// ZapAll clears the whole window, used at unmount.
func (v *VMA) ZapAll() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.installed = make(map[uint64]mapping)
}

// Translate resolves vaddr to its PFN and protection. ok is false on an
// uninstalled page — the caller treats that as a fatal fault, not an error
// to recover from.
func (v *VMA) Translate(vaddr uint64) (pfn uint64, prot Prot, ok bool) {
	page := vaddr & pmregion.PageMask
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.installed[page]
	if !ok {
		return 0, 0, false
	}
	return m.pfn, m.prot, true
}

// Installed reports how many pages are currently mapped.
func (v *VMA) Installed() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.installed)
}

// ProtFor computes the protection bits for a lease mode.
func ProtFor(writable bool) Prot {
	p := ProtRead | ProtShared
	if writable {
		p |= ProtWrite
	}
	return p
}
