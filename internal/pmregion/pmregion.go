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

// Package pmregion provides the byte-addressable persistent-memory region
// every other subsystem operates on. The region is an mmap'd file (or an
// anonymous mapping for tests), standing in for a DAX device window
// mounted at a fixed virtual address.
//
// Persistent structures never store virtual addresses; they store Offsets
// from the region base and translate at use sites as typed offsets.
// CLWB/SFENCE are modeled as explicit persist points: on a
// file-backed region Clwb issues an async msync over the touched lines, and
// both calls are counted so tests can assert persist ordering.
package pmregion

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Offset is a byte offset from the region base. Offset 0 is the first byte
// of the super page; a zero Offset doubles as the null pointer throughout
// the on-media format.
type Offset uint64

const (
	// PageSize is the PM block size (4 KiB).
	PageSize = 4096
	// CacheLine is the persist granularity.
	CacheLine = 64
)

// PageMask strips the in-page offset.
const PageMask = ^uint64(PageSize - 1)

// Region is one mapped PM window.
type Region struct {
	data []byte
	file *os.File // nil for anonymous regions

	clwbs   atomic.Uint64
	sfences atomic.Uint64
}

// Map opens (creating if necessary) path, sizes it to size bytes, and maps
// it shared, so that committed bytes survive process exit the way PM
// contents survive a Client crash.
func Map(path string, size int64) (*Region, error) {
	if size <= 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("pmregion: size %d is not a positive multiple of the page size", size)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("pmregion: open %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("pmregion: truncate %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pmregion: mmap %s: %w", path, err)
	}

	return &Region{data: data, file: f}, nil
}

// MapAnonymous maps a private anonymous region. Contents do not survive the
// process; tests and the fsck dry-run mode use this.
func MapAnonymous(size int64) (*Region, error) {
	if size <= 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("pmregion: size %d is not a positive multiple of the page size", size)
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("pmregion: anonymous mmap: %w", err)
	}
	return &Region{data: data}, nil
}

// Close unmaps the region and closes the backing file if any.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
		r.file = nil
	}
	return err
}

// Size reports the mapped length in bytes.
func (r *Region) Size() uint64 { return uint64(len(r.data)) }

// Slice returns a view of [off, off+n). It panics on out-of-range access:
// the VMA contract makes a stray access fatal to the
// offending process rather than recoverable.
func (r *Region) Slice(off Offset, n uint64) []byte {
	end := uint64(off) + n
	if end < uint64(off) || end > uint64(len(r.data)) {
		panic(fmt.Sprintf("pmregion: access [%#x, %#x) outside region of %d bytes", off, end, len(r.data)))
	}
	return r.data[off:end]
}

// ReadU64 loads the 8-byte word at off.
func (r *Region) ReadU64(off Offset) uint64 {
	return binary.LittleEndian.Uint64(r.Slice(off, 8))
}

// WriteU64 stores v at off. An aligned 8-byte store is the atomic publish
// unit of the on-media format (index slots, journal pointers, tombstones).
func (r *Region) WriteU64(off Offset, v uint64) {
	binary.LittleEndian.PutUint64(r.Slice(off, 8), v)
}

// ReadU32/WriteU32 cover the 4-byte inode fields (mode, uid, gid).
func (r *Region) ReadU32(off Offset) uint32 {
	return binary.LittleEndian.Uint32(r.Slice(off, 4))
}

func (r *Region) WriteU32(off Offset, v uint32) {
	binary.LittleEndian.PutUint32(r.Slice(off, 4), v)
}

// Clwb writes back the cache lines covering [off, off+n). On a file-backed
// region this is an asynchronous msync of the covering pages; either way
// the call is counted so tests can observe persist points.
func (r *Region) Clwb(off Offset, n uint64) {
	r.clwbs.Add(1)
	if r.file == nil || n == 0 {
		return
	}
	start := uint64(off) & PageMask
	end := (uint64(off) + n + PageSize - 1) & PageMask
	if end > uint64(len(r.data)) {
		end = uint64(len(r.data))
	}
	// Best effort: a failed writeback is indistinguishable from a crash
	// before the persist point, which the journal already tolerates.
	_ = unix.Msync(r.data[start:end], unix.MS_ASYNC)
}

// Sfence orders all preceding Clwb calls before any later store. In-process
// the memory model already gives us this; the call marks (and counts) the
// persist boundary.
func (r *Region) Sfence() {
	r.sfences.Add(1)
}

// PersistCounts reports how many Clwb and Sfence calls have been issued,
// for tests asserting persist ordering.
func (r *Region) PersistCounts() (clwbs, sfences uint64) {
	return r.clwbs.Load(), r.sfences.Load()
}

// Memset fills [off, off+n) with b.
func (r *Region) Memset(off Offset, n uint64, b byte) {
	s := r.Slice(off, n)
	for i := range s {
		s[i] = b
	}
}
