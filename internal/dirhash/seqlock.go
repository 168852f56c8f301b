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

package dirhash

import "sync/atomic"

// seqLock guards the bucket-table pointer swap during resize: readers
// retry instead of blocking, so lookups never take a table-wide lock.
type seqLock struct {
	seq atomic.Uint64
}

func (s *seqLock) readBegin() uint64 { return s.seq.Load() }

func (s *seqLock) readRetry(begin uint64) bool {
	return begin&1 != 0 || s.seq.Load() != begin
}

func (s *seqLock) writeBegin() { s.seq.Add(1) }
func (s *seqLock) writeEnd()   { s.seq.Add(1) }
