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

// Package errs defines the small, closed error taxonomy used across the
// arckfs core. Every fallible operation in this repository
// returns one of these sentinels (or wraps one with fmt.Errorf("%w", ...)),
// never a bare string or a panic; there is no unwinding in this model.
package errs

import "errors"

// Kinds, not concrete types: callers switch on errors.Is against these
// sentinels, and may wrap them with additional context.
var (
	// InvalidArgument covers malformed ioctl payloads, re-acquiring a lease
	// already held by the same trust group, and similar caller mistakes.
	InvalidArgument = errors.New("arckfs: invalid argument")

	// NoSpace covers allocator exhaustion and a read lease at MAX_OWNERS.
	NoSpace = errors.New("arckfs: no space")

	// Again is transient: a full ring, or a lease contended by an
	// unexpired writer. Callers may spin or back off.
	Again = errors.New("arckfs: again")

	// Permission covers mode/uid/gid check failures.
	Permission = errors.New("arckfs: permission denied")

	// NotFound covers a missing inode, trust group, or path.
	NotFound = errors.New("arckfs: not found")

	// IO covers Agent address-translation failures; these should not occur
	// on the happy path and are logged when they do.
	IO = errors.New("arckfs: io error")
)

// Errno maps a wrapped sentinel to the conventional negative errno the
// ioctl surface returns to callers. Unrecognized errors map to
// a generic -EIO.
func Errno(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, InvalidArgument):
		return -22 // EINVAL
	case errors.Is(err, NoSpace):
		return -28 // ENOSPC
	case errors.Is(err, Again):
		return -11 // EAGAIN
	case errors.Is(err, Permission):
		return -13 // EACCES
	case errors.Is(err, NotFound):
		return -2 // ENOENT
	case errors.Is(err, IO):
		return -5 // EIO
	case errors.Is(err, ErrNoDevice):
		return -19 // ENODEV
	default:
		return -5 // EIO
	}
}

// ErrNoDevice is returned when an operation names a PM node or device that
// does not exist in the mounted super-block.
var ErrNoDevice = errors.New("arckfs: no such device")
