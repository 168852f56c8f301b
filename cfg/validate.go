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

package cfg

import "fmt"

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// ValidateConfig returns a non-nil error if the config cannot produce a
// consistent super-block layout.
func ValidateConfig(c *Config) error {
	s := &c.Supervisor

	if s.Sockets < 1 {
		return fmt.Errorf("supervisor.sockets must be at least 1")
	}
	if s.CPUsPerSocket < 1 {
		return fmt.Errorf("supervisor.cpus-per-socket must be at least 1")
	}
	if len(s.PMNodes) == 0 {
		return fmt.Errorf("supervisor.pm-nodes must list at least one node")
	}
	for i, n := range s.PMNodes {
		if n.EndBlock <= n.StartBlock {
			return fmt.Errorf("supervisor.pm-nodes[%d]: end-block must be greater than start-block", i)
		}
	}
	if s.DelegationThreadsPerSocket < 0 {
		return fmt.Errorf("supervisor.delegation-threads-per-socket cannot be negative")
	}
	if !isPowerOfTwo(s.RingEntries) {
		return fmt.Errorf("supervisor.ring-entries must be a power of two, got %d", s.RingEntries)
	}
	if s.ExtentSize <= 0 || s.ExtentSize%s.BlockSize != 0 {
		return fmt.Errorf("supervisor.extent-size must be a positive multiple of block-size")
	}
	if s.BlockSize <= 0 {
		return fmt.Errorf("supervisor.block-size must be positive")
	}
	if s.MaxLeaseOwners < 1 {
		return fmt.Errorf("supervisor.max-lease-owners must be at least 1")
	}
	if s.LeasePeriod.Duration() <= 0 {
		return fmt.Errorf("supervisor.lease-period must be positive")
	}
	if s.InodeChunkSize < 1 {
		return fmt.Errorf("supervisor.inode-chunk-size must be at least 1")
	}
	if s.MaxInodes < 1 {
		return fmt.Errorf("supervisor.max-inodes must be at least 1")
	}

	if err := isValidLogRotateConfig(&c.Logging.LogRotate); err != nil {
		return fmt.Errorf("logging.log-rotate: %w", err)
	}
	if c.Logging.Severity.Rank() < 0 {
		return fmt.Errorf("logging.severity: invalid value %q", c.Logging.Severity)
	}

	return nil
}

func isValidLogRotateConfig(c *LogRotateConfig) error {
	if c.MaxFileSizeMB <= 0 {
		return fmt.Errorf("max-file-size-mb should be at least 1")
	}
	if c.BackupFileCount < 0 {
		return fmt.Errorf("backup-file-count should be 0 (retain all) or positive")
	}
	return nil
}
