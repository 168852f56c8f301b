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

import "time"

// GetDefaultConfig returns the configuration used before any flags, env
// vars, or config file are parsed — and the configuration a test harness
// can start from directly.
func GetDefaultConfig() Config {
	return Config{
		Debug: DebugConfig{},
		Logging: LoggingConfig{
			Severity: InfoLogSeverity,
			Format:   "text",
			LogRotate: LogRotateConfig{
				MaxFileSizeMB:   512,
				BackupFileCount: 10,
				Compress:        true,
			},
		},
		Supervisor: SupervisorConfig{
			Sockets:                    1,
			CPUsPerSocket:              8,
			PMNodes:                    []PMNode{{StartBlock: 0, EndBlock: 1 << 20}},
			DelegationThreadsPerSocket: 0,
			RingEntries:                64,
			WriteDelegationLimit:       64 * KiB,
			ExtentSize:                 2 * MiB,
			BlockSize:                  4 * KiB,
			MaxLeaseOwners:             16,
			LeasePeriod:                TSCDuration(200 * time.Millisecond),
			InodeChunkSize:             1024,
			MaxInodes:                  1 << 20,
			RootMode:                   0755,
		},
		Client: ClientConfig{
			AllocCPU:      -1,
			AllocNUMA:     -1,
			InitAllocSize: 0,
			AllocPinCPU:   false,
			RootPath:      "/arckfs",
		},
	}
}
