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

// String renders the config for startup logging. There are no credentials
// here, so everything is printed.
func (c Config) String() string {
	return fmt.Sprintf(
		"sockets=%d cpus-per-socket=%d pm-nodes=%d delegation-threads=%d "+
			"ring-entries=%d extent-size=%d block-size=%d lease-period=%s "+
			"max-inodes=%d root-path=%s",
		c.Supervisor.Sockets, c.Supervisor.CPUsPerSocket, len(c.Supervisor.PMNodes),
		c.Supervisor.DelegationThreadsPerSocket, c.Supervisor.RingEntries,
		c.Supervisor.ExtentSize, c.Supervisor.BlockSize, c.Supervisor.LeasePeriod.Duration(),
		c.Supervisor.MaxInodes, c.Client.RootPath)
}
