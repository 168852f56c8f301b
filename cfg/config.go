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

// Package cfg defines the configuration surface of the arckfs Supervisor
// and Client, bound to command-line flags and an optional YAML config file
// through spf13/viper.
package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the root configuration object, unmarshaled from flags/env/file
// by viper.
type Config struct {
	Debug      DebugConfig      `yaml:"debug"`
	Logging    LoggingConfig    `yaml:"logging"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Client     ClientConfig     `yaml:"client"`
}

type DebugConfig struct {
	// ExitOnInvariantViolation makes the Supervisor panic instead of
	// logging when an internal consistency check fails.
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`
}

type LoggingConfig struct {
	Severity  LogSeverity        `yaml:"severity"`
	Format    string             `yaml:"format"`
	LogRotate LogRotateConfig    `yaml:"log-rotate"`
	FilePath  ResolvedPath       `yaml:"file-path"`
}

type LogRotateConfig struct {
	MaxFileSizeMB   int  `yaml:"max-file-size-mb"`
	BackupFileCount int  `yaml:"backup-file-count"`
	Compress        bool `yaml:"compress"`
}

// SupervisorConfig governs the PM layout and the per-CPU/per-socket
// structures the Supervisor owns.
type SupervisorConfig struct {
	Sockets                    int         `yaml:"sockets"`
	CPUsPerSocket              int         `yaml:"cpus-per-socket"`
	PMNodes                    []PMNode    `yaml:"pm-nodes"`
	DelegationThreadsPerSocket int         `yaml:"delegation-threads-per-socket"`
	RingEntries                int         `yaml:"ring-entries"`
	WriteDelegationLimit       ByteSize    `yaml:"write-delegation-limit"`
	ExtentSize                 ByteSize    `yaml:"extent-size"`
	BlockSize                  ByteSize    `yaml:"block-size"`
	MaxLeaseOwners             int         `yaml:"max-lease-owners"`
	LeasePeriod                TSCDuration `yaml:"lease-period"`
	InodeChunkSize             int         `yaml:"inode-chunk-size"`
	MaxInodes                  int         `yaml:"max-inodes"`
	RootMode                   Octal       `yaml:"root-mode"`
}

// PMNode describes one persistent-memory NUMA node's block range
// in the super-block's PM-node table.
type PMNode struct {
	StartBlock int64 `yaml:"start-block"`
	EndBlock   int64 `yaml:"end-block"`
}

// ClientConfig mirrors the environment variables recognized by the Client.
type ClientConfig struct {
	AllocCPU      int      `yaml:"alloc-cpu"`
	AllocNUMA     int      `yaml:"alloc-numa"`
	InitAllocSize ByteSize `yaml:"init-alloc-size"`
	AllocPinCPU   bool     `yaml:"alloc-pin-cpu"`
	PreloadFiles  []string `yaml:"preload-file"`
	RootPath      string   `yaml:"root-path"`
}

// BindFlags registers every Config field as a pflag and binds it into
// viper, so that flags, environment variables (ARCKFS_*) and a YAML config
// file can all populate the same Config struct.
func BindFlags(flagSet *pflag.FlagSet) error {
	bind := func(name string, bindErr *error) {
		if *bindErr != nil {
			return
		}
		*bindErr = viper.BindPFlag(name, flagSet.Lookup(name))
	}

	var err error

	flagSet.Bool("debug.exit-on-invariant-violation", false, "Panic instead of logging on invariant violation.")
	bind("debug.exit-on-invariant-violation", &err)

	flagSet.String("logging.severity", string(InfoLogSeverity), "TRACE, DEBUG, INFO, WARNING, ERROR, or OFF.")
	bind("logging.severity", &err)
	flagSet.String("logging.format", "text", "text or json.")
	bind("logging.format", &err)
	flagSet.String("logging.file-path", "", "Log file path; empty means stderr.")
	bind("logging.file-path", &err)

	flagSet.Int("supervisor.sockets", 1, "Number of NUMA sockets.")
	bind("supervisor.sockets", &err)
	flagSet.Int("supervisor.cpus-per-socket", 8, "Logical CPUs per socket.")
	bind("supervisor.cpus-per-socket", &err)
	flagSet.Int("supervisor.delegation-threads-per-socket", 0, "Agent threads per socket; 0 disables delegation.")
	bind("supervisor.delegation-threads-per-socket", &err)
	flagSet.Int("supervisor.ring-entries", 64, "Delegation ring capacity (power of two).")
	bind("supervisor.ring-entries", &err)
	flagSet.String("supervisor.write-delegation-limit", "64KiB", "Writes at or above this size are delegated to an Agent.")
	bind("supervisor.write-delegation-limit", &err)
	flagSet.String("supervisor.extent-size", "2MiB", "File data extent size.")
	bind("supervisor.extent-size", &err)
	flagSet.String("supervisor.block-size", "4KiB", "PM block size.")
	bind("supervisor.block-size", &err)
	flagSet.Int("supervisor.max-lease-owners", 16, "Maximum concurrent read-lease owners per inode.")
	bind("supervisor.max-lease-owners", &err)
	flagSet.String("supervisor.lease-period", "200ms", "Lease expiry period.")
	bind("supervisor.lease-period", &err)
	flagSet.Int("supervisor.inode-chunk-size", 1024, "Validated but not read: the Client requests 64 inode numbers per refill.")
	bind("supervisor.inode-chunk-size", &err)
	flagSet.Int("supervisor.max-inodes", 1 << 20, "Total inode numbers in the file system.")
	bind("supervisor.max-inodes", &err)
	flagSet.String("supervisor.root-mode", "0755", "Octal mode of the root directory.")
	bind("supervisor.root-mode", &err)

	flagSet.Int("client.alloc-cpu", -1, "Pin allocation to this CPU; -1 uses CPU 0.")
	bind("client.alloc-cpu", &err)
	flagSet.Int("client.alloc-numa", -1, "Pin allocation to this NUMA node; -1 autodetects.")
	bind("client.alloc-numa", &err)
	flagSet.String("client.init-alloc-size", "0B", "Blocks to prefetch into the per-CPU free list at mount.")
	bind("client.init-alloc-size", &err)
	flagSet.Bool("client.alloc-pin-cpu", false, "Pin the calling thread to its allocation CPU.")
	bind("client.alloc-pin-cpu", &err)
	flagSet.StringSlice("client.preload-file", nil, "Comma-separated paths to warm the index for at startup.")
	bind("client.preload-file", &err)
	flagSet.String("client.root-path", "/arckfs", "Path prefix intercepted by the Client; others pass through to the host fs.")
	bind("client.root-path", &err)

	return err
}
