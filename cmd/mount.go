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

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arckfs/arckfs/cfg"
	"github.com/arckfs/arckfs/internal/client"
	"github.com/arckfs/arckfs/internal/logger"
	"github.com/arckfs/arckfs/internal/metrics"
	"github.com/arckfs/arckfs/internal/pmregion"
	"github.com/arckfs/arckfs/internal/super"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var mountSizeFlag string

var mountCmd = &cobra.Command{
	Use:   "mount <pm-image>",
	Short: "Run an in-process Supervisor plus one Client trust group over a PM image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMount(args[0], &rootConfig)
	},
}

func init() {
	mountCmd.Flags().StringVar(&mountSizeFlag, "size", "1GiB", "PM image size when creating a fresh image.")
}

func runMount(image string, c *cfg.Config) error {
	var size cfg.ByteSize
	if err := size.UnmarshalText([]byte(mountSizeFlag)); err != nil {
		return err
	}

	region, err := pmregion.Map(image, int64(size))
	if err != nil {
		return err
	}
	defer region.Close()

	reg := prometheus.NewRegistry()
	sup, err := super.New(region, superOptions(c, reg))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.StartAgents(ctx)
	defer sup.Stop()

	cl, err := client.Mount(sup, client.Options{
		PID:             1,
		AllocCPU:        c.Client.AllocCPU,
		AllocNUMA:       c.Client.AllocNUMA,
		InitAllocBlocks: uint64(c.Client.InitAllocSize) / pmregion.PageSize,
		RootPath:        c.Client.RootPath,
		PreloadFiles:    c.Client.PreloadFiles,
		RenewLeases:     true,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := cl.Unmount(); err != nil {
			logger.Warnf("unmount: %v", err)
		}
	}()

	logger.Infof("mounted %s: %d blocks, %d PM nodes, %d CPUs",
		image, sup.Layout.TotalBlocks, len(sup.Layout.NodeRanges),
		sup.Layout.Sockets*sup.Layout.CPUsPerSocket)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	fmt.Fprintln(os.Stderr, "unmounting")
	return nil
}

func superOptions(c *cfg.Config, reg prometheus.Registerer) super.Options {
	m := metrics.NewUnregistered()
	if reg != nil {
		m = metrics.New(reg)
	}
	return super.Options{
		MaxInodes:         c.Supervisor.MaxInodes,
		Sockets:           c.Supervisor.Sockets,
		CPUsPerSocket:     c.Supervisor.CPUsPerSocket,
		PMNodes:           len(c.Supervisor.PMNodes),
		ExtentSize:        uint64(c.Supervisor.ExtentSize),
		RingEntries:       c.Supervisor.RingEntries,
		DelegationThreads: c.Supervisor.DelegationThreadsPerSocket,
		LeasePeriod:       c.Supervisor.LeasePeriod.Duration(),
		MaxLeaseOwners:    c.Supervisor.MaxLeaseOwners,
		RootMode:          uint32(c.Supervisor.RootMode),
		Metrics:           m,
	}
}
