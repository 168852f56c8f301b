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
	"fmt"
	"os"

	"github.com/arckfs/arckfs/cfg"
	"github.com/arckfs/arckfs/internal/pmregion"
	"github.com/arckfs/arckfs/internal/super"
	"github.com/spf13/cobra"
)

var fsckCmd = &cobra.Command{
	Use:   "fsck <pm-image>",
	Short: "Replay the journal and check index/allocator consistency of a PM image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFsck(args[0], &rootConfig)
	},
}

func runFsck(image string, c *cfg.Config) error {
	st, err := os.Stat(image)
	if err != nil {
		return err
	}

	region, err := pmregion.Map(image, st.Size())
	if err != nil {
		return err
	}
	defer region.Close()

	// Attaching replays the journal and rebuilds allocator state.
	sup, err := super.New(region, superOptions(c, nil))
	if err != nil {
		return err
	}
	defer sup.Stop()

	rep := sup.Fsck()
	fmt.Printf("fsck: %d blocks, %d live inodes scanned\n", rep.BlocksScanned, rep.InodesScanned)
	if rep.Clean() {
		fmt.Println("fsck: clean")
		return nil
	}
	for _, v := range rep.Violations {
		fmt.Printf("fsck: violation: %s\n", v)
	}
	return fmt.Errorf("fsck: %d violations", len(rep.Violations))
}
