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

// Package cmd wires the arckfsctl command line: flag/config binding via
// viper, plus the mount and fsck subcommands.
package cmd

import (
	"fmt"
	"os"

	"github.com/arckfs/arckfs/cfg"
	"github.com/arckfs/arckfs/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile      string
	bindErr      error
	configErr    error
	unmarshalErr error
	rootConfig   cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "arckfsctl",
	Short: "Supervisor control for the arckfs persistent-memory file system",
	Long: `arckfsctl runs and inspects an arckfs instance: a user-space
persistent-memory file system whose Supervisor owns the PM devices and
allocators while unprivileged Clients execute reads and writes directly
over memory-mapped PM.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configErr != nil {
			return configErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		if err := cfg.ValidateConfig(&rootConfig); err != nil {
			return err
		}
		return logger.Init(logger.Config{
			Severity:   string(rootConfig.Logging.Severity),
			Format:     rootConfig.Logging.Format,
			FilePath:   string(rootConfig.Logging.FilePath),
			MaxSizeMB:  rootConfig.Logging.LogRotate.MaxFileSizeMB,
			MaxBackups: rootConfig.Logging.LogRotate.BackupFileCount,
			Compress:   rootConfig.Logging.LogRotate.Compress,
		})
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	// Start from the built-in defaults; keys bound to flags or present in
	// the config file overlay them below. PM-node ranges have no flag
	// form, so the default list survives unless a config file replaces it.
	rootConfig = cfg.GetDefaultConfig()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		configErr = viper.ReadInConfig()
	}
	viper.SetEnvPrefix("ARCKFS")
	viper.AutomaticEnv()
	unmarshalErr = viper.Unmarshal(&rootConfig, viper.DecodeHook(cfg.DecodeHook()))
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to the config file.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(fsckCmd)
}
