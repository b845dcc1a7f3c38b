// Copyright 2025 Arion Yau
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
	"time"

	"github.com/spf13/cobra"

	"mbroker/internal/client"
	"mbroker/internal/config"
	"mbroker/internal/logger"
	"mbroker/internal/transport"
)

var (
	verbose    bool
	configPath string
	waitFlag   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "mbroker",
	Short: "mbroker - a mailbox message broker",
	Long: `mbroker is a message broker built around named mailboxes.
Each mailbox has at most one publisher and any number of subscribers.
Clients register through a well-known control channel and then talk to
the broker over a private channel of their own.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetSilentMode(false)
			logger.SetLevel("debug")
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mbroker.yml", "Path to broker configuration file")

	// Add subcommands
	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(managerCmd)
	rootCmd.AddCommand(pubCmd)
	rootCmd.AddCommand(subCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads the configuration file, falling back to defaults when it
// does not exist
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// newClient builds a client for the broker on control. Clients keep retrying
// channel opens for up to --wait, which is usually longer than the broker's
// own budget.
func newClient(control string) (*client.Client, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	tcfg := cfg.Transport
	if tcfg.RetryInterval <= 0 {
		tcfg.RetryInterval = config.DefaultRetryInterval
	}
	if waitFlag > 0 {
		tcfg.OpenRetries = int(waitFlag / tcfg.RetryInterval)
	}

	tr, err := transport.New(tcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create transport: %w", err)
	}
	return client.New(control, tr), cfg, nil
}

func addWaitFlag(cmd *cobra.Command) {
	cmd.Flags().DurationVarP(&waitFlag, "wait", "w", 5*time.Second, "How long to keep retrying channel opens")
}
