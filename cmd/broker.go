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
	"strconv"

	"github.com/spf13/cobra"

	"mbroker/internal/broker"
	"mbroker/internal/logger"
)

var brokerCmd = &cobra.Command{
	Use:   "broker <register_pipe_name> <max_sessions>",
	Short: "Start the mailbox broker",
	Long: `Start the mailbox broker. It creates the control channel named by
register_pipe_name and serves up to max_sessions client sessions at once.
Both arguments override the configuration file. The broker runs until it
receives SIGINT or SIGTERM.`,
	Args: cobra.RangeArgs(0, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		// The broker always logs, clients stay silent unless asked
		logger.SetSilentMode(false)
		log := logger.New()

		cfg, err := loadConfig()
		if err != nil {
			log.Error().Err(err).Str("config_path", configPath).Msg("Failed to load configuration")
			return err
		}

		if verbose {
			logger.SetLevel("debug")
		} else {
			logger.SetLevel(cfg.Logging.Level)
		}

		if len(args) > 0 {
			cfg.Broker.ControlChannel = args[0]
		}
		if len(args) > 1 {
			sessions, err := strconv.Atoi(args[1])
			if err != nil || sessions <= 0 {
				return fmt.Errorf("max_sessions must be a positive integer, got %q", args[1])
			}
			cfg.Broker.MaxSessions = sessions
		}

		b, err := broker.NewFromConfig(cfg)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create broker")
			return fmt.Errorf("failed to create broker: %w", err)
		}

		// Start broker (blocks until shutdown)
		if err := b.Start(); err != nil {
			log.Error().Err(err).Msg("Broker stopped with error")
			return fmt.Errorf("broker error: %w", err)
		}

		return nil
	},
}
