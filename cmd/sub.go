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
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var subCmd = &cobra.Command{
	Use:   "sub <register_pipe_name> <pipe_name> <box>",
	Short: "Print the messages of a mailbox",
	Long: `Register as a subscriber of box and print every stored message
followed by new ones as they are published. Stops when the box is removed,
the broker ends the session, or on SIGINT.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := newClient(args[0])
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		received, err := c.Subscribe(ctx, args[1], args[2], func(text string) error {
			_, err := fmt.Fprintln(out, text)
			return err
		})
		fmt.Fprintf(out, "Received %d messages\n", received)
		return err
	},
}

func init() {
	addWaitFlag(subCmd)
}
