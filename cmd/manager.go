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
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"mbroker/internal/client"
	"mbroker/internal/protocol"
)

var managerCmd = &cobra.Command{
	Use:   "manager <register_pipe_name> <pipe_name> create|remove <box> | list",
	Short: "Create, remove or list mailboxes",
	Long: `Send one administrative request to the broker listening on
register_pipe_name. The answer is received on pipe_name, which is created
for the request and removed afterwards.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) < 3 {
			return fmt.Errorf("requires register_pipe_name, pipe_name and an operation")
		}
		switch args[2] {
		case "create", "remove":
			if len(args) != 4 {
				return fmt.Errorf("%s requires a box name", args[2])
			}
		case "list":
			if len(args) != 3 {
				return fmt.Errorf("list takes no box name")
			}
		default:
			return fmt.Errorf("unknown operation %q", args[2])
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := newClient(args[0])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		pipe := args[1]
		out := cmd.OutOrStdout()

		switch args[2] {
		case "create":
			return printAnswer(out, c.CreateBox(ctx, pipe, args[3]))
		case "remove":
			return printAnswer(out, c.RemoveBox(ctx, pipe, args[3]))
		default:
			boxes, err := c.ListBoxes(ctx, pipe)
			if err != nil {
				return err
			}
			printBoxes(out, boxes)
			return nil
		}
	},
}

// printAnswer reports a create or remove answer. Refusals from the broker
// are part of normal output, anything else is a real failure.
func printAnswer(out io.Writer, err error) error {
	var answer *client.AnswerError
	switch {
	case err == nil:
		fmt.Fprintln(out, "OK")
	case errors.As(err, &answer):
		fmt.Fprintf(out, "ERROR %s\n", answer.Message)
	default:
		return err
	}
	return nil
}

func printBoxes(out io.Writer, boxes []protocol.BoxInfo) {
	if len(boxes) == 0 {
		fmt.Fprintln(out, "NO BOXES FOUND")
		return
	}
	for _, box := range boxes {
		fmt.Fprintf(out, "%s %d %d %d\n", box.BoxName, box.BoxSize, box.Publishers, box.Subscribers)
	}
}

func init() {
	addWaitFlag(managerCmd)
}
