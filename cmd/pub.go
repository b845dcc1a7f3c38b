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
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"mbroker/internal/client"
	"mbroker/internal/config"
	"mbroker/internal/logger"
	"mbroker/internal/protocol"
)

var pubCmd = &cobra.Command{
	Use:   "pub <register_pipe_name> <pipe_name> <box>",
	Short: "Publish standard input to a mailbox",
	Long: `Register as the publisher of box and send every line read from
standard input as one message until end of input. Lines that do not fit
in a message are reported and skipped.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.GetLogger("pub")

		c, cfg, err := newClient(args[0])
		if err != nil {
			return err
		}

		pipe, box := args[1], args[2]
		if cfg.Transport.Kind != config.TransportMemory {
			if _, err := os.Stat(pipe); err == nil {
				return fmt.Errorf("pipe %s already exists", pipe)
			}
		}

		publisher, err := c.Publish(cmd.Context(), pipe, box)
		if err != nil {
			return err
		}
		defer publisher.Close()

		if err := publishLines(cmd.InOrStdin(), publisher, cmd.ErrOrStderr()); err != nil {
			return err
		}

		log.Debug().Int("messages", publisher.Sent()).Str("box", box).Msg("Publisher finished")
		return nil
	},
}

type sender interface {
	Send(text string) error
}

// publishLines sends one message per input line
func publishLines(in io.Reader, p sender, errOut io.Writer) error {
	reader := bufio.NewReader(in)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			text := strings.TrimSuffix(line, "\n")
			if invalid := protocol.ValidateMessage(text); invalid != nil {
				fmt.Fprintf(errOut, "skipped: %v\n", invalid)
			} else if sendErr := p.Send(text); sendErr != nil {
				return sendErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
	}
}

var _ sender = (*client.Publisher)(nil)

func init() {
	addWaitFlag(pubCmd)
}
