/*
 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

     https://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package control

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"jinr.ru/greenlab/go-stmux/pkg/command"
	"jinr.ru/greenlab/go-stmux/pkg/config"
)

func NewStatusCommand() *cobra.Command {
	cfg := config.NewDefaultConfig()
	cfg.Load()
	cmd := &cobra.Command{
		Use:       fmt.Sprintf("status record|playback"),
		Short:     "Show the state of a running server",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"record", "playback"},
		RunE: func(cmd *cobra.Command, args []string) error {
			apiClient := command.NewApiClient(cfg)
			switch args[0] {
			case "record":
				status, err := apiClient.RecordStatus()
				if err != nil {
					return err
				}
				if status.CurrentFile == "" {
					cmd.Println("Not persisting")
				} else {
					cmd.Printf("Persisting to: %s\n", status.CurrentFile)
				}
				for _, session := range status.Sessions {
					cmd.Printf("%s %s %v\n", session.StartedAt, session.File, session.Devices)
				}
				return nil
			case "playback":
				status, err := apiClient.PlaybackStatus()
				if err != nil {
					return err
				}
				if status.Playing {
					cmd.Printf("Playing: %s\n", status.CurrentFile)
				} else {
					cmd.Println("Idle")
				}
				return nil
			default:
				return errors.New("Wrong status command. Must be one of record/playback")
			}
		},
	}
	return cmd
}
