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
	"github.com/spf13/cobra"

	"jinr.ru/greenlab/go-stmux/pkg/command"
	"jinr.ru/greenlab/go-stmux/pkg/config"
)

func NewPersistCommand() *cobra.Command {
	var filePrefix string
	var dir string
	cfg := config.NewDefaultConfig()
	cfg.Load()
	cmd := &cobra.Command{
		Use:   "persist",
		Short: "Start writing the recorded stream to a new file",
		RunE: func(cmd *cobra.Command, args []string) error {
			apiClient := command.NewApiClient(cfg)
			file, err := apiClient.Persist(dir, filePrefix)
			if err != nil {
				return err
			}
			cmd.Println(file)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Directory path where to persist data")
	cmd.Flags().StringVar(&filePrefix, "file-prefix", "", "File name prefix")

	return cmd
}
