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

package command

import (
	"errors"
	"fmt"

	"github.com/imroc/req"

	"jinr.ru/greenlab/go-stmux/pkg/config"
	"jinr.ru/greenlab/go-stmux/pkg/srv/playback"
	"jinr.ru/greenlab/go-stmux/pkg/srv/record"
)

// ApiClient talks to the record and playback servers over their HTTP APIs.
type ApiClient struct {
	*config.Config
	RecordApiPrefix   string
	PlaybackApiPrefix string
}

func NewApiClient(cfg *config.Config) *ApiClient {
	return &ApiClient{
		Config:            cfg,
		RecordApiPrefix:   fmt.Sprintf("http://%s:%d/api", cfg.IP, record.ApiPort),
		PlaybackApiPrefix: fmt.Sprintf("http://%s:%d/api", cfg.IP, playback.ApiPort),
	}
}

// Persist sends request to rotate the recorded stream into a new file
func (c *ApiClient) Persist(dirPath, filePrefix string) (string, error) {
	persist := &record.PersistRequest{
		Dir:        dirPath,
		FilePrefix: filePrefix,
	}
	r, err := req.Post(fmt.Sprintf("%s/persist", c.RecordApiPrefix), req.BodyJSON(persist))
	if err != nil {
		return "", err
	}
	if r.Response().StatusCode != 200 {
		return "", errors.New(r.Response().Status)
	}
	result := &record.PersistResponse{}
	if err := r.ToJSON(result); err != nil {
		return "", err
	}
	return result.File, nil
}

// Flush sends request to stop writing to the current file
func (c *ApiClient) Flush() error {
	r, err := req.Get(fmt.Sprintf("%s/flush", c.RecordApiPrefix))
	if err != nil {
		return err
	}
	if r.Response().StatusCode != 200 {
		return errors.New(r.Response().Status)
	}
	return nil
}

// RecordStatus sends request to get the current file and session catalog
func (c *ApiClient) RecordStatus() (*record.StatusResponse, error) {
	r, err := req.Get(fmt.Sprintf("%s/status", c.RecordApiPrefix))
	if err != nil {
		return nil, err
	}
	if r.Response().StatusCode != 200 {
		return nil, errors.New(r.Response().Status)
	}
	status := &record.StatusResponse{}
	if err := r.ToJSON(status); err != nil {
		return nil, err
	}
	return status, nil
}

// Play sends request to replay a recorded file to the configured peers
func (c *ApiClient) Play(file string) error {
	play := &playback.PlayRequest{
		File: file,
	}
	r, err := req.Post(fmt.Sprintf("%s/play", c.PlaybackApiPrefix), req.BodyJSON(play))
	if err != nil {
		return err
	}
	if r.Response().StatusCode != 200 {
		return errors.New(r.Response().Status)
	}
	return nil
}

// PlaybackStatus sends request to get the state of the playback server
func (c *ApiClient) PlaybackStatus() (*playback.StatusResponse, error) {
	r, err := req.Get(fmt.Sprintf("%s/status", c.PlaybackApiPrefix))
	if err != nil {
		return nil, err
	}
	if r.Response().StatusCode != 200 {
		return nil, errors.New(r.Response().Status)
	}
	status := &playback.StatusResponse{}
	if err := r.ToJSON(status); err != nil {
		return nil, err
	}
	return status, nil
}
