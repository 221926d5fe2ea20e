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

package config

import (
	"io/ioutil"
	"net"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// Device is one telemetry source pushing SLink datagrams to the recording
// server. Devices are multiplexed in list order: stream id = index + 1.
type Device struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
}

// Peer receives one reconstructed stream during playback, matched to
// streams by list order
type Peer struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

type RecordConfig struct {
	Devices []*Device `json:"devices"`
	Dir     string    `json:"dir,omitempty"`
}

type PlaybackConfig struct {
	Peers    []*Peer `json:"peers"`
	Realtime bool    `json:"realtime"`
}

// MuxConfig exposes the wire protocol knobs; zero values select the
// built-in defaults
type MuxConfig struct {
	MaxDataGapMillis    int `json:"maxDataGapMillis,omitempty"`
	ChecksumWindowBytes int `json:"checksumWindowBytes,omitempty"`
}

type Config struct {
	IP              string `json:"ip"`
	LogLevel        string `json:"logLevel"`
	*RecordConfig   `json:"record,omitempty"`
	*PlaybackConfig `json:"playback,omitempty"`
	*MuxConfig      `json:"mux,omitempty"`
	filepath        string
}

func (c *Config) Persist(overwrite bool) error {
	if _, err := os.Stat(c.filepath); err == nil && !overwrite {
		return ErrConfigFileExists{Path: c.filepath}
	}

	data, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}

	dir := filepath.Dir(c.filepath)
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return err
	}

	err = ioutil.WriteFile(c.filepath, data, 0644)
	if err != nil {
		return err
	}

	return nil
}

// SetFilepath changes where the config and the state database live
func (c *Config) SetFilepath(path string) {
	c.filepath = path
}

func (c *Config) Load() error {
	data, err := ioutil.ReadFile(c.filepath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// GetDeviceByIP resolves the device a datagram came from
func (c *Config) GetDeviceByIP(ip net.IP) (*Device, error) {
	for _, device := range c.Devices {
		if net.ParseIP(device.IP).Equal(ip) {
			return device, nil
		}
	}
	return nil, ErrDeviceNotFound{IP: ip.String()}
}

// StateDBPath is where the session catalog database lives
func (c *Config) StateDBPath() string {
	return filepath.Join(filepath.Dir(c.filepath), StateDBFile)
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	return filepath.Join(home, ConfigDir, ConfigFile)
}

func NewDefaultConfig() *Config {
	return &Config{
		IP:       DefaultIP,
		LogLevel: DefaultLogLevel,
		RecordConfig: &RecordConfig{
			Devices: []*Device{
				{
					Name: DefaultDeviceName,
					IP:   DefaultDeviceIP,
				},
			},
			Dir: DefaultRecordDir,
		},
		PlaybackConfig: &PlaybackConfig{
			Peers: []*Peer{
				{
					Address: DefaultPeerAddress,
					Port:    DefaultPeerPort,
				},
			},
			Realtime: true,
		},
		MuxConfig: &MuxConfig{},
		filepath:  DefaultConfigPath(),
	}
}
