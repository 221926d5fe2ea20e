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

package record

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/gopacket"

	"jinr.ru/greenlab/go-stmux/pkg/config"
	"jinr.ru/greenlab/go-stmux/pkg/layers"
	"jinr.ru/greenlab/go-stmux/pkg/log"
	"jinr.ru/greenlab/go-stmux/pkg/mux"
	"jinr.ru/greenlab/go-stmux/pkg/srv"
)

const (
	RecordPort = 33401

	TimestampFormat = "20060102_150405"
)

// RecordServer listens for SLink datagrams from the configured devices and
// multiplexes their payloads into a single stream. The stream goes to a
// swappable sink: ioutil.Discard until a persist request arrives, then a
// capture file. Each swap ends the current muxer session and starts a fresh
// one so every file begins with its own header.
type RecordServer struct {
	srv.Server
	api   *ApiServer
	state *State

	packetSources map[string]*srv.PacketSource

	mu          sync.Mutex
	muxer       *mux.Muxer
	sources     map[string]*mux.Source
	writer      *Writer
	currentFile string
}

func NewRecordServer(ctx context.Context, cfg *config.Config) (*RecordServer, error) {
	log.Debug("Initializing record server with address: %s port: %d", cfg.IP, RecordPort)

	if len(cfg.RecordConfig.Devices) == 0 {
		return nil, ErrNoDevices{}
	}

	uaddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.IP, RecordPort))
	if err != nil {
		return nil, err
	}

	state, err := NewState(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &RecordServer{
		Server: srv.Server{
			Context: ctx,
			Config:  cfg,
			UDPAddr: uaddr,
		},
		state:         state,
		packetSources: make(map[string]*srv.PacketSource),
	}

	for _, device := range cfg.RecordConfig.Devices {
		s.packetSources[device.Name] = srv.NewPacketSource()
	}

	if err := s.startSession(ioutil.Discard, ""); err != nil {
		state.Close()
		return nil, err
	}

	s.api = NewApiServer(ctx, cfg, s)

	return s, nil
}

func (s *RecordServer) muxOptions() *mux.Options {
	opts := &mux.Options{}
	if s.Config.MuxConfig != nil {
		opts.MaxDataGapMillis = s.Config.MuxConfig.MaxDataGapMillis
		opts.ChecksumWindowBytes = s.Config.MuxConfig.ChecksumWindowBytes
	}
	return opts
}

// startSession starts a new muxer writing to w. Caller must hold s.mu or be
// the only goroutine with access to the server.
func (s *RecordServer) startSession(w io.Writer, filename string) error {
	m, err := mux.NewMuxer(w, len(s.Config.RecordConfig.Devices), s.muxOptions())
	if err != nil {
		return err
	}
	sources := make(map[string]*mux.Source)
	for i, device := range s.Config.RecordConfig.Devices {
		sources[device.Name] = m.Sources()[i]
	}
	s.muxer = m
	s.sources = sources
	s.currentFile = filename
	return nil
}

// endSession closes all sources, waits for the final control frame to be
// written and flushes the capture file if there is one.
func (s *RecordServer) endSession() {
	if s.muxer == nil {
		return
	}
	for _, source := range s.sources {
		source.Close()
	}
	<-s.muxer.Done()
	if err := s.muxer.Err(); err != nil {
		log.Error("Muxer session ended with error: %s", err)
	}
	if s.writer != nil {
		s.writer.Flush()
		s.writer = nil
	}
	s.muxer = nil
	s.sources = nil
	s.currentFile = ""
}

// Persist rotates the output to a new timestamped capture file and catalogs
// the session in the state database.
func (s *RecordServer) Persist(dir, prefix string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir == "" {
		dir = s.Config.RecordConfig.Dir
	}
	startedAt := time.Now().Format(TimestampFormat)
	filename := filepath.Join(dir, fmt.Sprintf("%s%s.stmux", prefix, startedAt))

	writer, err := NewWriter(filename)
	if err != nil {
		return "", err
	}

	s.endSession()
	s.writer = writer
	if err := s.startSession(writer, filename); err != nil {
		writer.Flush()
		return "", err
	}

	devices := make([]string, 0, len(s.Config.RecordConfig.Devices))
	for _, device := range s.Config.RecordConfig.Devices {
		devices = append(devices, device.Name)
	}
	record := &SessionRecord{
		File:      filename,
		Devices:   devices,
		StartedAt: startedAt,
	}
	if err := s.state.AddSession(record); err != nil {
		log.Error("Error while adding session to state: %s", err)
	}

	log.Info("Persisting stream to file: %s", filename)
	return filename, nil
}

// Flush ends the current capture file and reverts the output to discard.
func (s *RecordServer) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Info("Flushing stream")
	s.endSession()
	if err := s.startSession(ioutil.Discard, ""); err != nil {
		log.Error("Error while restarting discard session: %s", err)
	}
}

// CurrentFile returns the capture file currently being written, empty when
// the stream goes to discard.
func (s *RecordServer) CurrentFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentFile
}

func (s *RecordServer) Sessions() ([]*SessionRecord, error) {
	return s.state.ListSessions()
}

func (s *RecordServer) writeChunk(deviceName string, chunk []byte) {
	s.mu.Lock()
	source, ok := s.sources[deviceName]
	s.mu.Unlock()
	if !ok {
		log.Error("No stream source for device: %s", deviceName)
		return
	}
	if _, err := source.Write(chunk); err != nil {
		log.Error("Error while writing chunk for device: %s error: %s", deviceName, err)
	}
}

// handleDevicePackets decodes SLink datagrams from one packet source and
// feeds the payloads into the sending device's stream source. The device is
// resolved from the packet's ancillary data.
func (s *RecordServer) handleDevicePackets(ps *srv.PacketSource) {
	source := gopacket.NewPacketSource(ps, layers.SLinkLayerType)
	for packet := range source.Packets() {
		deviceName, err := srv.GetDeviceName(packet)
		if err != nil {
			log.Error("Error while reading device name: %s", err)
			continue
		}
		slinkLayer := packet.Layer(layers.SLinkLayerType)
		if slinkLayer == nil {
			addr, addrErr := srv.GetAddrPort(packet)
			if addrErr != nil {
				log.Error("Error while decoding SLink packet from device: %s", deviceName)
				continue
			}
			log.Error("Error while decoding SLink packet from device: %s address: %s", deviceName, addr)
			continue
		}
		slink := slinkLayer.(*layers.SLinkLayer)
		s.writeChunk(deviceName, slink.LayerPayload())
	}
}

func (s *RecordServer) Run() error {
	conn, err := net.ListenUDP("udp", s.UDPAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info("Record server listening on: %s", s.UDPAddr)

	errChan := make(chan error, 1)

	for _, device := range s.Config.RecordConfig.Devices {
		go s.handleDevicePackets(s.packetSources[device.Name])
	}

	go func() {
		errChan <- s.api.Run()
	}()

	// read packets from the UDP socket and route them to the per device
	// packet sources
	go func() {
		for {
			buffer := make([]byte, 65536)
			length, addr, err := conn.ReadFromUDP(buffer)
			if err != nil {
				errChan <- err
				return
			}
			device, err := s.Config.GetDeviceByIP(addr.IP)
			if err != nil {
				log.Warning("Packet from unknown address: %s", addr)
				continue
			}
			captureInfo := gopacket.CaptureInfo{
				Length:        length,
				CaptureLength: length,
				Timestamp:     time.Now(),
				AncillaryData: []interface{}{addr, device.Name},
			}
			s.packetSources[device.Name].ChIn <- srv.InPacket{
				Data:        buffer[:length],
				CaptureInfo: captureInfo,
			}
		}
	}()

	select {
	case <-s.Context.Done():
		s.Flush()
		s.state.Close()
		return s.Context.Err()
	case err := <-errChan:
		s.Flush()
		s.state.Close()
		return err
	}
}
