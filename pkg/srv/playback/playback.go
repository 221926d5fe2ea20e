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

package playback

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/gopacket"

	"jinr.ru/greenlab/go-stmux/pkg/config"
	"jinr.ru/greenlab/go-stmux/pkg/demux"
	"jinr.ru/greenlab/go-stmux/pkg/layers"
	"jinr.ru/greenlab/go-stmux/pkg/log"
	"jinr.ru/greenlab/go-stmux/pkg/srv"
)

const (
	PlaybackPort = 33403
)

// PlaybackServer replays a capture file. Each stream in the file is
// demultiplexed and handed to a forwarder that wraps its chunks in SLink
// datagrams and queues them on ChOut for the peer with the same list
// position; the send loop in Run drains ChOut to the UDP socket. With
// realtime enabled the demuxer holds chunks until their recorded offsets
// come due.
type PlaybackServer struct {
	srv.Server
	api *ApiServer

	peerAddrs []*net.UDPAddr

	mu          sync.Mutex
	playing     bool
	currentFile string
}

func NewPlaybackServer(ctx context.Context, cfg *config.Config) (*PlaybackServer, error) {
	log.Debug("Initializing playback server with address: %s port: %d", cfg.IP, PlaybackPort)
	if len(cfg.PlaybackConfig.Peers) == 0 {
		return nil, ErrNoPeers{}
	}

	uaddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.IP, PlaybackPort))
	if err != nil {
		return nil, err
	}

	peerAddrs := make([]*net.UDPAddr, 0, len(cfg.PlaybackConfig.Peers))
	for _, peer := range cfg.PlaybackConfig.Peers {
		peerAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", peer.Address, peer.Port))
		if err != nil {
			return nil, err
		}
		peerAddrs = append(peerAddrs, peerAddr)
	}

	s := &PlaybackServer{
		Server: srv.Server{
			Context: ctx,
			Config:  cfg,
			UDPAddr: uaddr,
			ChOut:   make(chan srv.OutPacket),
		},
		peerAddrs: peerAddrs,
	}
	s.api = NewApiServer(ctx, cfg, s)
	return s, nil
}

// Status returns whether a playback is running and for which file.
func (s *PlaybackServer) Status() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing, s.currentFile
}

// Play starts replaying the given capture file in the background. Only one
// playback runs at a time.
func (s *PlaybackServer) Play(filename string) error {
	s.mu.Lock()
	if s.playing {
		file := s.currentFile
		s.mu.Unlock()
		return ErrPlaybackBusy{File: file}
	}
	s.playing = true
	s.currentFile = filename
	s.mu.Unlock()

	file, err := os.Open(filename)
	if err != nil {
		s.finishPlayback()
		return err
	}

	d := demux.NewDemuxer(&demux.Options{
		RealtimePlayback: s.Config.PlaybackConfig.Realtime,
	})

	var forwarders sync.WaitGroup
	d.OnReady(func(session *demux.Session) {
		log.Info("Replaying file: %s streams: %d", filename, len(session.Sinks))
		for i, sink := range session.Sinks {
			var peerAddr *net.UDPAddr
			if i < len(s.peerAddrs) {
				peerAddr = s.peerAddrs[i]
			} else {
				log.Warning("No peer for stream: %d, discarding its chunks", sink.StreamID)
			}
			forwarders.Add(1)
			go func(sink *demux.Sink, peerAddr *net.UDPAddr) {
				defer forwarders.Done()
				s.forward(sink, peerAddr)
			}(sink, peerAddr)
		}
	})
	d.OnError(func(err error) {
		log.Error("Error while replaying file: %s error: %s", filename, err)
	})

	go func() {
		if _, err := io.Copy(d, file); err != nil {
			log.Error("Error while reading file: %s error: %s", filename, err)
		}
		d.Close()
		file.Close()
		<-d.Done()
		forwarders.Wait()
		s.finishPlayback()
		log.Info("Finished replaying file: %s", filename)
	}()

	return nil
}

func (s *PlaybackServer) finishPlayback() {
	s.mu.Lock()
	s.playing = false
	s.currentFile = ""
	s.mu.Unlock()
}

// forward wraps each reconstructed chunk in an SLink datagram and queues it
// for the peer. A nil peerAddr drains the sink so the demuxer does not stall.
func (s *PlaybackServer) forward(sink *demux.Sink, peerAddr *net.UDPAddr) {
	var seq uint16
	for chunk := range sink.Chunks() {
		if peerAddr == nil {
			continue
		}
		buf := gopacket.NewSerializeBuffer()
		payload, err := buf.AppendBytes(len(chunk))
		if err != nil {
			log.Error("Error while building SLink packet for stream: %d error: %s", sink.StreamID, err)
			continue
		}
		copy(payload, chunk)
		slink := &layers.SLinkLayer{Seq: seq}
		if err := slink.SerializeTo(buf, gopacket.SerializeOptions{}); err != nil {
			log.Error("Error while serializing SLink packet for stream: %d error: %s", sink.StreamID, err)
			continue
		}
		s.ChOut <- srv.OutPacket{
			Data:    buf.Bytes(),
			UDPAddr: peerAddr,
		}
		seq++
	}
	if err := sink.Err(); err != nil {
		log.Error("Stream: %d ended with error: %s", sink.StreamID, err)
	}
}

func (s *PlaybackServer) Run() error {
	conn, err := net.ListenUDP("udp", s.UDPAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info("Playback server sending from: %s", s.UDPAddr)

	errChan := make(chan error, 1)

	go func() {
		errChan <- s.api.Run()
	}()

	// send queued datagrams to their peers
	go func() {
		for {
			select {
			case <-s.Context.Done():
				return
			case outPacket := <-s.ChOut:
				if _, err := conn.WriteToUDP(outPacket.Data, outPacket.UDPAddr); err != nil {
					log.Error("Error while sending data to %s", outPacket.UDPAddr)
					errChan <- err
					return
				}
			}
		}
	}()

	select {
	case <-s.Context.Done():
		return s.Context.Err()
	case err := <-errChan:
		return err
	}
}
