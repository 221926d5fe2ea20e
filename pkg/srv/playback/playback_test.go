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
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/gopacket"

	"jinr.ru/greenlab/go-stmux/pkg/config"
	"jinr.ru/greenlab/go-stmux/pkg/demux"
	"jinr.ru/greenlab/go-stmux/pkg/layers"
	"jinr.ru/greenlab/go-stmux/pkg/mux"
	"jinr.ru/greenlab/go-stmux/pkg/srv"
)

// replaySession records the given chunks into a wire stream and demuxes
// them back, returning the live session and its demuxer
func replaySession(t *testing.T, chunks [][]byte) (*demux.Session, *demux.Demuxer) {
	t.Helper()
	var buf bytes.Buffer
	m, err := mux.NewMuxer(&buf, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, chunk := range chunks {
		if _, err := m.Sources()[0].Write(chunk); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Sources()[0].Close(); err != nil {
		t.Fatal(err)
	}
	<-m.Done()

	d := demux.NewDemuxer(nil)
	ready := make(chan *demux.Session, 1)
	d.OnReady(func(session *demux.Session) { ready <- session })
	if _, err := d.Write(buf.Bytes()); err != nil {
		t.Fatal(err)
	}
	d.Close()

	select {
	case session := <-ready:
		return session, d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for replay session")
	}
	return nil, nil
}

func TestForwardWrapsChunksInSLinkDatagrams(t *testing.T) {
	t.Parallel()

	s, err := NewPlaybackServer(context.Background(), config.NewDefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	chunks := [][]byte{[]byte("first chunk"), []byte("second chunk")}
	session, d := replaySession(t, chunks)

	go s.forward(session.Sinks[0], s.peerAddrs[0])

	for i, want := range chunks {
		var out srv.OutPacket
		select {
		case out = <-s.ChOut:
		case <-time.After(5 * time.Second):
			t.Fatalf("datagram %d never queued", i)
		}
		if out.UDPAddr.String() != s.peerAddrs[0].String() {
			t.Errorf("datagram %d addressed to %s, want %s", i, out.UDPAddr, s.peerAddrs[0])
		}
		packet := gopacket.NewPacket(out.Data, layers.SLinkLayerType, gopacket.Default)
		slinkLayer := packet.Layer(layers.SLinkLayerType)
		if slinkLayer == nil {
			t.Fatalf("datagram %d did not decode as SLink", i)
		}
		slink := slinkLayer.(*layers.SLinkLayer)
		if !bytes.Equal(slink.LayerPayload(), want) {
			t.Errorf("datagram %d payload = %q, want %q", i, slink.LayerPayload(), want)
		}
		if slink.Seq != uint16(i) {
			t.Errorf("datagram %d seq = %d, want %d", i, slink.Seq, i)
		}
	}

	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("demuxer never finished")
	}
}

func TestForwardWithoutPeerDrainsSink(t *testing.T) {
	t.Parallel()

	s, err := NewPlaybackServer(context.Background(), config.NewDefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	session, d := replaySession(t, [][]byte{[]byte("unrouted")})

	finished := make(chan struct{})
	go func() {
		s.forward(session.Sinks[0], nil)
		close(finished)
	}()

	select {
	case <-finished:
	case out := <-s.ChOut:
		t.Fatalf("datagram queued for a missing peer: %d bytes", len(out.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("forward stalled on a sink with no peer")
	}

	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("demuxer never finished")
	}
}
