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

package srv

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"

	"jinr.ru/greenlab/go-stmux/pkg/layers"
)

func slinkDatagram(t *testing.T, payload []byte) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	b, err := buf.AppendBytes(len(payload))
	if err != nil {
		t.Fatal(err)
	}
	copy(b, payload)
	sl := &layers.SLinkLayer{}
	if err := sl.SerializeTo(buf, gopacket.SerializeOptions{}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestPacketSourceCarriesAncillaryData(t *testing.T) {
	t.Parallel()

	addr := &net.UDPAddr{IP: net.ParseIP("192.168.2.101"), Port: 40000}
	data := slinkDatagram(t, []byte("chunk"))

	ps := NewPacketSource()
	ps.ChIn <- InPacket{
		Data: data,
		CaptureInfo: gopacket.CaptureInfo{
			Length:        len(data),
			CaptureLength: len(data),
			Timestamp:     time.Now(),
			AncillaryData: []interface{}{addr, "sensor0"},
		},
	}

	source := gopacket.NewPacketSource(ps, layers.SLinkLayerType)
	packet := <-source.Packets()

	gotAddr, err := GetAddrPort(packet)
	if err != nil {
		t.Fatalf("GetAddrPort failed: %v", err)
	}
	if gotAddr.String() != addr.String() {
		t.Errorf("address = %s, want %s", gotAddr, addr)
	}

	gotName, err := GetDeviceName(packet)
	if err != nil {
		t.Fatalf("GetDeviceName failed: %v", err)
	}
	if gotName != "sensor0" {
		t.Errorf("device name = %s, want sensor0", gotName)
	}

	slinkLayer := packet.Layer(layers.SLinkLayerType)
	if slinkLayer == nil {
		t.Fatal("SLink layer not decoded")
	}
	if string(slinkLayer.(*layers.SLinkLayer).LayerPayload()) != "chunk" {
		t.Errorf("payload = %q", slinkLayer.(*layers.SLinkLayer).LayerPayload())
	}
}

func TestAncillaryDataMissing(t *testing.T) {
	t.Parallel()

	data := slinkDatagram(t, []byte("chunk"))
	packet := gopacket.NewPacket(data, layers.SLinkLayerType, gopacket.Default)

	_, err := GetAddrPort(packet)
	var addrErr ErrGetAddr
	if !errors.As(err, &addrErr) {
		t.Errorf("GetAddrPort = %v, want ErrGetAddr", err)
	}

	_, err = GetDeviceName(packet)
	var nameErr ErrGetDeviceName
	if !errors.As(err, &nameErr) {
		t.Errorf("GetDeviceName = %v, want ErrGetDeviceName", err)
	}
}

func TestAncillaryDataWrongTypes(t *testing.T) {
	t.Parallel()

	data := slinkDatagram(t, []byte("chunk"))
	packet := gopacket.NewPacket(data, layers.SLinkLayerType, gopacket.Default)
	packet.Metadata().CaptureInfo.AncillaryData = []interface{}{"not an addr", 42}

	_, err := GetAddrPort(packet)
	var addrErr ErrGetAddr
	if !errors.As(err, &addrErr) {
		t.Errorf("GetAddrPort = %v, want ErrGetAddr", err)
	}

	_, err = GetDeviceName(packet)
	var nameErr ErrGetDeviceName
	if !errors.As(err, &nameErr) {
		t.Errorf("GetDeviceName = %v, want ErrGetDeviceName", err)
	}
}
