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

package layers

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"jinr.ru/greenlab/go-stmux/pkg/checksum"
)

const (
	// SLinkLayerNum identifies the layer
	SLinkLayerNum = 2101
	// SLinkSync is a magic number that appears in the beginning of each SLink datagram
	SLinkSync = 0x534C
	// SLinkHeaderSize is sync + seq + payload length, 2 bytes each
	SLinkHeaderSize = 6
	// SLinkTailSize is the checksum of the payload
	SLinkTailSize = 2
)

// SLinkLayer is the datagram envelope sensors use to push their byte
// chunks to the recording server and the playback server uses to forward
// reconstructed chunks to peers. One datagram carries one chunk.
type SLinkLayer struct {
	layers.BaseLayer
	Sync     uint16
	Seq      uint16
	Len      uint16
	Checksum uint16
}

var SLinkLayerType = gopacket.RegisterLayerType(SLinkLayerNum,
	gopacket.LayerTypeMetadata{Name: "SLinkLayerType", Decoder: gopacket.DecodeFunc(DecodeSLinkLayer)})

func (sl *SLinkLayer) LayerType() gopacket.LayerType {
	return SLinkLayerType
}

// SerializeTo serializes the layer into bytes and writes the bytes to the SerializeBuffer
func (sl *SLinkLayer) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	payload := b.Bytes()

	headerBytes, err := b.PrependBytes(SLinkHeaderSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(headerBytes[0:2], SLinkSync)
	binary.LittleEndian.PutUint16(headerBytes[2:4], sl.Seq)
	binary.LittleEndian.PutUint16(headerBytes[4:6], uint16(len(payload)))

	tailBytes, err := b.AppendBytes(SLinkTailSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(tailBytes[0:2], checksum.Sum(payload, 0))
	return nil
}

// DecodeFromBytes attempts to decode the byte slice as an SLink datagram
func (sl *SLinkLayer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < SLinkHeaderSize+SLinkTailSize {
		df.SetTruncated()
		return errors.New("SLink datagram too short")
	}

	if binary.LittleEndian.Uint16(data[0:2]) != SLinkSync {
		return errors.New(fmt.Sprintf("Wrong SLink sync. Must be 0x%04x", SLinkSync))
	}

	sl.Sync = binary.LittleEndian.Uint16(data[0:2])
	sl.Seq = binary.LittleEndian.Uint16(data[2:4])
	sl.Len = binary.LittleEndian.Uint16(data[4:6])

	if int(sl.Len) != len(data)-SLinkHeaderSize-SLinkTailSize {
		return errors.New(fmt.Sprintf("Wrong SLink payload length. Declared %d, have %d",
			sl.Len, len(data)-SLinkHeaderSize-SLinkTailSize))
	}

	payload := data[SLinkHeaderSize : SLinkHeaderSize+int(sl.Len)]
	sl.Checksum = binary.LittleEndian.Uint16(data[len(data)-SLinkTailSize:])
	if crc := checksum.Sum(payload, 0); crc != sl.Checksum {
		return errors.New(fmt.Sprintf("Wrong SLink payload checksum. Computed 0x%04x, declared 0x%04x",
			crc, sl.Checksum))
	}

	sl.BaseLayer = layers.BaseLayer{
		Contents: data[0:SLinkHeaderSize],
		Payload:  payload,
	}
	return nil
}

func DecodeSLinkLayer(data []byte, p gopacket.PacketBuilder) error {
	sl := &SLinkLayer{}
	err := sl.DecodeFromBytes(data, p)
	if err != nil {
		return err
	}
	p.AddLayer(sl)
	return nil
}
