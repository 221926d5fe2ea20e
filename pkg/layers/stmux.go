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
	"encoding/json"
	"fmt"
	"math"

	"jinr.ru/greenlab/go-stmux/pkg/checksum"
)

const (
	// ProtocolVersion is the only STMux wire format version in existence
	ProtocolVersion = 1
	// ControlStreamID keys control frames; data streams use 1..254
	ControlStreamID = 0
	// MaxStreamCount is bounded by the one-byte stream id space minus
	// the control id and the 255 value reserved for future use
	MaxStreamCount = 254
	// MaxFramePayload is the largest payload a single data frame carries;
	// longer writes are split into continuation frames
	MaxFramePayload = 255

	DataFrameHeaderSize = 4
	ControlFrameSize    = 5
	ChecksumSize        = 2

	// HeaderBodyOffset is where the header body starts: after the
	// version byte and the 4-byte header length field
	HeaderBodyOffset = 5
	// HeaderFixedSize is the length of a header with zero streams
	HeaderFixedSize = HeaderBodyOffset + 1 + 4 + ChecksumSize
)

// StreamMeta describes one multiplexed stream in the session header.
// Metadata is an arbitrary JSON object reserved for future use; nothing
// in the protocol inspects it beyond validity.
type StreamMeta struct {
	StreamID uint8
	Metadata json.RawMessage
}

// Header describes an STMux session. It is written once when
// multiplexing starts and consumed once before any frame is parsed.
type Header struct {
	Version          uint8
	Length           uint32
	StreamCount      uint8
	InitialTimestamp float32
	Metas            []StreamMeta
	Checksum         uint16
}

// Frame is one self-delimiting unit of the post-header wire format,
// either a *DataFrame or a *ControlFrame.
type Frame interface {
	// RawOffsetMillis is the elapsed time since the previous frame
	RawOffsetMillis() uint16
}

// DataFrame carries a slice of one source's bytes
type DataFrame struct {
	StreamID     uint8
	OffsetMillis uint16
	Payload      []byte
}

// ControlFrame carries a checksum checkpoint over the frame bytes
// emitted since the previous control frame
type ControlFrame struct {
	OffsetMillis uint16
	Checksum     uint16
}

func (f *DataFrame) RawOffsetMillis() uint16    { return f.OffsetMillis }
func (f *ControlFrame) RawOffsetMillis() uint16 { return f.OffsetMillis }

// NewStreamMetas returns metadata records for n streams with ids assigned
// by input order, starting from 1.
func NewStreamMetas(n int) []StreamMeta {
	metas := make([]StreamMeta, n)
	for i := range metas {
		metas[i] = StreamMeta{
			StreamID: uint8(i + 1),
			Metadata: json.RawMessage(fmt.Sprintf(`{"id":%d}`, i+1)),
		}
	}
	return metas
}

// SerializeHeader lays out the session header: version, total length,
// stream count, initial timestamp, one record per stream and the checksum
// of everything between the length field and the checksum field.
func SerializeHeader(initialTimestamp float32, metas []StreamMeta) ([]byte, error) {
	if len(metas) > MaxStreamCount {
		return nil, ErrTooManyStreams{Count: len(metas)}
	}

	length := HeaderFixedSize
	for _, meta := range metas {
		length += 1 + 4 + len(meta.Metadata)
	}

	buf := make([]byte, length)
	buf[0] = ProtocolVersion
	binary.LittleEndian.PutUint32(buf[1:5], uint32(length))
	buf[HeaderBodyOffset] = uint8(len(metas))
	binary.LittleEndian.PutUint32(buf[6:10], math.Float32bits(initialTimestamp))

	offset := 10
	for _, meta := range metas {
		buf[offset] = meta.StreamID
		binary.LittleEndian.PutUint32(buf[offset+1:offset+5], uint32(len(meta.Metadata)))
		copy(buf[offset+5:], meta.Metadata)
		offset += 5 + len(meta.Metadata)
	}

	crc := checksum.Sum(buf[HeaderBodyOffset:offset], 0)
	binary.LittleEndian.PutUint16(buf[offset:], crc)

	return buf, nil
}

// HeaderLength reads the version and length fields from the front of data
// and returns the declared total header length. It returns ErrMoreBytes
// until both fields are buffered. Both fields sit outside the checksummed
// body, so a caller can verify the body checksum before interpreting it.
func HeaderLength(data []byte) (int, error) {
	if len(data) < HeaderBodyOffset {
		return 0, ErrMoreBytes
	}
	if data[0] != ProtocolVersion {
		return 0, ErrHeaderDecode{What: fmt.Sprintf("unknown protocol version %d", data[0])}
	}
	length := binary.LittleEndian.Uint32(data[1:5])
	if length < HeaderFixedSize {
		return 0, ErrHeaderDecode{What: fmt.Sprintf("declared length %d too short", length)}
	}
	return int(length), nil
}

// DecodeHeader decodes a session header from the front of data and returns
// it together with the number of bytes consumed. It returns ErrMoreBytes
// until data contains the complete header. The checksum field is decoded
// but NOT verified; the caller compares it against an independently
// computed checksum of data[HeaderBodyOffset : consumed-ChecksumSize].
func DecodeHeader(data []byte) (*Header, int, error) {
	length, err := HeaderLength(data)
	if err != nil {
		return nil, 0, err
	}
	if len(data) < length {
		return nil, 0, ErrMoreBytes
	}

	h := &Header{
		Version:          data[0],
		Length:           uint32(length),
		StreamCount:      data[HeaderBodyOffset],
		InitialTimestamp: math.Float32frombits(binary.LittleEndian.Uint32(data[6:10])),
	}

	bodyEnd := length - ChecksumSize
	offset := 10
	for i := 0; i < int(h.StreamCount); i++ {
		if offset+5 > bodyEnd {
			return nil, 0, ErrHeaderDecode{What: fmt.Sprintf("truncated record for stream %d", i+1)}
		}
		id := data[offset]
		metaLen := int(binary.LittleEndian.Uint32(data[offset+1 : offset+5]))
		if offset+5+metaLen > bodyEnd {
			return nil, 0, ErrHeaderDecode{What: fmt.Sprintf("metadata of stream %d overruns header", id)}
		}
		meta := make(json.RawMessage, metaLen)
		copy(meta, data[offset+5:offset+5+metaLen])
		if !json.Valid(meta) {
			return nil, 0, ErrMetadataDecode{StreamID: id}
		}
		h.Metas = append(h.Metas, StreamMeta{StreamID: id, Metadata: meta})
		offset += 5 + metaLen
	}
	if offset != bodyEnd {
		return nil, 0, ErrHeaderDecode{What: "declared length does not match stream records"}
	}
	h.Checksum = binary.LittleEndian.Uint16(data[bodyEnd:])

	return h, length, nil
}

// Serialize returns the 4+len wire bytes of a single data frame.
// The payload must not exceed MaxFramePayload; longer writes go through
// SerializeDataFrames.
func (f *DataFrame) Serialize() []byte {
	buf := make([]byte, DataFrameHeaderSize+len(f.Payload))
	buf[0] = f.StreamID
	binary.LittleEndian.PutUint16(buf[1:3], f.OffsetMillis)
	buf[3] = uint8(len(f.Payload))
	copy(buf[DataFrameHeaderSize:], f.Payload)
	return buf
}

// Serialize returns the 5 wire bytes of a control frame
func (f *ControlFrame) Serialize() []byte {
	buf := make([]byte, ControlFrameSize)
	buf[0] = ControlStreamID
	binary.LittleEndian.PutUint16(buf[1:3], f.OffsetMillis)
	binary.LittleEndian.PutUint16(buf[3:5], f.Checksum)
	return buf
}

// SerializeDataFrames encodes one source write as a sequence of data
// frames. Payloads longer than MaxFramePayload are split from the tail:
// trailing 255-byte continuation frames carry a zero offset and only the
// head frame carries the true offset, so the concatenated payloads equal
// the original bytes in original order.
func SerializeDataFrames(streamID uint8, offsetMillis uint16, payload []byte) []byte {
	var tail []byte
	rest := payload
	for len(rest) > MaxFramePayload {
		cont := &DataFrame{
			StreamID:     streamID,
			OffsetMillis: 0,
			Payload:      rest[len(rest)-MaxFramePayload:],
		}
		tail = append(cont.Serialize(), tail...)
		rest = rest[:len(rest)-MaxFramePayload]
	}
	head := &DataFrame{StreamID: streamID, OffsetMillis: offsetMillis, Payload: rest}
	return append(head.Serialize(), tail...)
}

// DecodeFrame decodes one frame from the front of data and returns it with
// the number of bytes consumed. It returns ErrMoreBytes until data contains
// the complete frame. The payload is copied out of data.
func DecodeFrame(data []byte) (Frame, int, error) {
	if len(data) < 1 {
		return nil, 0, ErrMoreBytes
	}
	if data[0] == ControlStreamID {
		if len(data) < ControlFrameSize {
			return nil, 0, ErrMoreBytes
		}
		f := &ControlFrame{
			OffsetMillis: binary.LittleEndian.Uint16(data[1:3]),
			Checksum:     binary.LittleEndian.Uint16(data[3:5]),
		}
		return f, ControlFrameSize, nil
	}

	if len(data) < DataFrameHeaderSize {
		return nil, 0, ErrMoreBytes
	}
	length := int(data[3])
	if len(data) < DataFrameHeaderSize+length {
		return nil, 0, ErrMoreBytes
	}
	f := &DataFrame{
		StreamID:     data[0],
		OffsetMillis: binary.LittleEndian.Uint16(data[1:3]),
		Payload:      make([]byte, length),
	}
	copy(f.Payload, data[DataFrameHeaderSize:DataFrameHeaderSize+length])
	return f, DataFrameHeaderSize + length, nil
}
