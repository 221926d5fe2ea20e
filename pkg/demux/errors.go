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

package demux

import (
	"fmt"
)

// ErrHeaderChecksum returned when the header body checksum does not match
// the checksum field. Fatal before any sink exists.
type ErrHeaderChecksum struct {
	Computed uint16
	Declared uint16
}

func (e ErrHeaderChecksum) Error() string {
	return fmt.Sprintf("Header checksum mismatch: computed 0x%04x, declared 0x%04x",
		e.Computed, e.Declared)
}

// ErrChunkChecksum returned when a control frame's embedded checksum
// disagrees with the rolling checksum. Session-fatal after the header:
// broadcast to every open sink.
type ErrChunkChecksum struct {
	Computed uint16
	Declared uint16
}

func (e ErrChunkChecksum) Error() string {
	return fmt.Sprintf("Chunk checksum mismatch: computed 0x%04x, declared 0x%04x",
		e.Computed, e.Declared)
}

// ErrUnknownStream returned when a data frame carries a stream id the
// session header never declared. Treated as a defect, not a checksum
// failure: it is propagated, never swallowed.
type ErrUnknownStream struct {
	StreamID uint8
}

func (e ErrUnknownStream) Error() string {
	return fmt.Sprintf("Data frame for undeclared stream %d", e.StreamID)
}

// ErrDemuxerClosed returned when bytes are written after the input ended
type ErrDemuxerClosed struct{}

func (e ErrDemuxerClosed) Error() string {
	return fmt.Sprintf("Demuxer input is closed")
}
