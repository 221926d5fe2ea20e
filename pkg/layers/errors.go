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
	"errors"
	"fmt"
)

// ErrMoreBytes signals that the buffer does not yet contain a complete
// header or frame. It is not a failure: the caller retries once more
// input has arrived.
var ErrMoreBytes = errors.New("stmux: more bytes needed")

// ErrHeaderDecode returned when the session header is malformed beyond
// what buffering more input could fix
type ErrHeaderDecode struct {
	What string
}

func (e ErrHeaderDecode) Error() string {
	return fmt.Sprintf("Error while decoding STMux header: %s", e.What)
}

// ErrMetadataDecode returned when the metadata of a stream is not valid JSON
type ErrMetadataDecode struct {
	StreamID uint8
}

func (e ErrMetadataDecode) Error() string {
	return fmt.Sprintf("Error while decoding metadata of stream %d: not valid JSON", e.StreamID)
}

// ErrTooManyStreams returned when a session is created with more sources
// than the one-byte stream id space can address
type ErrTooManyStreams struct {
	Count int
}

func (e ErrTooManyStreams) Error() string {
	return fmt.Sprintf("Maximum number of multiplexed streams is %d, got %d", MaxStreamCount, e.Count)
}
