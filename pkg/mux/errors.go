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

package mux

import (
	"fmt"
)

// ErrMuxerClosed returned when a source write arrives after the muxer
// output has ended
type ErrMuxerClosed struct{}

func (e ErrMuxerClosed) Error() string {
	return fmt.Sprintf("Muxer is closed")
}

// ErrSourceClosed returned when a source is written to after it was closed
type ErrSourceClosed struct {
	StreamID uint8
}

func (e ErrSourceClosed) Error() string {
	return fmt.Sprintf("Source of stream %d is closed", e.StreamID)
}
