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
	"sync"
)

// Sink is the read end of one reconstructed stream. Chunks arrive in the
// order their frames appeared on the wire; a chunk boundary matches a data
// frame, not necessarily an original source write.
type Sink struct {
	StreamID uint8

	ch      chan []byte
	endOnce sync.Once

	errMu sync.Mutex
	err   error
}

func newSink(streamID uint8) *Sink {
	return &Sink{
		StreamID: streamID,
		ch:       make(chan []byte),
	}
}

// Chunks returns the stream's payload channel. It is closed when the
// session ends; check Err afterwards.
func (s *Sink) Chunks() <-chan []byte {
	return s.ch
}

// Err reports why the sink ended. It is nil after a clean end of input and
// non-nil when the session died on a checksum mismatch or another defect.
// Valid once Chunks is closed.
func (s *Sink) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Sink) push(p []byte) {
	s.ch <- p
}

func (s *Sink) end(err error) {
	s.endOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.ch)
	})
}
