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
	"sync"
)

// Source is the write end of one multiplexed stream. Writes may come from
// any goroutine; each chunk becomes one or more data frames on the wire.
type Source struct {
	m     *Muxer
	index int

	mu     sync.Mutex
	closed bool
}

// StreamID returns the wire stream id of this source (input order + 1)
func (s *Source) StreamID() uint8 {
	return uint8(s.index + 1)
}

// Write hands one chunk of the source's bytes to the muxer. The chunk is
// copied, so the caller may reuse p. Write fails once the source is closed
// or the muxer has been torn down.
func (s *Source) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrSourceClosed{StreamID: s.StreamID()}
	}
	s.mu.Unlock()

	data := make([]byte, len(p))
	copy(data, p)
	select {
	case s.m.events <- sourceEvent{index: s.index, data: data}:
		return len(p), nil
	case <-s.m.done:
		return 0, ErrMuxerClosed{}
	}
}

// Close marks the source as ended. When the last source closes, the muxer
// flushes a final control frame and ends its output. Close is idempotent.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.m.events <- sourceEvent{index: s.index, closed: true}:
	case <-s.m.done:
	}
	return nil
}
