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
	"container/list"
	"sync"

	"jinr.ru/greenlab/go-stmux/pkg/layers"
)

// pendingQueue holds decoded data frames awaiting timed delivery. It is
// unbounded: delivery is only ever delayed, never reordered, so the queue
// drains as fast as the playback discipline allows.
type pendingQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames *list.List
	closed bool
}

func newPendingQueue() *pendingQueue {
	q := &pendingQueue{frames: list.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *pendingQueue) push(f *layers.DataFrame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.frames.PushBack(f)
	q.cond.Signal()
}

// pop blocks until a frame is available or the queue is closed and empty
func (q *pendingQueue) pop() (*layers.DataFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.frames.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.frames.Len() == 0 {
		return nil, false
	}
	e := q.frames.Front()
	q.frames.Remove(e)
	return e.Value.(*layers.DataFrame), true
}

// close stops the queue. With discard set, frames still pending are
// dropped (checksum failure: the window they belong to never validated);
// otherwise they drain normally before pop reports closed.
func (q *pendingQueue) close(discard bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if discard {
		q.frames.Init()
	}
	q.cond.Broadcast()
}
