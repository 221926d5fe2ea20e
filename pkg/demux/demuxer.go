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

// Package demux reconstructs the original streams from one STMux wire
// stream. The parser tolerates partial arrivals, validates the rolling
// checksum checkpoints and can replay the recorded inter-frame timing.
package demux

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"jinr.ru/greenlab/go-stmux/pkg/checksum"
	"jinr.ru/greenlab/go-stmux/pkg/layers"
	"jinr.ru/greenlab/go-stmux/pkg/log"
)

const InChSize = 64

// Options tune a Demuxer
type Options struct {
	// RealtimePlayback holds each chunk back until the wall-clock time
	// since the previous delivery reaches the offset recorded on the wire
	RealtimePlayback bool
	Clock            clock.Clock
}

func (o *Options) withDefaults() *Options {
	opts := &Options{}
	if o != nil {
		*opts = *o
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return opts
}

// Session is delivered once, after the header parses and its checksum
// verifies: one sink per declared stream plus the parsed metadata.
type Session struct {
	Sinks []*Sink
	Metas []layers.StreamMeta

	byID map[uint8]*Sink
}

func (s *Session) sink(id uint8) *Sink {
	return s.byID[id]
}

// Demuxer incrementally parses one STMux wire stream. Bytes are fed with
// Write from any goroutine; parsing and state live in a single loop
// goroutine and delivery runs in a second one fed through the pending
// queue, so no sink write ever races another.
type Demuxer struct {
	opts *Options
	clk  clock.Clock

	onReady func(*Session)
	onError func(error)

	in       chan []byte
	inClosed chan struct{}
	done     chan struct{}

	// inMu orders Write against Close: a Write that returned success put
	// its bytes on d.in before inClosed was closed, so the end-of-input
	// drain is guaranteed to see them
	inMu     sync.Mutex
	inDone   bool

	errMu sync.Mutex
	err   error

	// parse loop state
	buf        []byte
	headerSeen bool
	crc        uint16
	session    *Session
	queue      *pendingQueue

	// delivery state
	deliverDone     chan struct{}
	deliverStarted  bool
	lastDeliveredAt time.Time
}

// NewDemuxer creates a demuxer. Register OnReady and OnError before the
// first Write.
func NewDemuxer(opts *Options) *Demuxer {
	o := opts.withDefaults()
	d := &Demuxer{
		opts:        o,
		clk:         o.Clock,
		in:          make(chan []byte, InChSize),
		inClosed:    make(chan struct{}),
		done:        make(chan struct{}),
		deliverDone: make(chan struct{}),
	}
	go d.loop()
	return d
}

// OnReady registers the callback invoked once, with the session's sinks
// and stream metadata, after the header parses and verifies.
func (d *Demuxer) OnReady(fn func(*Session)) {
	d.onReady = fn
}

// OnError registers the callback for fatal errors that happen before any
// sink exists (header stage) and for post-header defects other than a
// chunk checksum mismatch. Chunk checksum mismatches surface on the sinks.
func (d *Demuxer) OnError(fn func(error)) {
	d.onError = fn
}

// Write feeds wire bytes to the parser. The slice is copied. Write fails
// once Close has been called or the session has ended; bytes accepted by a
// successful Write are never dropped.
func (d *Demuxer) Write(p []byte) (int, error) {
	d.inMu.Lock()
	defer d.inMu.Unlock()
	if d.inDone {
		return 0, ErrDemuxerClosed{}
	}
	data := make([]byte, len(p))
	copy(data, p)
	select {
	case d.in <- data:
		return len(p), nil
	case <-d.done:
		return 0, ErrDemuxerClosed{}
	}
}

// Close signals end of input: buffered bytes finish parsing, the pending
// queue drains and every open sink ends. Idempotent.
func (d *Demuxer) Close() error {
	d.inMu.Lock()
	if !d.inDone {
		d.inDone = true
		close(d.inClosed)
	}
	d.inMu.Unlock()
	return nil
}

// Done is closed when parsing and delivery have fully finished
func (d *Demuxer) Done() <-chan struct{} {
	return d.done
}

func (d *Demuxer) setErr(err error) {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if d.err == nil {
		d.err = err
	}
}

func (d *Demuxer) sessionErr() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.err
}

func (d *Demuxer) loop() {
	defer func() {
		if d.deliverStarted {
			<-d.deliverDone
		}
		close(d.done)
	}()

	for {
		select {
		case p := <-d.in:
			d.buf = append(d.buf, p...)
			if !d.process() {
				return
			}
		case <-d.inClosed:
			// pick up anything written before Close
			draining := true
			for draining {
				select {
				case p := <-d.in:
					d.buf = append(d.buf, p...)
				default:
					draining = false
				}
			}
			if !d.process() {
				return
			}
			d.finish()
			return
		}
	}
}

// process parses as many complete units as the buffer holds. A false
// return means the session is over and teardown has been initiated.
func (d *Demuxer) process() bool {
	for {
		if !d.headerSeen {
			length, err := layers.HeaderLength(d.buf)
			if errors.Is(err, layers.ErrMoreBytes) {
				return true
			}
			if err != nil {
				d.abort(err)
				return false
			}
			if len(d.buf) < length {
				return true
			}
			// the checksum is compared before the body is interpreted,
			// so corruption surfaces as a checksum mismatch rather than
			// as whatever structural damage the flipped bits caused
			bodyEnd := length - layers.ChecksumSize
			computed := checksum.Sum(d.buf[layers.HeaderBodyOffset:bodyEnd], 0)
			declared := binary.LittleEndian.Uint16(d.buf[bodyEnd:length])
			if computed != declared {
				d.abort(ErrHeaderChecksum{Computed: computed, Declared: declared})
				return false
			}
			h, consumed, err := layers.DecodeHeader(d.buf)
			if err != nil {
				d.abort(err)
				return false
			}
			d.buf = d.buf[consumed:]
			d.headerSeen = true
			d.startSession(h)
			continue
		}

		f, consumed, err := layers.DecodeFrame(d.buf)
		if errors.Is(err, layers.ErrMoreBytes) {
			return true
		}
		if err != nil {
			d.defect(err)
			return false
		}
		raw := d.buf[:consumed]

		switch fr := f.(type) {
		case *layers.DataFrame:
			if d.session.sink(fr.StreamID) == nil {
				d.defect(ErrUnknownStream{StreamID: fr.StreamID})
				return false
			}
			d.crc = checksum.Sum(raw, d.crc)
			d.queue.push(fr)
		case *layers.ControlFrame:
			computed := checksum.Sum(raw[:layers.ControlFrameSize-layers.ChecksumSize], d.crc)
			if computed != fr.Checksum {
				log.Error("Chunk checksum mismatch: computed 0x%04x declared 0x%04x", computed, fr.Checksum)
				d.setErr(ErrChunkChecksum{Computed: computed, Declared: fr.Checksum})
				d.queue.close(true)
				return false
			}
			d.crc = checksum.Sum(raw, 0)
		}
		d.buf = d.buf[consumed:]
	}
}

func (d *Demuxer) startSession(h *layers.Header) {
	session := &Session{
		Metas: h.Metas,
		byID:  make(map[uint8]*Sink, len(h.Metas)),
	}
	for _, meta := range h.Metas {
		sink := newSink(meta.StreamID)
		session.Sinks = append(session.Sinks, sink)
		session.byID[meta.StreamID] = sink
	}
	d.session = session
	d.queue = newPendingQueue()
	d.lastDeliveredAt = d.clk.Now()
	d.deliverStarted = true
	go d.deliver()

	log.Debug("Session ready: %d streams", len(session.Sinks))
	if d.onReady != nil {
		d.onReady(session)
	}
}

func (d *Demuxer) finish() {
	if !d.headerSeen {
		d.abort(layers.ErrHeaderDecode{What: "input ended before a complete header"})
		return
	}
	if len(d.buf) > 0 {
		log.Warning("Input ended with %d unparsed bytes", len(d.buf))
	}
	d.queue.close(false)
}

// abort handles header-stage failures: there is exactly one opportunity to
// deliver sinks and it is forfeited entirely.
func (d *Demuxer) abort(err error) {
	log.Error("Session aborted: %s", err)
	d.setErr(err)
	if d.onError != nil {
		d.onError(err)
	}
}

// defect handles unexpected post-header failures. They are propagated to
// the caller rather than disguised as checksum errors, and the session is
// torn down with the defect on every sink.
func (d *Demuxer) defect(err error) {
	log.Error("Defect while parsing chunks: %s", err)
	d.setErr(err)
	if d.onError != nil {
		d.onError(err)
	}
	d.queue.close(true)
}

func (d *Demuxer) deliver() {
	defer close(d.deliverDone)
	for {
		df, ok := d.queue.pop()
		if !ok {
			break
		}
		if d.opts.RealtimePlayback {
			wait := time.Duration(df.OffsetMillis)*time.Millisecond - d.clk.Since(d.lastDeliveredAt)
			if wait > 0 {
				d.clk.Sleep(wait)
			}
		}
		d.session.sink(df.StreamID).push(df.Payload)
		d.lastDeliveredAt = d.clk.Now()
	}
	err := d.sessionErr()
	for _, s := range d.session.Sinks {
		s.end(err)
	}
}
