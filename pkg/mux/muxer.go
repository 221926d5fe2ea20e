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

// Package mux interleaves the byte chunks of up to 254 independent
// sources into a single STMux wire stream with periodic checksum
// checkpoints and recorded inter-chunk timing.
package mux

import (
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"jinr.ru/greenlab/go-stmux/pkg/checksum"
	"jinr.ru/greenlab/go-stmux/pkg/layers"
	"jinr.ru/greenlab/go-stmux/pkg/log"
)

const (
	// DefaultMaxDataGapMillis is the largest silence between frames before
	// a control frame resets the offset clock. It must stay well under the
	// 65535 ms the 16-bit offset field can represent: the periodic tick
	// adds up to another second on top of the gap ceiling.
	DefaultMaxDataGapMillis = 60000
	// DefaultChecksumWindowBytes bounds how many bytes go unvalidated
	// before a checksum checkpoint is forced
	DefaultChecksumWindowBytes = 1500

	// CrcTickInterval is how often the gap condition is re-checked while
	// no data arrives
	CrcTickInterval = time.Second

	EventChSize = 64
)

// Options tune a Muxer. The zero value of each field selects its default.
type Options struct {
	MaxDataGapMillis    int
	ChecksumWindowBytes int
	Clock               clock.Clock
}

func (o *Options) withDefaults() *Options {
	opts := &Options{}
	if o != nil {
		*opts = *o
	}
	if opts.MaxDataGapMillis == 0 {
		opts.MaxDataGapMillis = DefaultMaxDataGapMillis
	}
	if opts.ChecksumWindowBytes == 0 {
		opts.ChecksumWindowBytes = DefaultChecksumWindowBytes
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return opts
}

type sourceEvent struct {
	index  int
	data   []byte
	closed bool
}

// Muxer owns the wire stream of one multiplexing session. All mutable
// session state (running checksum, offset clock, window byte counter)
// lives in the event loop goroutine; sources communicate with it over a
// single channel, so no two frames are ever written concurrently.
type Muxer struct {
	out     io.Writer
	opts    *Options
	clk     clock.Clock
	sources []*Source
	events  chan sourceEvent
	quit    chan struct{}
	done    chan struct{}

	closeOnce sync.Once

	errMu sync.Mutex
	err   error

	// event loop state
	lastFrameAt time.Time
	crc         uint16
	windowBytes int
	openCount   int
}

// NewMuxer writes the session header to out and starts the multiplexing
// event loop. It fails with ErrTooManyStreams if streamCount exceeds 254.
// The caller feeds data through the Sources and is responsible for closing
// out, if it needs closing, after Done.
func NewMuxer(out io.Writer, streamCount int, opts *Options) (*Muxer, error) {
	if streamCount > layers.MaxStreamCount {
		return nil, layers.ErrTooManyStreams{Count: streamCount}
	}
	o := opts.withDefaults()

	now := o.Clock.Now()
	header, err := layers.SerializeHeader(float32(now.UnixMilli())/1000, layers.NewStreamMetas(streamCount))
	if err != nil {
		return nil, err
	}
	if _, err := out.Write(header); err != nil {
		return nil, err
	}

	m := &Muxer{
		out:         out,
		opts:        o,
		clk:         o.Clock,
		events:      make(chan sourceEvent, EventChSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		lastFrameAt: now,
		openCount:   streamCount,
	}
	m.sources = make([]*Source, streamCount)
	for i := range m.sources {
		m.sources[i] = &Source{m: m, index: i}
	}

	go m.loop()
	return m, nil
}

// Sources returns the write ends of the multiplexed streams, ordered as
// declared in the header (stream id = index + 1).
func (m *Muxer) Sources() []*Source {
	return m.sources
}

// Done is closed when the wire stream has ended, either because every
// source was closed or because the muxer was torn down.
func (m *Muxer) Done() <-chan struct{} {
	return m.done
}

// Err returns the first output write error, if any. Valid after Done.
func (m *Muxer) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

// Close tears the muxer down: the event loop stops, the periodic tick is
// cancelled and further source writes fail. It is idempotent and safe to
// call after the muxer has already finished on its own.
func (m *Muxer) Close() {
	m.closeOnce.Do(func() {
		close(m.quit)
	})
	<-m.done
}

func (m *Muxer) setErr(err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	if m.err == nil {
		m.err = err
	}
}

func (m *Muxer) loop() {
	defer close(m.done)

	if m.openCount == 0 {
		m.sendCrc()
		return
	}

	ticker := m.clk.Ticker(CrcTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.quit:
			return
		case ev := <-m.events:
			if ev.closed {
				m.openCount--
				log.Debug("Source closed: stream: %d open: %d", ev.index+1, m.openCount)
				if m.openCount == 0 {
					m.sendCrc()
					return
				}
				continue
			}
			if !m.writeDataFrames(ev) {
				return
			}
			if m.crcDue() && !m.sendCrc() {
				return
			}
		case <-ticker.C:
			if m.crcDue() && !m.sendCrc() {
				return
			}
		}
	}
}

// offsetMillis is the elapsed time since the previous frame, clamped to
// what the 16-bit wire field can carry. The control frame policy keeps the
// real value far below the clamp.
func (m *Muxer) offsetMillis() uint16 {
	elapsed := m.clk.Now().Sub(m.lastFrameAt).Milliseconds()
	if elapsed > 65535 {
		elapsed = 65535
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return uint16(elapsed)
}

func (m *Muxer) writeDataFrames(ev sourceEvent) bool {
	buf := layers.SerializeDataFrames(uint8(ev.index+1), m.offsetMillis(), ev.data)
	if _, err := m.out.Write(buf); err != nil {
		log.Error("Error while writing data frames: stream: %d: %s", ev.index+1, err)
		m.setErr(err)
		return false
	}
	m.crc = checksum.Sum(buf, m.crc)
	m.windowBytes += len(buf)
	m.lastFrameAt = m.clk.Now()
	return true
}

func (m *Muxer) crcDue() bool {
	gap := time.Duration(m.opts.MaxDataGapMillis) * time.Millisecond
	return m.clk.Now().Sub(m.lastFrameAt) > gap ||
		m.windowBytes > m.opts.ChecksumWindowBytes ||
		m.openCount == 0
}

// sendCrc emits a checksum checkpoint. The embedded value covers the
// window plus the frame's own id and offset bytes; the frame's full raw
// bytes then seed the next window, mirroring the demultiplexer.
func (m *Muxer) sendCrc() bool {
	cf := &layers.ControlFrame{OffsetMillis: m.offsetMillis()}
	raw := cf.Serialize()
	cf.Checksum = checksum.Sum(raw[:layers.ControlFrameSize-layers.ChecksumSize], m.crc)
	raw = cf.Serialize()

	if _, err := m.out.Write(raw); err != nil {
		log.Error("Error while writing control frame: %s", err)
		m.setErr(err)
		return false
	}
	m.crc = checksum.Sum(raw, 0)
	m.windowBytes = 0
	m.lastFrameAt = m.clk.Now()
	return true
}
