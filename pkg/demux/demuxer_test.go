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
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"jinr.ru/greenlab/go-stmux/pkg/checksum"
	"jinr.ru/greenlab/go-stmux/pkg/layers"
	"jinr.ru/greenlab/go-stmux/pkg/mux"
)

// wire builds a valid STMux byte stream by hand, maintaining the same
// rolling checksum the multiplexer would
type wire struct {
	buf bytes.Buffer
	crc uint16
}

func newWire(t *testing.T, metas []layers.StreamMeta) *wire {
	t.Helper()
	header, err := layers.SerializeHeader(0, metas)
	if err != nil {
		t.Fatal(err)
	}
	w := &wire{}
	w.buf.Write(header)
	return w
}

func (w *wire) data(id uint8, offset uint16, payload []byte) {
	b := layers.SerializeDataFrames(id, offset, payload)
	w.crc = checksum.Sum(b, w.crc)
	w.buf.Write(b)
}

func (w *wire) control(offset uint16) {
	cf := &layers.ControlFrame{OffsetMillis: offset}
	raw := cf.Serialize()
	cf.Checksum = checksum.Sum(raw[:layers.ControlFrameSize-layers.ChecksumSize], w.crc)
	raw = cf.Serialize()
	w.crc = checksum.Sum(raw, 0)
	w.buf.Write(raw)
}

func (w *wire) bytes() []byte {
	return w.buf.Bytes()
}

// harness wires the demuxer callbacks to channels
type harness struct {
	d     *Demuxer
	ready chan *Session
	errs  chan error
}

func newHarness(opts *Options) *harness {
	h := &harness{
		d:     NewDemuxer(opts),
		ready: make(chan *Session, 1),
		errs:  make(chan error, 1),
	}
	h.d.OnReady(func(s *Session) { h.ready <- s })
	h.d.OnError(func(err error) { h.errs <- err })
	return h
}

func (h *harness) waitReady(t *testing.T) *Session {
	t.Helper()
	select {
	case s := <-h.ready:
		return s
	case err := <-h.errs:
		t.Fatalf("session error instead of ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session")
	}
	return nil
}

func (h *harness) waitErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errs:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session error")
	}
	return nil
}

func waitDone(t *testing.T, d *Demuxer) {
	t.Helper()
	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for demuxer teardown")
	}
}

// drainSinks concatenates, per stream, every chunk delivered until the
// sinks end
func drainSinks(session *Session) [][]byte {
	out := make([][]byte, len(session.Sinks))
	var wg sync.WaitGroup
	for i, s := range session.Sinks {
		wg.Add(1)
		go func(i int, s *Sink) {
			defer wg.Done()
			for chunk := range s.Chunks() {
				out[i] = append(out[i], chunk...)
			}
		}(i, s)
	}
	wg.Wait()
	return out
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)

	// the muxer writes its wire stream straight into the demuxer
	m, err := mux.NewMuxer(h.d, 3, nil)
	if err != nil {
		t.Fatal(err)
	}

	long := make([]byte, 600)
	for i := range long {
		long[i] = byte(i)
	}
	writes := [][][]byte{
		{[]byte("alpha"), long, []byte("omega")},
		{{}, []byte("bravo")},
		{},
	}
	for i, chunks := range writes {
		for _, chunk := range chunks {
			if _, err := m.Sources()[i].Write(chunk); err != nil {
				t.Fatal(err)
			}
		}
	}

	session := h.waitReady(t)
	if len(session.Sinks) != 3 {
		t.Fatalf("got %d sinks, want 3", len(session.Sinks))
	}
	collected := make(chan [][]byte, 1)
	go func() { collected <- drainSinks(session) }()

	for _, src := range m.Sources() {
		if err := src.Close(); err != nil {
			t.Fatal(err)
		}
	}
	<-m.Done()
	if err := m.Err(); err != nil {
		t.Fatalf("muxer error: %v", err)
	}
	h.d.Close()
	waitDone(t, h.d)

	got := <-collected
	for i, chunks := range writes {
		var want []byte
		for _, chunk := range chunks {
			want = append(want, chunk...)
		}
		if !bytes.Equal(got[i], want) {
			t.Errorf("stream %d: got %d bytes, want %d bytes", i+1, len(got[i]), len(want))
		}
		if session.Sinks[i].Err() != nil {
			t.Errorf("stream %d ended with error: %v", i+1, session.Sinks[i].Err())
		}
	}

	var decoded struct {
		ID int `json:"id"`
	}
	if err := json.Unmarshal(session.Metas[2].Metadata, &decoded); err != nil || decoded.ID != 3 {
		t.Errorf("metadata of stream 3 = %s", session.Metas[2].Metadata)
	}
}

func TestRoundTripByteAtATime(t *testing.T) {
	t.Parallel()
	w := newWire(t, layers.NewStreamMetas(2))
	w.data(1, 0, []byte("split "))
	w.data(2, 3, []byte("across"))
	w.control(1)
	w.data(1, 10, []byte(" arrivals"))
	w.control(0)

	h := newHarness(nil)
	go func() {
		for _, b := range w.bytes() {
			if _, err := h.d.Write([]byte{b}); err != nil {
				return
			}
		}
		h.d.Close()
	}()

	session := h.waitReady(t)
	got := drainSinks(session)
	waitDone(t, h.d)

	if string(got[0]) != "split  arrivals" {
		t.Errorf("stream 1 = %q", got[0])
	}
	if string(got[1]) != "across" {
		t.Errorf("stream 2 = %q", got[1])
	}
}

func TestHeaderChecksumDetectsEveryBodyBit(t *testing.T) {
	t.Parallel()
	header, err := layers.SerializeHeader(42, layers.NewStreamMetas(2))
	if err != nil {
		t.Fatal(err)
	}
	bodyEnd := len(header) - layers.ChecksumSize

	for pos := layers.HeaderBodyOffset; pos < bodyEnd; pos++ {
		for bit := 0; bit < 8; bit++ {
			corrupted := make([]byte, len(header))
			copy(corrupted, header)
			corrupted[pos] ^= 1 << bit

			h := newHarness(nil)
			if _, err := h.d.Write(corrupted); err != nil {
				t.Fatal(err)
			}
			err := h.waitErr(t)
			var mismatch ErrHeaderChecksum
			if !errors.As(err, &mismatch) {
				t.Fatalf("flip at byte %d bit %d: got %v, want ErrHeaderChecksum", pos, bit, err)
			}
			select {
			case <-h.ready:
				t.Fatal("sinks were created despite a corrupted header")
			default:
			}
			h.d.Close()
			waitDone(t, h.d)
		}
	}
}

func TestChunkChecksumErrorBroadcast(t *testing.T) {
	t.Parallel()
	w := newWire(t, layers.NewStreamMetas(2))
	w.data(1, 0, []byte("good bytes"))
	w.control(0)
	stream := w.bytes()

	// corrupt one payload byte while leaving the control frame intact
	headerLen, err := layers.HeaderLength(stream)
	if err != nil {
		t.Fatal(err)
	}
	stream[headerLen+layers.DataFrameHeaderSize+2] ^= 0x01

	corrupted := stream[headerLen+layers.DataFrameHeaderSize : headerLen+layers.DataFrameHeaderSize+len("good bytes")]

	h := newHarness(nil)
	if _, err := h.d.Write(stream); err != nil {
		t.Fatal(err)
	}
	session := h.waitReady(t)
	collected := make(chan [][]byte, 1)
	go func() { collected <- drainSinks(session) }()
	waitDone(t, h.d)

	// a frame already handed to the deliverer may still reach its sink;
	// everything still queued when the mismatch is found is discarded
	got := <-collected
	if len(got[0]) != 0 && !bytes.Equal(got[0], corrupted) {
		t.Errorf("stream 1 delivered %q, want nothing or the queued frame", got[0])
	}
	if len(got[1]) != 0 {
		t.Errorf("stream 2 delivered %d bytes it never carried", len(got[1]))
	}
	for i, sink := range session.Sinks {
		var mismatch ErrChunkChecksum
		if !errors.As(sink.Err(), &mismatch) {
			t.Errorf("sink %d error = %v, want ErrChunkChecksum", i, sink.Err())
		}
	}
}

func TestUnknownStreamIsADefect(t *testing.T) {
	t.Parallel()
	w := newWire(t, layers.NewStreamMetas(1))
	w.data(9, 0, []byte("stray"))

	h := newHarness(nil)
	if _, err := h.d.Write(w.bytes()); err != nil {
		t.Fatal(err)
	}
	session := h.waitReady(t)

	err := h.waitErr(t)
	var unknown ErrUnknownStream
	if !errors.As(err, &unknown) {
		t.Fatalf("got %v, want ErrUnknownStream", err)
	}
	if unknown.StreamID != 9 {
		t.Errorf("stream id = %d, want 9", unknown.StreamID)
	}
	waitDone(t, h.d)
	if !errors.As(session.Sinks[0].Err(), &unknown) {
		t.Errorf("sink error = %v, want ErrUnknownStream", session.Sinks[0].Err())
	}
}

func TestMetadataDecodeErrorAbortsSession(t *testing.T) {
	t.Parallel()
	metas := []layers.StreamMeta{{StreamID: 1, Metadata: json.RawMessage(`{broken`)}}
	header, err := layers.SerializeHeader(0, metas)
	if err != nil {
		t.Fatal(err)
	}

	h := newHarness(nil)
	if _, err := h.d.Write(header); err != nil {
		t.Fatal(err)
	}
	got := h.waitErr(t)
	var metaErr layers.ErrMetadataDecode
	if !errors.As(got, &metaErr) {
		t.Errorf("got %v, want ErrMetadataDecode", got)
	}
}

func TestInputEndBeforeHeader(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	if _, err := h.d.Write([]byte{layers.ProtocolVersion, 0xFF}); err != nil {
		t.Fatal(err)
	}
	h.d.Close()
	got := h.waitErr(t)
	var decodeErr layers.ErrHeaderDecode
	if !errors.As(got, &decodeErr) {
		t.Errorf("got %v, want ErrHeaderDecode", got)
	}
	waitDone(t, h.d)
}

func TestRealtimePlaybackHoldsFrames(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	w := newWire(t, layers.NewStreamMetas(1))
	w.data(1, 0, []byte("first"))
	w.data(1, 500, []byte("second"))

	h := newHarness(&Options{RealtimePlayback: true, Clock: mock})
	if _, err := h.d.Write(w.bytes()); err != nil {
		t.Fatal(err)
	}
	session := h.waitReady(t)
	sink := session.Sinks[0]

	select {
	case chunk := <-sink.Chunks():
		if string(chunk) != "first" {
			t.Fatalf("first chunk = %q", chunk)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first chunk never delivered")
	}

	// the second frame was recorded 500 ms later and must be held back
	select {
	case chunk := <-sink.Chunks():
		t.Fatalf("chunk %q delivered before its offset elapsed", chunk)
	case <-time.After(50 * time.Millisecond):
	}

	done := make(chan []byte, 1)
	go func() {
		done <- <-sink.Chunks()
	}()
	for i := 0; i < 60; i++ {
		mock.Add(10 * time.Millisecond)
	}
	select {
	case chunk := <-done:
		if string(chunk) != "second" {
			t.Errorf("second chunk = %q", chunk)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second chunk never delivered after the offset elapsed")
	}

	h.d.Close()
	waitDone(t, h.d)
}

func TestDisabledPlaybackDeliversBackToBack(t *testing.T) {
	t.Parallel()
	w := newWire(t, layers.NewStreamMetas(1))
	w.data(1, 0, []byte("first"))
	w.data(1, 30000, []byte("second"))

	h := newHarness(nil)
	if _, err := h.d.Write(w.bytes()); err != nil {
		t.Fatal(err)
	}
	session := h.waitReady(t)
	sink := session.Sinks[0]

	for _, want := range []string{"first", "second"} {
		select {
		case chunk := <-sink.Chunks():
			if string(chunk) != want {
				t.Errorf("chunk = %q, want %q", chunk, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("chunk %q not delivered promptly with playback disabled", want)
		}
	}
	h.d.Close()
	waitDone(t, h.d)
}

func TestCloseIdempotent(t *testing.T) {
	t.Parallel()
	w := newWire(t, layers.NewStreamMetas(1))
	w.data(1, 0, []byte("only"))

	h := newHarness(nil)
	if _, err := h.d.Write(w.bytes()); err != nil {
		t.Fatal(err)
	}
	session := h.waitReady(t)
	collected := make(chan [][]byte, 1)
	go func() { collected <- drainSinks(session) }()

	h.d.Close()
	h.d.Close()
	waitDone(t, h.d)
	h.d.Close()

	got := <-collected
	if string(got[0]) != "only" {
		t.Errorf("stream 1 = %q", got[0])
	}
	if session.Sinks[0].Err() != nil {
		t.Errorf("clean end left error: %v", session.Sinks[0].Err())
	}
	if _, err := h.d.Write([]byte("late")); err == nil {
		t.Error("expected write after teardown to fail")
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	h.d.Close()
	if _, err := h.d.Write([]byte{layers.ProtocolVersion}); err == nil {
		t.Error("expected write after close to fail")
	}
	waitDone(t, h.d)
}

// A Write racing Close must either fail or have its bytes parsed; an
// acknowledged Write is never silently dropped by the end-of-input drain.
func TestWriteRacingCloseNotDropped(t *testing.T) {
	t.Parallel()
	for i := 0; i < 25; i++ {
		w := newWire(t, layers.NewStreamMetas(1))
		w.data(1, 0, []byte("first"))
		late := layers.SerializeDataFrames(1, 0, []byte("second"))

		h := newHarness(nil)
		if _, err := h.d.Write(w.bytes()); err != nil {
			t.Fatal(err)
		}
		session := h.waitReady(t)
		collected := make(chan [][]byte, 1)
		go func() { collected <- drainSinks(session) }()

		start := make(chan struct{})
		wrote := make(chan error, 1)
		go func() {
			<-start
			_, err := h.d.Write(late)
			wrote <- err
		}()
		go func() {
			<-start
			h.d.Close()
		}()
		close(start)

		err := <-wrote
		h.d.Close()
		waitDone(t, h.d)

		want := "first"
		if err == nil {
			want = "firstsecond"
		}
		if got := <-collected; string(got[0]) != want {
			t.Fatalf("iteration %d: stream 1 = %q, want %q (write err: %v)", i, got[0], want, err)
		}
	}
}
