package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/user/mic-transcriber/internal/audio"
	"github.com/user/mic-transcriber/internal/metrics"
	"github.com/user/mic-transcriber/internal/store"
	"github.com/user/mic-transcriber/internal/stt"
)

type fakeDevice struct {
	mutex    sync.Mutex
	callback func([]byte)
	openErr  error
	opened   chan struct{}
	closes   int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{opened: make(chan struct{})}
}

func (d *fakeDevice) Open(sampleRate, framesPerBuffer int, callback func(pcm []byte)) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.openErr != nil {
		return d.openErr
	}
	d.callback = callback
	close(d.opened)
	return nil
}

func (d *fakeDevice) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.callback = nil
	d.closes++
	return nil
}

func (d *fakeDevice) emit(chunk []byte) {
	d.mutex.Lock()
	callback := d.callback
	d.mutex.Unlock()
	if callback != nil {
		callback(chunk)
	}
}

// fakeStream collects audio and replays its canned results once the sender
// finishes.
type fakeStream struct {
	mutex   sync.Mutex
	audio   bytes.Buffer
	sendErr error
	replay     []stt.Result
	results    chan stt.Result
	closed     bool
	keepAlives int
}

func (s *fakeStream) Send(batch []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.audio.Write(batch)
	return nil
}

func (s *fakeStream) CloseSend() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, r := range s.replay {
		s.results <- r
	}
	close(s.results)
	return nil
}

func (s *fakeStream) KeepAlive() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.keepAlives++
	return nil
}

// hangUp ends the stream from the backend side.
func (s *fakeStream) hangUp() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.closed {
		s.closed = true
		close(s.results)
	}
}

func (s *fakeStream) keepAliveCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.keepAlives
}

func (s *fakeStream) Results() <-chan stt.Result {
	return s.results
}

func (s *fakeStream) received() []byte {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]byte(nil), s.audio.Bytes()...)
}

type fakeRecognizer struct {
	stream  *fakeStream
	streams int
	ctx     context.Context
}

func newFakeRecognizer(replay ...stt.Result) *fakeRecognizer {
	return &fakeRecognizer{stream: &fakeStream{
		replay:  replay,
		results: make(chan stt.Result, len(replay)),
	}}
}

func (r *fakeRecognizer) Stream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	r.streams++
	r.ctx = ctx
	return r.stream, nil
}

func (r *fakeRecognizer) Close() error { return nil }

type fakeResponder struct {
	prompts []string
	err     error
}

func (r *fakeResponder) Respond(ctx context.Context, transcript string, w io.Writer) (string, error) {
	r.prompts = append(r.prompts, transcript)
	if r.err != nil {
		return "", r.err
	}
	reply := "reply to " + transcript
	io.WriteString(w, reply)
	return reply, nil
}

func samples(values ...int16) []byte {
	data := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return data
}

type listenerFixture struct {
	device     *fakeDevice
	recognizer *fakeRecognizer
	responder  *fakeResponder
	store      *store.FileStore
	metrics    *metrics.Metrics
	out        *bytes.Buffer
	listener   *Listener
}

func newListenerFixture(t *testing.T, gate audio.Gate, replay ...stt.Result) *listenerFixture {
	t.Helper()

	fileStore, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	f := &listenerFixture{
		device:     newFakeDevice(),
		recognizer: newFakeRecognizer(replay...),
		responder:  &fakeResponder{},
		store:      fileStore,
		metrics:    metrics.NewMetrics(prometheus.NewRegistry()),
		out:        &bytes.Buffer{},
	}

	session := audio.NewStreamSession("session_test", f.device, audio.SessionConfig{}, f.metrics)
	f.listener = NewListener(ListenerConfig{
		ID:           "session_test",
		Session:      session,
		Gate:         gate,
		Recognizer:   f.recognizer,
		StreamConfig: stt.StreamConfig{SampleRate: 16000, InterimResults: true},
		Responder:    f.responder,
		Store:        fileStore,
		Metrics:      f.metrics,
		Out:          f.out,
	})
	return f
}

func (f *listenerFixture) start(t *testing.T) <-chan error {
	t.Helper()

	done := make(chan error, 1)
	go func() {
		done <- f.listener.Run(context.Background())
	}()

	select {
	case <-f.device.opened:
	case err := <-done:
		t.Fatalf("Run returned before opening the device: %v", err)
	case <-time.After(time.Second):
		t.Fatal("device was never opened")
	}
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestListener_Run(t *testing.T) {
	f := newListenerFixture(t, audio.NewSilenceGate(1000),
		stt.Result{Text: "hel"},
		stt.Result{Text: "hello there", IsFinal: true, Source: "fake"},
		stt.Result{Text: "   ", IsFinal: true},
	)

	done := f.start(t)

	loud := samples(0, 4000, -4000, 0)
	f.device.emit(loud)
	time.Sleep(20 * time.Millisecond)
	f.device.emit(loud)

	if err := f.listener.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := wait(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := append(append([]byte(nil), loud...), loud...)
	if got := f.recognizer.stream.received(); !bytes.Equal(got, want) {
		t.Errorf("forwarded audio: got %v, want %v", got, want)
	}

	out := f.out.String()
	if !strings.Contains(out, "hel\r") {
		t.Errorf("interim result not printed: %q", out)
	}
	if !strings.Contains(out, "Final Transcript Detected: hello there\n") {
		t.Errorf("final result not printed: %q", out)
	}
	if !strings.Contains(out, "reply to hello there") {
		t.Errorf("reply not printed: %q", out)
	}

	if len(f.responder.prompts) != 1 || f.responder.prompts[0] != "hello there" {
		t.Errorf("unexpected responder prompts %q", f.responder.prompts)
	}

	utterances, err := f.store.LoadTranscript("session_test")
	if err != nil {
		t.Fatalf("LoadTranscript: %v", err)
	}
	if len(utterances) != 1 || utterances[0].Text != "hello there" || utterances[0].Source != "fake" {
		t.Errorf("unexpected utterances %+v", utterances)
	}

	responses, err := f.store.LoadResponses("session_test")
	if err != nil {
		t.Fatalf("LoadResponses: %v", err)
	}
	if !strings.Contains(responses, "> hello there") || !strings.Contains(responses, "reply to hello there") {
		t.Errorf("unexpected responses %q", responses)
	}

	if got := testutil.ToFloat64(f.metrics.FinalTranscripts); got != 1 {
		t.Errorf("final transcripts: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.Responses); got != 1 {
		t.Errorf("responses: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.ChunksPushed); got != 2 {
		t.Errorf("chunks pushed: got %v, want 2", got)
	}
	if f.device.closes != 1 {
		t.Errorf("expected device closed once, got %d", f.device.closes)
	}
}

func TestListener_ResponderFailure(t *testing.T) {
	f := newListenerFixture(t, nil, stt.Result{Text: "question", IsFinal: true})
	f.responder.err = errors.New("quota exceeded")

	done := f.start(t)
	f.listener.Stop()
	if err := wait(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := testutil.ToFloat64(f.metrics.ResponseFailures); got != 1 {
		t.Errorf("response failures: got %v, want 1", got)
	}
	if _, err := f.store.LoadResponses("session_test"); err == nil {
		t.Error("no response should have been stored")
	}
}

func TestListener_OpenFailure(t *testing.T) {
	f := newListenerFixture(t, nil)
	openErr := errors.New("no input device")
	f.device.openErr = openErr

	err := f.listener.Run(context.Background())
	if !errors.Is(err, openErr) {
		t.Fatalf("expected device error, got %v", err)
	}
	if f.recognizer.streams != 0 {
		t.Errorf("recognizer stream should not be opened, got %d", f.recognizer.streams)
	}
}

func TestListener_SendFailureReleasesDevice(t *testing.T) {
	f := newListenerFixture(t, nil)
	sendErr := errors.New("connection reset")
	f.recognizer.stream.sendErr = sendErr

	done := f.start(t)
	f.device.emit(samples(1, 2))

	err := wait(t, done)
	if !errors.Is(err, sendErr) {
		t.Fatalf("expected send error, got %v", err)
	}
	if f.device.closes != 1 {
		t.Errorf("expected device closed once, got %d", f.device.closes)
	}
}

func TestListener_FramingErrorReleasesDevice(t *testing.T) {
	f := newListenerFixture(t, audio.NewSilenceGate(100))

	done := f.start(t)
	f.device.emit([]byte{1, 2, 3})

	err := wait(t, done)
	if !errors.Is(err, audio.ErrOddLength) {
		t.Fatalf("expected ErrOddLength, got %v", err)
	}
	if f.device.closes != 1 {
		t.Errorf("expected device closed once, got %d", f.device.closes)
	}
}

func TestListener_BackendHangUpDuringSilence(t *testing.T) {
	f := newListenerFixture(t, audio.NewSilenceGate(1000))

	done := f.start(t)
	f.recognizer.stream.hangUp()
	for i := 0; i < 10; i++ {
		f.device.emit(samples(0, 0, 0, 0))
	}

	err := wait(t, done)
	if !errors.Is(err, errStreamEnded) {
		t.Fatalf("expected errStreamEnded, got %v", err)
	}
	if f.device.closes != 1 {
		t.Errorf("expected device closed once, got %d", f.device.closes)
	}
}

func TestListener_KeepsStreamAliveDuringSilence(t *testing.T) {
	f := newListenerFixture(t, audio.NewSilenceGate(1000))

	done := f.start(t)
	f.device.emit(samples(0, 0, 0, 0))
	time.Sleep(20 * time.Millisecond)
	f.listener.Stop()
	if err := wait(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := f.recognizer.stream.keepAliveCount(); got < 1 {
		t.Errorf("expected at least 1 keepalive, got %d", got)
	}
	if len(f.recognizer.stream.received()) != 0 {
		t.Error("silent audio should not be forwarded")
	}
}

func TestListener_StreamContextEndsWithRun(t *testing.T) {
	f := newListenerFixture(t, nil)

	done := f.start(t)
	f.listener.Stop()
	if err := wait(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if f.recognizer.ctx == nil || f.recognizer.ctx.Err() == nil {
		t.Error("stream context should be cancelled once Run returns")
	}
}

func TestListener_InterimPaddingCountsRunes(t *testing.T) {
	out := &bytes.Buffer{}
	l := &Listener{ID: "session_test", out: out}

	l.printInterim("héllo wörld")
	l.handleFinal(context.Background(), stt.Result{Text: "   ", IsFinal: true})

	want := "héllo wörld\r" + "Final Transcript Detected:            \n"
	if out.String() != want {
		t.Errorf("got %q, want %q", out.String(), want)
	}
}
