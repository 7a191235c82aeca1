package audio

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-audio/wav"
)

type fakeDevice struct {
	mutex    sync.Mutex
	callback func([]byte)
	openErr  error
	opens    int
	closes   int
}

func (d *fakeDevice) Open(sampleRate, framesPerBuffer int, callback func(pcm []byte)) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.opens++
	if d.openErr != nil {
		return d.openErr
	}
	d.callback = callback
	return nil
}

func (d *fakeDevice) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.closes++
	return nil
}

// emit plays the driver thread. It keeps calling after Close to mimic a
// late callback.
func (d *fakeDevice) emit(chunk []byte) {
	d.mutex.Lock()
	callback := d.callback
	d.mutex.Unlock()
	if callback != nil {
		callback(chunk)
	}
}

func TestStreamSession_Lifecycle(t *testing.T) {
	device := &fakeDevice{}
	recorder := &countingRecorder{}
	session := NewStreamSession("test", device, SessionConfig{}, recorder)

	if session.State() != StateUnopened {
		t.Fatalf("expected unopened, got %s", session.State())
	}
	if err := session.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if session.State() != StateOpen {
		t.Fatalf("expected open, got %s", session.State())
	}

	device.emit([]byte{1, 2})
	device.emit([]byte{3, 4})

	if err := session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	device.emit([]byte{5, 6})

	batch, err := session.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(batch.Data) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("unexpected batch %v", batch.Data)
	}
	if _, err := session.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}

	if recorder.pushed != 2 || recorder.dropped != 1 {
		t.Errorf("unexpected recorder counts %+v", recorder)
	}
	if device.closes != 1 {
		t.Errorf("expected device closed once, got %d", device.closes)
	}
}

func TestStreamSession_CloseIsIdempotent(t *testing.T) {
	device := &fakeDevice{}
	session := NewStreamSession("test", device, SessionConfig{}, nil)

	if err := session.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := session.Close(); err != nil {
			t.Fatalf("Close %d: %v", i, err)
		}
	}
	if device.closes != 1 {
		t.Errorf("expected device closed once, got %d", device.closes)
	}
}

func TestStreamSession_CloseBeforeOpen(t *testing.T) {
	session := NewStreamSession("test", &fakeDevice{}, SessionConfig{}, nil)

	if err := session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if session.State() != StateClosed {
		t.Errorf("expected closed, got %s", session.State())
	}
	if err := session.Open(); !errors.Is(err, ErrSessionUsed) {
		t.Errorf("expected ErrSessionUsed, got %v", err)
	}
}

func TestStreamSession_ReopenFails(t *testing.T) {
	device := &fakeDevice{}
	session := NewStreamSession("test", device, SessionConfig{}, nil)

	if err := session.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := session.Open(); !errors.Is(err, ErrSessionUsed) {
		t.Errorf("second Open: expected ErrSessionUsed, got %v", err)
	}
	session.Close()
	if err := session.Open(); !errors.Is(err, ErrSessionUsed) {
		t.Errorf("Open after Close: expected ErrSessionUsed, got %v", err)
	}
	if device.opens != 1 {
		t.Errorf("expected device opened once, got %d", device.opens)
	}
}

func TestStreamSession_OpenFailureRollsBack(t *testing.T) {
	openErr := errors.New("no input device")
	device := &fakeDevice{openErr: openErr}
	logPath := filepath.Join(t.TempDir(), "capture.wav")
	session := NewStreamSession("test", device, SessionConfig{AudioLogPath: logPath}, nil)

	err := session.Open()
	if !errors.Is(err, openErr) {
		t.Fatalf("expected device error, got %v", err)
	}
	if session.State() != StateClosed {
		t.Errorf("expected closed, got %s", session.State())
	}
	if device.closes != 1 {
		t.Errorf("expected partial device released once, got %d", device.closes)
	}

	// The consumer must not hang on a session that never opened
	if _, err := session.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
	if err := session.Close(); err != nil {
		t.Errorf("Close after failed Open: %v", err)
	}
}

func TestStreamSession_AudioLogFailureAbortsOpen(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}

	device := &fakeDevice{}
	session := NewStreamSession("test", device, SessionConfig{
		AudioLogPath: filepath.Join(blocker, "capture.wav"),
	}, nil)

	if err := session.Open(); err == nil {
		t.Fatal("expected Open to fail")
	}
	if device.opens != 0 {
		t.Errorf("device should not be opened, got %d opens", device.opens)
	}
	if session.State() != StateClosed {
		t.Errorf("expected closed, got %s", session.State())
	}
}

func TestStreamSession_WritesAudioLog(t *testing.T) {
	device := &fakeDevice{}
	logPath := filepath.Join(t.TempDir(), "logs", "capture.wav")
	session := NewStreamSession("test", device, SessionConfig{
		SampleRate:   16000,
		AudioLogPath: logPath,
	}, nil)

	if err := session.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	device.emit(pcm(1, 2))
	device.emit(pcm(3, 4))
	if err := session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	file, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("open audio log: %v", err)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		t.Fatal("audio log is not a valid WAV file")
	}
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode audio log: %v", err)
	}
	if decoder.SampleRate != 16000 || decoder.NumChans != 1 || decoder.BitDepth != 16 {
		t.Errorf("unexpected format: %d Hz, %d channels, %d bits", decoder.SampleRate, decoder.NumChans, decoder.BitDepth)
	}

	want := []int{1, 2, 3, 4}
	if len(buf.Data) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(buf.Data))
	}
	for i := range want {
		if buf.Data[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, buf.Data[i], want[i])
		}
	}
}

type panickingRecorder struct{ countingRecorder }

func (panickingRecorder) ChunkPushed(int) { panic("boom") }

func TestStreamSession_CallbackPanicIsContained(t *testing.T) {
	device := &fakeDevice{}
	session := NewStreamSession("test", device, SessionConfig{}, &panickingRecorder{})

	if err := session.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("panic escaped the callback: %v", r)
		}
	}()
	device.emit([]byte{1, 2})
	session.Close()
}
