package stt

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned by Send after CloseSend.
var ErrStreamClosed = errors.New("recognition stream closed")

// Result is one recognition hypothesis. Interim results may be revised;
// final results are not.
type Result struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Source     string // "vosk" or "deepgram"
}

// StreamConfig describes the audio sent on a stream.
type StreamConfig struct {
	SampleRate     int
	Language       string
	InterimResults bool
}

// Stream is one open streaming recognition call. Send and CloseSend are
// called from a single goroutine; Results is read from another and is
// closed once the backend has delivered its last result.
type Stream interface {
	Send(audio []byte) error
	CloseSend() error
	Results() <-chan Result
}

// KeepAliver is implemented by streams whose backend hangs up after a quiet
// period. KeepAlive is called from the sending goroutine while no audio is
// being sent and may be a no-op if audio went out recently.
type KeepAliver interface {
	KeepAlive() error
}

// Recognizer interface for STT backends
type Recognizer interface {
	Stream(ctx context.Context, cfg StreamConfig) (Stream, error)
	Close() error
}
