package audio

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultSampleRate      = 16000
	DefaultFramesPerBuffer = DefaultSampleRate / 10 // 100ms
	Channels               = 1                      // Mono
	SampleWidth            = 2                      // 16-bit signed little-endian
)

// Batch is one or more captured chunks coalesced by a single drain.
type Batch struct {
	Data   []byte
	Chunks int
}

// Utterance represents a finalized piece of recognized speech
type Utterance struct {
	ID         uuid.UUID `json:"id"`
	SessionID  string    `json:"session_id"`
	Timestamp  time.Time `json:"timestamp"`
	Text       string    `json:"text"`
	Source     string    `json:"source"` // "vosk" or "deepgram"
	Confidence float64   `json:"confidence,omitempty"`
}

// Device is an audio input that delivers PCM through callback on a
// driver-owned thread. Close stops callback delivery before it returns and is
// safe to call on a device that never opened or failed half way.
type Device interface {
	Open(sampleRate, framesPerBuffer int, callback func(pcm []byte)) error
	Close() error
}

// Gate decides whether a coalesced batch is silence that should not be
// forwarded.
type Gate interface {
	IsSilent(pcm []byte) (bool, error)
}

// BatchSource is drained by the consumer loop. Next returns io.EOF once the
// stream has ended.
type BatchSource interface {
	Next(ctx context.Context) (Batch, error)
}

// Recorder receives capture counters. ChunkPushed and ChunkDropped run on the
// driver callback thread and must not block.
type Recorder interface {
	ChunkPushed(bytes int)
	ChunkDropped()
	BatchDrained(bytes, chunks int)
	BatchSilent()
}

type nopRecorder struct{}

func (nopRecorder) ChunkPushed(int)       {}
func (nopRecorder) ChunkDropped()         {}
func (nopRecorder) BatchDrained(int, int) {}
func (nopRecorder) BatchSilent()          {}
