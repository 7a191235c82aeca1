package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	// ErrSessionUsed is returned when Open is called on a session that has
	// already been opened or closed. Build a new session instead.
	ErrSessionUsed = errors.New("stream session already used")
)

type SessionState int

const (
	StateUnopened SessionState = iota
	StateOpen
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unopened"
	}
}

// SessionConfig is fixed for the lifetime of a session.
type SessionConfig struct {
	SampleRate      int
	FramesPerBuffer int

	// AudioLogPath enables the WAV side log when non-empty.
	AudioLogPath string
}

// StreamSession owns one microphone acquisition: the device, its capture
// buffer and the optional audio log. It moves Unopened -> Open -> Closed and
// never back.
type StreamSession struct {
	ID     string
	config SessionConfig

	device   Device
	buffer   *CaptureBuffer
	audioLog *WAVLog
	recorder Recorder

	mutex sync.Mutex
	state SessionState
}

func NewStreamSession(id string, device Device, cfg SessionConfig, recorder Recorder) *StreamSession {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = DefaultFramesPerBuffer
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &StreamSession{
		ID:       id,
		config:   cfg,
		device:   device,
		buffer:   NewCaptureBuffer(),
		recorder: recorder,
	}
}

// Open acquires the device and registers the push callback. On failure every
// partially acquired resource is released and the session ends up Closed.
func (s *StreamSession) Open() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state != StateUnopened {
		return fmt.Errorf("%w: session %s is %s", ErrSessionUsed, s.ID, s.state)
	}

	if s.config.AudioLogPath != "" {
		audioLog, err := CreateWAVLog(s.config.AudioLogPath, s.config.SampleRate)
		if err != nil {
			s.state = StateClosed
			s.buffer.Close()
			return err
		}
		s.audioLog = audioLog
	}

	if err := s.device.Open(s.config.SampleRate, s.config.FramesPerBuffer, s.fillBuffer); err != nil {
		s.state = StateClosed
		if releaseErr := s.release(); releaseErr != nil {
			log.Warn().
				Str("session_id", s.ID).
				Err(releaseErr).
				Msg("Failed to release resources after open failure")
		}
		return fmt.Errorf("failed to open audio device: %w", err)
	}

	s.state = StateOpen

	log.Info().
		Str("session_id", s.ID).
		Int("sample_rate", s.config.SampleRate).
		Int("frames_per_buffer", s.config.FramesPerBuffer).
		Bool("audio_log", s.audioLog != nil).
		Msg("Audio stream opened")

	return nil
}

// fillBuffer runs on the driver callback thread. It must not block and must
// not let anything escape back into the driver.
func (s *StreamSession) fillBuffer(pcm []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("session_id", s.ID).
				Interface("panic", r).
				Msg("Recovered in audio callback, dropping chunk")
		}
	}()

	if !s.buffer.Push(pcm) {
		s.recorder.ChunkDropped()
		return
	}
	s.recorder.ChunkPushed(len(pcm))

	if s.audioLog != nil {
		if err := s.audioLog.Write(pcm); err != nil && !errors.Is(err, errLogClosed) {
			log.Warn().
				Str("session_id", s.ID).
				Str("path", s.audioLog.Path()).
				Err(err).
				Msg("Audio log write failed, audio log disabled")
		}
	}
}

// Next drains the next coalesced batch. It returns io.EOF after Close once
// every chunk captured before it has been drained.
func (s *StreamSession) Next(ctx context.Context) (Batch, error) {
	return s.buffer.Next(ctx)
}

// Close stops the device callback, releases the device, enqueues the
// terminal marker and finalizes the audio log. It is safe from any state and
// from any goroutine; calls after the first return nil.
func (s *StreamSession) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed

	err := s.release()

	log.Info().
		Str("session_id", s.ID).
		Uint64("chunks_pushed", s.buffer.Pushed()).
		Uint64("chunks_dropped", s.buffer.Dropped()).
		Msg("Audio stream closed")

	return err
}

func (s *StreamSession) release() error {
	var errs []error

	// The device must stop before the marker goes in
	if err := s.device.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to release audio device: %w", err))
	}
	s.buffer.Close()

	if s.audioLog != nil {
		if err := s.audioLog.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (s *StreamSession) State() SessionState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}
