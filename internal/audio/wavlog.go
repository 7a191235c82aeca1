package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var errLogClosed = errors.New("audio log closed")

// WAVLog appends captured PCM to a mono 16-bit WAV file. Writes come from the
// driver callback, so the log carries its own lock. After the first failed
// write it stops writing.
type WAVLog struct {
	path string

	mutex   sync.Mutex
	file    *os.File
	encoder *wav.Encoder
	buf     *goaudio.IntBuffer
	frames  int
	failed  bool
	closed  bool
}

func CreateWAVLog(path string, sampleRate int) (*WAVLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create audio log directory: %w", err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio log file: %w", err)
	}

	return &WAVLog{
		path:    path,
		file:    file,
		encoder: wav.NewEncoder(file, sampleRate, 16, Channels, 1),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: Channels, SampleRate: sampleRate},
			SourceBitDepth: 16,
		},
	}, nil
}

// Write appends one chunk of little-endian 16-bit PCM.
func (l *WAVLog) Write(pcm []byte) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return errLogClosed
	}
	if l.failed {
		return nil
	}

	samples := len(pcm) / SampleWidth
	if cap(l.buf.Data) < samples {
		l.buf.Data = make([]int, samples)
	}
	l.buf.Data = l.buf.Data[:samples]
	for i := range l.buf.Data {
		l.buf.Data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*SampleWidth:])))
	}

	if err := l.encoder.Write(l.buf); err != nil {
		l.failed = true
		return fmt.Errorf("failed to write audio log: %w", err)
	}
	l.frames += samples
	return nil
}

// Frames returns the number of samples written so far.
func (l *WAVLog) Frames() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.frames
}

func (l *WAVLog) Path() string {
	return l.path
}

// Close finalizes the WAV header and closes the file.
func (l *WAVLog) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error
	if l.frames == 0 && !l.failed {
		// Force the header out so an empty capture is still a valid file
		l.buf.Data = l.buf.Data[:0]
		if err := l.encoder.Write(l.buf); err != nil {
			errs = append(errs, fmt.Errorf("failed to write audio log header: %w", err))
		}
	}
	if err := l.encoder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to finalize audio log: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close audio log file: %w", err))
	}
	return errors.Join(errs...)
}
