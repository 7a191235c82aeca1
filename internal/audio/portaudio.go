package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog/log"
)

// PortAudioDevice captures mono 16-bit PCM from the default input device.
// PortAudio invokes the registered callback on its own thread and keeps
// capturing until Close.
type PortAudioDevice struct {
	mutex       sync.Mutex
	stream      *portaudio.Stream
	initialized bool
	started     bool
}

func NewPortAudioDevice() *PortAudioDevice {
	return &PortAudioDevice{}
}

func (d *PortAudioDevice) Open(sampleRate, framesPerBuffer int, callback func(pcm []byte)) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.initialized {
		return fmt.Errorf("portaudio device already open")
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize portaudio: %w", err)
	}
	d.initialized = true

	// PortAudio reuses the input slice between calls, so each chunk is copied
	stream, err := portaudio.OpenDefaultStream(Channels, 0, float64(sampleRate), framesPerBuffer, func(in []int16) {
		callback(int16SliceToBytes(in))
	})
	if err != nil {
		d.releaseLocked()
		return fmt.Errorf("failed to open default input stream: %w", err)
	}
	d.stream = stream

	if err := stream.Start(); err != nil {
		d.releaseLocked()
		return fmt.Errorf("failed to start input stream: %w", err)
	}
	d.started = true

	log.Info().
		Int("sample_rate", sampleRate).
		Int("frames_per_buffer", framesPerBuffer).
		Msg("PortAudio input stream started")

	return nil
}

func (d *PortAudioDevice) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.releaseLocked()
}

func (d *PortAudioDevice) releaseLocked() error {
	var errs []error

	if d.stream != nil {
		if d.started {
			if err := d.stream.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("failed to stop input stream: %w", err))
			}
			d.started = false
		}
		if err := d.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close input stream: %w", err))
		}
		d.stream = nil
	}

	if d.initialized {
		if err := portaudio.Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("failed to terminate portaudio: %w", err))
		}
		d.initialized = false
	}

	return errors.Join(errs...)
}
