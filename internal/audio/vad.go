package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/maxhawkins/go-webrtcvad"
	"github.com/rs/zerolog/log"
)

var errGateClosed = errors.New("vad gate closed")

// VADGate treats a batch as silent when no 20ms frame in it carries voice
// according to WebRTC VAD. Frames the VAD rejects fall back to an RMS check.
type VADGate struct {
	mutex        sync.Mutex
	vad          *webrtcvad.VAD
	detect       func(sampleRate int, frame []byte) (bool, error)
	sampleRate   int
	frameBytes   int
	rmsThreshold float64
}

func NewVADGate(sampleRate, mode int) (*VADGate, error) {
	frameSamples := sampleRate / 50 // 20ms
	if !webrtcvad.ValidRateAndFrameLength(sampleRate, frameSamples) {
		return nil, fmt.Errorf("unsupported VAD sample rate %d", sampleRate)
	}

	vad, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create webrtc vad: %w", err)
	}

	// Aggressiveness 0-3, 3 being most aggressive
	if err := vad.SetMode(mode); err != nil {
		return nil, fmt.Errorf("failed to set vad mode %d: %w", mode, err)
	}

	return &VADGate{
		vad:          vad,
		detect:       vad.Process,
		sampleRate:   sampleRate,
		frameBytes:   frameSamples * SampleWidth,
		rmsThreshold: 500.0, // Fallback RMS threshold
	}, nil
}

func (v *VADGate) IsSilent(pcm []byte) (bool, error) {
	if err := checkFraming(pcm); err != nil {
		return false, err
	}

	v.mutex.Lock()
	defer v.mutex.Unlock()
	if v.detect == nil {
		return false, errGateClosed
	}

	offset := 0
	for ; offset+v.frameBytes <= len(pcm); offset += v.frameBytes {
		frame := pcm[offset : offset+v.frameBytes]
		speech, err := v.detect(v.sampleRate, frame)
		if err != nil {
			log.Debug().Err(err).Msg("VAD rejected frame, using RMS fallback")
			speech = v.rmsIsSpeech(frame)
		}
		if speech {
			return false, nil
		}
	}

	// Tail shorter than one VAD frame
	if offset < len(pcm) && v.rmsIsSpeech(pcm[offset:]) {
		return false, nil
	}
	return true, nil
}

// Close drops the VAD instance. The library frees the native handle once the
// instance is unreachable; IsSilent fails afterwards.
func (v *VADGate) Close() error {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.vad = nil
	v.detect = nil
	return nil
}

func (v *VADGate) rmsIsSpeech(pcm []byte) bool {
	samples := len(pcm) / SampleWidth
	if samples == 0 {
		return false
	}

	var sum float64
	for i := 0; i+1 < len(pcm); i += SampleWidth {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
		sum += sample * sample
	}

	rms := math.Sqrt(sum / float64(samples))
	return rms > v.rmsThreshold
}

func int16SliceToBytes(samples []int16) []byte {
	bytes := make([]byte, len(samples)*SampleWidth)
	for i, sample := range samples {
		bytes[i*2] = byte(sample)
		bytes[i*2+1] = byte(sample >> 8)
	}
	return bytes
}
