package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrOddLength marks a PCM batch that cannot be split into 16-bit samples.
// It indicates broken framing upstream, not a runtime condition.
var ErrOddLength = errors.New("pcm batch has odd byte length")

// SilenceGate drops batches whose peak absolute sample is below Threshold.
// A Threshold of 0 disables the gate.
type SilenceGate struct {
	Threshold int
}

func NewSilenceGate(threshold int) *SilenceGate {
	return &SilenceGate{Threshold: threshold}
}

// IsSilent reports whether the peak amplitude of pcm is strictly below the
// threshold. It is O(n) and meant for the consumer goroutine.
func (g *SilenceGate) IsSilent(pcm []byte) (bool, error) {
	if g == nil || g.Threshold <= 0 {
		return false, nil
	}
	if err := checkFraming(pcm); err != nil {
		return false, err
	}
	return PeakAmplitude(pcm) < g.Threshold, nil
}

// PeakAmplitude returns the largest absolute sample value in little-endian
// 16-bit PCM. A trailing odd byte is ignored.
func PeakAmplitude(pcm []byte) int {
	peak := 0
	for i := 0; i+1 < len(pcm); i += SampleWidth {
		sample := int(int16(binary.LittleEndian.Uint16(pcm[i:])))
		if sample < 0 {
			sample = -sample
		}
		if sample > peak {
			peak = sample
		}
	}
	return peak
}

func checkFraming(pcm []byte) error {
	if len(pcm)%SampleWidth != 0 {
		return fmt.Errorf("%w: got %d bytes", ErrOddLength, len(pcm))
	}
	return nil
}
