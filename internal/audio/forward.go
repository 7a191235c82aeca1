package audio

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
)

// Sink receives one coalesced batch, typically as one recognition request.
type Sink func(batch []byte) error

// ForwardStats summarizes one forwarding run.
type ForwardStats struct {
	Batches int
	Silent  int
	Bytes   int
}

// Forwarder is the consumer loop: drain, gate, forward.
type Forwarder struct {
	Gate     Gate
	Recorder Recorder

	// KeepAlive, if set, is called for every batch the gate drops so the
	// receiving end does not time out during long silences.
	KeepAlive func() error
}

// Run drains src until end of stream, dropping batches the gate reports as
// silent and handing the rest to sink unmodified. A framing error from the
// gate or a sink error ends the run; callers still own closing the source.
func (f *Forwarder) Run(ctx context.Context, src BatchSource, sink Sink) (ForwardStats, error) {
	recorder := f.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}

	var stats ForwardStats
	for {
		batch, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			log.Debug().
				Int("batches", stats.Batches).
				Int("silent", stats.Silent).
				Int("bytes", stats.Bytes).
				Msg("Audio stream ended")
			return stats, nil
		}
		if err != nil {
			return stats, err
		}

		recorder.BatchDrained(len(batch.Data), batch.Chunks)

		if f.Gate != nil {
			silent, err := f.Gate.IsSilent(batch.Data)
			if err != nil {
				return stats, fmt.Errorf("silence check failed: %w", err)
			}
			if silent {
				stats.Silent++
				recorder.BatchSilent()
				log.Debug().
					Int("bytes", len(batch.Data)).
					Msg("Skipping silent batch")
				if f.KeepAlive != nil {
					if err := f.KeepAlive(); err != nil {
						return stats, fmt.Errorf("failed to keep stream alive: %w", err)
					}
				}
				continue
			}
		}

		if err := sink(batch.Data); err != nil {
			return stats, fmt.Errorf("failed to forward audio batch: %w", err)
		}
		stats.Batches++
		stats.Bytes += len(batch.Data)
	}
}
