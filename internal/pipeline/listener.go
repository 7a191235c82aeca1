package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/user/mic-transcriber/internal/audio"
	"github.com/user/mic-transcriber/internal/metrics"
	"github.com/user/mic-transcriber/internal/store"
	"github.com/user/mic-transcriber/internal/stt"
	"golang.org/x/sync/errgroup"
)

// errStreamEnded means the recognizer hung up while audio was still being
// captured.
var errStreamEnded = errors.New("recognition stream ended unexpectedly")

// Responder turns a final transcript into a reply, streaming it to w.
type Responder interface {
	Respond(ctx context.Context, transcript string, w io.Writer) (string, error)
}

// Listener runs one capture: microphone -> recognizer -> responder.
type Listener struct {
	ID string

	session      *audio.StreamSession
	forwarder    *audio.Forwarder
	recognizer   stt.Recognizer
	streamConfig stt.StreamConfig
	responder    Responder // optional
	store        *store.FileStore
	metrics      *metrics.Metrics // optional
	out          io.Writer

	printed int // width in runes of the interim line currently on screen

	sendClosed atomic.Bool
}

type ListenerConfig struct {
	ID           string
	Session      *audio.StreamSession
	Gate         audio.Gate
	Recognizer   stt.Recognizer
	StreamConfig stt.StreamConfig
	Responder    Responder
	Store        *store.FileStore
	Metrics      *metrics.Metrics
	Out          io.Writer
}

func NewListener(cfg ListenerConfig) *Listener {
	forwarder := &audio.Forwarder{Gate: cfg.Gate}
	if cfg.Metrics != nil {
		forwarder.Recorder = cfg.Metrics
	}

	return &Listener{
		ID:           cfg.ID,
		session:      cfg.Session,
		forwarder:    forwarder,
		recognizer:   cfg.Recognizer,
		streamConfig: cfg.StreamConfig,
		responder:    cfg.Responder,
		store:        cfg.Store,
		metrics:      cfg.Metrics,
		out:          cfg.Out,
	}
}

// Run opens the microphone and blocks until the capture ends, either through
// Stop or because a stage failed. The microphone is released on every path.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.session.Open(); err != nil {
		return fmt.Errorf("failed to open microphone stream: %w", err)
	}
	defer func() {
		if err := l.session.Close(); err != nil {
			log.Warn().
				Str("session_id", l.ID).
				Err(err).
				Msg("Error while closing microphone stream")
		}
	}()

	// The stream must not outlive the capture
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	stream, err := l.recognizer.Stream(streamCtx, l.streamConfig)
	if err != nil {
		return fmt.Errorf("failed to start recognition stream: %w", err)
	}

	forwarder := *l.forwarder
	if keepAliver, ok := stream.(stt.KeepAliver); ok {
		forwarder.KeepAlive = keepAliver.KeepAlive
	}

	log.Info().
		Str("session_id", l.ID).
		Int("sample_rate", l.streamConfig.SampleRate).
		Msg("Starting to listen and transcribe")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		stats, err := forwarder.Run(gctx, l.session, stream.Send)
		l.sendClosed.Store(true)
		closeErr := stream.CloseSend()

		log.Info().
			Str("session_id", l.ID).
			Int("batches", stats.Batches).
			Int("silent_batches", stats.Silent).
			Int("bytes", stats.Bytes).
			Msg("Audio forwarding finished")

		if err != nil {
			return err
		}
		if closeErr != nil {
			return fmt.Errorf("failed to finish recognition stream: %w", closeErr)
		}
		return nil
	})

	g.Go(func() error {
		return l.handleResults(gctx, stream.Results())
	})

	return g.Wait()
}

// Stop ends the capture cooperatively: the microphone is released and the
// consumer sees end of stream after draining what was already captured.
func (l *Listener) Stop() error {
	return l.session.Close()
}

func (l *Listener) handleResults(ctx context.Context, results <-chan stt.Result) error {
	defer log.Debug().Str("session_id", l.ID).Msg("Result processing stopped")

	for {
		select {
		case result, ok := <-results:
			if !ok {
				l.endLine()
				if !l.sendClosed.Load() {
					return errStreamEnded
				}
				return nil
			}
			if !result.IsFinal {
				l.printInterim(result.Text)
				continue
			}
			l.handleFinal(ctx, result)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Listener) printInterim(text string) {
	fmt.Fprint(l.out, text+l.overwrite(text)+"\r")
	l.printed = utf8.RuneCountInString(text)
}

func (l *Listener) endLine() {
	if l.printed > 0 {
		fmt.Fprintln(l.out)
		l.printed = 0
	}
}

// overwrite pads text so it fully covers a longer interim line.
func (l *Listener) overwrite(text string) string {
	if pad := l.printed - utf8.RuneCountInString(text); pad > 0 {
		return strings.Repeat(" ", pad)
	}
	return ""
}

func (l *Listener) handleFinal(ctx context.Context, result stt.Result) {
	fmt.Fprintf(l.out, "Final Transcript Detected: %s\n", result.Text+l.overwrite(result.Text))
	l.printed = 0

	if strings.TrimSpace(result.Text) == "" {
		log.Info().Str("session_id", l.ID).Msg("Skipping empty or noise-only transcription")
		return
	}

	if l.metrics != nil {
		l.metrics.FinalTranscripts.Inc()
	}

	now := time.Now()
	utterance := audio.Utterance{
		ID:         uuid.New(),
		SessionID:  l.ID,
		Timestamp:  now,
		Text:       result.Text,
		Source:     result.Source,
		Confidence: result.Confidence,
	}
	if err := l.store.AppendUtterance(l.ID, utterance); err != nil {
		log.Warn().
			Str("session_id", l.ID).
			Err(err).
			Msg("Failed to save utterance")
	}

	if l.responder == nil {
		return
	}

	reply, err := l.responder.Respond(ctx, result.Text, l.out)
	fmt.Fprintln(l.out)
	if err != nil {
		if l.metrics != nil {
			l.metrics.ResponseFailures.Inc()
		}
		log.Error().
			Str("session_id", l.ID).
			Err(err).
			Msg("Failed to generate response")
		return
	}
	if l.metrics != nil {
		l.metrics.Responses.Inc()
	}

	if err := l.store.AppendResponse(l.ID, now, result.Text, reply); err != nil {
		log.Warn().
			Str("session_id", l.ID).
			Err(err).
			Msg("Failed to save response")
	}
}
