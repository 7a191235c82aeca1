package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/user/mic-transcriber/internal/audio"
	"github.com/user/mic-transcriber/internal/config"
	"github.com/user/mic-transcriber/internal/metrics"
	"github.com/user/mic-transcriber/internal/responder/gemini"
	"github.com/user/mic-transcriber/internal/store"
	"github.com/user/mic-transcriber/internal/stt"
	"github.com/user/mic-transcriber/internal/stt/deepgram"
	"github.com/user/mic-transcriber/internal/stt/vosk"
)

type App struct {
	config     *config.Config
	store      *store.FileStore
	recognizer stt.Recognizer
	responder  Responder
	closer     io.Closer // responder client, if any
	gate       audio.Gate
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	newDevice  func() audio.Device
	out        io.Writer

	// Active capture
	listener *Listener
	stopped  bool
	mutex    sync.Mutex
}

func NewApp(cfg *config.Config) (*App, error) {
	// Create store
	fileStore, err := store.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	gate, err := buildGate(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create silence gate: %w", err)
	}

	// Create recognizer based on config
	var recognizer stt.Recognizer
	switch cfg.STTBackend {
	case "vosk":
		recognizer, err = vosk.NewVoskRecognizer(cfg.VoskModelPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create Vosk recognizer: %w", err)
		}
	case "deepgram":
		recognizer, err = deepgram.NewDeepgramRecognizer(
			cfg.DeepgramAPIKey,
			deepgram.WithModel(cfg.DeepgramModel),
			deepgram.WithPunctuate(cfg.DeepgramPunctuate),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Deepgram recognizer: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported STT backend: %s", cfg.STTBackend)
	}

	registry := prometheus.NewRegistry()

	app := &App{
		config:     cfg,
		store:      fileStore,
		recognizer: recognizer,
		gate:       gate,
		registry:   registry,
		metrics:    metrics.NewMetrics(registry),
		newDevice:  func() audio.Device { return audio.NewPortAudioDevice() },
		out:        os.Stdout,
	}

	// Create responder if configured
	if cfg.ResponderEnabled() {
		responder, err := gemini.NewGeminiResponder(cfg.GenAIAPIKey, cfg.GenAIModel, gemini.GenerationOptions{
			Temperature:     float32(cfg.GenAITemperature),
			TopP:            float32(cfg.GenAITopP),
			MaxOutputTokens: int32(cfg.GenAIMaxOutputTokens),
		})
		if err != nil {
			recognizer.Close()
			return nil, fmt.Errorf("failed to create responder: %w", err)
		}
		app.responder = responder
		app.closer = responder
	} else {
		log.Warn().Msg("GENAI_API_KEY not set, final transcripts will not be answered")
	}

	return app, nil
}

// Run captures from the microphone until Stop is called or ctx is done.
func (a *App) Run(ctx context.Context) error {
	if a.config.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, a.config.MetricsAddr, a.registry); err != nil {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	sessionID := store.GenerateSessionID()
	session := audio.NewStreamSession(sessionID, a.newDevice(), audio.SessionConfig{
		SampleRate:      a.config.SampleRate,
		FramesPerBuffer: a.config.FramesPerBuffer,
		AudioLogPath:    a.config.AudioLogDestination(),
	}, a.metrics)

	listener := NewListener(ListenerConfig{
		ID:         sessionID,
		Session:    session,
		Gate:       a.gate,
		Recognizer: a.recognizer,
		StreamConfig: stt.StreamConfig{
			SampleRate:     a.config.SampleRate,
			Language:       a.config.LanguageCode,
			InterimResults: a.config.Interim,
		},
		Responder: a.responder,
		Store:     a.store,
		Metrics:   a.metrics,
		Out:       a.out,
	})

	a.mutex.Lock()
	if a.stopped {
		a.mutex.Unlock()
		log.Info().Str("session_id", sessionID).Msg("Stop requested before capture started")
		return nil
	}
	a.listener = listener
	a.mutex.Unlock()

	log.Info().
		Str("session_id", sessionID).
		Str("stt_backend", a.config.STTBackend).
		Str("silence_gate", a.config.SilenceGate).
		Int("silence_threshold", a.config.SilenceThreshold).
		Msg("Started capture session")

	err := listener.Run(ctx)

	a.mutex.Lock()
	a.listener = nil
	stopped := a.stopped
	a.mutex.Unlock()

	// Stop closed the session before it could open
	if stopped && errors.Is(err, audio.ErrSessionUsed) {
		return nil
	}
	return err
}

// Stop ends the active capture. A Run that has not started capturing yet
// returns without opening the microphone.
func (a *App) Stop() error {
	a.mutex.Lock()
	a.stopped = true
	listener := a.listener
	a.mutex.Unlock()

	if listener == nil {
		return nil
	}
	return listener.Stop()
}

// Close releases the recognizer, the responder client and the silence gate.
func (a *App) Close() error {
	var errs []error
	if a.recognizer != nil {
		if err := a.recognizer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close recognizer: %w", err))
		}
	}
	if a.closer != nil {
		if err := a.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close responder: %w", err))
		}
	}
	if closer, ok := a.gate.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close silence gate: %w", err))
		}
	}
	return errors.Join(errs...)
}

// buildGate returns nil when no gating is configured.
func buildGate(cfg *config.Config) (audio.Gate, error) {
	switch cfg.SilenceGate {
	case "vad":
		gate, err := audio.NewVADGate(cfg.SampleRate, cfg.VADMode)
		if err != nil {
			return nil, err
		}
		return gate, nil
	case "peak", "":
		if cfg.SilenceThreshold <= 0 {
			return nil, nil
		}
		return audio.NewSilenceGate(cfg.SilenceThreshold), nil
	default:
		return nil, fmt.Errorf("unknown silence gate %q", cfg.SilenceGate)
	}
}
