package vosk

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	vosk "github.com/alphacep/vosk-api/go"
	"github.com/rs/zerolog/log"
	"github.com/user/mic-transcriber/internal/stt"
)

const source = "vosk"

type VoskRecognizer struct {
	model *vosk.VoskModel
}

type VoskResult struct {
	Text    string     `json:"text"`
	Partial string     `json:"partial"`
	Result  []VoskWord `json:"result"`
}

type VoskWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Conf  float64 `json:"conf"`
}

func NewVoskRecognizer(modelPath string) (*VoskRecognizer, error) {
	log.Info().Str("model_path", modelPath).Msg("Loading Vosk model")

	model, err := vosk.NewModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load Vosk model from %s: %w", modelPath, err)
	}

	log.Info().Msg("Vosk model loaded successfully")

	return &VoskRecognizer{model: model}, nil
}

// Stream creates a recognizer bound to cfg.SampleRate. Vosk decodes locally,
// so Send blocks for the duration of the decode.
func (v *VoskRecognizer) Stream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	recognizer, err := vosk.NewRecognizer(v.model, float64(cfg.SampleRate))
	if err != nil {
		return nil, fmt.Errorf("failed to create Vosk recognizer: %w", err)
	}
	recognizer.SetWords(1)

	return &voskStream{
		ctx:        ctx,
		recognizer: recognizer,
		interim:    cfg.InterimResults,
		results:    make(chan stt.Result, 16),
	}, nil
}

func (v *VoskRecognizer) Close() error {
	if v.model != nil {
		v.model.Free()
	}
	return nil
}

type voskStream struct {
	ctx        context.Context
	recognizer *vosk.VoskRecognizer
	interim    bool
	results    chan stt.Result

	mutex  sync.Mutex
	closed bool
}

func (s *voskStream) Send(audio []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return stt.ErrStreamClosed
	}

	switch s.recognizer.AcceptWaveform(audio) {
	case -1:
		return fmt.Errorf("failed to process audio batch of %d bytes", len(audio))
	case 1:
		return s.emit(s.recognizer.Result(), true)
	default:
		if !s.interim {
			return nil
		}
		return s.emit(s.recognizer.PartialResult(), false)
	}
}

func (s *voskStream) CloseSend() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	defer close(s.results)
	defer s.recognizer.Free()

	return s.emit(s.recognizer.FinalResult(), true)
}

func (s *voskStream) Results() <-chan stt.Result {
	return s.results
}

func (s *voskStream) emit(jsonResult string, final bool) error {
	result, ok := parseResult(jsonResult, final)
	if !ok {
		return nil
	}

	select {
	case s.results <- result:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// parseResult turns a Vosk JSON result into an stt.Result. Empty hypotheses
// are skipped.
func parseResult(jsonResult string, final bool) (stt.Result, bool) {
	if jsonResult == "" {
		return stt.Result{}, false
	}

	var voskResult VoskResult
	if err := json.Unmarshal([]byte(jsonResult), &voskResult); err != nil {
		log.Warn().
			Err(err).
			Str("json", jsonResult).
			Msg("Failed to parse Vosk result")
		return stt.Result{}, false
	}

	text := voskResult.Text
	if !final {
		text = voskResult.Partial
	}
	if text == "" {
		return stt.Result{}, false
	}

	return stt.Result{
		Text:       text,
		IsFinal:    final,
		Confidence: averageConfidence(voskResult.Result),
		Source:     source,
	}, true
}

func averageConfidence(words []VoskWord) float64 {
	if len(words) == 0 {
		return 0
	}
	var sum float64
	for _, w := range words {
		sum += w.Conf
	}
	return sum / float64(len(words))
}
