// Package deepgram streams audio to the Deepgram live transcription API over
// a WebSocket and reports interim and final results.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"
	"github.com/user/mic-transcriber/internal/stt"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-2"
	source           = "deepgram"

	// Deepgram hangs up after about 10s without audio or a KeepAlive
	keepAliveInterval = 3 * time.Second
)

type Option func(*DeepgramRecognizer)

func WithModel(model string) Option {
	return func(d *DeepgramRecognizer) {
		d.model = model
	}
}

// WithEndpoint overrides the streaming endpoint, mainly for tests.
func WithEndpoint(endpoint string) Option {
	return func(d *DeepgramRecognizer) {
		d.endpoint = endpoint
	}
}

func WithPunctuate(punctuate bool) Option {
	return func(d *DeepgramRecognizer) {
		d.punctuate = punctuate
	}
}

type DeepgramRecognizer struct {
	apiKey    string
	model     string
	endpoint  string
	punctuate bool
}

// DeepgramResponse is the Results message of the live API.
type DeepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func NewDeepgramRecognizer(apiKey string, opts ...Option) (*DeepgramRecognizer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram API key is required")
	}

	d := &DeepgramRecognizer{
		apiKey:    apiKey,
		model:     defaultModel,
		endpoint:  deepgramEndpoint,
		punctuate: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *DeepgramRecognizer) Stream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	streamURL, err := d.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build Deepgram URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	log.Debug().
		Str("model", d.model).
		Int("sample_rate", cfg.SampleRate).
		Str("language", cfg.Language).
		Bool("interim_results", cfg.InterimResults).
		Msg("Opening Deepgram stream")

	conn, _, err := websocket.Dial(ctx, streamURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("Deepgram dial failed: %w", err)
	}

	s := &deepgramStream{
		ctx:     ctx,
		conn:    conn,
		results: make(chan stt.Result, 64),
	}
	go s.readLoop()

	return s, nil
}

func (d *DeepgramRecognizer) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return "", err
	}

	params := u.Query()
	if d.model != "" {
		params.Set("model", d.model)
	}
	params.Set("encoding", "linear16")
	params.Set("channels", "1")
	params.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	params.Set("punctuate", strconv.FormatBool(d.punctuate))
	params.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	if cfg.Language != "" {
		params.Set("language", cfg.Language)
	}

	u.RawQuery = params.Encode()
	return u.String(), nil
}

func (d *DeepgramRecognizer) Close() error {
	// Each stream owns its connection
	return nil
}

type deepgramStream struct {
	ctx     context.Context
	conn    *websocket.Conn
	results chan stt.Result

	mutex     sync.Mutex
	closed    bool
	lastWrite time.Time
}

// Send writes one batch as a binary message.
func (s *deepgramStream) Send(audio []byte) error {
	s.mutex.Lock()
	closed := s.closed
	s.lastWrite = time.Now()
	s.mutex.Unlock()
	if closed {
		return stt.ErrStreamClosed
	}

	if err := s.conn.Write(s.ctx, websocket.MessageBinary, audio); err != nil {
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

// KeepAlive holds the connection open while no audio is sent. It writes at
// most one KeepAlive message per keepAliveInterval.
func (s *deepgramStream) KeepAlive() error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return stt.ErrStreamClosed
	}
	if time.Since(s.lastWrite) < keepAliveInterval {
		s.mutex.Unlock()
		return nil
	}
	s.lastWrite = time.Now()
	s.mutex.Unlock()

	if err := s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`)); err != nil {
		return fmt.Errorf("failed to send Deepgram keepalive: %w", err)
	}
	log.Debug().Msg("Sent Deepgram keepalive")
	return nil
}

// CloseSend asks Deepgram to flush and close. Results is closed once the
// server has sent its remaining results and the connection ends.
func (s *deepgramStream) CloseSend() error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil
	}
	s.closed = true
	s.mutex.Unlock()

	if err := s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return fmt.Errorf("failed to close Deepgram stream: %w", err)
	}
	return nil
}

func (s *deepgramStream) Results() <-chan stt.Result {
	return s.results
}

func (s *deepgramStream) readLoop() {
	defer close(s.results)
	defer s.conn.Close(websocket.StatusNormalClosure, "stream finished")

	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && s.ctx.Err() == nil {
				log.Warn().Err(err).Msg("Deepgram stream ended unexpectedly")
			}
			return
		}

		result, ok := parseResponse(msg)
		if !ok {
			continue
		}

		select {
		case s.results <- result:
		case <-s.ctx.Done():
			return
		}
	}
}

// parseResponse returns the top alternative of a Results message. Other
// message types and empty transcripts are ignored.
func parseResponse(data []byte) (stt.Result, bool) {
	var resp DeepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		log.Warn().
			Str("response_body", string(data)).
			Msg("Failed to parse Deepgram response")
		return stt.Result{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return stt.Result{}, false
	}

	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return stt.Result{}, false
	}

	return stt.Result{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Source:     source,
	}, true
}
