package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/user/mic-transcriber/internal/audio"
)

type FileStore struct {
	baseDir string
}

func NewFileStore(baseDir string) (*FileStore, error) {
	// Create directories if they don't exist
	transcriptDir := filepath.Join(baseDir, "transcripts")
	responseDir := filepath.Join(baseDir, "responses")

	if err := os.MkdirAll(transcriptDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	if err := os.MkdirAll(responseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create response directory: %w", err)
	}

	return &FileStore{
		baseDir: baseDir,
	}, nil
}

func (s *FileStore) transcriptPath(sessionID string) string {
	return filepath.Join(s.baseDir, "transcripts", sessionID+".jsonl")
}

func (s *FileStore) responsePath(sessionID string) string {
	return filepath.Join(s.baseDir, "responses", sessionID+".md")
}

// AppendUtterance adds one final utterance to the session transcript.
func (s *FileStore) AppendUtterance(sessionID string, utterance audio.Utterance) error {
	path := s.transcriptPath(sessionID)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open transcript file: %w", err)
	}
	defer file.Close()

	if err := json.NewEncoder(file).Encode(utterance); err != nil {
		return fmt.Errorf("failed to encode utterance: %w", err)
	}

	log.Debug().
		Str("session_id", sessionID).
		Str("file", path).
		Str("utterance_id", utterance.ID.String()).
		Msg("Saved utterance")

	return nil
}

// AppendResponse records a prompt and the generated reply as a markdown
// section.
func (s *FileStore) AppendResponse(sessionID string, at time.Time, prompt, reply string) error {
	path := s.responsePath(sessionID)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open response file: %w", err)
	}
	defer file.Close()

	entry := fmt.Sprintf("## %s\n\n> %s\n\n%s\n\n", at.Format("15:04:05"), prompt, reply)
	if _, err := file.WriteString(entry); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}

	log.Debug().
		Str("session_id", sessionID).
		Str("file", path).
		Int("size", len(reply)).
		Msg("Saved response")

	return nil
}

func (s *FileStore) LoadTranscript(sessionID string) ([]audio.Utterance, error) {
	file, err := os.Open(s.transcriptPath(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript file: %w", err)
	}
	defer file.Close()

	var utterances []audio.Utterance
	decoder := json.NewDecoder(file)

	for decoder.More() {
		var utterance audio.Utterance
		if err := decoder.Decode(&utterance); err != nil {
			return nil, fmt.Errorf("failed to decode utterance: %w", err)
		}
		utterances = append(utterances, utterance)
	}

	return utterances, nil
}

func (s *FileStore) LoadResponses(sessionID string) (string, error) {
	data, err := os.ReadFile(s.responsePath(sessionID))
	if err != nil {
		return "", fmt.Errorf("failed to read response file: %w", err)
	}
	return string(data), nil
}

func GenerateSessionID() string {
	return fmt.Sprintf("session_%s", time.Now().Format("20060102_150405"))
}
