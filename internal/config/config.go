package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Capture
	SampleRate      int
	FramesPerBuffer int

	// Silence gate
	SilenceGate      string // "peak" or "vad"
	SilenceThreshold int
	VADMode          int

	// Audio log
	AudioLog     bool
	AudioLogPath string

	// STT Backend
	STTBackend   string // "vosk" or "deepgram"
	LanguageCode string
	Interim      bool

	// Vosk settings
	VoskModelPath string

	// Deepgram settings
	DeepgramAPIKey    string
	DeepgramModel     string
	DeepgramPunctuate bool

	// Gemini settings
	GenAIAPIKey          string
	GenAIModel           string
	GenAITemperature     float64
	GenAITopP            float64
	GenAIMaxOutputTokens int

	// Storage
	DataDir string

	// Metrics
	MetricsAddr string

	// Logging
	LogLevel string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("No .env file found, using environment variables only")
	}

	cfg := &Config{
		// Capture
		SampleRate:      getIntEnvOrDefault("SAMPLE_RATE", 16000),
		FramesPerBuffer: getIntEnvOrDefault("FRAMES_PER_BUFFER", 1600),

		// Silence gate
		SilenceGate:      getEnvOrDefault("SILENCE_GATE", "peak"),
		SilenceThreshold: getIntEnvOrDefault("SILENCE_THRESHOLD", 0),
		VADMode:          getIntEnvOrDefault("VAD_MODE", 2),

		// Audio log
		AudioLog:     getBoolEnvOrDefault("AUDIO_LOG", false),
		AudioLogPath: getEnvOrDefault("AUDIO_LOG_PATH", "output.wav"),

		// STT Backend
		STTBackend:   getEnvOrDefault("STT_BACKEND", "vosk"),
		LanguageCode: getEnvOrDefault("LANGUAGE_CODE", "en-US"),
		Interim:      getBoolEnvOrDefault("INTERIM_RESULTS", true),

		// Vosk
		VoskModelPath: getEnvOrDefault("VOSK_MODEL_PATH", "./models/vosk/en"),

		// Deepgram
		DeepgramAPIKey:    os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:     getEnvOrDefault("DEEPGRAM_MODEL", "nova-2"),
		DeepgramPunctuate: getBoolEnvOrDefault("DEEPGRAM_PUNCTUATE", true),

		// Gemini
		GenAIAPIKey:          os.Getenv("GENAI_API_KEY"),
		GenAIModel:           getEnvOrDefault("GENAI_MODEL", "gemini-1.5-pro-002"),
		GenAITemperature:     getFloatEnvOrDefault("GENAI_TEMPERATURE", 1),
		GenAITopP:            getFloatEnvOrDefault("GENAI_TOP_P", 0.95),
		GenAIMaxOutputTokens: getIntEnvOrDefault("GENAI_MAX_OUTPUT_TOKENS", 8192),

		// Storage
		DataDir: getEnvOrDefault("DATA_DIR", "./data"),

		// Metrics
		MetricsAddr: os.Getenv("METRICS_ADDR"),

		// Logging
		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("SAMPLE_RATE must be positive")
	}

	if c.FramesPerBuffer <= 0 {
		return fmt.Errorf("FRAMES_PER_BUFFER must be positive")
	}

	if c.SilenceThreshold < 0 {
		return fmt.Errorf("SILENCE_THRESHOLD must not be negative")
	}

	if c.SilenceGate != "peak" && c.SilenceGate != "vad" {
		return fmt.Errorf("SILENCE_GATE must be 'peak' or 'vad'")
	}

	if c.VADMode < 0 || c.VADMode > 3 {
		return fmt.Errorf("VAD_MODE must be between 0 and 3")
	}

	if c.AudioLog && c.AudioLogPath == "" {
		return fmt.Errorf("AUDIO_LOG_PATH is required when AUDIO_LOG is enabled")
	}

	if c.STTBackend != "vosk" && c.STTBackend != "deepgram" {
		return fmt.Errorf("STT_BACKEND must be 'vosk' or 'deepgram'")
	}

	if c.STTBackend == "deepgram" && c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required when using deepgram backend")
	}

	return nil
}

// ResponderEnabled reports whether final transcripts are sent to Gemini.
func (c *Config) ResponderEnabled() bool {
	return c.GenAIAPIKey != ""
}

// AudioLogDestination returns the WAV log path, or "" when logging is off.
func (c *Config) AudioLogDestination() string {
	if !c.AudioLog {
		return ""
	}
	return c.AudioLogPath
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getFloatEnvOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getBoolEnvOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
