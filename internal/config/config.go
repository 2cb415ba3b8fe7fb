package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the push-to-talk voice service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	FirstAudioSLO            time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	VoiceProvider string

	ElevenLabsAPIKey       string
	ElevenLabsBaseURL      string
	ElevenLabsWSBaseURL    string
	ElevenLabsTTSVoice     string
	ElevenLabsTTSModel     string
	ElevenLabsSTTModel     string
	ElevenLabsOutputFormat string

	ReasoningURL     string
	ReasoningTimeout time.Duration
	NotableEntity    string

	PlaybackRate      float64
	SettleDelay       time.Duration
	CaptureStopWait   time.Duration
	IntroText         string
	DotEnvPath        string
	PrefsDir          string
	DatabaseURL       string
	RedactPersistence bool
}

// Load reads an optional .env file, then environment variables, and applies safe defaults.
func Load() (Config, error) {
	envPath := envOrDefault("APP_DOTENV_PATH", ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envPath, err)
	}

	cfg := Config{
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "advisorvoice"),
		AllowAnyOrigin:         false,
		VoiceProvider:          envOrDefault("VOICE_PROVIDER", "auto"),
		ElevenLabsBaseURL:      envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsWSBaseURL:    envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsTTSVoice:     envOrDefault("ELEVENLABS_DEFAULT_VOICE_ID", "JBFqnCBsd6RMkjVDRZzb"),
		ElevenLabsTTSModel:     envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_multilingual_v2"),
		ElevenLabsSTTModel:     envOrDefault("ELEVENLABS_STT_MODEL_ID", "scribe_v2_realtime"),
		ElevenLabsOutputFormat: envOrDefault("ELEVENLABS_OUTPUT_FORMAT", "pcm_16000"),
		ElevenLabsAPIKey:       stringsTrimSpace("ELEVENLABS_API_KEY"),
		ReasoningURL:           envOrDefault("REASONING_URL", "http://localhost:5000/api/agent/chat"),
		NotableEntity:          stringsTrimSpace("NOTABLE_ENTITY"),
		IntroText:              envOrDefault("INTRO_TEXT", "Hello! I'm your academic advisor. Hold the space bar to talk to me."),
		DotEnvPath:             envPath,
		PrefsDir:               stringsTrimSpace("PREFS_DIR"),
		DatabaseURL:            stringsTrimSpace("DATABASE_URL"),
		RedactPersistence:      true,
		PlaybackRate:           1.0,

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		FirstAudioSLO:            900 * time.Millisecond,
		ReasoningTimeout:         60 * time.Second,
		SettleDelay:              150 * time.Millisecond,
		CaptureStopWait:          3 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.FirstAudioSLO, err = durationFromEnv("APP_FIRST_AUDIO_SLO", cfg.FirstAudioSLO)
	if err != nil {
		return Config{}, err
	}
	cfg.ReasoningTimeout, err = durationFromEnv("REASONING_TIMEOUT", cfg.ReasoningTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SettleDelay, err = durationFromEnv("TURN_SETTLE_DELAY", cfg.SettleDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureStopWait, err = durationFromEnv("CAPTURE_STOP_TIMEOUT", cfg.CaptureStopWait)
	if err != nil {
		return Config{}, err
	}
	cfg.PlaybackRate, err = floatFromEnv("PLAYBACK_RATE", cfg.PlaybackRate)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RedactPersistence, err = boolFromEnv("MEMORY_REDACT_PII", cfg.RedactPersistence)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.PlaybackRate <= 0 {
		return Config{}, fmt.Errorf("PLAYBACK_RATE must be positive")
	}
	if cfg.SettleDelay < 0 {
		return Config{}, fmt.Errorf("TURN_SETTLE_DELAY must be >= 0")
	}
	if cfg.CaptureStopWait <= 0 {
		return Config{}, fmt.Errorf("CAPTURE_STOP_TIMEOUT must be positive")
	}
	if strings.TrimSpace(cfg.ReasoningURL) == "" {
		return Config{}, fmt.Errorf("REASONING_URL must not be empty")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
