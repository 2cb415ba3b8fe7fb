package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.VoiceProvider != "auto" {
		t.Fatalf("VoiceProvider = %q, want auto", cfg.VoiceProvider)
	}
	if cfg.SettleDelay != 150*time.Millisecond {
		t.Fatalf("SettleDelay = %v, want 150ms", cfg.SettleDelay)
	}
	if cfg.PlaybackRate != 1 {
		t.Fatalf("PlaybackRate = %v, want 1", cfg.PlaybackRate)
	}
	if !cfg.RedactPersistence {
		t.Fatalf("RedactPersistence = false, want true by default")
	}
	if cfg.ElevenLabsOutputFormat != "pcm_16000" {
		t.Fatalf("ElevenLabsOutputFormat = %q, want pcm_16000", cfg.ElevenLabsOutputFormat)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("TURN_SETTLE_DELAY", "0s")
	t.Setenv("PLAYBACK_RATE", "1.25")
	t.Setenv("MEMORY_REDACT_PII", "off")
	t.Setenv("NOTABLE_ENTITY", "  Registrar  ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want :9191", cfg.BindAddr)
	}
	if cfg.SettleDelay != 0 {
		t.Fatalf("SettleDelay = %v, want 0", cfg.SettleDelay)
	}
	if cfg.PlaybackRate != 1.25 {
		t.Fatalf("PlaybackRate = %v, want 1.25", cfg.PlaybackRate)
	}
	if cfg.RedactPersistence {
		t.Fatalf("RedactPersistence = true, want false")
	}
	if cfg.NotableEntity != "Registrar" {
		t.Fatalf("NotableEntity = %q, want trimmed value", cfg.NotableEntity)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("REASONING_URL=http://advisor.test/chat\nINTRO_TEXT=Hi from dotenv\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("APP_DOTENV_PATH", path)
	// Present-but-empty variables would shadow the file.
	unsetForTest(t, "REASONING_URL")
	unsetForTest(t, "INTRO_TEXT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ReasoningURL != "http://advisor.test/chat" {
		t.Fatalf("ReasoningURL = %q, want value from .env", cfg.ReasoningURL)
	}
	if cfg.IntroText != "Hi from dotenv" {
		t.Fatalf("IntroText = %q, want value from .env", cfg.IntroText)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"APP_SESSION_INACTIVITY_TIMEOUT", "1s", "at least 5s"},
		{"PLAYBACK_RATE", "0", "must be positive"},
		{"PLAYBACK_RATE", "fast", "parse error"},
		{"TURN_SETTLE_DELAY", "-1s", ">= 0"},
		{"CAPTURE_STOP_TIMEOUT", "0s", "must be positive"},
		{"APP_ALLOW_ANY_ORIGIN", "maybe", "expected bool"},
		{"REASONING_TIMEOUT", "soon", "parse error"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil {
				t.Fatalf("Load() error = nil, want error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	t.Setenv("APP_DOTENV_PATH", filepath.Join(t.TempDir(), "missing.env"))
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_FIRST_AUDIO_SLO",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"VOICE_PROVIDER",
		"ELEVENLABS_API_KEY",
		"ELEVENLABS_BASE_URL",
		"ELEVENLABS_WS_BASE_URL",
		"ELEVENLABS_DEFAULT_VOICE_ID",
		"ELEVENLABS_TTS_MODEL_ID",
		"ELEVENLABS_STT_MODEL_ID",
		"ELEVENLABS_OUTPUT_FORMAT",
		"REASONING_URL",
		"REASONING_TIMEOUT",
		"NOTABLE_ENTITY",
		"INTRO_TEXT",
		"PREFS_DIR",
		"DATABASE_URL",
		"PLAYBACK_RATE",
		"TURN_SETTLE_DELAY",
		"CAPTURE_STOP_TIMEOUT",
		"MEMORY_REDACT_PII",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

func unsetForTest(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("unset %s: %v", key, err)
	}
}
