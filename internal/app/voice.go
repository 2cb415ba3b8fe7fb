package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/advisorvoice/internal/capture"
	"github.com/ent0n29/advisorvoice/internal/config"
	"github.com/ent0n29/advisorvoice/internal/httpapi"
	"github.com/ent0n29/advisorvoice/internal/playback"
	"github.com/ent0n29/advisorvoice/internal/voice"
)

type voiceSetup struct {
	recognizer       capture.Recognizer
	synthesizer      playback.Synthesizer
	catalog          httpapi.VoiceCatalog
	resolvedProvider string
	defaultVoiceID   string
	detail           string
}

func resolveVoiceProviders(cfg config.Config) (voiceSetup, error) {
	voiceMode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if voiceMode == "" {
		voiceMode = "auto"
	}

	tryElevenLabs := func() (voiceSetup, bool) {
		if strings.TrimSpace(cfg.ElevenLabsAPIKey) == "" {
			return voiceSetup{}, false
		}
		p := voice.NewElevenLabsProvider(voice.ElevenLabsConfig{
			APIKey:         cfg.ElevenLabsAPIKey,
			BaseURL:        cfg.ElevenLabsBaseURL,
			WSBaseURL:      cfg.ElevenLabsWSBaseURL,
			STTModelID:     cfg.ElevenLabsSTTModel,
			TTSModelID:     cfg.ElevenLabsTTSModel,
			DefaultVoiceID: cfg.ElevenLabsTTSVoice,
			OutputFormat:   cfg.ElevenLabsOutputFormat,
		})
		return voiceSetup{
			recognizer:       p,
			synthesizer:      p,
			catalog:          p,
			resolvedProvider: "elevenlabs",
			defaultVoiceID:   cfg.ElevenLabsTTSVoice,
			detail:           "elevenlabs realtime",
		}, true
	}

	mock := func(detail string) voiceSetup {
		p := voice.NewMockProvider()
		return voiceSetup{
			recognizer:       p,
			synthesizer:      p,
			catalog:          p,
			resolvedProvider: "mock",
			defaultVoiceID:   "mock-advisor",
			detail:           detail,
		}
	}

	switch voiceMode {
	case "elevenlabs":
		if setup, ok := tryElevenLabs(); ok {
			return setup, nil
		}
		return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
	case "mock":
		return mock("mock"), nil
	case "auto":
		if setup, ok := tryElevenLabs(); ok {
			return setup, nil
		}
		return mock("mock (no elevenlabs key)"), nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|elevenlabs|mock)", cfg.VoiceProvider)
	}
}
