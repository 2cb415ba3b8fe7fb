package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/advisorvoice/internal/config"
	"github.com/ent0n29/advisorvoice/internal/httpapi"
	"github.com/ent0n29/advisorvoice/internal/memory"
	"github.com/ent0n29/advisorvoice/internal/observability"
	"github.com/ent0n29/advisorvoice/internal/prefs"
	"github.com/ent0n29/advisorvoice/internal/reasoning"
	"github.com/ent0n29/advisorvoice/internal/session"
	"github.com/ent0n29/advisorvoice/internal/voice"
)

type VoiceInfo struct {
	Provider       string
	Detail         string
	DefaultVoiceID string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Runtime  *voice.Runtime
	Metrics  *observability.Metrics
	Voice    VoiceInfo

	// Cleanup should be called on shutdown to release external resources (DB, preference store).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	memoryStore, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	prefStore, err := newPrefStore(cfg)
	if err != nil {
		_ = memoryStore.Close()
		return nil, fmt.Errorf("preference store init failed: %w", err)
	}

	voiceSetup, err := resolveVoiceProviders(cfg)
	if err != nil {
		_ = prefStore.Close()
		_ = memoryStore.Close()
		return nil, err
	}
	cfg.VoiceProvider = voiceSetup.resolvedProvider

	reasoner := reasoning.NewClient(reasoning.Config{
		URL:           cfg.ReasoningURL,
		Timeout:       cfg.ReasoningTimeout,
		NotableEntity: cfg.NotableEntity,
	})
	voices := prefs.NewVoices(prefStore)
	sessions := session.NewManager(cfg.SessionInactivityTimeout)

	runtime := voice.NewRuntime(voice.RuntimeDeps{
		Recognizer:  voiceSetup.recognizer,
		Synthesizer: voiceSetup.synthesizer,
		Reasoner:    reasoner,
		Mirror:      memory.NewMirror(memoryStore, cfg.RedactPersistence),
		Preferences: voices,
		Sessions:    sessions,
		Metrics:     metrics,
	}, voice.RuntimeConfig{
		Provider:        voiceSetup.resolvedProvider,
		DefaultVoiceID:  voiceSetup.defaultVoiceID,
		PlaybackRate:    cfg.PlaybackRate,
		SettleDelay:     cfg.SettleDelay,
		CaptureStopWait: cfg.CaptureStopWait,
		IntroText:       cfg.IntroText,
	})
	sessions.SetExpireHook(func(s *session.Session) {
		runtime.ReleaseSession(s)
		metrics.SessionEvents.WithLabelValues("released").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions:    sessions,
		Runner:      runtime,
		Voices:      voiceSetup.catalog,
		Synthesizer: voiceSetup.synthesizer,
		Reasoner:    reasoner,
		Preferences: voices,
		Transcripts: memoryStore,
		Metrics:     metrics,
		Provider:    voiceSetup.resolvedProvider,
	})

	cleanup := func() error {
		return errors.Join(prefStore.Close(), memoryStore.Close())
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Runtime:  runtime,
		Metrics:  metrics,
		Voice: VoiceInfo{
			Provider:       voiceSetup.resolvedProvider,
			Detail:         voiceSetup.detail,
			DefaultVoiceID: voiceSetup.defaultVoiceID,
		},
		Cleanup: cleanup,
	}, nil
}

func newPrefStore(cfg config.Config) (prefs.Store, error) {
	if cfg.PrefsDir == "" {
		return prefs.NewMemoryStore(), nil
	}
	return prefs.NewBadgerStore(prefs.BadgerOptions{Dir: cfg.PrefsDir})
}
