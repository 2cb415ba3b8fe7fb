package httpapi

import "net/http"

type uiSettingsResponse struct {
	VoiceProvider    string  `json:"voice_provider"`
	PlaybackRate     float64 `json:"playback_rate"`
	SettleDelayMS    int64   `json:"settle_delay_ms"`
	CaptureTimeoutMS int64   `json:"capture_timeout_ms"`
	IntroText        string  `json:"intro_text"`
	TalkKey          string  `json:"talk_key"`
	ReplayIntroKey   string  `json:"replay_intro_key"`
	CaptureRateHz    int     `json:"capture_sample_rate"`
}

func (s *Server) handleUISettings(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, uiSettingsResponse{
		VoiceProvider:    s.deps.Provider,
		PlaybackRate:     s.cfg.PlaybackRate,
		SettleDelayMS:    s.cfg.SettleDelay.Milliseconds(),
		CaptureTimeoutMS: s.cfg.CaptureStopWait.Milliseconds(),
		IntroText:        s.cfg.IntroText,
		TalkKey:          "Space",
		ReplayIntroKey:   "KeyR",
		CaptureRateHz:    16000,
	})
}
