package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ent0n29/advisorvoice/internal/audio"
	"github.com/ent0n29/advisorvoice/internal/voice"
)

const maxPreviewBytes = 8 << 20

type listVoicesResponse struct {
	DefaultVoiceID  string              `json:"default_voice_id"`
	SelectedVoiceID string              `json:"selected_voice_id,omitempty"`
	Voices          []voice.VoiceOption `json:"voices"`
}

// handleListVoices serves the voice catalog. A catalog failure degrades to an
// empty list so the client keeps working with the default voice.
func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	resp := listVoicesResponse{
		DefaultVoiceID: s.cfg.ElevenLabsTTSVoice,
		Voices:         []voice.VoiceOption{},
	}
	if s.deps.Preferences != nil {
		if id, err := s.deps.Preferences.VoiceForUser(r.Context(), userIDFrom(r)); err == nil {
			resp.SelectedVoiceID = id
		}
	}
	if s.deps.Voices == nil {
		respondJSON(w, http.StatusOK, resp)
		return
	}

	voices, err := s.deps.Voices.ListVoices(r.Context())
	if err != nil {
		logger.Warn("voice catalog fetch failed", "error", err)
		s.metrics.ObserveProviderError("voices", "catalog_failed")
		respondJSON(w, http.StatusOK, resp)
		return
	}
	resp.Voices = voices
	respondJSON(w, http.StatusOK, resp)
}

type voicePreference struct {
	UserID  string `json:"user_id"`
	VoiceID string `json:"voice_id"`
}

func (s *Server) handleGetVoicePreference(w http.ResponseWriter, r *http.Request) {
	if s.deps.Preferences == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "preferences not configured")
		return
	}
	userID := userIDFrom(r)
	id, err := s.deps.Preferences.VoiceForUser(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "preference_read_failed", err.Error())
		return
	}
	if id == "" {
		id = s.cfg.ElevenLabsTTSVoice
	}
	respondJSON(w, http.StatusOK, voicePreference{UserID: userID, VoiceID: id})
}

// handlePutVoicePreference saves the voice choice and applies it to the
// user's live session, so the next reply uses it.
func (s *Server) handlePutVoicePreference(w http.ResponseWriter, r *http.Request) {
	if s.deps.Preferences == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "preferences not configured")
		return
	}
	var req voicePreference
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.VoiceID = strings.TrimSpace(req.VoiceID)
	if req.VoiceID == "" {
		respondError(w, http.StatusBadRequest, "missing_voice_id", "voice_id is required")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		req.UserID = "anonymous"
	}
	if err := s.deps.Preferences.SetVoiceForUser(r.Context(), req.UserID, req.VoiceID); err != nil {
		respondError(w, http.StatusInternalServerError, "preference_write_failed", err.Error())
		return
	}
	if sess, ok := s.sessions.ActiveForUser(req.UserID); ok {
		_ = s.sessions.SetVoice(sess.ID, req.VoiceID)
	}
	respondJSON(w, http.StatusOK, req)
}

type previewTTSRequest struct {
	VoiceID string `json:"voice_id"`
	Text    string `json:"text"`
}

func (s *Server) handlePreviewTTS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Synthesizer == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "synthesizer not configured")
		return
	}
	var req previewTTSRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		text = s.cfg.IntroText
	}
	voiceID := strings.TrimSpace(req.VoiceID)
	if voiceID == "" {
		voiceID = s.cfg.ElevenLabsTTSVoice
	}

	stream, err := s.deps.Synthesizer.Stream(r.Context(), text, voiceID)
	if err != nil {
		respondError(w, http.StatusBadGateway, "tts_preview_failed", err.Error())
		return
	}
	defer stream.Body.Close()
	out, err := io.ReadAll(io.LimitReader(stream.Body, maxPreviewBytes))
	if err != nil {
		respondError(w, http.StatusBadGateway, "tts_preview_failed", err.Error())
		return
	}

	contentType := mimeForTTSFormat(stream.Format, stream.ContentType)
	if sampleRate, ok := pcmSampleRate(stream.Format); ok {
		wav, err := audio.EncodeWAVPCM16LE(out[:len(out)&^1], sampleRate)
		if err != nil {
			respondError(w, http.StatusBadGateway, "tts_preview_failed", err.Error())
			return
		}
		out = wav
		contentType = "audio/wav"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	if format := strings.TrimSpace(stream.Format); format != "" {
		w.Header().Set("X-Audio-Format", format)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func userIDFrom(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get("user_id")); id != "" {
		return id
	}
	return "anonymous"
}

func mimeForTTSFormat(format, fallback string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	switch {
	case strings.HasPrefix(f, "mp3"):
		return "audio/mpeg"
	case strings.HasPrefix(f, "opus"), strings.Contains(f, "ogg"):
		return "audio/ogg"
	case strings.TrimSpace(fallback) != "":
		return fallback
	default:
		return "application/octet-stream"
	}
}

func pcmSampleRate(format string) (int, bool) {
	f := strings.ToLower(strings.TrimSpace(format))
	rest, ok := strings.CutPrefix(f, "pcm_")
	if !ok {
		return 0, false
	}
	sr, err := strconv.Atoi(rest)
	if err != nil || sr <= 0 {
		return 16000, true
	}
	return sr, true
}
