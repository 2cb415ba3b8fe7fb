package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ent0n29/advisorvoice/internal/playback"
	"github.com/ent0n29/advisorvoice/internal/reasoning"
	"github.com/ent0n29/advisorvoice/internal/voice"
)

// replyHeader carries the plain reply text next to the synthesized audio.
const replyHeader = "X-Advisor-Reply"

const maxReplyHeaderBytes = 4 << 10

type conversationTurnRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id,omitempty"`
}

type conversationTurnError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Reply string `json:"reply,omitempty"`
}

// handleConversationTurn is the non-streaming turn variant: one utterance is
// answered by the reasoning service and the reply comes back as audio, with
// the text in X-Advisor-Reply. No conversation memory is kept between calls.
func (s *Server) handleConversationTurn(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reasoner == nil || s.deps.Synthesizer == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "conversation turns not configured")
		return
	}
	var req conversationTurnRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		respondError(w, http.StatusBadRequest, "missing_text", "text is required")
		return
	}

	mem := reasoning.NewMemory(uuid.NewString(), nil)
	reply, err := s.deps.Reasoner.Send(r.Context(), mem, text)
	if err != nil {
		s.metrics.ObserveReasoning("failed")
		logger.Warn("conversation turn reasoning failed", "error", err)
		respondError(w, http.StatusBadGateway, "reasoning_failed", err.Error())
		return
	}
	if reply.Degraded {
		s.metrics.ObserveReasoning("degraded")
	} else {
		s.metrics.ObserveReasoning("ok")
	}

	replyText := strings.TrimSpace(reply.Text)
	spoken := voice.Speakable(replyText)
	if spoken == "" {
		respondJSON(w, http.StatusBadGateway, conversationTurnError{Error: "reply has no speakable text", Code: "empty_reply", Reply: replyText})
		return
	}

	stream, err := s.deps.Synthesizer.Stream(r.Context(), spoken, s.turnVoice(r, req.VoiceID))
	if err != nil {
		status := http.StatusBadGateway
		var se *playback.StatusError
		if errors.As(err, &se) && se.Code >= 400 && se.Code < 600 {
			status = se.Code
		}
		s.metrics.ObserveProviderError("tts", "conversation_turn")
		respondJSON(w, status, conversationTurnError{Error: err.Error(), Code: "tts_failed", Reply: replyText})
		return
	}
	defer stream.Body.Close()

	w.Header().Set("Content-Type", mimeForTTSFormat(stream.Format, stream.ContentType))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(replyHeader, headerText(replyText))
	if format := strings.TrimSpace(stream.Format); format != "" {
		w.Header().Set("X-Audio-Format", format)
	}
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	buf := make([]byte, 4096)
	for {
		n, err := stream.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			_ = rc.Flush()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("conversation turn audio stream ended early", "error", err)
			}
			return
		}
	}
}

func (s *Server) turnVoice(r *http.Request, requested string) string {
	if id := strings.TrimSpace(requested); id != "" {
		return id
	}
	if s.deps.Preferences != nil {
		if id, err := s.deps.Preferences.VoiceForUser(r.Context(), userIDFrom(r)); err == nil && id != "" {
			return id
		}
	}
	return s.cfg.ElevenLabsTTSVoice
}

// headerText folds a reply onto one line and caps its size.
func headerText(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= maxReplyHeaderBytes {
		return text
	}
	cut := maxReplyHeaderBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
