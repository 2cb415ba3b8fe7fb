package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/advisorvoice/internal/config"
	"github.com/ent0n29/advisorvoice/internal/memory"
	"github.com/ent0n29/advisorvoice/internal/observability"
	"github.com/ent0n29/advisorvoice/internal/playback"
	"github.com/ent0n29/advisorvoice/internal/prefs"
	"github.com/ent0n29/advisorvoice/internal/session"
	"github.com/ent0n29/advisorvoice/internal/voice"
)

type ConnectionRunner interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
}

type VoiceCatalog interface {
	ListVoices(ctx context.Context) ([]voice.VoiceOption, error)
}

type Deps struct {
	Sessions    *session.Manager
	Runner      ConnectionRunner
	Voices      VoiceCatalog
	Synthesizer playback.Synthesizer
	Reasoner    voice.Reasoner
	Preferences *prefs.Voices
	Transcripts memory.Store
	Metrics     *observability.Metrics
	// Provider is the resolved voice provider name, reported by health checks.
	Provider string
}

type Server struct {
	cfg      config.Config
	deps     Deps
	sessions *session.Manager
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:      cfg,
		deps:     deps,
		sessions: deps.Sessions,
		metrics:  deps.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a microphone session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/voice/session", s.handleCreateSession)
	r.Post("/v1/voice/session/{id}/end", s.handleEndSession)
	r.Get("/v1/voice/session/{id}/transcript", s.handleTranscript)
	r.Get("/v1/voice/session/ws", s.handleSessionWS)
	r.Get("/v1/voice/voices", s.handleListVoices)
	r.Post("/v1/voice/tts/preview", s.handlePreviewTTS)
	r.Post("/v1/conversation/turn", s.handleConversationTurn)
	r.Get("/v1/preferences/voice", s.handleGetVoicePreference)
	r.Put("/v1/preferences/voice", s.handlePutVoicePreference)
	r.Get("/v1/ui/settings", s.handleUISettings)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"voice_provider": s.deps.Provider,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := s.deps.Runner != nil
	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	respondJSON(w, status, map[string]any{
		"status":          state,
		"voice_provider":  s.deps.Provider,
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		req.UserID = "anonymous"
	}
	req.VoiceID = strings.TrimSpace(req.VoiceID)
	if req.VoiceID == "" && s.deps.Preferences != nil {
		if saved, err := s.deps.Preferences.VoiceForUser(r.Context(), req.UserID); err == nil {
			req.VoiceID = saved
		}
	}
	if req.VoiceID == "" {
		req.VoiceID = s.cfg.ElevenLabsTTSVoice
	}

	sess := s.sessions.Create(req.UserID, req.VoiceID)
	s.observeSessions("created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		VoiceID:         sess.VoiceID,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.observeSessions("ended")
	respondJSON(w, http.StatusOK, sess)
}

type transcriptResponse struct {
	SessionID string               `json:"session_id"`
	Entries   []memory.EntryRecord `json:"entries"`
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.deps.Transcripts == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcript store not configured")
		return
	}
	id := chi.URLParam(r, "id")
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := s.deps.Transcripts.Recent(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "transcript_failed", err.Error())
		return
	}
	if entries == nil {
		entries = []memory.EntryRecord{}
	}
	respondJSON(w, http.StatusOK, transcriptResponse{SessionID: id, Entries: entries})
}

func (s *Server) observeSessions(event string) {
	if s.metrics == nil {
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues(event).Inc()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
