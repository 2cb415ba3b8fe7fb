package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ent0n29/advisorvoice/internal/capture"
	"github.com/ent0n29/advisorvoice/internal/playback"
	"github.com/ent0n29/advisorvoice/internal/reliability"
)

var sttDialPolicy = reliability.Policy{Attempts: 3, Base: 200 * time.Millisecond, Max: time.Second}

const maxErrorBodySize = 4 << 10

type ElevenLabsConfig struct {
	APIKey         string
	BaseURL        string
	WSBaseURL      string
	STTModelID     string
	TTSModelID     string
	DefaultVoiceID string
	OutputFormat   string
	HTTPClient     *http.Client
	Dialer         *websocket.Dialer
}

// ElevenLabsProvider implements realtime recognition, streaming synthesis and
// the voice catalog against the ElevenLabs API.
type ElevenLabsProvider struct {
	cfg    ElevenLabsConfig
	http   *http.Client
	dialer *websocket.Dialer
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.STTModelID) == "" {
		cfg.STTModelID = "scribe_v2_realtime"
	}
	if strings.TrimSpace(cfg.TTSModelID) == "" {
		cfg.TTSModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "pcm_16000"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &ElevenLabsProvider{cfg: cfg, http: client, dialer: dialer}
}

// RealtimeError is an error frame reported by the realtime recognizer.
type RealtimeError struct {
	Code      string
	Detail    string
	Retryable bool
}

func (e *RealtimeError) Error() string {
	if e.Detail == "" {
		return "realtime stt error: " + e.Code
	}
	return fmt.Sprintf("realtime stt error %s: %s", e.Code, e.Detail)
}

// Start opens a realtime recognition session with manual commits, so the
// transcript is finalized only when the talk key is released.
func (p *ElevenLabsProvider) Start(ctx context.Context) (capture.Stream, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, capture.ErrUnsupported
	}
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/speech-to-text/realtime")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.STTModelID)
	q.Set("commit_strategy", "manual")
	q.Set("audio_format", "pcm_16000")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	var conn *websocket.Conn
	err = reliability.Retry(ctx, sttDialPolicy, func(int) (bool, error) {
		c, resp, dialErr := p.dialer.DialContext(ctx, u.String(), headers)
		if dialErr == nil {
			conn = c
			return false, nil
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return reliability.IsRetryableHTTPStatus(status), fmt.Errorf("dial stt websocket (status %d): %w", status, dialErr)
	})
	if err != nil {
		return nil, err
	}

	s := &elevenSTTStream{
		conn:    conn,
		results: make(chan capture.Result, 256),
		closed:  make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

type elevenSTTStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	results   chan capture.Result
	finishing atomic.Bool
}

func (s *elevenSTTStream) SendAudio(_ context.Context, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return s.writeJSON(map[string]any{
		"message_type":  "input_audio_chunk",
		"audio_base_64": base64.StdEncoding.EncodeToString(pcm),
		"commit":        false,
		"sample_rate":   sampleRate,
	})
}

func (s *elevenSTTStream) Finish(_ context.Context) error {
	s.finishing.Store(true)
	return s.writeJSON(map[string]any{
		"message_type":  "input_audio_chunk",
		"audio_base_64": "",
		"commit":        true,
		"sample_rate":   16000,
	})
}

func (s *elevenSTTStream) Results() <-chan capture.Result { return s.results }

func (s *elevenSTTStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *elevenSTTStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *elevenSTTStream) emit(r capture.Result) bool {
	select {
	case s.results <- r:
		return true
	case <-s.closed:
		return false
	}
}

func (s *elevenSTTStream) readLoop() {
	defer close(s.results)
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		messageType := asString(raw["message_type"])
		switch messageType {
		case "partial_transcript":
			if !s.emit(capture.Result{Text: asString(raw["text"])}) {
				return
			}
		case "committed_transcript", "committed_transcript_with_timestamps":
			if !s.emit(capture.Result{Text: asString(raw["text"]), Final: true}) {
				return
			}
			if s.finishing.Load() {
				return
			}
		case "session_started", "", "input_audio_chunk":
			// control frames
		default:
			s.emit(capture.Result{Err: &RealtimeError{
				Code:      messageType,
				Detail:    asString(raw["error"]),
				Retryable: reliability.IsRetryableRealtimeMessageType(messageType),
			}})
			return
		}
	}
}

// Stream requests streamed synthesis of text. An empty voiceID selects the
// configured default voice.
func (p *ElevenLabsProvider) Stream(ctx context.Context, text, voiceID string) (*playback.Stream, error) {
	voiceID = strings.TrimSpace(voiceID)
	if voiceID == "" {
		voiceID = p.cfg.DefaultVoiceID
	}
	if voiceID == "" {
		return nil, errors.New("voice_id is required")
	}

	u, err := url.Parse(strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("output_format", p.cfg.OutputFormat)
	u.RawQuery = q.Encode()

	body, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": p.cfg.TTSModelID,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/*")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, &playback.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	return &playback.Stream{
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
		Format:      p.cfg.OutputFormat,
	}, nil
}

// VoiceOption is one entry of the voice catalog.
type VoiceOption struct {
	VoiceID     string `json:"voice_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	PreviewURL  string `json:"preview_url,omitempty"`
}

// ListVoices fetches the account's voices sorted by name.
func (p *ElevenLabsProvider) ListVoices(ctx context.Context) ([]VoiceOption, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/voices", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", p.cfg.APIKey)

	res, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 2<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("voices status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed struct {
		Voices []VoiceOption `json:"voices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode voices: %w", err)
	}

	out := make([]VoiceOption, 0, len(parsed.Voices))
	for _, v := range parsed.Voices {
		v.VoiceID = strings.TrimSpace(v.VoiceID)
		v.Name = strings.TrimSpace(v.Name)
		v.Description = strings.TrimSpace(v.Description)
		v.PreviewURL = strings.TrimSpace(v.PreviewURL)
		if v.VoiceID == "" || v.Name == "" {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out, nil
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
