package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/ent0n29/advisorvoice/internal/capture"
	"github.com/ent0n29/advisorvoice/internal/playback"
)

const (
	mockSampleRate   = 16000
	mockWordDuration = 0.25 // seconds of audio per spoken word
	mockTranscript   = "simulated voice input"
)

// MockProvider is a local fallback used when ElevenLabs is not configured.
// It recognizes any captured audio as a fixed phrase and synthesizes a tone
// sized to the text.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Start(_ context.Context) (capture.Stream, error) {
	return &mockSTTStream{results: make(chan capture.Result, 64)}, nil
}

func (p *MockProvider) Stream(_ context.Context, text, _ string) (*playback.Stream, error) {
	return &playback.Stream{
		Body:        io.NopCloser(bytes.NewReader(mockSpeech(text))),
		ContentType: "audio/pcm;rate=16000",
		Format:      "pcm_16000",
	}, nil
}

func (p *MockProvider) ListVoices(_ context.Context) ([]VoiceOption, error) {
	return []VoiceOption{
		{VoiceID: "mock-advisor", Name: "Advisor (mock)", Description: "Local test voice"},
	}, nil
}

type mockSTTStream struct {
	mu      sync.Mutex
	results chan capture.Result
	bytes   int
	closed  bool
}

func (s *mockSTTStream) SendAudio(_ context.Context, pcm []byte, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.bytes += len(pcm)
	select {
	case s.results <- capture.Result{Text: "..."}:
	default:
	}
	return nil
}

func (s *mockSTTStream) Finish(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.bytes > 0 {
		s.results <- capture.Result{Text: mockTranscript, Final: true}
	}
	s.closed = true
	close(s.results)
	return nil
}

func (s *mockSTTStream) Results() <-chan capture.Result { return s.results }

func (s *mockSTTStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.results)
	return nil
}

// mockSpeech renders a gently modulated 220Hz tone as PCM16LE mono.
func mockSpeech(text string) []byte {
	words := len(strings.Fields(text))
	if words == 0 {
		return nil
	}
	samples := int(float64(words) * mockWordDuration * mockSampleRate)
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		t := float64(i) / mockSampleRate
		env := 0.5 + 0.5*math.Sin(2*math.Pi*3*t)
		v := int16(8000 * env * math.Sin(2*math.Pi*220*t))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}
