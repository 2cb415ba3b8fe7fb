package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/ent0n29/advisorvoice/internal/playback"
	"github.com/ent0n29/advisorvoice/internal/reasoning"
	"github.com/ent0n29/advisorvoice/internal/voice"
)

type replyFunc func(utterance string) (reasoning.Reply, error)

func (f replyFunc) Send(ctx context.Context, mem *reasoning.Memory, utterance string) (reasoning.Reply, error) {
	mem.Append(ctx, reasoning.Entry{Role: reasoning.RoleUser, Content: utterance})
	return f(utterance)
}

type failingSynth struct{ code int }

func (s failingSynth) Stream(context.Context, string, string) (*playback.Stream, error) {
	return nil, &playback.StatusError{Code: s.code, Body: "quota exceeded"}
}

func postTurn(t *testing.T, url, body string) *http.Response {
	t.Helper()
	res, err := http.Post(url+"/v1/conversation/turn", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST turn error = %v", err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func TestConversationTurnStreamsAudioWithReplyHeader(t *testing.T) {
	var got string
	reasoner := replyFunc(func(utterance string) (reasoning.Reply, error) {
		got = utterance
		return reasoning.Reply{Text: "You need **CS 101**\nand MATH 200."}, nil
	})
	ts, _ := newTestServer(t, Deps{Reasoner: reasoner, Synthesizer: voice.NewMockProvider()})

	res := postTurn(t, ts.URL, `{"text":"  what courses do I need  "}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if got != "what courses do I need" {
		t.Fatalf("reasoner got %q", got)
	}
	if h := res.Header.Get(replyHeader); h != "You need **CS 101** and MATH 200." {
		t.Fatalf("%s = %q", replyHeader, h)
	}
	if f := res.Header.Get("X-Audio-Format"); f != "pcm_16000" {
		t.Fatalf("X-Audio-Format = %q, want pcm_16000", f)
	}
	data, _ := io.ReadAll(res.Body)
	if len(data) == 0 {
		t.Fatalf("expected audio body")
	}
}

func TestConversationTurnErrors(t *testing.T) {
	ok := replyFunc(func(string) (reasoning.Reply, error) { return reasoning.Reply{Text: "Sure."}, nil })
	tests := []struct {
		name       string
		deps       Deps
		body       string
		wantStatus int
		wantCode   string
		wantReply  string
	}{
		{
			name:       "not configured",
			deps:       Deps{Synthesizer: voice.NewMockProvider()},
			body:       `{"text":"hi"}`,
			wantStatus: http.StatusNotImplemented,
			wantCode:   "unavailable",
		},
		{
			name:       "missing text",
			deps:       Deps{Reasoner: ok, Synthesizer: voice.NewMockProvider()},
			body:       `{"text":"   "}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "missing_text",
		},
		{
			name: "reasoning failure",
			deps: Deps{
				Reasoner: replyFunc(func(string) (reasoning.Reply, error) {
					return reasoning.Reply{}, &reasoning.Error{Kind: reasoning.KindFailed, Status: 500, Message: "boom"}
				}),
				Synthesizer: voice.NewMockProvider(),
			},
			body:       `{"text":"hi"}`,
			wantStatus: http.StatusBadGateway,
			wantCode:   "reasoning_failed",
		},
		{
			name:       "synthesis failure keeps reply text",
			deps:       Deps{Reasoner: ok, Synthesizer: failingSynth{code: http.StatusUnauthorized}},
			body:       `{"text":"hi"}`,
			wantStatus: http.StatusUnauthorized,
			wantCode:   "tts_failed",
			wantReply:  "Sure.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, _ := newTestServer(t, tt.deps)
			res := postTurn(t, ts.URL, tt.body)
			if res.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.wantStatus)
			}
			var out conversationTurnError
			if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if out.Code != tt.wantCode || out.Reply != tt.wantReply {
				t.Fatalf("error body = %+v, want code %q reply %q", out, tt.wantCode, tt.wantReply)
			}
		})
	}
}

func TestHeaderTextFoldsAndCaps(t *testing.T) {
	if got := headerText("line one\r\nline\ttwo"); got != "line one line two" {
		t.Fatalf("headerText() = %q", got)
	}
	long := strings.Repeat("é", maxReplyHeaderBytes)
	got := headerText(long)
	if len(got) > maxReplyHeaderBytes || !strings.HasPrefix(long, got) {
		t.Fatalf("headerText() returned %d bytes, want a prefix within %d", len(got), maxReplyHeaderBytes)
	}
}
