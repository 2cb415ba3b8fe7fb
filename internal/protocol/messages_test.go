package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageAudioChunk(t *testing.T) {
	raw := []byte(`{"type":"client_audio_chunk","session_id":"s1","seq":1,"pcm16_base64":"AQID","sample_rate":16000,"ts_ms":123}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	audio, ok := msg.(ClientAudioChunk)
	if !ok {
		t.Fatalf("message type = %T, want ClientAudioChunk", msg)
	}
	if audio.SessionID != "s1" || audio.SampleRate != 16000 {
		t.Fatalf("unexpected audio chunk: %+v", audio)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageKey(t *testing.T) {
	raw := []byte(`{"type":"client_key","session_id":"s1","key":" Talk ","down":true,"repeat":true,"text_entry_focused":false,"ts_ms":456}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	key, ok := msg.(ClientKey)
	if !ok {
		t.Fatalf("message type = %T, want ClientKey", msg)
	}
	if key.Key != KeyTalk || !key.Down || !key.Repeat || key.TextEntryFocused {
		t.Fatalf("unexpected client key: %+v", key)
	}
	if key.TSMs != 456 {
		t.Fatalf("TSMs = %d, want %d", key.TSMs, 456)
	}
}

func TestParseClientMessageValidation(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"key without session", `{"type":"client_key","key":"talk","down":true}`},
		{"unknown key", `{"type":"client_key","session_id":"s1","key":"shift"}`},
		{"blank text", `{"type":"client_text","session_id":"s1","text":"   "}`},
		{"audio without rate", `{"type":"client_audio_chunk","session_id":"s1","pcm16_base64":"AQID"}`},
		{"bad json", `{"type":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseClientMessage([]byte(tc.raw)); err == nil {
				t.Fatalf("ParseClientMessage(%s) error = nil, want error", tc.raw)
			}
		})
	}
}

func TestParseClientMessageText(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_text","session_id":"s1","text":"what courses do I need"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	text, ok := msg.(ClientText)
	if !ok || text.Text != "what courses do I need" {
		t.Fatalf("message = %#v, want ClientText", msg)
	}
}
