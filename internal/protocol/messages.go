package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientKey        MessageType = "client_key"
	TypeClientText       MessageType = "client_text"
	TypeClientAudioChunk MessageType = "client_audio_chunk"

	TypeSignals             MessageType = "signals"
	TypeChatEntry           MessageType = "chat_entry"
	TypeReplyText           MessageType = "reply_text"
	TypeAssistantAudio      MessageType = "assistant_audio_chunk"
	TypeAssistantClip       MessageType = "assistant_clip"
	TypeAssistantAudioFlush MessageType = "assistant_audio_flush"
	TypeNotify              MessageType = "notify"
	TypeSystemEvent         MessageType = "system_event"
	TypeErrorEvent          MessageType = "error_event"
)

// Keys on the push-to-talk keyboard surface.
const (
	KeyTalk        = "talk"
	KeyReplayIntro = "replay_intro"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientKey reports a key transition. TextEntryFocused is set when a text
// input had focus, in which case the key is ignored.
type ClientKey struct {
	Type             MessageType `json:"type"`
	SessionID        string      `json:"session_id"`
	Key              string      `json:"key"`
	Down             bool        `json:"down"`
	Repeat           bool        `json:"repeat"`
	TextEntryFocused bool        `json:"text_entry_focused"`
	TSMs             int64       `json:"ts_ms"`
}

type ClientText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

// Signals is the observable turn state republished to the presentation layer.
type Signals struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	Listening bool        `json:"is_listening"`
	Thinking  bool        `json:"is_thinking"`
	Speaking  bool        `json:"is_speaking"`
	Amplitude float64     `json:"amplitude"`
	LiveText  string      `json:"live_text"`
}

type ChatEntry struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Role      string      `json:"role"`
	Text      string      `json:"text"`
	Markdown  string      `json:"markdown,omitempty"`
	IsError   bool        `json:"is_error,omitempty"`
}

type ReplyText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Text      string      `json:"text"`
}

type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	PlaybackID  uint64      `json:"playback_id"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	SampleRate  int         `json:"sample_rate"`
	Rate        float64     `json:"rate"`
	AudioBase64 string      `json:"audio_base64"`
}

type AssistantClip struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	PlaybackID  uint64      `json:"playback_id"`
	ContentType string      `json:"content_type"`
	Rate        float64     `json:"rate"`
	DurationMS  int64       `json:"duration_ms"`
	AudioBase64 string      `json:"audio_base64"`
}

// AssistantAudioFlush tells the client to drop queued audio for a playback.
type AssistantAudioFlush struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	PlaybackID uint64      `json:"playback_id"`
}

type Notify struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Sound     string      `json:"sound"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientKey:
		var msg ClientKey
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Key = strings.ToLower(strings.TrimSpace(msg.Key))
		if msg.SessionID == "" || (msg.Key != KeyTalk && msg.Key != KeyReplayIntro) {
			return nil, errors.New("invalid client_key")
		}
		return msg, nil
	case TypeClientText:
		var msg ClientText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid client_text")
		}
		return msg, nil
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
