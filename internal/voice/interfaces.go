package voice

import (
	"context"

	"github.com/ent0n29/advisorvoice/internal/playback"
	"github.com/ent0n29/advisorvoice/internal/reasoning"
)

type TurnState string

const (
	StateIdle      TurnState = "idle"
	StateListening TurnState = "listening"
	StateThinking  TurnState = "thinking"
	StateSpeaking  TurnState = "speaking"
)

type Key string

const (
	KeyTalk        Key = "talk"
	KeyReplayIntro Key = "replay_intro"
)

type KeyEvent struct {
	Key              Key
	Down             bool
	Repeat           bool
	TextEntryFocused bool
}

// Signals is the observable state republished after every change.
type Signals struct {
	State     TurnState
	Listening bool
	Thinking  bool
	Speaking  bool
	Amplitude float64
	LiveText  string
}

type ChatEntry struct {
	TurnID   string
	Role     reasoning.Role
	Text     string
	Markdown string
}

// Presenter is the display surface the orchestrator publishes to.
type Presenter interface {
	Signals(Signals)
	ChatEntry(ChatEntry)
	ReplyText(turnID, text string)
	ChatError(turnID, message string)
	// Notify plays a fire-and-forget sound cue.
	Notify(sound string)
}

// Capture is speech input. Start must return without waiting for the engine
// to connect; Stop resolves with the final transcript and honours ctx.
type Capture interface {
	Start(ctx context.Context)
	SendAudio(ctx context.Context, pcm []byte, sampleRate int)
	Stop(ctx context.Context) string
	Supported() bool
}

type Playback interface {
	Play(ctx context.Context, text, voiceID string, opts playback.Options) playback.Outcome
	Stop()
}

type Reasoner interface {
	Send(ctx context.Context, mem *reasoning.Memory, utterance string) (reasoning.Reply, error)
}
