package playback

import (
	"context"
	"io"
	"time"
)

type Status string

const (
	StatusConnecting Status = "connecting"
	StatusBuffering  Status = "buffering"
	StatusPlaying    Status = "playing"
	StatusEnded      Status = "ended"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// Session is a snapshot of one playback attempt. ID is the engine generation.
type Session struct {
	ID     uint64
	Status Status
	Rate   float64
}

type Options struct {
	Rate     float64
	OnStart  func()
	OnEnd    func()
	OnLevel  func(level float64)
	OnStatus func(Session)
}

// Outcome is the structured result of Play.
type Outcome struct {
	Success    bool
	HTTPStatus int
	Cancelled  bool
	Err        error
}

// Stream is a synthesized audio byte stream.
type Stream struct {
	Body        io.ReadCloser
	ContentType string
	// Format is the provider output format, e.g. pcm_16000 or mp3_44100_128.
	Format string
}

// Synthesizer issues a synthesis request keyed by text and optional voice.
type Synthesizer interface {
	Stream(ctx context.Context, text, voiceID string) (*Stream, error)
}

// Frame is a paced chunk of PCM16LE mono audio ready for output.
type Frame struct {
	PCM        []byte
	SampleRate int
	Rate       float64
}

// Clip is a whole-buffer audio payload played atomically.
type Clip struct {
	Data        []byte
	ContentType string
	Duration    time.Duration
	Rate        float64
}

// Node is one session's connection into the shared output.
type Node interface {
	WriteFrame(ctx context.Context, f Frame) error
	PlayClip(ctx context.Context, c Clip) error
	// Flush drops anything queued downstream; called when a session is cut short.
	Flush()
	Disconnect()
}

// Output is the shared audio output context. Sessions connect their own node.
type Output interface {
	Connect(sessionID uint64) (Node, error)
}
