package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/advisorvoice/internal/capture"
	"github.com/ent0n29/advisorvoice/internal/observability"
	"github.com/ent0n29/advisorvoice/internal/playback"
	"github.com/ent0n29/advisorvoice/internal/protocol"
	"github.com/ent0n29/advisorvoice/internal/reasoning"
	"github.com/ent0n29/advisorvoice/internal/session"
)

const criticalSendTimeout = 600 * time.Millisecond

var (
	errOutboundTimeout = errors.New("outbound queue stalled")
	errOutboundFull    = errors.New("outbound queue full")
)

// VoicePreferences resolves a user's stored voice choice.
type VoicePreferences interface {
	VoiceForUser(ctx context.Context, userID string) (string, error)
}

type RuntimeDeps struct {
	Recognizer  capture.Recognizer
	Synthesizer playback.Synthesizer
	Reasoner    Reasoner
	Mirror      reasoning.Mirror
	Preferences VoicePreferences
	Sessions    *session.Manager
	Metrics     *observability.Metrics
}

type RuntimeConfig struct {
	Provider        string
	DefaultVoiceID  string
	PlaybackRate    float64
	SettleDelay     time.Duration
	CaptureStopWait time.Duration
	IntroText       string
	Engine          playback.EngineOptions
}

// Runtime runs one orchestrator per websocket connection and owns the
// conversation memory of every live session.
type Runtime struct {
	deps RuntimeDeps
	cfg  RuntimeConfig

	mu       sync.Mutex
	memories map[string]*reasoning.Memory
}

func NewRuntime(deps RuntimeDeps, cfg RuntimeConfig) *Runtime {
	r := &Runtime{
		deps:     deps,
		cfg:      cfg,
		memories: make(map[string]*reasoning.Memory),
	}
	if deps.Sessions != nil {
		deps.Sessions.SetExpireHook(r.ReleaseSession)
	}
	return r
}

// Memory returns the conversation memory for a session, creating it on first use.
func (r *Runtime) Memory(sessionID string) *reasoning.Memory {
	r.mu.Lock()
	defer r.mu.Unlock()
	mem, ok := r.memories[sessionID]
	if !ok {
		mem = reasoning.NewMemory(sessionID, r.deps.Mirror)
		r.memories[sessionID] = mem
	}
	return mem
}

// ReleaseSession drops per-session state once a session ends or expires.
func (r *Runtime) ReleaseSession(s *session.Session) {
	if s == nil {
		return
	}
	r.mu.Lock()
	delete(r.memories, s.ID)
	r.mu.Unlock()
}

func (r *Runtime) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := &outboundSender{sessionID: s.ID, ch: outbound, metrics: r.deps.Metrics}

	var orch *Orchestrator
	capt := capture.New(r.deps.Recognizer, capture.Options{
		StopTimeout: r.cfg.CaptureStopWait,
		OnInterim:   func(text string) { orch.Interim(text) },
	})
	engine := playback.NewEngine(r.deps.Synthesizer, func() (playback.Output, error) {
		return &wsOutput{out: out}, nil
	}, r.cfg.Engine)
	defer engine.Stop()

	orch = NewOrchestrator(Deps{
		Capture:   capt,
		Playback:  engine,
		Reasoner:  r.deps.Reasoner,
		Memory:    r.Memory(s.ID),
		Presenter: &wsPresenter{out: out},
		Metrics:   r.deps.Metrics,
		Sessions:  r.deps.Sessions,
	}, Options{
		SessionID:   s.ID,
		SettleDelay: r.cfg.SettleDelay,
		Rate:        r.cfg.PlaybackRate,
		IntroText:   r.cfg.IntroText,
		VoiceID:     func(ctx context.Context) string { return r.voiceFor(ctx, s) },
	})

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = orch.Run(ctx)
	}()
	defer func() {
		cancel()
		<-loopDone
	}()

	out.send(protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: s.ID,
		Code:      "session_ready",
		Detail:    r.cfg.Provider,
	}, true)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			r.handleInbound(ctx, orch, out, msg)
		}
	}
}

func (r *Runtime) handleInbound(ctx context.Context, orch *Orchestrator, out *outboundSender, msg any) {
	switch m := msg.(type) {
	case protocol.ClientKey:
		orch.HandleKey(KeyEvent{
			Key:              Key(m.Key),
			Down:             m.Down,
			Repeat:           m.Repeat,
			TextEntryFocused: m.TextEntryFocused,
		})
	case protocol.ClientText:
		orch.SendText(m.Text)
	case protocol.ClientAudioChunk:
		pcm, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
		if err != nil {
			out.send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: out.sessionID,
				Code:      "invalid_audio",
				Source:    "client",
				Detail:    err.Error(),
			}, false)
			return
		}
		orch.FeedAudio(ctx, pcm, m.SampleRate)
	}
}

// voiceFor prefers the session's voice, then the user's saved preference.
// Empty falls through to the synthesizer default.
func (r *Runtime) voiceFor(ctx context.Context, s *session.Session) string {
	if r.deps.Sessions != nil {
		if cur, err := r.deps.Sessions.Get(s.ID); err == nil && strings.TrimSpace(cur.VoiceID) != "" {
			return cur.VoiceID
		}
	}
	if r.deps.Preferences != nil && s.UserID != "" {
		id, err := r.deps.Preferences.VoiceForUser(ctx, s.UserID)
		if err != nil {
			logger.Debug("voice preference lookup failed", "user_id", s.UserID, "error", err)
		} else if id != "" {
			return id
		}
	}
	return r.cfg.DefaultVoiceID
}

type outboundSender struct {
	sessionID string
	ch        chan<- any
	metrics   *observability.Metrics
}

// send delivers msg to the connection writer. Critical messages wait briefly
// for room; the rest are dropped when the queue is saturated.
func (o *outboundSender) send(msg any, critical bool) error {
	return o.sendCtx(context.Background(), msg, critical)
}

func (o *outboundSender) sendCtx(ctx context.Context, msg any, critical bool) error {
	msgType := outboundType(msg)
	if critical {
		timer := time.NewTimer(criticalSendTimeout)
		defer timer.Stop()
		select {
		case o.ch <- msg:
			o.metrics.ObserveOutboundMessage(msgType, "delivered")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			o.metrics.ObserveOutboundMessage(msgType, "timeout")
			if o.metrics != nil {
				o.metrics.SessionEvents.WithLabelValues("outbound_timeout_critical").Inc()
			}
			return fmt.Errorf("send %s: %w", msgType, errOutboundTimeout)
		}
	}
	select {
	case o.ch <- msg:
		o.metrics.ObserveOutboundMessage(msgType, "delivered")
		return nil
	default:
		o.metrics.ObserveOutboundMessage(msgType, "dropped")
		if o.metrics != nil {
			o.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
		}
		return fmt.Errorf("send %s: %w", msgType, errOutboundFull)
	}
}

func outboundType(msg any) string {
	switch m := msg.(type) {
	case protocol.Signals:
		return string(m.Type)
	case protocol.ChatEntry:
		return string(m.Type)
	case protocol.ReplyText:
		return string(m.Type)
	case protocol.AssistantAudioChunk:
		return string(m.Type)
	case protocol.AssistantClip:
		return string(m.Type)
	case protocol.AssistantAudioFlush:
		return string(m.Type)
	case protocol.Notify:
		return string(m.Type)
	case protocol.SystemEvent:
		return string(m.Type)
	case protocol.ErrorEvent:
		return string(m.Type)
	default:
		return "unknown"
	}
}

type wsPresenter struct {
	out       *outboundSender
	lastState TurnState
}

// Signals is only ever called from the orchestrator loop.
func (p *wsPresenter) Signals(s Signals) {
	stateChanged := s.State != p.lastState
	p.lastState = s.State
	p.out.send(protocol.Signals{
		Type:      protocol.TypeSignals,
		SessionID: p.out.sessionID,
		State:     string(s.State),
		Listening: s.Listening,
		Thinking:  s.Thinking,
		Speaking:  s.Speaking,
		Amplitude: s.Amplitude,
		LiveText:  s.LiveText,
	}, stateChanged)
}

func (p *wsPresenter) ChatEntry(e ChatEntry) {
	p.out.send(protocol.ChatEntry{
		Type:      protocol.TypeChatEntry,
		SessionID: p.out.sessionID,
		TurnID:    e.TurnID,
		Role:      string(e.Role),
		Text:      e.Text,
		Markdown:  e.Markdown,
	}, true)
}

func (p *wsPresenter) ReplyText(turnID, text string) {
	p.out.send(protocol.ReplyText{
		Type:      protocol.TypeReplyText,
		SessionID: p.out.sessionID,
		TurnID:    turnID,
		Text:      text,
	}, true)
}

func (p *wsPresenter) ChatError(turnID, message string) {
	p.out.send(protocol.ChatEntry{
		Type:      protocol.TypeChatEntry,
		SessionID: p.out.sessionID,
		TurnID:    turnID,
		Role:      string(reasoning.RoleAssistant),
		Text:      message,
		IsError:   true,
	}, true)
}

func (p *wsPresenter) Notify(sound string) {
	p.out.send(protocol.Notify{
		Type:      protocol.TypeNotify,
		SessionID: p.out.sessionID,
		Sound:     sound,
	}, false)
}

// wsOutput streams playback audio to the browser, which owns the actual
// audio device.
type wsOutput struct {
	out *outboundSender
}

func (o *wsOutput) Connect(sessionID uint64) (playback.Node, error) {
	return &wsNode{out: o.out, playbackID: sessionID}, nil
}

type wsNode struct {
	out        *outboundSender
	playbackID uint64
	seq        int
}

func (n *wsNode) WriteFrame(ctx context.Context, f playback.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.seq++
	return n.out.sendCtx(ctx, protocol.AssistantAudioChunk{
		Type:        protocol.TypeAssistantAudio,
		SessionID:   n.out.sessionID,
		PlaybackID:  n.playbackID,
		Seq:         n.seq,
		Format:      "pcm_s16le",
		SampleRate:  f.SampleRate,
		Rate:        f.Rate,
		AudioBase64: base64.StdEncoding.EncodeToString(f.PCM),
	}, true)
}

func (n *wsNode) PlayClip(ctx context.Context, c playback.Clip) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return n.out.sendCtx(ctx, protocol.AssistantClip{
		Type:        protocol.TypeAssistantClip,
		SessionID:   n.out.sessionID,
		PlaybackID:  n.playbackID,
		ContentType: c.ContentType,
		Rate:        c.Rate,
		DurationMS:  c.Duration.Milliseconds(),
		AudioBase64: base64.StdEncoding.EncodeToString(c.Data),
	}, true)
}

func (n *wsNode) Flush() {
	n.out.send(protocol.AssistantAudioFlush{
		Type:       protocol.TypeAssistantAudioFlush,
		SessionID:  n.out.sessionID,
		PlaybackID: n.playbackID,
	}, true)
}

func (n *wsNode) Disconnect() {}
