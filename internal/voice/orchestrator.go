package voice

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/advisorvoice/internal/observability"
	"github.com/ent0n29/advisorvoice/internal/playback"
	"github.com/ent0n29/advisorvoice/internal/reasoning"
	"github.com/ent0n29/advisorvoice/internal/session"
)

const (
	eventQueueSize     = 256
	lowPriorityLimit   = eventQueueSize / 2
	defaultSettleDelay = 150 * time.Millisecond
	notableSound       = "notable"
)

type Deps struct {
	Capture   Capture
	Playback  Playback
	Reasoner  Reasoner
	Memory    *reasoning.Memory
	Presenter Presenter
	Metrics   *observability.Metrics
	Sessions  *session.Manager
}

type Options struct {
	SessionID string
	// SettleDelay holds the speaking signal briefly after playback ends.
	SettleDelay time.Duration
	Rate        float64
	IntroText   string
	// VoiceID resolves the voice for a playback; empty selects the default.
	VoiceID func(ctx context.Context) string
}

// Turn is one conversational exchange, from utterance to finished reply.
type Turn struct {
	ID        string
	Utterance string
	Reply     string
	Chat      string
	Events    []reasoning.Event
	StartedAt time.Time
}

type activeTurn struct {
	Turn
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span
	intro  bool

	releasedAt   time.Time
	transcriptAt time.Time
	replyAt      time.Time
	presented    bool

	// captureDone is closed once the release-time capture stop returns.
	captureDone chan struct{}
}

type keyMsg struct{ ev KeyEvent }

type textMsg struct{ text string }

type interimMsg struct{ text string }

type transcriptMsg struct {
	gen  uint64
	text string
}

type replyMsg struct {
	gen   uint64
	reply reasoning.Reply
	err   error
}

type playbackStartMsg struct{ gen uint64 }

type levelMsg struct {
	gen   uint64
	level float64
}

type playbackDoneMsg struct {
	gen     uint64
	outcome playback.Outcome
}

type settleMsg struct{ gen uint64 }

// Orchestrator is the push-to-talk turn state machine for one connection.
// All turn state is owned by the Run loop; asynchronous work reports back
// through the event queue tagged with the generation it was started under,
// and results from older generations are dropped.
type Orchestrator struct {
	deps Deps
	opts Options

	events    chan any
	done      chan struct{}
	listening atomic.Bool

	runCtx  context.Context
	gen     uint64
	state   TurnState
	signals Signals
	turn    *activeTurn
}

func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	} else if opts.SettleDelay == 0 {
		opts.SettleDelay = defaultSettleDelay
	}
	if opts.Rate <= 0 {
		opts.Rate = 1.0
	}
	if deps.Memory == nil {
		deps.Memory = reasoning.NewMemory(uuid.NewString(), nil)
	}
	return &Orchestrator{
		deps:    deps,
		opts:    opts,
		events:  make(chan any, eventQueueSize),
		done:    make(chan struct{}),
		state:   StateIdle,
		signals: Signals{State: StateIdle},
	}
}

// HandleKey queues a keyboard transition.
func (o *Orchestrator) HandleKey(ev KeyEvent) {
	o.post(context.Background(), keyMsg{ev: ev})
}

// SendText starts a turn from typed input, bypassing capture.
func (o *Orchestrator) SendText(text string) {
	o.post(context.Background(), textMsg{text: text})
}

// Interim publishes live capture text while listening.
func (o *Orchestrator) Interim(text string) {
	o.postLowPriority(interimMsg{text: text})
}

// FeedAudio forwards microphone PCM to capture. The mic is gated open only
// while listening.
func (o *Orchestrator) FeedAudio(ctx context.Context, pcm []byte, sampleRate int) {
	if !o.listening.Load() {
		return
	}
	o.deps.Capture.SendAudio(ctx, pcm, sampleRate)
}

// Run processes events until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)
	o.runCtx = ctx
	o.publish()

	for {
		select {
		case <-ctx.Done():
			o.cancelTurn("connection_closed")
			return nil
		case msg := <-o.events:
			o.dispatch(msg)
		}
	}
}

func (o *Orchestrator) dispatch(msg any) {
	switch m := msg.(type) {
	case keyMsg:
		o.handleKey(m.ev)
	case textMsg:
		o.handleText(m.text)
	case interimMsg:
		if o.state == StateListening {
			o.signals.LiveText = m.text
			o.publish()
		}
	case transcriptMsg:
		o.handleTranscript(m)
	case replyMsg:
		o.handleReply(m)
	case playbackStartMsg:
		o.handlePlaybackStart(m)
	case levelMsg:
		if o.current(m.gen) && o.state == StateSpeaking {
			o.signals.Amplitude = m.level
			o.publish()
		}
	case playbackDoneMsg:
		o.handlePlaybackDone(m)
	case settleMsg:
		if o.current(m.gen) && o.state == StateSpeaking {
			o.deps.Metrics.ObserveTurnStage("turn_total", time.Since(o.turn.StartedAt))
			o.finishTurn("completed")
		}
	}
}

func (o *Orchestrator) handleKey(ev KeyEvent) {
	if ev.TextEntryFocused {
		return
	}
	o.touch()

	switch ev.Key {
	case KeyTalk:
		if ev.Down {
			if ev.Repeat || o.state == StateListening {
				return
			}
			if !o.deps.Capture.Supported() {
				// Typed input stays available.
				o.deps.Metrics.ObserveTurnIndicator("capture_unsupported")
				return
			}
			if o.turn != nil {
				o.cancelTurn("barge_in")
			}
			o.startListening()
			return
		}
		if o.state == StateListening {
			o.stopListening()
		}
	case KeyReplayIntro:
		if !ev.Down || ev.Repeat || o.state == StateListening {
			return
		}
		o.replayIntro()
	}
}

func (o *Orchestrator) handleText(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	o.touch()
	if o.turn != nil {
		o.cancelTurn("typed_input")
	}
	t := o.newTurn()
	o.deps.Presenter.ReplyText(t.ID, "")
	o.setState(StateThinking)
	o.beginReasoning(t, text)
}

func (o *Orchestrator) startListening() {
	t := o.newTurn()
	o.deps.Presenter.ReplyText(t.ID, "")
	o.signals.LiveText = ""
	o.listening.Store(true)
	o.setState(StateListening)
	o.deps.Capture.Start(t.ctx)
}

func (o *Orchestrator) stopListening() {
	t := o.turn
	o.listening.Store(false)
	t.releasedAt = time.Now()
	t.captureDone = make(chan struct{})
	o.setState(StateThinking)

	go func(ctx context.Context, gen uint64, done chan struct{}) {
		text := o.deps.Capture.Stop(ctx)
		close(done)
		o.post(ctx, transcriptMsg{gen: gen, text: text})
	}(t.ctx, t.gen, t.captureDone)
}

func (o *Orchestrator) handleTranscript(m transcriptMsg) {
	if !o.current(m.gen) {
		o.dropStale("transcript")
		return
	}
	t := o.turn
	o.signals.LiveText = ""
	o.deps.Metrics.ObserveTurnStage("release_to_transcript", time.Since(t.releasedAt))

	text := strings.TrimSpace(m.text)
	if text == "" {
		o.deps.Metrics.ObserveTurnIndicator("empty_transcript")
		o.finishTurn("empty_transcript")
		return
	}
	o.beginReasoning(t, text)
}

func (o *Orchestrator) beginReasoning(t *activeTurn, text string) {
	t.Utterance = text
	t.transcriptAt = time.Now()
	t.span.SetAttributes(attribute.Int("turn.utterance_len", len(text)))
	o.deps.Presenter.ChatEntry(ChatEntry{TurnID: t.ID, Role: reasoning.RoleUser, Text: text})
	o.publish()

	go func(ctx context.Context, gen uint64) {
		reply, err := o.deps.Reasoner.Send(ctx, o.deps.Memory, text)
		o.post(ctx, replyMsg{gen: gen, reply: reply, err: err})
	}(t.ctx, t.gen)
}

func (o *Orchestrator) handleReply(m replyMsg) {
	if !o.current(m.gen) {
		o.dropStale("reply")
		return
	}
	t := o.turn
	t.replyAt = time.Now()
	o.deps.Metrics.ObserveTurnStage("transcript_to_reply", t.replyAt.Sub(t.transcriptAt))

	if m.err != nil {
		o.deps.Metrics.ObserveReasoning("failed")
		logger.Warn("reasoning failed", "session_id", o.opts.SessionID, "turn_id", t.ID, "error", m.err)
		t.span.RecordError(m.err)
		o.deps.Presenter.ChatError(t.ID, chatErrorMessage(m.err))
		o.finishTurn("reasoning_failed")
		return
	}

	if m.reply.Degraded {
		o.deps.Metrics.ObserveReasoning("degraded")
	} else {
		o.deps.Metrics.ObserveReasoning("ok")
	}
	t.Reply = m.reply.Text
	t.Chat = m.reply.Chat
	t.Events = m.reply.Events
	if m.reply.Notable {
		o.deps.Presenter.Notify(notableSound)
	}
	if strings.TrimSpace(t.Reply) == "" {
		o.finishTurn("empty_reply")
		return
	}
	o.speak(t)
}

func (o *Orchestrator) replayIntro() {
	text := strings.TrimSpace(o.opts.IntroText)
	if text == "" {
		return
	}
	if o.turn != nil {
		o.cancelTurn("replay_intro")
	}
	t := o.newTurn()
	t.intro = true
	t.Reply = text
	t.replyAt = time.Now()
	o.deps.Presenter.ReplyText(t.ID, "")
	o.speak(t)
}

func (o *Orchestrator) speak(t *activeTurn) {
	text := Speakable(t.Reply)
	if text == "" {
		o.present(t)
		o.finishTurn("nothing_to_speak")
		return
	}
	o.setState(StateSpeaking)

	ctx, gen := t.ctx, t.gen
	voiceID := ""
	if o.opts.VoiceID != nil {
		voiceID = o.opts.VoiceID(ctx)
	}
	opts := playback.Options{
		Rate:    o.opts.Rate,
		OnStart: func() { o.post(ctx, playbackStartMsg{gen: gen}) },
		OnLevel: func(v float64) { o.postLowPriority(levelMsg{gen: gen, level: v}) },
	}
	go func() {
		outcome := o.deps.Playback.Play(ctx, text, voiceID, opts)
		o.post(ctx, playbackDoneMsg{gen: gen, outcome: outcome})
	}()
}

func (o *Orchestrator) handlePlaybackStart(m playbackStartMsg) {
	if !o.current(m.gen) {
		return
	}
	t := o.turn
	if !t.releasedAt.IsZero() {
		o.deps.Metrics.ObserveFirstAudioLatency(time.Since(t.releasedAt))
		o.deps.Metrics.ObserveTurnStage("release_to_first_audio", time.Since(t.releasedAt))
	}
	o.deps.Metrics.ObserveTurnStage("reply_to_first_audio", time.Since(t.replyAt))
	o.present(t)
}

func (o *Orchestrator) handlePlaybackDone(m playbackDoneMsg) {
	if !o.current(m.gen) {
		return
	}
	t := o.turn
	out := m.outcome
	switch {
	case out.Success:
		o.deps.Metrics.ObservePlaybackOutcome("success")
	case out.Cancelled:
		o.deps.Metrics.ObservePlaybackOutcome("cancelled")
	default:
		kind := "failed"
		var pe *playback.Error
		if errors.As(out.Err, &pe) {
			kind = string(pe.Kind)
		}
		o.deps.Metrics.ObservePlaybackOutcome(kind)
		o.deps.Metrics.ObserveProviderError("tts", kind)
		logger.Warn("playback failed, showing text only",
			"session_id", o.opts.SessionID,
			"turn_id", t.ID,
			"status", out.HTTPStatus,
			"error", out.Err,
		)
	}
	// Text is shown even when no audio played.
	o.present(t)

	o.signals.Amplitude = 0
	o.publish()

	ctx, gen := t.ctx, t.gen
	time.AfterFunc(o.opts.SettleDelay, func() { o.post(ctx, settleMsg{gen: gen}) })
}

func (o *Orchestrator) present(t *activeTurn) {
	if t.presented {
		return
	}
	t.presented = true
	o.deps.Presenter.ReplyText(t.ID, t.Reply)
	if !t.intro {
		o.deps.Presenter.ChatEntry(ChatEntry{TurnID: t.ID, Role: reasoning.RoleAssistant, Text: t.Reply, Markdown: t.Chat})
	}
}

func (o *Orchestrator) newTurn() *activeTurn {
	o.gen++
	ctx, cancel := context.WithCancel(o.runCtx)
	ctx, span := tracer.Start(ctx, "voice turn", trace.WithAttributes(
		attribute.String("session.id", o.opts.SessionID),
		attribute.Int64("turn.generation", int64(o.gen)),
	))
	t := &activeTurn{
		Turn:   Turn{ID: uuid.NewString(), StartedAt: time.Now()},
		gen:    o.gen,
		ctx:    ctx,
		cancel: cancel,
		span:   span,
	}
	o.turn = t
	if o.deps.Sessions != nil {
		_ = o.deps.Sessions.StartTurn(o.opts.SessionID, t.ID)
	}
	return t
}

// cancelTurn aborts the live turn: pending work is cancelled, playback and
// its level reporting are stopped before this returns, and capture is
// discarded.
func (o *Orchestrator) cancelTurn(reason string) {
	t := o.turn
	if t == nil {
		return
	}
	o.turn = nil
	wasListening := o.state == StateListening
	o.listening.Store(false)

	t.cancel()
	o.deps.Playback.Stop()
	if wasListening {
		_ = o.deps.Capture.Stop(t.ctx)
	} else if t.captureDone != nil {
		// A stop still in flight must not tear down the next capture.
		<-t.captureDone
	}

	o.signals.Amplitude = 0
	o.signals.LiveText = ""
	o.deps.Metrics.ObserveTurnIndicator("turn_cancelled_" + reason)
	if reason == "barge_in" && o.deps.Sessions != nil {
		_ = o.deps.Sessions.Interrupt(o.opts.SessionID)
	}
	t.span.AddEvent("cancelled", trace.WithAttributes(attribute.String("reason", reason)))
	t.span.End()
	logger.Debug("turn cancelled", "session_id", o.opts.SessionID, "turn_id", t.ID, "reason", reason)
}

func (o *Orchestrator) finishTurn(reason string) {
	t := o.turn
	o.turn = nil
	if t != nil {
		t.cancel()
		t.span.SetAttributes(attribute.String("turn.end_reason", reason))
		t.span.End()
		if o.deps.Sessions != nil {
			_ = o.deps.Sessions.CompleteTurn(o.opts.SessionID, t.ID)
		}
		logger.Debug("turn finished",
			"session_id", o.opts.SessionID,
			"turn_id", t.ID,
			"reason", reason,
			"events", len(t.Events),
		)
	}
	o.setState(StateIdle)
}

func (o *Orchestrator) setState(next TurnState) {
	prev := o.state
	o.state = next
	o.signals.State = next
	o.signals.Listening = next == StateListening
	o.signals.Thinking = next == StateThinking
	o.signals.Speaking = next == StateSpeaking
	if next != StateSpeaking {
		o.signals.Amplitude = 0
	}
	if prev != next {
		o.deps.Metrics.ObserveTurnTransition(string(prev), string(next))
	}
	o.publish()
}

func (o *Orchestrator) publish() {
	o.deps.Presenter.Signals(o.signals)
}

func (o *Orchestrator) current(gen uint64) bool {
	return o.turn != nil && o.turn.gen == gen
}

func (o *Orchestrator) dropStale(what string) {
	o.deps.Metrics.ObserveTurnIndicator("stale_" + what + "_dropped")
}

func (o *Orchestrator) touch() {
	if o.deps.Sessions != nil {
		_ = o.deps.Sessions.Touch(o.opts.SessionID)
	}
}

// post queues msg unless ctx is done or the loop has exited.
func (o *Orchestrator) post(ctx context.Context, msg any) {
	select {
	case o.events <- msg:
	case <-ctx.Done():
	case <-o.done:
	}
}

// postLowPriority queues msg only while the queue has headroom.
func (o *Orchestrator) postLowPriority(msg any) {
	if len(o.events) >= lowPriorityLimit {
		return
	}
	select {
	case o.events <- msg:
	default:
	}
}

func chatErrorMessage(err error) string {
	var re *reasoning.Error
	if errors.As(err, &re) {
		return re.Error()
	}
	return "agent request failed: " + err.Error()
}
