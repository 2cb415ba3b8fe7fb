package voice

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/advisorvoice/internal/capture"
	"github.com/ent0n29/advisorvoice/internal/playback"
	"github.com/ent0n29/advisorvoice/internal/reasoning"
	"github.com/ent0n29/advisorvoice/internal/session"
)

type fakeCapture struct {
	mu          sync.Mutex
	unsupported bool
	transcript  string
	starts     int
	stops      int
	audio      int
}

func (c *fakeCapture) Start(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
}

func (c *fakeCapture) SendAudio(_ context.Context, pcm []byte, _ int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio += len(pcm)
}

func (c *fakeCapture) Stop(context.Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return c.transcript
}

func (c *fakeCapture) Supported() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.unsupported
}

func (c *fakeCapture) setTranscript(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcript = text
}

type fakePlayback struct {
	duration time.Duration
	fail     error

	mu        sync.Mutex
	wg        sync.WaitGroup
	cancels   map[int]context.CancelFunc
	next      int
	active    int
	maxActive int
	texts     []string
	cancelled int
}

func newFakePlayback(d time.Duration) *fakePlayback {
	return &fakePlayback{duration: d, cancels: make(map[int]context.CancelFunc)}
}

func (p *fakePlayback) Play(ctx context.Context, text, _ string, opts playback.Options) playback.Outcome {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	id := p.next
	p.next++
	p.cancels[id] = cancel
	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	p.texts = append(p.texts, text)
	p.wg.Add(1)
	p.mu.Unlock()

	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.cancels, id)
		p.active--
		p.mu.Unlock()
		p.wg.Done()
	}()

	if p.fail != nil {
		return playback.Outcome{Err: p.fail}
	}
	if opts.OnStart != nil {
		opts.OnStart()
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(p.duration)
	for {
		select {
		case <-ctx.Done():
			if opts.OnLevel != nil {
				opts.OnLevel(0)
			}
			p.mu.Lock()
			p.cancelled++
			p.mu.Unlock()
			return playback.Outcome{Cancelled: true}
		case <-deadline:
			if opts.OnLevel != nil {
				opts.OnLevel(0)
			}
			return playback.Outcome{Success: true}
		case <-ticker.C:
			if opts.OnLevel != nil {
				opts.OnLevel(0.5)
			}
		}
	}
}

func (p *fakePlayback) Stop() {
	p.mu.Lock()
	for _, cancel := range p.cancels {
		cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *fakePlayback) activeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *fakePlayback) snapshot() (texts []string, maxActive, cancelled int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...), p.maxActive, p.cancelled
}

type reasonerFunc func(ctx context.Context, mem *reasoning.Memory, utterance string) (reasoning.Reply, error)

func (f reasonerFunc) Send(ctx context.Context, mem *reasoning.Memory, utterance string) (reasoning.Reply, error) {
	return f(ctx, mem, utterance)
}

type replyRecord struct {
	turnID string
	text   string
}

type recordingPresenter struct {
	mu        sync.Mutex
	signals   []Signals
	chats     []ChatEntry
	replies   []replyRecord
	errors    []string
	notifies  []string
	onSignals func(Signals)
}

func (p *recordingPresenter) Signals(s Signals) {
	p.mu.Lock()
	p.signals = append(p.signals, s)
	hook := p.onSignals
	p.mu.Unlock()
	if hook != nil {
		hook(s)
	}
}

func (p *recordingPresenter) ChatEntry(e ChatEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chats = append(p.chats, e)
}

func (p *recordingPresenter) ReplyText(turnID, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, replyRecord{turnID: turnID, text: text})
}

func (p *recordingPresenter) ChatError(_, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors = append(p.errors, message)
}

func (p *recordingPresenter) Notify(sound string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifies = append(p.notifies, sound)
}

func (p *recordingPresenter) state() TurnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.signals) == 0 {
		return ""
	}
	return p.signals[len(p.signals)-1].State
}

func (p *recordingPresenter) stateHistory() []TurnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []TurnState
	for _, s := range p.signals {
		if len(out) == 0 || out[len(out)-1] != s.State {
			out = append(out, s.State)
		}
	}
	return out
}

func (p *recordingPresenter) signalLog() []Signals {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Signals(nil), p.signals...)
}

func (p *recordingPresenter) replyTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, r := range p.replies {
		if r.text != "" {
			out = append(out, r.text)
		}
	}
	return out
}

func (p *recordingPresenter) chatLog() []ChatEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ChatEntry(nil), p.chats...)
}

type harness struct {
	orch      *Orchestrator
	capture   *fakeCapture
	playback  *fakePlayback
	presenter *recordingPresenter
	sessions  *session.Manager
	sessionID string
}

func newHarness(t *testing.T, reasoner Reasoner, play *fakePlayback, opts Options) *harness {
	t.Helper()
	h := &harness{
		capture:   &fakeCapture{transcript: "what courses do I need"},
		playback:  play,
		presenter: &recordingPresenter{},
		sessions:  session.NewManager(time.Minute),
	}
	h.sessionID = h.sessions.Create("student-1", "").ID
	opts.SessionID = h.sessionID
	if opts.SettleDelay == 0 {
		opts.SettleDelay = 10 * time.Millisecond
	}
	h.orch = NewOrchestrator(Deps{
		Capture:   h.capture,
		Playback:  play,
		Reasoner:  reasoner,
		Presenter: h.presenter,
		Sessions:  h.sessions,
	}, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.orch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) press()   { h.orch.HandleKey(KeyEvent{Key: KeyTalk, Down: true}) }
func (h *harness) release() { h.orch.HandleKey(KeyEvent{Key: KeyTalk}) }

func waitState(t *testing.T, p *recordingPresenter, want TurnState) {
	t.Helper()
	waitFor(t, func() bool { return p.state() == want }, "state "+string(want))
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func staticReply(text string) Reasoner {
	return reasonerFunc(func(_ context.Context, _ *reasoning.Memory, _ string) (reasoning.Reply, error) {
		return reasoning.Reply{Text: text}, nil
	})
}

func TestOrchestratorCompletesPushToTalkTurn(t *testing.T) {
	play := newFakePlayback(30 * time.Millisecond)
	h := newHarness(t, staticReply("You need CS 101 and CS 102."), play, Options{})

	h.press()
	waitState(t, h.presenter, StateListening)
	h.orch.FeedAudio(context.Background(), make([]byte, 640), 16000)
	h.release()

	waitFor(t, func() bool {
		hist := h.presenter.stateHistory()
		return len(hist) == 5 && hist[4] == StateIdle
	}, "turn to settle")

	want := []TurnState{StateIdle, StateListening, StateThinking, StateSpeaking, StateIdle}
	got := h.presenter.stateHistory()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state history = %v, want %v", got, want)
		}
	}

	texts, maxActive, _ := play.snapshot()
	if maxActive != 1 || len(texts) != 1 {
		t.Fatalf("playback sessions = %d (max concurrent %d), want exactly 1", len(texts), maxActive)
	}
	if got := h.presenter.replyTexts(); len(got) != 1 || got[0] != "You need CS 101 and CS 102." {
		t.Fatalf("reply texts = %v", got)
	}

	chats := h.presenter.chatLog()
	if len(chats) != 2 || chats[0].Role != reasoning.RoleUser || chats[1].Role != reasoning.RoleAssistant {
		t.Fatalf("chat log = %+v, want user then assistant", chats)
	}
	if chats[0].Text != "what courses do I need" {
		t.Fatalf("user chat text = %q", chats[0].Text)
	}

	sawLevel := false
	for _, s := range h.presenter.signalLog() {
		if s.Amplitude < 0 || s.Amplitude > 1 {
			t.Fatalf("amplitude %v out of range", s.Amplitude)
		}
		if s.Amplitude > 0 {
			sawLevel = true
			if !s.Speaking {
				t.Fatalf("amplitude %v published outside speaking: %+v", s.Amplitude, s)
			}
		}
	}
	if !sawLevel {
		t.Fatalf("expected amplitude updates while speaking")
	}

	h.capture.mu.Lock()
	audio := h.capture.audio
	h.capture.mu.Unlock()
	if audio != 640 {
		t.Fatalf("captured audio = %d bytes, want 640", audio)
	}

	sess, err := h.sessions.Get(h.sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.CompletedTurns != 1 || sess.ActiveTurnID != "" {
		t.Fatalf("session = %+v, want one completed turn", sess)
	}
}

func TestOrchestratorRepressWhileSpeakingCancelsPlayback(t *testing.T) {
	play := newFakePlayback(5 * time.Second)
	h := newHarness(t, staticReply("A long answer about degree requirements."), play, Options{})

	var mu sync.Mutex
	activeAtListening := -1
	listeningSeen := 0
	h.presenter.onSignals = func(s Signals) {
		if s.State != StateListening {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		listeningSeen++
		if listeningSeen == 2 {
			activeAtListening = play.activeCount()
		}
	}

	h.press()
	waitState(t, h.presenter, StateListening)
	h.release()
	waitState(t, h.presenter, StateSpeaking)
	time.Sleep(100 * time.Millisecond)

	h.press()
	waitState(t, h.presenter, StateListening)

	mu.Lock()
	got := activeAtListening
	mu.Unlock()
	if got != 0 {
		t.Fatalf("active playback sessions when listening resumed = %d, want 0", got)
	}
	if _, _, cancelled := play.snapshot(); cancelled != 1 {
		t.Fatalf("cancelled playbacks = %d, want 1", cancelled)
	}

	log := h.presenter.signalLog()
	resumed := -1
	for i, s := range log {
		if s.State == StateListening && i > 0 && log[i-1].State == StateSpeaking {
			resumed = i
		}
	}
	if resumed < 0 {
		t.Fatalf("no speaking to listening transition in %v", h.presenter.stateHistory())
	}
	for _, s := range log[resumed:] {
		if s.Amplitude != 0 {
			t.Fatalf("amplitude %v published after barge-in", s.Amplitude)
		}
	}

	sess, err := h.sessions.Get(h.sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.InterruptionCount != 1 {
		t.Fatalf("InterruptionCount = %d, want 1", sess.InterruptionCount)
	}
}

func TestOrchestratorDropsStaleReply(t *testing.T) {
	release := make(chan struct{})
	var calls sync.WaitGroup
	calls.Add(1)
	first := true
	var mu sync.Mutex
	reasoner := reasonerFunc(func(_ context.Context, _ *reasoning.Memory, utterance string) (reasoning.Reply, error) {
		mu.Lock()
		isFirst := first
		first = false
		mu.Unlock()
		if isFirst {
			defer calls.Done()
			<-release
			return reasoning.Reply{Text: "stale answer"}, nil
		}
		return reasoning.Reply{Text: "fresh answer"}, nil
	})
	play := newFakePlayback(10 * time.Millisecond)
	h := newHarness(t, reasoner, play, Options{})

	h.press()
	waitState(t, h.presenter, StateListening)
	h.release()
	waitState(t, h.presenter, StateThinking)

	h.press()
	waitState(t, h.presenter, StateListening)
	close(release)
	calls.Wait()

	h.capture.setTranscript("and electives")
	h.release()
	waitFor(t, func() bool {
		texts := h.presenter.replyTexts()
		return len(texts) == 1 && h.presenter.state() == StateIdle
	}, "fresh reply")

	if got := h.presenter.replyTexts(); got[0] != "fresh answer" {
		t.Fatalf("reply texts = %v, want only the fresh answer", got)
	}
	texts, _, _ := play.snapshot()
	for _, text := range texts {
		if text == "stale answer" {
			t.Fatalf("stale reply was spoken")
		}
	}
}

func TestOrchestratorEmptyTranscriptReturnsToIdle(t *testing.T) {
	called := false
	reasoner := reasonerFunc(func(context.Context, *reasoning.Memory, string) (reasoning.Reply, error) {
		called = true
		return reasoning.Reply{}, nil
	})
	h := newHarness(t, reasoner, newFakePlayback(time.Millisecond), Options{})
	h.capture.setTranscript("   ")

	h.press()
	waitState(t, h.presenter, StateListening)
	h.release()
	waitFor(t, func() bool {
		hist := h.presenter.stateHistory()
		return len(hist) == 4 && hist[3] == StateIdle
	}, "return to idle")

	if called {
		t.Fatalf("reasoner should not be called for an empty transcript")
	}
	if chats := h.presenter.chatLog(); len(chats) != 0 {
		t.Fatalf("chat log = %+v, want empty", chats)
	}
}

func TestOrchestratorReasoningFailureShowsError(t *testing.T) {
	reasoner := reasonerFunc(func(context.Context, *reasoning.Memory, string) (reasoning.Reply, error) {
		return reasoning.Reply{}, &reasoning.Error{Kind: reasoning.KindFailed, Status: 500, Message: "boom"}
	})
	play := newFakePlayback(time.Millisecond)
	h := newHarness(t, reasoner, play, Options{})

	h.press()
	waitState(t, h.presenter, StateListening)
	h.release()
	waitFor(t, func() bool {
		h.presenter.mu.Lock()
		defer h.presenter.mu.Unlock()
		return len(h.presenter.errors) == 1
	}, "chat error")
	waitState(t, h.presenter, StateIdle)

	h.presenter.mu.Lock()
	msg := h.presenter.errors[0]
	h.presenter.mu.Unlock()
	if !strings.Contains(msg, "boom") {
		t.Fatalf("error message = %q, want it to mention boom", msg)
	}
	if texts, _, _ := play.snapshot(); len(texts) != 0 {
		t.Fatalf("playback started after reasoning failure: %v", texts)
	}
}

func TestOrchestratorDegradedReplyEchoesUtterance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"agent offline","code":"agent_unavailable"}`))
	}))
	defer srv.Close()

	client := reasoning.NewClient(reasoning.Config{URL: srv.URL, Timeout: time.Second})
	play := newFakePlayback(5 * time.Millisecond)
	h := newHarness(t, client, play, Options{})

	h.press()
	waitState(t, h.presenter, StateListening)
	h.release()
	waitFor(t, func() bool {
		texts, _, _ := play.snapshot()
		return len(texts) == 1
	}, "echo playback")

	texts, _, _ := play.snapshot()
	if texts[0] != "what courses do I need" {
		t.Fatalf("spoken text = %q, want the utterance echoed", texts[0])
	}
}

func TestOrchestratorIgnoresRepeatAndFocusedKeys(t *testing.T) {
	h := newHarness(t, staticReply("ok"), newFakePlayback(time.Millisecond), Options{})

	h.orch.HandleKey(KeyEvent{Key: KeyTalk, Down: true, Repeat: true})
	h.orch.HandleKey(KeyEvent{Key: KeyTalk, Down: true, TextEntryFocused: true})
	h.orch.SendText("")
	// A barrier: the text turn is processed after the ignored keys.
	h.orch.SendText("hello")
	waitFor(t, func() bool { return len(h.presenter.chatLog()) >= 1 }, "text turn")

	for _, st := range h.presenter.stateHistory() {
		if st == StateListening {
			t.Fatalf("ignored key started listening: %v", h.presenter.stateHistory())
		}
	}
	h.capture.mu.Lock()
	starts := h.capture.starts
	h.capture.mu.Unlock()
	if starts != 0 {
		t.Fatalf("capture starts = %d, want 0", starts)
	}
}

func TestOrchestratorHeldKeyRepeatDoesNotRestart(t *testing.T) {
	h := newHarness(t, staticReply("ok"), newFakePlayback(time.Millisecond), Options{})

	h.press()
	waitState(t, h.presenter, StateListening)
	h.orch.HandleKey(KeyEvent{Key: KeyTalk, Down: true, Repeat: true})
	h.press()
	h.release()
	waitFor(t, func() bool {
		hist := h.presenter.stateHistory()
		return len(hist) >= 5 && hist[len(hist)-1] == StateIdle
	}, "turn to finish")

	h.capture.mu.Lock()
	starts := h.capture.starts
	h.capture.mu.Unlock()
	if starts != 1 {
		t.Fatalf("capture starts = %d, want 1", starts)
	}
}

func TestOrchestratorNotableReplyNotifies(t *testing.T) {
	reasoner := reasonerFunc(func(context.Context, *reasoning.Memory, string) (reasoning.Reply, error) {
		return reasoning.Reply{Text: "Booked with Dr. Lee.", Chat: "**Booked** with Dr. Lee.", Notable: true}, nil
	})
	h := newHarness(t, reasoner, newFakePlayback(time.Millisecond), Options{})

	h.orch.SendText("book my advising slot")
	waitFor(t, func() bool {
		h.presenter.mu.Lock()
		defer h.presenter.mu.Unlock()
		return len(h.presenter.notifies) == 1
	}, "notify")

	h.presenter.mu.Lock()
	sound := h.presenter.notifies[0]
	h.presenter.mu.Unlock()
	if sound != "notable" {
		t.Fatalf("notify sound = %q, want notable", sound)
	}
	waitFor(t, func() bool { return len(h.presenter.chatLog()) == 2 }, "assistant chat entry")
	if chats := h.presenter.chatLog(); chats[1].Markdown != "**Booked** with Dr. Lee." {
		t.Fatalf("assistant markdown = %q", chats[1].Markdown)
	}
}

func TestOrchestratorPlaybackFailureStillShowsText(t *testing.T) {
	play := newFakePlayback(time.Millisecond)
	play.fail = &playback.Error{Kind: playback.KindUnauthorized, Status: 401, Err: errors.New("bad key")}
	h := newHarness(t, staticReply("Here is the plan."), play, Options{})

	h.orch.SendText("what next")
	waitFor(t, func() bool {
		hist := h.presenter.stateHistory()
		return len(hist) >= 4 && hist[len(hist)-1] == StateIdle
	}, "turn to finish")

	if got := h.presenter.replyTexts(); len(got) != 1 || got[0] != "Here is the plan." {
		t.Fatalf("reply texts = %v, want the reply shown without audio", got)
	}
}

func TestOrchestratorReplayIntro(t *testing.T) {
	play := newFakePlayback(5 * time.Millisecond)
	h := newHarness(t, staticReply("unused"), play, Options{IntroText: "Hi, I'm your advisor."})

	h.orch.HandleKey(KeyEvent{Key: KeyReplayIntro, Down: true})
	waitFor(t, func() bool {
		hist := h.presenter.stateHistory()
		return len(hist) == 3 && hist[2] == StateIdle
	}, "intro playback")

	texts, _, _ := play.snapshot()
	if len(texts) != 1 || texts[0] != "Hi, I'm your advisor." {
		t.Fatalf("spoken = %v, want intro", texts)
	}
	if chats := h.presenter.chatLog(); len(chats) != 0 {
		t.Fatalf("intro should not add chat entries, got %+v", chats)
	}
}

func TestOrchestratorMicGatedOutsideListening(t *testing.T) {
	h := newHarness(t, staticReply("ok"), newFakePlayback(time.Millisecond), Options{})

	h.orch.FeedAudio(context.Background(), make([]byte, 320), 16000)
	h.capture.mu.Lock()
	audio := h.capture.audio
	h.capture.mu.Unlock()
	if audio != 0 {
		t.Fatalf("audio forwarded while idle: %d bytes", audio)
	}
}

// slowRecognizer connects only after delay, like a realtime engine dial.
type slowRecognizer struct {
	delay time.Duration

	mu       sync.Mutex
	started  int
	aborted  int
	returned chan struct{}
}

func newSlowRecognizer(delay time.Duration) *slowRecognizer {
	return &slowRecognizer{delay: delay, returned: make(chan struct{}, 8)}
}

func (r *slowRecognizer) Start(ctx context.Context) (capture.Stream, error) {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
	defer func() { r.returned <- struct{}{} }()

	select {
	case <-time.After(r.delay):
		return NewMockProvider().Start(ctx)
	case <-ctx.Done():
		r.mu.Lock()
		r.aborted++
		r.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (r *slowRecognizer) counts() (started, aborted int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started, r.aborted
}

func startSlowCaptureOrchestrator(t *testing.T, rec *slowRecognizer) (*Orchestrator, *recordingPresenter, context.CancelFunc, <-chan struct{}) {
	t.Helper()
	presenter := &recordingPresenter{}
	orch := NewOrchestrator(Deps{
		Capture:   capture.New(rec, capture.Options{StopTimeout: 200 * time.Millisecond}),
		Playback:  newFakePlayback(10 * time.Millisecond),
		Reasoner:  staticReply("ok"),
		Presenter: presenter,
	}, Options{SessionID: "slow-capture", SettleDelay: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = orch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return orch, presenter, cancel, done
}

func TestOrchestratorStaysResponsiveWhileCaptureConnects(t *testing.T) {
	rec := newSlowRecognizer(1500 * time.Millisecond)
	orch, presenter, _, _ := startSlowCaptureOrchestrator(t, rec)

	orch.HandleKey(KeyEvent{Key: KeyTalk, Down: true})
	waitState(t, presenter, StateListening)

	released := time.Now()
	orch.HandleKey(KeyEvent{Key: KeyTalk})
	waitState(t, presenter, StateThinking)
	if elapsed := time.Since(released); elapsed > 300*time.Millisecond {
		t.Fatalf("key-up handled after %v, want it handled without waiting for the engine", elapsed)
	}

	// Nothing was heard before the engine connected, so the turn ends empty
	// once the stop bound elapses.
	waitState(t, presenter, StateIdle)
	if elapsed := time.Since(released); elapsed > time.Second {
		t.Fatalf("turn settled after %v, want within the capture stop bound", elapsed)
	}
	select {
	case <-rec.returned:
	case <-time.After(time.Second):
		t.Fatalf("engine start was not aborted")
	}
	if _, aborted := rec.counts(); aborted != 1 {
		t.Fatalf("aborted starts = %d, want 1", aborted)
	}
}

func TestOrchestratorBargeInWhileCaptureConnects(t *testing.T) {
	rec := newSlowRecognizer(1500 * time.Millisecond)
	orch, presenter, _, _ := startSlowCaptureOrchestrator(t, rec)

	orch.HandleKey(KeyEvent{Key: KeyTalk, Down: true})
	waitState(t, presenter, StateListening)
	orch.HandleKey(KeyEvent{Key: KeyTalk})
	waitState(t, presenter, StateThinking)

	pressed := time.Now()
	orch.HandleKey(KeyEvent{Key: KeyTalk, Down: true})
	waitState(t, presenter, StateListening)
	if elapsed := time.Since(pressed); elapsed > 300*time.Millisecond {
		t.Fatalf("barge-in handled after %v", elapsed)
	}
	waitFor(t, func() bool {
		started, _ := rec.counts()
		return started == 2
	}, "second capture start")
}

func TestOrchestratorShutdownDuringCaptureStart(t *testing.T) {
	rec := newSlowRecognizer(1500 * time.Millisecond)
	orch, presenter, cancel, done := startSlowCaptureOrchestrator(t, rec)

	orch.HandleKey(KeyEvent{Key: KeyTalk, Down: true})
	waitState(t, presenter, StateListening)

	cancelled := time.Now()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not exit while capture was connecting")
	}
	if elapsed := time.Since(cancelled); elapsed > 300*time.Millisecond {
		t.Fatalf("Run exited %v after cancel, want prompt exit", elapsed)
	}
	select {
	case <-rec.returned:
	case <-time.After(time.Second):
		t.Fatalf("engine start was not aborted on shutdown")
	}
	if _, aborted := rec.counts(); aborted != 1 {
		t.Fatalf("aborted starts = %d, want 1", aborted)
	}
}

func TestOrchestratorTalkIgnoredWhenCaptureUnsupported(t *testing.T) {
	play := newFakePlayback(10 * time.Millisecond)
	h := newHarness(t, staticReply("Typed reply."), play, Options{})
	h.capture.mu.Lock()
	h.capture.unsupported = true
	h.capture.mu.Unlock()

	h.press()
	h.release()
	h.orch.SendText("what courses do I need")
	waitFor(t, func() bool {
		hist := h.presenter.stateHistory()
		return len(hist) >= 2 && hist[len(hist)-1] == StateIdle && len(h.presenter.replyTexts()) == 1
	}, "typed turn to finish")

	for _, st := range h.presenter.stateHistory() {
		if st == StateListening {
			t.Fatalf("state history %v entered listening with capture unsupported", h.presenter.stateHistory())
		}
	}
	h.capture.mu.Lock()
	defer h.capture.mu.Unlock()
	if h.capture.starts != 0 {
		t.Fatalf("capture starts = %d, want 0", h.capture.starts)
	}
}
