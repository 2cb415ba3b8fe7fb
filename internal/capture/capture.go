package capture

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// ErrUnsupported is returned by a Recognizer when speech capture is not
// available on this host.
var ErrUnsupported = errors.New("speech capture unsupported")

const (
	defaultStopTimeout = 3 * time.Second
	// Audio that arrives while the engine is still connecting is held up to
	// this many bytes and flushed in order once the stream is ready.
	maxPendingBytes = 256 << 10
)

// Result is a single recognition update. Interim results are replaced by the
// next update; final results are appended to the transcript.
type Result struct {
	Text  string
	Final bool
	Err   error
}

// Stream is one live recognition session.
type Stream interface {
	SendAudio(ctx context.Context, pcm []byte, sampleRate int) error
	// Finish asks the engine to flush and end the session. Completion is
	// signalled by closing Results.
	Finish(ctx context.Context) error
	Results() <-chan Result
	Close() error
}

// Recognizer is the speech-to-text capability the adapter wraps.
type Recognizer interface {
	Start(ctx context.Context) (Stream, error)
}

type Options struct {
	// StopTimeout bounds how long Stop waits for the engine to complete.
	StopTimeout time.Duration
	OnInterim   func(text string)
}

// Adapter exposes start/stop capture with a live interim transcript. At most
// one capture session is active at a time.
type Adapter struct {
	rec  Recognizer
	opts Options

	mu          sync.Mutex
	unsupported bool
	active      *captureSession
	interim     string
	err         error
}

type captureSession struct {
	stream Stream
	cancel context.CancelFunc
	finals []string
	// ready is closed once the engine start returns, done once its results
	// are drained.
	ready chan struct{}
	done  chan struct{}
	// abandoned is set when Stop gives up on a session still connecting.
	abandoned bool

	sendMu       sync.Mutex
	pending      []pendingAudio
	pendingBytes int
}

type pendingAudio struct {
	pcm        []byte
	sampleRate int
}

func New(rec Recognizer, opts Options) *Adapter {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	a := &Adapter{rec: rec, opts: opts}
	if rec == nil {
		a.unsupported = true
		a.err = ErrUnsupported
		logger.Warn("speech capture unsupported, typed input only")
	}
	return a
}

// Supported reports whether Start can ever begin a capture session.
func (a *Adapter) Supported() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.unsupported
}

// Active reports whether a capture session is running.
func (a *Adapter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active != nil
}

// Err returns the most recent capture failure, if any.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *Adapter) Interim() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interim
}

// Start begins capture and returns without waiting for the engine to
// connect; audio sent meanwhile is buffered. It never fails loudly: an
// unsupported engine, an already-active session or a start error leave the
// adapter idle and are reported through Err.
func (a *Adapter) Start(ctx context.Context) {
	a.mu.Lock()
	if a.unsupported {
		a.mu.Unlock()
		return
	}
	if a.active != nil {
		a.mu.Unlock()
		logger.Debug("capture already active, ignoring start")
		return
	}
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &captureSession{cancel: cancel, ready: make(chan struct{}), done: make(chan struct{})}
	a.active = sess
	a.interim = ""
	a.err = nil
	a.mu.Unlock()

	go a.connect(ctx, sessCtx, sess)
}

func (a *Adapter) connect(ctx, sessCtx context.Context, sess *captureSession) {
	defer close(sess.ready)
	_, span := tracer.Start(ctx, "capture start")
	defer span.End()

	stream, err := a.rec.Start(sessCtx)
	if err != nil {
		sess.cancel()
		close(sess.done)
		span.RecordError(err)
		a.mu.Lock()
		if a.active == sess {
			a.active = nil
		}
		abandoned := sess.abandoned
		if !abandoned {
			a.err = err
		}
		if errors.Is(err, ErrUnsupported) {
			a.unsupported = true
		}
		a.mu.Unlock()
		if !abandoned {
			logger.Warn("capture start failed", "error", err)
		}
		return
	}

	sess.sendMu.Lock()
	a.mu.Lock()
	if sess.abandoned {
		a.mu.Unlock()
		sess.sendMu.Unlock()
		_ = stream.Close()
		sess.cancel()
		close(sess.done)
		return
	}
	sess.stream = stream
	pending := sess.pending
	sess.pending = nil
	sess.pendingBytes = 0
	a.mu.Unlock()
	go a.consume(sess, stream)

	for _, p := range pending {
		if err := stream.SendAudio(sessCtx, p.pcm, p.sampleRate); err != nil {
			a.setErr(err)
			break
		}
	}
	sess.sendMu.Unlock()
}

// SendAudio forwards PCM to the live session and drops it otherwise.
func (a *Adapter) SendAudio(ctx context.Context, pcm []byte, sampleRate int) {
	a.mu.Lock()
	sess := a.active
	if sess == nil {
		a.mu.Unlock()
		return
	}
	stream := sess.stream
	if stream == nil {
		if sess.pendingBytes+len(pcm) <= maxPendingBytes {
			sess.pending = append(sess.pending, pendingAudio{pcm: append([]byte(nil), pcm...), sampleRate: sampleRate})
			sess.pendingBytes += len(pcm)
		}
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	sess.sendMu.Lock()
	err := stream.SendAudio(ctx, pcm, sampleRate)
	sess.sendMu.Unlock()
	if err != nil {
		a.mu.Lock()
		a.err = err
		a.mu.Unlock()
		logger.Debug("capture send audio failed", "error", err)
	}
}

// Stop ends capture and resolves with the best-known final transcript. It
// returns once the engine completes, reports an error, ctx is done or the
// stop timeout elapses, whichever comes first. A session whose engine is
// still connecting is waited for within the same bound, and abandoned if the
// bound is hit first.
func (a *Adapter) Stop(ctx context.Context) string {
	a.mu.Lock()
	sess := a.active
	a.active = nil
	a.interim = ""
	a.mu.Unlock()
	if sess == nil {
		return ""
	}

	_, span := tracer.Start(ctx, "capture stop")
	defer span.End()

	timer := time.NewTimer(a.opts.StopTimeout)
	defer timer.Stop()

	select {
	case <-sess.ready:
	case <-ctx.Done():
		a.abandon(sess)
		span.SetAttributes(attribute.Bool("capture.abandoned", true))
		return ""
	case <-timer.C:
		a.abandon(sess)
		span.SetAttributes(attribute.Bool("capture.abandoned", true))
		logger.Warn("capture engine did not connect in time", "timeout", a.opts.StopTimeout)
		return ""
	}

	a.mu.Lock()
	stream := sess.stream
	a.mu.Unlock()

	if stream != nil {
		sess.sendMu.Lock()
		err := stream.Finish(ctx)
		sess.sendMu.Unlock()
		if err != nil {
			a.setErr(err)
			logger.Debug("capture finish failed", "error", err)
		}
	}

	timedOut := false
	select {
	case <-sess.done:
	case <-ctx.Done():
		timedOut = true
	case <-timer.C:
		timedOut = true
		logger.Warn("capture did not complete in time, using partial transcript", "timeout", a.opts.StopTimeout)
	}

	if stream != nil {
		_ = stream.Close()
	}
	sess.cancel()

	a.mu.Lock()
	text := strings.Join(sess.finals, " ")
	a.mu.Unlock()

	span.SetAttributes(attribute.Bool("capture.timed_out", timedOut), attribute.Int("capture.final_len", len(text)))
	return text
}

// abandon cancels a session whose engine has not connected. A stream that
// connected concurrently is closed here, otherwise by connect.
func (a *Adapter) abandon(sess *captureSession) {
	a.mu.Lock()
	sess.abandoned = true
	stream := sess.stream
	a.mu.Unlock()
	sess.cancel()
	if stream != nil {
		_ = stream.Close()
	}
}

func (a *Adapter) consume(sess *captureSession, stream Stream) {
	defer close(sess.done)
	for r := range stream.Results() {
		if r.Err != nil {
			a.setErr(r.Err)
			logger.Warn("capture engine error", "error", r.Err)
			return
		}
		text := strings.TrimSpace(r.Text)

		a.mu.Lock()
		current := a.active == sess
		if r.Final {
			if text != "" {
				sess.finals = append(sess.finals, text)
			}
			if current {
				a.interim = ""
			}
		} else if current {
			a.interim = text
		}
		live := a.liveTextLocked(sess)
		a.mu.Unlock()

		if current && a.opts.OnInterim != nil {
			a.opts.OnInterim(live)
		}
	}
}

func (a *Adapter) liveTextLocked(sess *captureSession) string {
	parts := make([]string, 0, len(sess.finals)+1)
	parts = append(parts, sess.finals...)
	if a.interim != "" {
		parts = append(parts, a.interim)
	}
	return strings.Join(parts, " ")
}

func (a *Adapter) setErr(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}
