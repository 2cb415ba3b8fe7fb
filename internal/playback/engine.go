package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ent0n29/advisorvoice/internal/audio"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	defaultLevelGain      = 4.0
	defaultMeterInterval  = time.Second / 60
	defaultFrameDuration  = 20 * time.Millisecond
	defaultMaxBufferBytes = 64 << 20
	readChunkSize         = 4096
)

type EngineOptions struct {
	// LevelGain scales the raw RMS before clamping to [0,1].
	LevelGain      float64
	MeterInterval  time.Duration
	FrameDuration  time.Duration
	MaxBufferBytes int
	NewDecoder     func(s *Stream) (Decoder, bool)
}

// Engine plays synthesized speech progressively. At most one session is live
// at a time; starting a new one ends the previous session first.
type Engine struct {
	synth     Synthesizer
	newOutput func() (Output, error)
	opts      EngineOptions

	outMu sync.Mutex
	out   Output

	mu      sync.Mutex
	nextID  uint64
	current *session
}

type session struct {
	id       uint64
	rate     float64
	cancel   context.CancelFunc
	done     chan struct{}
	onStatus func(Session)

	mu      sync.Mutex
	status  Status
	started bool
}

func NewEngine(synth Synthesizer, newOutput func() (Output, error), opts EngineOptions) *Engine {
	if opts.LevelGain <= 0 {
		opts.LevelGain = defaultLevelGain
	}
	if opts.MeterInterval <= 0 {
		opts.MeterInterval = defaultMeterInterval
	}
	if opts.FrameDuration <= 0 {
		opts.FrameDuration = defaultFrameDuration
	}
	if opts.MaxBufferBytes <= 0 {
		opts.MaxBufferBytes = defaultMaxBufferBytes
	}
	if opts.NewDecoder == nil {
		opts.NewDecoder = DefaultDecoder
	}
	return &Engine{synth: synth, newOutput: newOutput, opts: opts}
}

// Current returns the most recent session.
func (e *Engine) Current() (Session, bool) {
	e.mu.Lock()
	s := e.current
	e.mu.Unlock()
	if s == nil {
		return Session{}, false
	}
	return s.snapshot(), true
}

// Stop halts the live session and waits for its teardown.
func (e *Engine) Stop() {
	e.mu.Lock()
	s := e.current
	e.mu.Unlock()
	if s == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Play synthesizes text and plays it, blocking until the session is terminal.
func (e *Engine) Play(ctx context.Context, text, voiceID string, opts Options) Outcome {
	rate := opts.Rate
	if rate <= 0 {
		rate = 1.0
	}
	sctx, s := e.begin(ctx, rate, opts.OnStatus)

	sctx, span := tracer.Start(sctx, "playback session", trace.WithAttributes(
		attribute.Int64("playback.session_id", int64(s.id)),
		attribute.Float64("playback.rate", rate),
	))
	defer span.End()

	outcome := e.run(sctx, s, text, voiceID, opts)
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, outcome.Err.Error())
	}
	e.end(s, outcome, opts.OnEnd)
	return outcome
}

func (e *Engine) begin(ctx context.Context, rate float64, onStatus func(Session)) (context.Context, *session) {
	sctx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	prev := e.current
	e.nextID++
	s := &session{
		id:       e.nextID,
		rate:     rate,
		cancel:   cancel,
		done:     make(chan struct{}),
		onStatus: onStatus,
		status:   StatusConnecting,
	}
	e.current = s
	e.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}
	s.emit()
	return sctx, s
}

func (e *Engine) end(s *session, outcome Outcome, onEnd func()) {
	defer close(s.done)
	defer s.cancel()
	if outcome.Success || outcome.Cancelled {
		s.setStatus(StatusEnded)
	} else {
		s.setStatus(StatusFailed)
	}
	if outcome.Success && onEnd != nil {
		onEnd()
	}
}

func (e *Engine) output() (Output, error) {
	e.outMu.Lock()
	defer e.outMu.Unlock()
	if e.out != nil {
		return e.out, nil
	}
	out, err := e.newOutput()
	if err != nil {
		return nil, err
	}
	e.out = out
	return out, nil
}

func (e *Engine) run(ctx context.Context, s *session, text, voiceID string, opts Options) Outcome {
	stream, err := e.synth.Stream(ctx, text, voiceID)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Cancelled: true}
		}
		pe := classifyRequestError(err)
		return Outcome{HTTPStatus: pe.Status, Err: pe}
	}
	stopBody := context.AfterFunc(ctx, func() { _ = stream.Body.Close() })
	defer stopBody()
	defer stream.Body.Close()

	out, err := e.output()
	if err != nil {
		return Outcome{Err: fmt.Errorf("open audio output: %w", err)}
	}
	node, err := out.Connect(s.id)
	if err != nil {
		return Outcome{Err: fmt.Errorf("connect audio output: %w", err)}
	}
	defer node.Disconnect()

	s.setStatus(StatusBuffering)

	dec, ok := e.opts.NewDecoder(stream)
	if !ok {
		data, err := io.ReadAll(stream.Body)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{Cancelled: true}
			}
			return Outcome{Err: &Error{Kind: KindTransport, Err: err}}
		}
		err = e.playWhole(ctx, s, node, data, stream, opts)
		return e.finishOutcome(ctx, node, err)
	}

	err = e.playProgressive(ctx, s, node, stream, dec, opts)
	if IsKind(err, KindDecode) && ctx.Err() == nil {
		logger.Warn("progressive decode failed, falling back to whole clip", "session_id", s.id, "error", err)
		node.Flush()
		err = e.refetchWhole(ctx, s, node, text, voiceID, opts)
	}
	return e.finishOutcome(ctx, node, err)
}

func (e *Engine) finishOutcome(ctx context.Context, node Node, err error) Outcome {
	if ctx.Err() != nil {
		node.Flush()
		return Outcome{Cancelled: true}
	}
	if err != nil {
		node.Flush()
		var pe *Error
		if errors.As(err, &pe) {
			return Outcome{HTTPStatus: pe.Status, Err: err}
		}
		return Outcome{Err: err}
	}
	return Outcome{Success: true}
}

func (e *Engine) refetchWhole(ctx context.Context, s *session, node Node, text, voiceID string, opts Options) error {
	stream, err := e.synth.Stream(ctx, text, voiceID)
	if err != nil {
		return classifyRequestError(err)
	}
	defer stream.Body.Close()
	data, err := io.ReadAll(stream.Body)
	if err != nil {
		return &Error{Kind: KindTransport, Err: err}
	}
	return e.playWhole(ctx, s, node, data, stream, opts)
}

func (e *Engine) playProgressive(ctx context.Context, s *session, node Node, stream *Stream, dec Decoder, opts Options) error {
	buf := newDecodeBuffer(dec.SampleRate(), e.opts.MaxBufferBytes)
	an := newAnalyser(analyserWindow)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return feed(gctx, stream.Body, dec, buf) })
	g.Go(func() error { return e.pace(gctx, s, node, buf, an, opts) })
	return g.Wait()
}

// feed reads the stream and appends decoded chunks one at a time; the next
// read is issued only after the previous append was committed.
func feed(ctx context.Context, body io.Reader, dec Decoder, buf *decodeBuffer) error {
	defer buf.End()
	chunk := make([]byte, readChunkSize)
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			pcm, derr := dec.Decode(chunk[:n])
			if derr != nil {
				return &Error{Kind: KindDecode, Err: derr}
			}
			if aerr := buf.Append(pcm); aerr != nil {
				return &Error{Kind: KindDecode, Err: aerr}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Play what arrived.
			logger.Warn("synthesis stream interrupted", "error", err)
			return nil
		}
	}
}

func (e *Engine) pace(ctx context.Context, s *session, node Node, buf *decodeBuffer, an *analyser, opts Options) error {
	if err := buf.WaitReady(ctx, startThreshold(s.rate)); err != nil {
		return err
	}

	sampleRate := buf.sampleRate
	frameBytes := int(float64(sampleRate)*e.opts.FrameDuration.Seconds()) * 2
	if frameBytes < 2 {
		frameBytes = 2
	}

	stopMeter := startMeter(e.opts.MeterInterval, e.opts.LevelGain, an.rms, opts.OnLevel)
	defer stopMeter()

	next := time.Now()
	for {
		pcm, ended := buf.Take(frameBytes)
		if len(pcm) == 0 {
			if ended {
				return nil
			}
			an.reset()
			if err := buf.Wait(ctx); err != nil {
				return err
			}
			next = time.Now()
			continue
		}

		s.setStatus(StatusPlaying)
		if err := node.WriteFrame(ctx, Frame{PCM: pcm, SampleRate: sampleRate, Rate: s.rate}); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("write frame: %w", err)
		}
		s.markStarted(opts.OnStart)
		an.push(pcm)

		next = next.Add(time.Duration(float64(pcmDuration(len(pcm), sampleRate)) / s.rate))
		if err := sleepUntil(ctx, next); err != nil {
			return err
		}
	}
}

// playWhole plays a fully received payload atomically, without rate gating.
func (e *Engine) playWhole(ctx context.Context, s *session, node Node, data []byte, stream *Stream, opts Options) error {
	info := parseFormat(stream.Format, stream.ContentType)
	clip := Clip{Data: data, ContentType: stream.ContentType, Rate: s.rate}
	level := func() float64 { return 0 }
	if info.pcm() {
		data = data[:len(data)&^1]
		wav, err := audio.EncodeWAVPCM16LE(data, info.sampleRate)
		if err != nil {
			return &Error{Kind: KindDecode, Err: err}
		}
		clip.Data = wav
		clip.ContentType = "audio/wav"
	}
	clip.Duration = info.estimateDuration(len(data))

	s.setStatus(StatusPlaying)
	if err := node.PlayClip(ctx, clip); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("play clip: %w", err)
	}
	s.markStarted(opts.OnStart)
	startedAt := time.Now()

	if info.pcm() {
		level = func() float64 {
			pos := int(time.Since(startedAt).Seconds() * s.rate * float64(info.sampleRate))
			return windowRMS(data, pos, analyserWindow)
		}
	}
	stopMeter := startMeter(e.opts.MeterInterval, e.opts.LevelGain, level, opts.OnLevel)
	defer stopMeter()

	return sleepUntil(ctx, startedAt.Add(time.Duration(float64(clip.Duration)/s.rate)))
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *session) snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Session{ID: s.id, Status: s.status, Rate: s.rate}
}

func (s *session) setStatus(st Status) {
	s.mu.Lock()
	if s.status == st || s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.status = st
	s.mu.Unlock()
	s.emit()
}

func (s *session) emit() {
	if s.onStatus != nil {
		s.onStatus(s.snapshot())
	}
}

func (s *session) markStarted(onStart func()) {
	s.mu.Lock()
	first := !s.started
	s.started = true
	s.mu.Unlock()
	if first && onStart != nil {
		onStart()
	}
}
