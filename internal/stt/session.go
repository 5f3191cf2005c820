package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/config"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type State string

const (
	StateStarting State = "starting"
	StateActive   State = "active"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID           string       `json:"id"`
	Provider     string       `json:"provider"`
	State        State        `json:"state"`
	StartedAt    time.Time    `json:"started_at"`
	Fallback     bool         `json:"fallback"`
	Availability Availability `json:"availability"`
	Transcript   string       `json:"transcript"`
	Final        bool         `json:"final"`
}

// Session is one recognition run. It owns the capture device and the
// provider connection until it reaches a terminal state.
type Session struct {
	ID           string
	Provider     string
	StartedAt    time.Time
	Fallback     bool
	Availability Availability

	o          *Orchestrator
	cfg        config.SpeechConfig
	cb         Callbacks
	ctx        context.Context
	cancel     context.CancelFunc
	span       trace.Span
	logger     *slog.Logger
	provider   Provider
	capture    *audio.Capture
	recorder   *audio.Recorder
	reconciler *Reconciler

	started   chan struct{}
	startOnce sync.Once
	pumpDone  chan struct{}
	done      chan struct{}

	sendMu     sync.Mutex
	forwarding bool

	mu        sync.Mutex
	state     State
	discarded bool
	completed bool
	failure   error
	artifact  audio.Artifact
	err       error
}

func (s *Session) setup() error {
	o := s.o
	s.ctx, s.span = o.spanStart(s.ctx, s)

	if s.Fallback {
		s.logger.Info("remote recognition unavailable, recording only",
			slog.String("reason", s.Availability.Reason))
	}

	if err := ensureMicrophone(s.ctx, o.opts.Permissions); err != nil {
		return s.abort(err)
	}
	if o.opts.Capture.NewDevice == nil {
		return s.abort(fmt.Errorf("%w: no capture backend resolved", audio.ErrNoDevice))
	}
	device, err := o.opts.Capture.NewDevice()
	if err != nil {
		return s.abort(err)
	}
	capture, err := audio.Start(s.ctx, device, audio.Options{
		SampleRate:   o.opts.SampleRate,
		FrameSamples: o.opts.FrameSamples,
		MaxDuration:  o.opts.MaxDuration,
		Logger:       s.logger,
	})
	if err != nil {
		return s.abort(err)
	}
	s.capture = capture

	if s.provider == nil {
		provider, err := o.opts.Providers[s.cfg.Provider](s.cfg)
		if err != nil {
			return s.abort(fmt.Errorf("%w: %v", ErrConfig, err))
		}
		s.provider = provider
	}
	s.mu.Lock()
	s.reconciler = NewReconciler(s.provider.Mode())
	s.mu.Unlock()

	if err := s.provider.Open(s.ctx, s); err != nil {
		return s.abort(err)
	}

	s.mu.Lock()
	if s.discarded {
		s.mu.Unlock()
		return s.abort(ErrStopped)
	}
	s.state = StateActive
	s.forwarding = true
	go s.pump()
	if s.failure != nil || s.completed {
		go s.end()
	}
	s.mu.Unlock()

	if o.sessionsStarted != nil {
		o.sessionsStarted.Add(s.ctx, 1, metric.WithAttributes(attribute.String("provider", s.Provider)))
	}
	s.logger.Info("recognition session started",
		slog.String("provider", s.Provider),
		slog.String("capture", o.opts.Capture.Name),
		slog.Bool("fallback", s.Fallback))
	o.notify(Event{
		SessionID: s.ID,
		Provider:  s.Provider,
		Type:      EventStarted,
		Fallback:  s.Fallback,
		Reason:    s.Availability.Reason,
		Time:      o.clock().UTC(),
	})
	s.cb.OnStart()
	s.startOnce.Do(func() { close(s.started) })
	return nil
}

// abort tears down a session that never became active.
func (s *Session) abort(err error) error {
	s.mu.Lock()
	if s.discarded {
		err = ErrStopped
	}
	s.mu.Unlock()
	s.startOnce.Do(func() { close(s.started) })

	if s.provider != nil {
		_ = s.provider.Close(context.WithoutCancel(s.ctx))
	}
	s.capture.Stop()
	s.cancel()

	var cause error
	if !errors.Is(err, ErrStopped) {
		cause = err
		s.logger.Warn("recognition session failed to start", slogError(err))
	}
	s.finish(audio.Artifact{}, cause)
	return err
}

// pump moves frames from capture to the provider in capture order.
func (s *Session) pump() {
	for frame := range s.capture.Frames() {
		s.recorder.Add(frame)
		if err := s.forward(frame); err != nil {
			s.Fail(err)
		}
	}
	close(s.pumpDone)

	if err := s.capture.Err(); err != nil {
		s.Fail(fmt.Errorf("capture: %w", err))
		return
	}
	if s.capture.TimedOut() {
		s.logger.Info("capture limit reached, stopping session")
	}
	s.end()
}

func (s *Session) forward(frame audio.Frame) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.forwarding {
		return nil
	}
	if err := s.provider.SendFrame(s.ctx, frame); err != nil {
		s.forwarding = false
		return err
	}
	if s.o.framesForwarded != nil {
		s.o.framesForwarded.Add(s.ctx, 1, metric.WithAttributes(attribute.String("provider", s.Provider)))
	}
	return nil
}

// end drives teardown of an active session: stop forwarding, close the
// provider, report, then release capture.
func (s *Session) end() {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	s.mu.Unlock()

	s.sendMu.Lock()
	s.forwarding = false
	s.sendMu.Unlock()

	cause := s.currentFailure()
	closeErr := s.provider.Close(s.ctx)
	if cause == nil {
		cause = closeErr
	}
	if cause == nil {
		cause = s.currentFailure()
	}

	<-s.started
	if cause == nil {
		s.cb.OnStop()
	} else {
		s.logger.Warn("recognition session failed", slogError(cause))
		s.cb.OnError(Message(cause))
	}

	s.capture.Stop()
	<-s.pumpDone
	s.cancel()
	s.finish(s.recorder.Artifact(s.o.clock().UTC()), cause)
}

func (s *Session) finish(art audio.Artifact, cause error) {
	s.mu.Lock()
	s.artifact = art
	s.err = cause
	if cause != nil {
		s.state = StateFailed
	} else {
		s.state = StateStopped
	}
	s.mu.Unlock()

	s.o.release(s, art, cause)

	evt := Event{
		SessionID: s.ID,
		Provider:  s.Provider,
		Type:      EventStopped,
		Fallback:  s.Fallback,
		Time:      s.o.clock().UTC(),
	}
	if r := s.transcriber(); r != nil {
		evt.Text, evt.Final = r.Transcript()
	}
	if cause != nil {
		evt.Type = EventFailed
		evt.Error = Message(cause)
		evt.Kind = ErrorKind(cause)
	}
	s.o.notify(evt)
	spanEnd(s.span, cause)
	s.logger.Info("recognition session ended",
		slog.String("state", string(s.State())),
		slog.Duration("recorded", art.Duration()))
	close(s.done)
}

func (s *Session) transcriber() *Reconciler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconciler
}

func (s *Session) currentFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Stop ends the session and returns its recording. It is safe to call from
// any state and any number of times. Stopping a session that is still being
// set up discards it without callbacks.
func (s *Session) Stop(ctx context.Context) (audio.Artifact, error) {
	if s == nil {
		return audio.Artifact{}, nil
	}
	s.mu.Lock()
	starting := s.state == StateStarting
	if starting {
		s.discarded = true
	}
	s.mu.Unlock()

	if starting {
		s.cancel()
	} else {
		go s.end()
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		return audio.Artifact{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifact, s.err
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:           s.ID,
		Provider:     s.Provider,
		State:        s.State(),
		StartedAt:    s.StartedAt,
		Fallback:     s.Fallback,
		Availability: s.Availability,
	}
	if r := s.transcriber(); r != nil {
		info.Transcript, info.Final = r.Transcript()
	}
	return info
}

// Fragment implements Sink.
func (s *Session) Fragment(f Fragment) {
	r := s.transcriber()
	if r == nil {
		return
	}
	text, final, ok := r.Apply(f)
	if !ok || text == "" {
		return
	}
	<-s.started
	s.mu.Lock()
	discarded := s.discarded
	s.mu.Unlock()
	if discarded {
		return
	}
	s.cb.OnResult(text, final)
	s.o.notify(Event{
		SessionID: s.ID,
		Provider:  s.Provider,
		Type:      EventResult,
		Text:      text,
		Final:     final,
		Sequence:  f.Sequence,
		Time:      s.o.clock().UTC(),
	})
}

// Fail implements Sink. The first failure wins; teardown runs asynchronously.
func (s *Session) Fail(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.failure == nil {
		s.failure = err
	}
	s.mu.Unlock()
	go s.end()
}

// Complete implements Sink. The provider finished the utterance on its own and
// the session stops normally.
func (s *Session) Complete() {
	s.mu.Lock()
	s.completed = true
	s.mu.Unlock()
	s.logger.Debug("provider finished the utterance")
	go s.end()
}
