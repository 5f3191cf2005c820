package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-speech/stt"

// Callbacks are the host's view of a session. Each session reports OnStart
// once, any number of OnResult calls, then exactly one of OnStop or OnError.
type Callbacks struct {
	OnStart  func()
	OnResult func(text string, final bool)
	OnStop   func()
	OnError  func(message string)
}

const (
	ReasonDisabled           = "disabled"
	ReasonMissingCredentials = "missing_credentials"
	ReasonUnknownProvider    = "unknown_provider"
	ReasonLocalOnly          = "local_only"
	ReasonNoMicrophone       = "no_microphone"
	ReasonPermissionDenied   = "permission_denied"
)

// Availability tells the host whether remote recognition can run.
type Availability struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Options wires an Orchestrator. Capture is resolved once at startup; a zero
// Backend means no input is available.
type Options struct {
	Capture      audio.Backend
	SampleRate   int
	FrameSamples int
	MaxDuration  time.Duration
	Providers    map[string]ProviderFactory
	Permissions  Permissions
	Player       audio.Player
	Observers    []Observer
	Logger       *slog.Logger
}

// Orchestrator owns at most one active recognition session and the most
// recent recording.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger
	clock  func() time.Time

	tracer          trace.Tracer
	sessionsStarted metric.Int64Counter
	sessionsFailed  metric.Int64Counter
	framesForwarded metric.Int64Counter

	mu     sync.Mutex
	active *Session
	last   audio.Artifact
}

func NewOrchestrator(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.FrameSamples <= 0 {
		opts.FrameSamples = 16384
	}
	o := &Orchestrator{
		opts:   opts,
		logger: logger.With(slog.String("component", "stt-orchestrator")),
		clock:  time.Now,
		tracer: otel.Tracer(instrumentationName),
	}
	o.initMetrics()
	return o
}

func (o *Orchestrator) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error
	if o.sessionsStarted, err = meter.Int64Counter("loqa.stt.sessions.started", metric.WithDescription("Recognition sessions started")); err != nil {
		o.logger.Warn("failed to create metric", slogError(err))
	}
	if o.sessionsFailed, err = meter.Int64Counter("loqa.stt.sessions.failed", metric.WithDescription("Recognition sessions that ended in error")); err != nil {
		o.logger.Warn("failed to create metric", slogError(err))
	}
	if o.framesForwarded, err = meter.Int64Counter("loqa.stt.frames.forwarded", metric.WithDescription("Audio frames delivered to providers")); err != nil {
		o.logger.Warn("failed to create metric", slogError(err))
	}
}

// Availability probes configuration, capture input and microphone permission
// without starting a session.
func (o *Orchestrator) Availability(ctx context.Context, cfg config.SpeechConfig) Availability {
	if avail := o.configAvailability(cfg); !avail.Available {
		return avail
	}
	if o.opts.Capture.NewDevice == nil {
		return Availability{Reason: ReasonNoMicrophone, Message: "no audio input device detected"}
	}
	if err := ensureMicrophone(ctx, o.opts.Permissions); err != nil {
		return Availability{Reason: ReasonPermissionDenied, Message: err.Error()}
	}
	return Availability{Available: true}
}

func (o *Orchestrator) configAvailability(cfg config.SpeechConfig) Availability {
	if !cfg.Enabled {
		return Availability{Reason: ReasonDisabled, Message: "speech recognition is disabled"}
	}
	if cfg.Provider == config.ProviderLocal {
		return Availability{Reason: ReasonLocalOnly, Message: "no remote provider configured"}
	}
	if _, ok := o.opts.Providers[cfg.Provider]; !ok {
		return Availability{Reason: ReasonUnknownProvider, Message: fmt.Sprintf("provider %q is not supported", cfg.Provider)}
	}
	if err := cfg.CheckCredentials(); err != nil {
		return Availability{Reason: ReasonMissingCredentials, Message: err.Error()}
	}
	return Availability{Available: true}
}

// Start begins a recognition session. When the configuration cannot reach a
// remote provider the session records locally and reports the reason in
// Session.Availability. Start fails with ErrBusy while another session is
// outstanding; setup failures are reported through OnError and returned.
func (o *Orchestrator) Start(ctx context.Context, cfg config.SpeechConfig, cb Callbacks) (*Session, error) {
	s := o.newSession(ctx, cfg, cb)

	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		s.cancel()
		return nil, ErrBusy
	}
	o.active = s
	o.mu.Unlock()

	if err := s.setup(); err != nil {
		if errors.Is(err, ErrStopped) {
			return nil, err
		}
		s.cb.OnError(Message(err))
		return nil, err
	}
	return s, nil
}

// Stop ends the active session, if any, and returns its recording.
func (o *Orchestrator) Stop(ctx context.Context) (audio.Artifact, error) {
	o.mu.Lock()
	s := o.active
	o.mu.Unlock()
	if s == nil {
		return audio.Artifact{}, nil
	}
	return s.Stop(ctx)
}

// Current returns a snapshot of the active session.
func (o *Orchestrator) Current() (SessionInfo, bool) {
	o.mu.Lock()
	s := o.active
	o.mu.Unlock()
	if s == nil {
		return SessionInfo{}, false
	}
	return s.Info(), true
}

// LastRecording returns the most recent non-empty recording.
func (o *Orchestrator) LastRecording() (audio.Artifact, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last, !o.last.Empty()
}

// DiscardRecording drops the retained recording.
func (o *Orchestrator) DiscardRecording() {
	o.mu.Lock()
	o.last = audio.Artifact{}
	o.mu.Unlock()
}

// PlayRecording plays the retained recording through the configured player.
func (o *Orchestrator) PlayRecording(ctx context.Context) error {
	art, ok := o.LastRecording()
	if !ok {
		return audio.ErrNothingToPlay
	}
	if o.opts.Player == nil {
		return errors.New("no playback player configured")
	}
	return o.opts.Player.Play(ctx, art)
}

func (o *Orchestrator) newSession(ctx context.Context, cfg config.SpeechConfig, cb Callbacks) *Session {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	id := uuid.NewString()
	s := &Session{
		ID:        id,
		Provider:  cfg.Provider,
		StartedAt: o.clock().UTC(),
		o:         o,
		cfg:       cfg,
		cb:        cb.withDefaults(),
		ctx:       sctx,
		cancel:    cancel,
		state:     StateStarting,
		recorder:  audio.NewRecorder(o.opts.SampleRate),
		started:   make(chan struct{}),
		pumpDone:  make(chan struct{}),
		done:      make(chan struct{}),
		logger:    o.logger.With(slog.String("session_id", id)),
	}
	s.Availability = o.configAvailability(cfg)
	if !s.Availability.Available {
		s.Fallback = true
		s.Provider = config.ProviderLocal
		s.provider = localProvider{}
	}
	return s
}

func (o *Orchestrator) release(s *Session, art audio.Artifact, cause error) {
	o.mu.Lock()
	if o.active == s {
		o.active = nil
	}
	if !art.Empty() {
		o.last = art
	}
	o.mu.Unlock()

	if cause != nil && o.sessionsFailed != nil {
		o.sessionsFailed.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("provider", s.Provider),
			attribute.String("kind", ErrorKind(cause)),
		))
	}
}

func (o *Orchestrator) notify(evt Event) {
	for _, obs := range o.opts.Observers {
		obs.Observe(context.Background(), evt)
	}
}

func (c Callbacks) withDefaults() Callbacks {
	if c.OnStart == nil {
		c.OnStart = func() {}
	}
	if c.OnResult == nil {
		c.OnResult = func(string, bool) {}
	}
	if c.OnStop == nil {
		c.OnStop = func() {}
	}
	if c.OnError == nil {
		c.OnError = func(string) {}
	}
	return c
}

// spanStart opens the per-session span.
func (o *Orchestrator) spanStart(ctx context.Context, s *Session) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "stt.session",
		trace.WithAttributes(
			attribute.String("stt.session_id", s.ID),
			attribute.String("stt.provider", s.Provider),
		))
}

func spanEnd(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Message(err))
	}
	span.End()
}
