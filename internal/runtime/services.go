package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/auth"
	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/capability"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"github.com/loqalabs/loqa-speech/internal/stt"
	"github.com/loqalabs/loqa-speech/internal/stt/baidu"
	"github.com/loqalabs/loqa-speech/internal/stt/iflytek"
)

// Services holds the components shared by the long-running runtime and the
// one-shot command.
type Services struct {
	Config       config.Config
	Speech       *config.SpeechStore
	Orchestrator *stt.Orchestrator
	Store        *eventstore.Store
	Bus          *bus.Client
	Registry     *capability.Registry

	mu     sync.Mutex
	probe  capability.Probe
	nats   *natsserver.EmbeddedServer
	logger *slog.Logger
}

// OpenServices resolves the capture backend, registers the providers and
// connects the optional bus and event store. Extra observers receive every
// session event after the built-in ones.
func OpenServices(ctx context.Context, cfg config.Config, logger *slog.Logger, extra ...stt.Observer) (*Services, error) {
	s := &Services{Config: cfg, logger: logger}

	ns, err := natsserver.Start(cfg.Bus, logger)
	if err != nil {
		return nil, fmt.Errorf("start embedded nats: %w", err)
	}
	s.nats = ns
	if ns != nil {
		cfg.Bus.Servers = []string{ns.ClientURL()}
	}
	if cfg.Bus.Enabled {
		client, err := bus.Connect(ctx, cfg.Bus, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Bus = client
	}

	store, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open event store: %w", err)
	}
	s.Store = store
	if err := store.Prune(ctx); err != nil {
		logger.Warn("event store prune failed", slogError(err))
	}

	s.Speech = config.NewSpeechStore(cfg.Speech.StorePath, cfg.Speech.SpeechConfig)

	backend, err := audio.ResolveBackend(cfg.Capture)
	if err != nil {
		logger.Warn("no capture backend available", slogError(err))
	} else {
		logger.Info("capture backend resolved", slog.String("backend", backend.Name))
	}

	var player audio.Player
	if cfg.Playback.Command != "" {
		p, err := audio.NewCommandPlayer(cfg.Playback.Command)
		if err != nil {
			logger.Warn("playback disabled", slogError(err))
		} else {
			player = p
		}
	}

	tokens := auth.NewTokenCache(auth.TokenOptions{
		Endpoint: cfg.Batch.TokenURL,
		Lifetime: time.Duration(cfg.Batch.TokenLifetimeH) * time.Hour,
		Margin:   time.Duration(cfg.Batch.TokenMarginH) * time.Hour,
		Logger:   logger,
	})
	providers := map[string]stt.ProviderFactory{
		config.ProviderIflytek: iflytek.NewFactory(cfg.Streaming, cfg.Capture.SampleRate, nil, logger),
		config.ProviderBaidu:   baidu.NewFactory(baidu.NewClient(cfg.Batch, nil, logger), tokens),
	}

	observers := []stt.Observer{stt.NewStoreRecorder(store, logger)}
	if s.Bus != nil {
		observers = append(observers, stt.NewBusPublisher(s.Bus, logger))
	}
	observers = append(observers, extra...)

	s.Orchestrator = stt.NewOrchestrator(stt.Options{
		Capture:      backend,
		SampleRate:   cfg.Capture.SampleRate,
		FrameSamples: cfg.Capture.FrameSamples,
		MaxDuration:  time.Duration(cfg.Capture.MaxDurationMS) * time.Millisecond,
		Providers:    providers,
		Permissions:  stt.StaticPermissions{Status: stt.PermissionAssumed},
		Player:       player,
		Observers:    observers,
		Logger:       logger,
	})

	speech, err := s.Speech.LoadSpeechConfig()
	if err != nil {
		logger.Warn("failed to load speech config", slogError(err))
		speech = cfg.Speech.SpeechConfig
	}
	s.probe = capability.Probe{
		Capture:    backend,
		SampleRate: cfg.Capture.SampleRate,
		Providers: map[string]string{
			config.ProviderIflytek: capability.TierStreaming,
			config.ProviderBaidu:   capability.TierBatch,
		},
		Speech:   speech,
		Playback: player != nil,
	}
	if s.Bus != nil {
		registry, err := capability.NewRegistry(ctx, cfg.Node, s.Bus, capability.Detect(s.probe), logger)
		if err != nil {
			logger.Warn("capability registry unavailable", slogError(err))
		} else {
			s.Registry = registry
		}
	}
	return s, nil
}

// UpdateSpeech persists a new speech configuration and re-announces the
// node's capabilities.
func (s *Services) UpdateSpeech(cfg config.SpeechConfig) error {
	if err := s.Speech.SaveSpeechConfig(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	s.probe.Speech = cfg
	caps := capability.Detect(s.probe)
	s.mu.Unlock()
	if err := s.Registry.Update(caps); err != nil {
		s.logger.Warn("failed to re-announce capabilities", slogError(err))
	}
	return nil
}

// Capabilities returns what this node currently advertises.
func (s *Services) Capabilities() []capability.Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return capability.Detect(s.probe)
}

// Close stops any active session and releases the bus and store.
func (s *Services) Close() {
	if s.Orchestrator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := s.Orchestrator.Stop(ctx); err != nil {
			s.logger.Warn("active session ended with error", slogError(err))
		}
		cancel()
	}
	s.Registry.Close()
	if s.Bus != nil {
		s.Bus.Close()
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			s.logger.Warn("event store close failed", slogError(err))
		}
	}
	s.nats.Shutdown()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
