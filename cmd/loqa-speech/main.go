package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/runtime"
	"github.com/loqalabs/loqa-speech/internal/stt"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
		once        bool
	)

	flag.StringVar(&configPath, "config", "loqa-speech.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&once, "once", false, "Run a single recognition session and print transcript events")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	// -once keeps stdout for transcript events
	logOut := io.Writer(os.Stdout)
	if once {
		logOut = os.Stderr
	}
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	level.Set(parseLevel(cfg.Telemetry.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if once {
		if err := runOnce(ctx, cfg, logger, os.Stdout); err != nil {
			logger.Error("recognition failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	rt := runtime.New(cfg, logger)
	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

type printedEvent struct {
	Event   string `json:"event"`
	Text    string `json:"text,omitempty"`
	Final   bool   `json:"final,omitempty"`
	Message string `json:"message,omitempty"`
}

// runOnce records until the capture ends or ctx is cancelled, printing one
// JSON line per callback.
func runOnce(ctx context.Context, cfg config.Config, logger *slog.Logger, out io.Writer) error {
	svc, err := runtime.OpenServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	speech, err := svc.Speech.LoadSpeechConfig()
	if err != nil {
		return err
	}
	if avail := svc.Orchestrator.Availability(ctx, speech); !avail.Available {
		logger.Warn("remote recognition unavailable, recording only",
			slog.String("reason", avail.Reason),
			slog.String("message", avail.Message))
	}

	var mu sync.Mutex
	enc := json.NewEncoder(out)
	emit := func(evt printedEvent) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(evt)
	}
	s, err := svc.Orchestrator.Start(ctx, speech, stt.Callbacks{
		OnStart:  func() { emit(printedEvent{Event: "started"}) },
		OnResult: func(text string, final bool) { emit(printedEvent{Event: "result", Text: text, Final: final}) },
		OnStop:   func() { emit(printedEvent{Event: "stopped"}) },
		OnError:  func(message string) { emit(printedEvent{Event: "error", Message: message}) },
	})
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-s.Done():
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	art, err := s.Stop(stopCtx)
	logger.Info("recording captured",
		slog.Duration("duration", art.Duration()),
		slog.Int("bytes", len(art.Audio)))
	return err
}

func parseLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
