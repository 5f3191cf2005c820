package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/stt"
)

type api struct {
	svc    *Services
	logger *slog.Logger
}

// routes registers the speech control surface on mux.
func routes(mux *http.ServeMux, svc *Services, logger *slog.Logger) {
	a := &api{svc: svc, logger: logger.With(slog.String("component", "http-api"))}
	mux.HandleFunc("GET /v1/speech/availability", a.handleAvailability)
	mux.HandleFunc("GET /v1/speech/config", a.handleGetConfig)
	mux.HandleFunc("PUT /v1/speech/config", a.handlePutConfig)
	mux.HandleFunc("GET /v1/capabilities", a.handleCapabilities)
	mux.HandleFunc("POST /v1/sessions", a.handleStartSession)
	mux.HandleFunc("GET /v1/sessions", a.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/current", a.handleCurrentSession)
	mux.HandleFunc("DELETE /v1/sessions/current", a.handleStopSession)
	mux.HandleFunc("GET /v1/sessions/{id}/events", a.handleSessionEvents)
	mux.HandleFunc("GET /v1/recording", a.handleGetRecording)
	mux.HandleFunc("POST /v1/recording/play", a.handlePlayRecording)
	mux.HandleFunc("DELETE /v1/recording", a.handleDiscardRecording)
}

func (a *api) handleAvailability(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.svc.Speech.LoadSpeechConfig()
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, a.svc.Orchestrator.Availability(r.Context(), cfg))
}

func (a *api) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	cfg, err := a.svc.Speech.LoadSpeechConfig()
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg.Redacted())
}

// handlePutConfig merges the request into the stored configuration. Omitted
// fields keep their stored values.
func (a *api) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	current, err := a.svc.Speech.LoadSpeechConfig()
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	var patch struct {
		Provider  *string `json:"provider"`
		AppID     *string `json:"app_id"`
		APIKey    *string `json:"api_key"`
		APISecret *string `json:"api_secret"`
		Enabled   *bool   `json:"enabled"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&patch); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	next := current
	if patch.Provider != nil {
		next.Provider = *patch.Provider
	}
	if patch.AppID != nil {
		next.AppID = *patch.AppID
	}
	if patch.APIKey != nil {
		next.APIKey = *patch.APIKey
	}
	if patch.APISecret != nil {
		next.APISecret = *patch.APISecret
	}
	if patch.Enabled != nil {
		next.Enabled = *patch.Enabled
	}
	switch next.Provider {
	case config.ProviderIflytek, config.ProviderBaidu, config.ProviderLocal:
	default:
		a.writeError(w, http.StatusBadRequest, errors.New("provider must be one of iflytek|baidu|local"))
		return
	}
	if err := a.svc.UpdateSpeech(next); err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, next.Redacted())
}

func (a *api) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"local": a.svc.Capabilities()}
	if a.svc.Registry != nil {
		resp["nodes"] = a.svc.Registry.Query(nil)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleStartSession(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.svc.Speech.LoadSpeechConfig()
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	logger := a.logger
	s, err := a.svc.Orchestrator.Start(r.Context(), cfg, stt.Callbacks{
		OnResult: func(text string, final bool) {
			logger.Debug("transcript", slog.String("text", text), slog.Bool("final", final))
		},
		OnError: func(message string) {
			logger.Warn("recognition error", slog.String("message", message))
		},
	})
	if err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, s.Info())
}

func (a *api) handleCurrentSession(w http.ResponseWriter, _ *http.Request) {
	info, ok := a.svc.Orchestrator.Current()
	if !ok {
		a.writeError(w, http.StatusNotFound, errors.New("no active session"))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *api) handleStopSession(w http.ResponseWriter, r *http.Request) {
	info, ok := a.svc.Orchestrator.Current()
	if !ok {
		a.writeError(w, http.StatusNotFound, errors.New("no active session"))
		return
	}
	art, err := a.svc.Orchestrator.Stop(r.Context())
	resp := map[string]any{
		"id":          info.ID,
		"provider":    info.Provider,
		"fallback":    info.Fallback,
		"duration_ms": art.Duration().Milliseconds(),
		"bytes":       len(art.Audio),
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			a.writeError(w, http.StatusGatewayTimeout, err)
			return
		}
		resp["error"] = stt.Message(err)
		resp["error_kind"] = stt.ErrorKind(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := a.svc.Store.ListSessions(r.Context(), limit)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *api) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := a.svc.Store.ListSessionEvents(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *api) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	art, ok := a.svc.Orchestrator.LastRecording()
	if !ok {
		a.writeError(w, http.StatusNotFound, audio.ErrNothingToPlay)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", `attachment; filename="recording.wav"`)
	if err := (audio.WriterPlayer{W: w}).Play(r.Context(), art); err != nil {
		a.logger.Warn("failed to write recording", slogError(err))
	}
}

// handlePlayRecording starts playback in the background; a later request
// interrupts it.
func (a *api) handlePlayRecording(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.svc.Orchestrator.LastRecording(); !ok {
		a.writeError(w, http.StatusNotFound, audio.ErrNothingToPlay)
		return
	}
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := a.svc.Orchestrator.PlayRecording(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("playback failed", slogError(err))
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) handleDiscardRecording(w http.ResponseWriter, _ *http.Request) {
	a.svc.Orchestrator.DiscardRecording()
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, stt.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, stt.ErrPermission), errors.Is(err, audio.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, audio.ErrNoDevice), errors.Is(err, audio.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, stt.ErrConfig), errors.Is(err, config.ErrMissingCredentials):
		return http.StatusBadRequest
	case errors.Is(err, stt.ErrStopped):
		return http.StatusGone
	default:
		return http.StatusBadGateway
	}
}

func (a *api) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		a.logger.Warn("request failed", slog.Int("status", status), slogError(err))
	}
	writeJSON(w, status, map[string]string{
		"error": stt.Message(err),
		"kind":  stt.ErrorKind(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
