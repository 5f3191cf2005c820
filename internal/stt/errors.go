package stt

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/auth"
	"github.com/loqalabs/loqa-speech/internal/config"
)

var (
	// ErrConfig marks missing or invalid provider configuration.
	ErrConfig = errors.New("speech configuration invalid")
	// ErrPermission is returned when microphone access is denied.
	ErrPermission = errors.New("microphone permission denied")
	// ErrNetwork marks connect failures and dropped connections.
	ErrNetwork = errors.New("speech provider unreachable")
	// ErrProtocol marks a non-zero status code returned by a provider.
	ErrProtocol = errors.New("speech provider protocol error")
	// ErrHTTP marks a non-2xx response from a request/response provider.
	ErrHTTP = errors.New("speech provider http error")
	// ErrBusy is returned when a session is already active.
	ErrBusy = errors.New("recognition session already active")
	// ErrStopped is returned by Start when Stop interrupted session setup.
	ErrStopped = errors.New("recognition session stopped")
)

// ProviderError carries the status code and message a provider returned.
type ProviderError struct {
	Provider string
	Code     int
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: error code %d", e.Provider, e.Code)
	}
	return fmt.Sprintf("%s: error code %d: %s", e.Provider, e.Code, e.Message)
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProtocol
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: http status %d: %s", e.Provider, e.StatusCode, e.Body)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrHTTP
}

// Message returns the text reported through OnError. Provider errors report
// the provider's own message.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var perr *ProviderError
	if errors.As(err, &perr) && perr.Message != "" {
		return perr.Message
	}
	return err.Error()
}

// ErrorKind classifies err for metrics and session events.
func ErrorKind(err error) string {
	var netErr net.Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermission), errors.Is(err, audio.ErrPermissionDenied):
		return "permission"
	case errors.Is(err, audio.ErrNoDevice), errors.Is(err, audio.ErrBackendUnavailable):
		return "device"
	case errors.Is(err, auth.ErrAuth):
		return "auth"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrHTTP):
		return "http"
	case errors.Is(err, ErrNetwork), errors.Is(err, auth.ErrUnreachable), errors.As(err, &netErr):
		return "network"
	case errors.Is(err, ErrConfig), errors.Is(err, config.ErrMissingCredentials):
		return "config"
	case errors.Is(err, ErrBusy):
		return "busy"
	default:
		return "other"
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
