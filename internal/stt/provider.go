package stt

import (
	"context"
	"strings"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/config"
)

// InterimMode describes how a provider's non-final fragments relate to each
// other.
type InterimMode int

const (
	// InterimOverwrite fragments carry the whole utterance so far.
	InterimOverwrite InterimMode = iota
	// InterimAppend fragments carry only the newly recognized words.
	InterimAppend
)

func (m InterimMode) String() string {
	if m == InterimAppend {
		return "append"
	}
	return "overwrite"
}

// ParseInterimMode maps a configuration value to a mode, defaulting to
// overwrite.
func ParseInterimMode(v string) InterimMode {
	if strings.EqualFold(strings.TrimSpace(v), "append") {
		return InterimAppend
	}
	return InterimOverwrite
}

// Fragment is raw provider output in arrival order.
type Fragment struct {
	Words    []string
	Final    bool
	Sequence int
}

// Text joins the fragment's words.
func (f Fragment) Text() string {
	return strings.Join(f.Words, "")
}

// Sink receives provider output. Fail may be invoked from any goroutine and
// must not block on the provider. Complete reports that the provider ended the
// utterance itself, after delivering its final fragment.
type Sink interface {
	Fragment(Fragment)
	Fail(error)
	Complete()
}

// Provider is one recognition back end bound to a single session.
//
// Frames are passed to SendFrame in capture order. Close signals end of
// input and returns once the provider has delivered its final output or
// given up waiting for it; it also releases any connection.
type Provider interface {
	Name() string
	Mode() InterimMode
	Open(ctx context.Context, sink Sink) error
	SendFrame(ctx context.Context, frame audio.Frame) error
	Close(ctx context.Context) error
}

// ProviderFactory builds a provider for one session from a configuration
// snapshot.
type ProviderFactory func(cfg config.SpeechConfig) (Provider, error)

// localProvider records without transcribing.
type localProvider struct{}

func (localProvider) Name() string { return config.ProviderLocal }
func (localProvider) Mode() InterimMode { return InterimOverwrite }
func (localProvider) Open(context.Context, Sink) error { return nil }
func (localProvider) SendFrame(context.Context, audio.Frame) error { return nil }
func (localProvider) Close(context.Context) error { return nil }
