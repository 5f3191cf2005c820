package baidu

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/auth"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/stt"
)

// Provider buffers a session's frames and recognizes them on Close.
type Provider struct {
	client *Client
	tokens *auth.TokenCache
	creds  config.SpeechConfig

	mu       sync.Mutex
	sink     stt.Sink
	recorder *audio.Recorder
	closed   bool
}

// NewFactory returns a ProviderFactory sharing one token cache across
// sessions.
func NewFactory(client *Client, tokens *auth.TokenCache) stt.ProviderFactory {
	return func(creds config.SpeechConfig) (stt.Provider, error) {
		if err := creds.CheckCredentials(); err != nil {
			return nil, err
		}
		return &Provider{
			client:   client,
			tokens:   tokens,
			creds:    creds,
			recorder: audio.NewRecorder(requestRate),
		}, nil
	}
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) Mode() stt.InterimMode { return stt.InterimOverwrite }

// Open fetches (or reuses) the access token so credential problems surface
// before the user speaks.
func (p *Provider) Open(ctx context.Context, sink stt.Sink) error {
	if _, err := p.tokens.Token(ctx, p.creds.APIKey, p.creds.APISecret); err != nil {
		return err
	}
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
	return nil
}

func (p *Provider) SendFrame(_ context.Context, frame audio.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("baidu: frame after end of input")
	}
	p.recorder.Add(frame)
	return nil
}

// Close uploads the buffered recording and reports the transcript as a
// single final fragment.
func (p *Provider) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed || p.sink == nil {
		p.closed = true
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sink := p.sink
	art := p.recorder.Artifact(time.Now())
	p.mu.Unlock()

	if art.Empty() {
		return nil
	}
	token, err := p.tokens.Token(ctx, p.creds.APIKey, p.creds.APISecret)
	if err != nil {
		return err
	}
	text, err := p.client.Recognize(ctx, art, token)
	if err != nil {
		return err
	}
	sink.Fragment(stt.Fragment{Words: []string{text}, Final: true})
	return nil
}
