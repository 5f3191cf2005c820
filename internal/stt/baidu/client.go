// Package baidu implements the batch recognition provider: the whole
// recording is uploaded in one request once capture ends.
package baidu

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/auth"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/stt"
)

const (
	ProviderName = config.ProviderBaidu

	requestFormat  = "pcm"
	requestRate    = 16000
	requestChannel = 1
)

type recognizeRequest struct {
	Format  string `json:"format"`
	Rate    int    `json:"rate"`
	Channel int    `json:"channel"`
	Token   string `json:"token"`
	CUID    string `json:"cuid"`
	Speech  string `json:"speech"`
	Len     int    `json:"len"`
}

type recognizeResponse struct {
	ErrNo    int      `json:"err_no"`
	ErrMsg   string   `json:"err_msg"`
	SN       string   `json:"sn"`
	CorpusNo string   `json:"corpus_no"`
	Result   []string `json:"result"`
}

// Client performs single-shot recognition requests.
type Client struct {
	endpoint string
	cuid     string
	http     *http.Client
	logger   *slog.Logger
}

func NewClient(cfg config.BatchConfig, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		endpoint: cfg.RecognizeURL,
		cuid:     cfg.CUID,
		http:     httpClient,
		logger:   logger.With(slog.String("component", "baidu-client")),
	}
}

// Recognize uploads the complete recording and returns the first candidate.
func (c *Client) Recognize(ctx context.Context, art audio.Artifact, token auth.Token) (string, error) {
	if art.SampleRate != 0 && art.SampleRate != requestRate {
		return "", fmt.Errorf("%w: recording sampled at %d Hz, want %d", stt.ErrConfig, art.SampleRate, requestRate)
	}
	body, err := json.Marshal(recognizeRequest{
		Format:  requestFormat,
		Rate:    requestRate,
		Channel: requestChannel,
		Token:   token.Value,
		CUID:    c.cuid,
		Speech:  base64.StdEncoding.EncodeToString(art.Audio),
		Len:     len(art.Audio),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", stt.ErrConfig, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: recognize request: %v", stt.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &stt.HTTPError{Provider: ProviderName, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}

	var out recognizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", stt.ErrProtocol, err)
	}
	if out.ErrNo != 0 {
		return "", &stt.ProviderError{Provider: ProviderName, Code: out.ErrNo, Message: out.ErrMsg}
	}

	c.logger.Debug("recognition complete",
		slog.Duration("latency", time.Since(start)),
		slog.Int("audio_bytes", len(art.Audio)),
		slog.String("sn", out.SN))
	if len(out.Result) == 0 {
		return "", nil
	}
	return out.Result[0], nil
}
