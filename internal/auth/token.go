package auth

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

var (
	// ErrAuth is returned when a credential exchange does not yield a token.
	ErrAuth = errors.New("authentication failed")
	// ErrUnreachable is returned when the token endpoint cannot be reached.
	ErrUnreachable = errors.New("token endpoint unreachable")
)

// Token is a bearer credential with its proactive renewal deadline.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenCache performs client-credentials exchanges and caches the result per
// client id. A cached token is reused until now >= ExpiresAt - margin, and
// only for the secret it was minted with.
// It is the only state shared across recognition sessions.
type TokenCache struct {
	endpoint string
	client   *http.Client
	lifetime time.Duration
	margin   time.Duration
	logger   *slog.Logger
	clock    func() time.Time

	mu     sync.Mutex
	tokens map[string]cachedToken
}

type cachedToken struct {
	Token
	secret [sha256.Size]byte
}

type TokenOptions struct {
	Endpoint string
	Client   *http.Client
	Lifetime time.Duration
	Margin   time.Duration
	Logger   *slog.Logger
}

func NewTokenCache(opts TokenOptions) *TokenCache {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	lifetime := opts.Lifetime
	if lifetime <= 0 {
		lifetime = 30 * 24 * time.Hour
	}
	margin := opts.Margin
	if margin < 0 || margin >= lifetime {
		margin = 24 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenCache{
		endpoint: opts.Endpoint,
		client:   client,
		lifetime: lifetime,
		margin:   margin,
		logger:   logger.With(slog.String("component", "token-cache")),
		clock:    time.Now,
		tokens:   make(map[string]cachedToken),
	}
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Token returns a cached token for apiKey or performs a fresh exchange.
func (c *TokenCache) Token(ctx context.Context, apiKey, secretKey string) (Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	sum := sha256.Sum256([]byte(secretKey))
	if cached, ok := c.tokens[apiKey]; ok && cached.secret == sum && now.Before(cached.ExpiresAt.Add(-c.margin)) {
		return cached.Token, nil
	}
	delete(c.tokens, apiKey)

	tok, err := c.exchange(ctx, apiKey, secretKey, now)
	if err != nil {
		return Token{}, err
	}
	c.tokens[apiKey] = cachedToken{Token: tok, secret: sum}
	c.logger.Info("access token refreshed", slog.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

// Invalidate drops any cached token for apiKey.
func (c *TokenCache) Invalidate(apiKey string) {
	c.mu.Lock()
	delete(c.tokens, apiKey)
	c.mu.Unlock()
}

func (c *TokenCache) exchange(ctx context.Context, apiKey, secretKey string, now time.Time) (Token, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return Token{}, fmt.Errorf("parse token endpoint: %w", err)
	}
	q := u.Query()
	q.Set("grant_type", "client_credentials")
	q.Set("client_id", apiKey)
	q.Set("client_secret", secretKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Token{}, ctxErr
		}
		return Token{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Token{}, fmt.Errorf("%w: token endpoint returned %s", ErrAuth, resp.Status)
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Token{}, fmt.Errorf("%w: decode token response: %v", ErrAuth, err)
	}
	if body.AccessToken == "" {
		if body.Error != "" {
			return Token{}, fmt.Errorf("%w: %s: %s", ErrAuth, body.Error, body.ErrorDescription)
		}
		return Token{}, fmt.Errorf("%w: no access token in response", ErrAuth)
	}

	lifetime := c.lifetime
	if body.ExpiresIn > 0 {
		lifetime = time.Duration(body.ExpiresIn) * time.Second
	}
	return Token{Value: body.AccessToken, ExpiresAt: now.Add(lifetime)}, nil
}
