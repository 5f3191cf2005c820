package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSignIsDeterministic(t *testing.T) {
	canonical := CanonicalString("iat-api.xfyun.cn", "Mon, 03 Mar 2025 08:00:00 GMT", "GET /v2/iat HTTP/1.1")
	a := Sign("secret", canonical)
	b := Sign("secret", canonical)
	if a != b {
		t.Fatalf("signature not deterministic: %s vs %s", a, b)
	}
	if Sign("secret", canonical+" ") == a {
		t.Fatal("changing the canonical string must change the signature")
	}
	if Sign("other", canonical) == a {
		t.Fatal("changing the secret must change the signature")
	}
	raw, err := base64.StdEncoding.DecodeString(a)
	if err != nil || len(raw) != 32 {
		t.Fatalf("expected base64 sha256 digest, got %q (%v)", a, err)
	}
}

func TestCanonicalStringLayout(t *testing.T) {
	got := CanonicalString("h", "d", "GET /p HTTP/1.1")
	want := "host: h\ndate: d\nGET /p HTTP/1.1"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSignURL(t *testing.T) {
	now := time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)
	signed, err := SignURL("wss://iat-api.xfyun.cn/v2/iat", "key", "secret", now)
	if err != nil {
		t.Fatalf("sign url: %v", err)
	}
	if strings.Contains(signed, "+") {
		t.Fatalf("spaces must be percent-encoded: %s", signed)
	}
	u, err := url.Parse(signed)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("host") != "iat-api.xfyun.cn" {
		t.Fatalf("unexpected host %q", q.Get("host"))
	}
	if q.Get("date") != "Mon, 03 Mar 2025 08:00:00 GMT" {
		t.Fatalf("unexpected date %q", q.Get("date"))
	}
	descriptor, err := base64.StdEncoding.DecodeString(q.Get("authorization"))
	if err != nil {
		t.Fatalf("authorization not base64: %v", err)
	}
	sig := Sign("secret", CanonicalString("iat-api.xfyun.cn", q.Get("date"), "GET /v2/iat HTTP/1.1"))
	want := `api_key="key", algorithm="hmac-sha256", headers="host date request-line", signature="` + sig + `"`
	if string(descriptor) != want {
		t.Fatalf("descriptor mismatch\n got %s\nwant %s", descriptor, want)
	}

	later, err := SignURL("wss://iat-api.xfyun.cn/v2/iat", "key", "secret", now.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if later == signed {
		t.Fatal("a different date must yield a different url")
	}
}

func TestSignURLRejectsMissingHost(t *testing.T) {
	if _, err := SignURL("/v2/iat", "k", "s", time.Now()); err == nil {
		t.Fatal("expected error for host-less endpoint")
	}
}

func newTokenServer(t *testing.T, calls *atomic.Int32, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		q := r.URL.Query()
		if q.Get("grant_type") != "client_credentials" || q.Get("client_id") != "id" || q.Get("client_secret") != "secret" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenCacheReusesUntilMargin(t *testing.T) {
	var calls atomic.Int32
	srv := newTokenServer(t, &calls, `{"access_token":"tok-1"}`)

	cache := NewTokenCache(TokenOptions{
		Endpoint: srv.URL + "/oauth/2.0/token",
		Lifetime: 30 * 24 * time.Hour,
		Margin:   24 * time.Hour,
		Logger:   newLogger(),
	})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.clock = func() time.Time { return now }

	ctx := context.Background()
	tok, err := cache.Token(ctx, "id", "secret")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok.Value != "tok-1" {
		t.Fatalf("unexpected token %q", tok.Value)
	}
	if _, err := cache.Token(ctx, "id", "secret"); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected cached token, got %d exchanges", calls.Load())
	}

	now = now.Add(28*24*time.Hour + time.Hour)
	if _, err := cache.Token(ctx, "id", "secret"); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("token inside margin window should still be cached, got %d", calls.Load())
	}

	now = now.Add(23 * time.Hour)
	if _, err := cache.Token(ctx, "id", "secret"); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected refresh at margin, got %d exchanges", calls.Load())
	}
}

func TestTokenCacheHonoursExpiresIn(t *testing.T) {
	var calls atomic.Int32
	srv := newTokenServer(t, &calls, `{"access_token":"tok","expires_in":7200}`)
	cache := NewTokenCache(TokenOptions{Endpoint: srv.URL, Margin: time.Hour, Logger: newLogger()})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.clock = func() time.Time { return now }

	tok, err := cache.Token(context.Background(), "id", "secret")
	if err != nil {
		t.Fatal(err)
	}
	if !tok.ExpiresAt.Equal(now.Add(2 * time.Hour)) {
		t.Fatalf("unexpected expiry %v", tok.ExpiresAt)
	}
}

func TestTokenCacheMissingTokenIsAuthError(t *testing.T) {
	var calls atomic.Int32
	srv := newTokenServer(t, &calls, `{"error":"invalid_client","error_description":"unknown client id"}`)
	cache := NewTokenCache(TokenOptions{Endpoint: srv.URL, Logger: newLogger()})

	_, err := cache.Token(context.Background(), "id", "secret")
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if !strings.Contains(err.Error(), "unknown client id") {
		t.Fatalf("expected provider description in error, got %v", err)
	}

	// failures are not cached
	if _, err := cache.Token(context.Background(), "id", "secret"); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth again, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected a retry after failure, got %d exchanges", calls.Load())
	}
}

func TestTokenCacheHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	cache := NewTokenCache(TokenOptions{Endpoint: srv.URL, Logger: newLogger()})
	if _, err := cache.Token(context.Background(), "id", "secret"); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestTokenCacheInvalidate(t *testing.T) {
	var calls atomic.Int32
	srv := newTokenServer(t, &calls, `{"access_token":"tok"}`)
	cache := NewTokenCache(TokenOptions{Endpoint: srv.URL, Logger: newLogger()})
	ctx := context.Background()
	if _, err := cache.Token(ctx, "id", "secret"); err != nil {
		t.Fatal(err)
	}
	cache.Invalidate("id")
	if _, err := cache.Token(ctx, "id", "secret"); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected exchange after invalidate, got %d", calls.Load())
	}
}

func TestTokenCacheRefreshesWhenSecretRotates(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"tok-`+r.URL.Query().Get("client_secret")+`"}`)
	}))
	defer srv.Close()
	cache := NewTokenCache(TokenOptions{Endpoint: srv.URL, Logger: newLogger()})
	ctx := context.Background()

	tok, err := cache.Token(ctx, "id", "old")
	if err != nil {
		t.Fatal(err)
	}
	if tok.Value != "tok-old" {
		t.Fatalf("unexpected token %q", tok.Value)
	}
	tok, err = cache.Token(ctx, "id", "new")
	if err != nil {
		t.Fatal(err)
	}
	if tok.Value != "tok-new" || calls.Load() != 2 {
		t.Fatalf("rotated secret must mint a new token, got %q after %d exchanges", tok.Value, calls.Load())
	}
	if _, err := cache.Token(ctx, "id", "new"); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected the new token to be cached, got %d exchanges", calls.Load())
	}
}

func TestTokenCacheUnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	cache := NewTokenCache(TokenOptions{Endpoint: endpoint, Logger: newLogger()})
	_, err := cache.Token(context.Background(), "id", "secret")
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if errors.Is(err, ErrAuth) {
		t.Fatalf("transport failures are not auth failures: %v", err)
	}
}
