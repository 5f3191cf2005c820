package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	SignatureAlgorithm = "hmac-sha256"
	SignedHeaders      = "host date request-line"
)

// CanonicalString is the exact byte sequence signed for a connection request.
func CanonicalString(host, date, requestLine string) string {
	return fmt.Sprintf("host: %s\ndate: %s\n%s", host, date, requestLine)
}

// Sign returns the base64 HMAC-SHA256 of canonical keyed by secret.
func Sign(secret, canonical string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Authorization builds the base64 descriptor carried in the authorization
// query parameter.
func Authorization(apiKey, signature string) string {
	descriptor := fmt.Sprintf(`api_key="%s", algorithm="%s", headers="%s", signature="%s"`,
		apiKey, SignatureAlgorithm, SignedHeaders, signature)
	return base64.StdEncoding.EncodeToString([]byte(descriptor))
}

// SignURL returns endpoint with the authorization, date and host query
// parameters for a GET upgrade at time now. It must be called per connection.
func SignURL(endpoint, apiKey, apiSecret string, now time.Time) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	date := now.UTC().Format(http.TimeFormat)
	requestLine := fmt.Sprintf("GET %s HTTP/1.1", path)
	signature := Sign(apiSecret, CanonicalString(u.Host, date, requestLine))

	q := url.Values{}
	q.Set("authorization", Authorization(apiKey, signature))
	q.Set("date", date)
	q.Set("host", u.Host)
	u.RawQuery = strings.ReplaceAll(q.Encode(), "+", "%20")
	return u.String(), nil
}
