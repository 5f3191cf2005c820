package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	ProviderIflytek = "iflytek"
	ProviderBaidu   = "baidu"
	ProviderLocal   = "local"
)

// ErrMissingCredentials is returned when the selected provider lacks a
// credential it needs to authenticate.
var ErrMissingCredentials = errors.New("missing speech credentials")

// SpeechConfig is the credential snapshot handed to a recognition session.
// For the batch provider APISecret carries the client secret.
type SpeechConfig struct {
	Provider  string `yaml:"provider" json:"provider"`
	AppID     string `yaml:"app_id" json:"app_id"`
	APIKey    string `yaml:"api_key" json:"api_key"`
	APISecret string `yaml:"api_secret" json:"api_secret"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`
}

// CheckCredentials reports which required credentials are absent for the
// configured provider.
func (c SpeechConfig) CheckCredentials() error {
	var missing []string
	switch c.Provider {
	case ProviderIflytek:
		if c.AppID == "" {
			missing = append(missing, "app_id")
		}
		if c.APIKey == "" {
			missing = append(missing, "api_key")
		}
		if c.APISecret == "" {
			missing = append(missing, "api_secret")
		}
	case ProviderBaidu:
		if c.APIKey == "" {
			missing = append(missing, "api_key")
		}
		if c.APISecret == "" {
			missing = append(missing, "api_secret")
		}
	case ProviderLocal:
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrMissingCredentials, c.Provider)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return nil
}

// Redacted returns a copy safe to log or return over HTTP.
func (c SpeechConfig) Redacted() SpeechConfig {
	if c.APIKey != "" {
		c.APIKey = mask(c.APIKey)
	}
	if c.APISecret != "" {
		c.APISecret = "***"
	}
	return c
}

func mask(v string) string {
	if len(v) <= 4 {
		return "***"
	}
	return v[:4] + "***"
}

// SpeechStore persists SpeechConfig as a YAML document. When the file does
// not exist the fallback supplied at construction is returned.
type SpeechStore struct {
	path     string
	fallback SpeechConfig
	mu       sync.Mutex
}

func NewSpeechStore(path string, fallback SpeechConfig) *SpeechStore {
	return &SpeechStore{path: path, fallback: fallback}
}

func (s *SpeechStore) LoadSpeechConfig() (SpeechConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *SpeechStore) load() (SpeechConfig, error) {
	cfg := s.fallback
	if s.path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read speech config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse speech config: %w", err)
	}
	if cfg.Provider == "" {
		cfg.Provider = s.fallback.Provider
	}
	return cfg, nil
}

// SaveSpeechConfig writes cfg atomically, replacing any previous document.
func (s *SpeechStore) SaveSpeechConfig(cfg SpeechConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		s.fallback = cfg
		return nil
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode speech config: %w", err)
	}
	dir := filepath.Dir(s.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(dir, ".speech-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write speech config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod speech config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close speech config: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace speech config: %w", err)
	}
	return nil
}
