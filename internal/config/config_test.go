package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Capture.SampleRate != 16000 || cfg.Capture.FrameSamples != 16384 {
		t.Fatalf("unexpected capture defaults: %+v", cfg.Capture)
	}
	if cfg.Capture.MaxDurationMS != 60000 {
		t.Fatalf("expected 60s watchdog, got %d", cfg.Capture.MaxDurationMS)
	}
	if cfg.Batch.TokenLifetimeH != 720 || cfg.Batch.TokenMarginH != 24 {
		t.Fatalf("unexpected token window: %+v", cfg.Batch)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa.yaml")
	doc := `speech:
  provider: baidu
  api_key: key
  api_secret: secret
  enabled: true
capture:
  backend: file
  input_file: clip.wav
streaming:
  interim_mode: append
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Speech.Provider != ProviderBaidu || !cfg.Speech.Enabled || cfg.Speech.APIKey != "key" {
		t.Fatalf("speech section not parsed: %+v", cfg.Speech)
	}
	if cfg.Capture.InputFile != "clip.wav" {
		t.Fatalf("capture section not parsed: %+v", cfg.Capture)
	}
	if cfg.Streaming.InterimMode != "append" {
		t.Fatalf("expected append mode, got %q", cfg.Streaming.InterimMode)
	}
	if cfg.Streaming.Language != "zh_cn" {
		t.Fatalf("expected defaults preserved, got %q", cfg.Streaming.Language)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_SPEECH_PROVIDER", "baidu")
	t.Setenv("LOQA_SPEECH_ENABLED", "true")
	t.Setenv("LOQA_CAPTURE_BACKEND", "command")
	t.Setenv("LOQA_CAPTURE_COMMAND", "arecord -q -f S16_LE -r 16000 -c 1 -t raw")
	t.Setenv("LOQA_STREAMING_GRACE_MS", "250")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || !cfg.Bus.TLSInsecure {
		t.Fatalf("expected bus overrides")
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.Speech.Provider != ProviderBaidu || !cfg.Speech.Enabled {
		t.Fatalf("expected speech overrides, got %+v", cfg.Speech)
	}
	if cfg.Capture.Backend != "command" || cfg.Capture.Command == "" {
		t.Fatalf("expected capture overrides, got %+v", cfg.Capture)
	}
	if cfg.Streaming.GraceMS != 250 {
		t.Fatalf("expected grace override, got %d", cfg.Streaming.GraceMS)
	}
}

func TestValidateRejectsCommandBackendWithoutCommand(t *testing.T) {
	t.Setenv("LOQA_CAPTURE_BACKEND", "command")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestValidateRejectsMarginBeyondLifetime(t *testing.T) {
	t.Setenv("LOQA_BATCH_TOKEN_MARGIN_H", "800")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestCheckCredentials(t *testing.T) {
	cases := []struct {
		name string
		cfg  SpeechConfig
		ok   bool
	}{
		{"iflytek complete", SpeechConfig{Provider: ProviderIflytek, AppID: "a", APIKey: "k", APISecret: "s"}, true},
		{"iflytek missing app id", SpeechConfig{Provider: ProviderIflytek, APIKey: "k", APISecret: "s"}, false},
		{"baidu complete", SpeechConfig{Provider: ProviderBaidu, APIKey: "k", APISecret: "s"}, true},
		{"baidu missing secret", SpeechConfig{Provider: ProviderBaidu, APIKey: "k"}, false},
		{"local", SpeechConfig{Provider: ProviderLocal}, true},
		{"unknown", SpeechConfig{Provider: "watson"}, false},
	}
	for _, tc := range cases {
		err := tc.cfg.CheckCredentials()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrMissingCredentials) {
			t.Fatalf("%s: expected ErrMissingCredentials, got %v", tc.name, err)
		}
	}
}

func TestSpeechStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "speech.yaml")
	store := NewSpeechStore(path, SpeechConfig{Provider: ProviderIflytek})

	cfg, err := store.LoadSpeechConfig()
	if err != nil {
		t.Fatalf("load missing file: %v", err)
	}
	if cfg.Provider != ProviderIflytek || cfg.Enabled {
		t.Fatalf("expected fallback, got %+v", cfg)
	}

	want := SpeechConfig{Provider: ProviderBaidu, APIKey: "key", APISecret: "secret", Enabled: true}
	if err := store.SaveSpeechConfig(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := NewSpeechStore(path, SpeechConfig{}).LoadSpeechConfig()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
}

func TestRedacted(t *testing.T) {
	cfg := SpeechConfig{APIKey: "abcdefgh", APISecret: "secret"}.Redacted()
	if cfg.APIKey != "abcd***" || cfg.APISecret != "***" {
		t.Fatalf("unexpected redaction: %+v", cfg)
	}
}
