package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDetect(t *testing.T) {
	caps := Detect(Probe{
		Capture: audio.Backend{Name: "command", NewDevice: func() (audio.Device, error) {
			return nil, nil
		}},
		SampleRate: 16000,
		Providers: map[string]string{
			config.ProviderIflytek: TierStreaming,
			config.ProviderBaidu:   TierBatch,
		},
		Speech:   config.SpeechConfig{Provider: config.ProviderBaidu, APIKey: "k", APISecret: "s", Enabled: true},
		Playback: true,
	})

	want := []string{"audio.capture.command", "audio.playback", "stt.baidu", "stt.iflytek"}
	if len(caps) != len(want) {
		t.Fatalf("unexpected capabilities %+v", caps)
	}
	for i, name := range want {
		if caps[i].Name != name {
			t.Fatalf("capability %d: got %s, want %s", i, caps[i].Name, name)
		}
	}
	if caps[0].Attributes["sample_rate"] != "16000" {
		t.Fatalf("unexpected capture attributes %v", caps[0].Attributes)
	}
	baidu := caps[2]
	if baidu.Tier != TierBatch || baidu.Attributes["selected"] != "true" || baidu.Attributes["configured"] != "true" || baidu.Attributes["enabled"] != "true" {
		t.Fatalf("unexpected baidu capability %+v", baidu)
	}
	iflytek := caps[3]
	if iflytek.Tier != TierStreaming || iflytek.Attributes["selected"] != "false" || iflytek.Attributes["enabled"] != "false" {
		t.Fatalf("unexpected iflytek capability %+v", iflytek)
	}
}

func TestDetectWithoutCapture(t *testing.T) {
	caps := Detect(Probe{Providers: map[string]string{config.ProviderIflytek: TierStreaming}})
	if len(caps) != 1 || caps[0].Name != "stt.iflytek" {
		t.Fatalf("unexpected capabilities %+v", caps)
	}
}

func startBus(t *testing.T) config.BusConfig {
	t.Helper()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	return cfg
}

func connect(t *testing.T, cfg config.BusConfig) *bus.Client {
	t.Helper()
	client, err := bus.Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestRegistryAnnouncesAndTracksPeers(t *testing.T) {
	busCfg := startBus(t)
	node := config.NodeConfig{ID: "speech-a", Role: "speech", Announce: true, HeartbeatInterval: 50, HeartbeatTimeout: 200}

	first, err := NewRegistry(context.Background(), node, connect(t, busCfg), []Capability{{Name: "stt.iflytek", Tier: TierStreaming}}, newLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	defer first.Close()
	if !first.Healthy() {
		t.Fatal("expected local node healthy after announce")
	}

	peer := node
	peer.ID = "speech-b"
	second, err := NewRegistry(context.Background(), peer, connect(t, busCfg), []Capability{{Name: "stt.baidu", Tier: TierBatch}}, newLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(first.Query(WithCapabilityFilter("stt.baidu"))) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("peer announcement never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if nodes := first.Query(WithTierFilter(TierBatch)); len(nodes) != 1 || nodes[0].ID != "speech-b" {
		t.Fatalf("unexpected batch nodes %+v", nodes)
	}

	if err := first.Update([]Capability{{Name: "stt.iflytek", Tier: TierStreaming}, {Name: "audio.playback", Tier: TierLocal}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := first.LocalCapabilities(); len(got) != 2 {
		t.Fatalf("expected updated capabilities, got %+v", got)
	}
	for len(second.Query(WithCapabilityFilter("audio.playback"))) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("updated announcement never reached the peer")
		}
		time.Sleep(10 * time.Millisecond)
	}

	second.Close()
	for {
		nodes := first.Query(func(n NodeInfo) bool { return n.ID == "speech-b" && !n.Healthy })
		if len(nodes) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("silent peer was never marked unhealthy")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !first.Healthy() {
		t.Fatal("local node should stay healthy while heartbeating")
	}
}
