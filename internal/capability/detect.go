package capability

import (
	"sort"
	"strconv"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/config"
)

const (
	TierStreaming = "streaming"
	TierBatch     = "batch"
	TierLocal     = "local"
)

// Probe describes what this node resolved at startup.
type Probe struct {
	Capture    audio.Backend
	SampleRate int
	// Providers maps each registered provider to its tier.
	Providers map[string]string
	Speech    config.SpeechConfig
	Playback  bool
}

// Detect converts the startup probe into advertised capabilities, sorted by
// name.
func Detect(p Probe) []Capability {
	var caps []Capability
	if p.Capture.NewDevice != nil {
		caps = append(caps, Capability{
			Name: "audio.capture." + p.Capture.Name,
			Tier: TierLocal,
			Attributes: map[string]string{
				"sample_rate": strconv.Itoa(p.SampleRate),
			},
		})
	}
	if p.Playback {
		caps = append(caps, Capability{Name: "audio.playback", Tier: TierLocal})
	}
	for name, tier := range p.Providers {
		selected := p.Speech.Provider == name
		configured := false
		if selected {
			configured = p.Speech.CheckCredentials() == nil
		}
		caps = append(caps, Capability{
			Name: "stt." + name,
			Tier: tier,
			Attributes: map[string]string{
				"selected":   strconv.FormatBool(selected),
				"configured": strconv.FormatBool(configured),
				"enabled":    strconv.FormatBool(selected && p.Speech.Enabled),
			},
		})
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })
	return caps
}
