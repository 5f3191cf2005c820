package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Frame is one fixed-size buffer of mono 16-bit PCM produced by a capture session.
type Frame struct {
	Sequence   int
	SampleRate int
	Samples    []int16
	CapturedAt time.Time
}

// Bytes returns the samples as little-endian PCM16.
func (f Frame) Bytes() []byte {
	out := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Quantize maps a float sample onto the 16-bit integer domain. Input is
// clamped to [-1, 1] and rounded to the nearest integer.
func Quantize(sample float32) int16 {
	v := float64(sample)
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	scaled := math.Round(v * math.MaxInt16)
	if scaled > math.MaxInt16 {
		return math.MaxInt16
	}
	if scaled < -math.MaxInt16 {
		return -math.MaxInt16
	}
	return int16(scaled)
}

// QuantizeBuffer converts a float buffer into a freshly allocated PCM16 slice.
func QuantizeBuffer(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = Quantize(s)
	}
	return out
}

// PCM16ToFloat32 decodes little-endian PCM16 bytes into [-1, 1) floats.
func PCM16ToFloat32(b []byte, dst []float32) error {
	if len(b)%2 != 0 {
		return fmt.Errorf("pcm16 length must be even, got %d", len(b))
	}
	if len(dst) < len(b)/2 {
		return fmt.Errorf("destination holds %d samples, need %d", len(dst), len(b)/2)
	}
	for i := 0; i < len(b)/2; i++ {
		v := int16(binary.LittleEndian.Uint16(b[i*2:]))
		dst[i] = float32(v) / 32768.0
	}
	return nil
}

// Artifact is a complete captured clip.
type Artifact struct {
	Audio      []byte
	MimeType   string
	SampleRate int
	Channels   int
	CreatedAt  time.Time
}

// PCMMimeType describes raw mono PCM16 at the given rate.
func PCMMimeType(sampleRate int) string {
	return fmt.Sprintf("audio/L16;rate=%d", sampleRate)
}

func (a Artifact) Empty() bool { return len(a.Audio) == 0 }

func (a Artifact) Duration() time.Duration {
	if a.SampleRate <= 0 || a.Channels <= 0 {
		return 0
	}
	samples := len(a.Audio) / 2 / a.Channels
	return time.Duration(samples) * time.Second / time.Duration(a.SampleRate)
}

// WAV encodes the clip as a RIFF/WAVE document for playback.
func (a Artifact) WAV() ([]byte, error) {
	return EncodeWAV(a.Audio, a.SampleRate, a.Channels)
}

// Recorder accumulates frames into an Artifact.
type Recorder struct {
	sampleRate int
	buf        bytes.Buffer
	frames     int
}

func NewRecorder(sampleRate int) *Recorder {
	return &Recorder{sampleRate: sampleRate}
}

func (r *Recorder) Add(f Frame) {
	r.buf.Write(f.Bytes())
	r.frames++
}

func (r *Recorder) Frames() int { return r.frames }

func (r *Recorder) Artifact(now time.Time) Artifact {
	return Artifact{
		Audio:      append([]byte(nil), r.buf.Bytes()...),
		MimeType:   PCMMimeType(r.sampleRate),
		SampleRate: r.sampleRate,
		Channels:   1,
		CreatedAt:  now,
	}
}
