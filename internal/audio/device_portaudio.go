//go:build portaudio

package audio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioCompiled reports whether the native capture backend is built in.
const PortAudioCompiled = true

// PortAudioDevice captures from the default system input through PortAudio.
type PortAudioDevice struct {
	stream *portaudio.Stream
	in     []float32
	once   sync.Once
}

func NewPortAudioDevice() (Device, error) {
	return &PortAudioDevice{}, nil
}

func (d *PortAudioDevice) Open(sampleRate, frameSamples int) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	if _, err := portaudio.DefaultInputDevice(); err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	d.in = make([]float32, frameSamples)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), len(d.in), d.in)
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("start input stream: %w", err)
	}
	d.stream = stream
	return nil
}

func (d *PortAudioDevice) Read(buf []float32) error {
	if err := d.stream.Read(); err != nil {
		return fmt.Errorf("read input stream: %w", err)
	}
	copy(buf, d.in)
	return nil
}

func (d *PortAudioDevice) Close() error {
	var err error
	d.once.Do(func() {
		if d.stream == nil {
			return
		}
		_ = d.stream.Stop()
		err = d.stream.Close()
		_ = portaudio.Terminate()
	})
	return err
}
