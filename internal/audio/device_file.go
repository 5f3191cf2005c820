package audio

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// FileDevice replays a pre-recorded WAV clip as if it were a microphone.
// With realtime set, each buffer is released at the pace it would have been
// captured live.
type FileDevice struct {
	path     string
	realtime bool

	samples  []float32
	pos      int
	interval time.Duration
	closed   chan struct{}
	once     sync.Once
}

func NewFileDevice(path string, realtime bool) *FileDevice {
	return &FileDevice{path: path, realtime: realtime}
}

func (d *FileDevice) Open(sampleRate, frameSamples int) error {
	f, err := os.Open(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNoDevice, d.path)
		}
		return fmt.Errorf("open clip: %w", err)
	}
	defer f.Close()

	samples, rate, err := DecodeWAVMono(f)
	if err != nil {
		return fmt.Errorf("decode clip: %w", err)
	}
	d.samples = ResampleLinear(samples, rate, sampleRate)
	d.pos = 0
	d.interval = time.Duration(frameSamples) * time.Second / time.Duration(sampleRate)
	d.closed = make(chan struct{})
	return nil
}

func (d *FileDevice) Read(buf []float32) error {
	if d.pos+len(buf) > len(d.samples) {
		d.pos = len(d.samples)
		return io.EOF
	}
	if d.realtime {
		select {
		case <-d.closed:
			return io.EOF
		case <-time.After(d.interval):
		}
	}
	copy(buf, d.samples[d.pos:d.pos+len(buf)])
	d.pos += len(buf)
	return nil
}

func (d *FileDevice) Close() error {
	d.once.Do(func() {
		if d.closed != nil {
			close(d.closed)
		}
	})
	return nil
}
