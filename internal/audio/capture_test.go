package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeDevice hands out numbered buffers; after limit buffers it reports
// io.ErrUnexpectedEOF to mimic a trailing partial buffer.
type fakeDevice struct {
	limit   int
	delay   time.Duration
	reads   int
	opened  atomic.Int32
	closed  atomic.Int32
	openErr error
}

func (d *fakeDevice) Open(int, int) error {
	if d.openErr != nil {
		return d.openErr
	}
	d.opened.Add(1)
	return nil
}

func (d *fakeDevice) Read(buf []float32) error {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.limit > 0 && d.reads >= d.limit {
		return io.ErrUnexpectedEOF
	}
	d.reads++
	for i := range buf {
		buf[i] = float32(d.reads) / 100
	}
	return nil
}

func (d *fakeDevice) Close() error {
	d.closed.Add(1)
	return nil
}

func TestQuantize(t *testing.T) {
	cases := []struct {
		in   float32
		want int16
	}{
		{0, 0},
		{1, 32767},
		{-1, -32767},
		{1.5, 32767},
		{-3, -32767},
		{0.5, 16384},
		{-0.5, -16384},
		{0.25, 8192},
	}
	for _, tc := range cases {
		if got := Quantize(tc.in); got != tc.want {
			t.Fatalf("Quantize(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestCaptureEmitsOrderedFramesAndDropsPartial(t *testing.T) {
	dev := &fakeDevice{limit: 3}
	c, err := Start(context.Background(), dev, Options{SampleRate: 16000, FrameSamples: 8})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var got []Frame
	for f := range c.Frames() {
		got = append(got, f)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(got))
	}
	for i, f := range got {
		if f.Sequence != i {
			t.Fatalf("frame %d has sequence %d", i, f.Sequence)
		}
		if len(f.Samples) != 8 {
			t.Fatalf("expected 8 samples, got %d", len(f.Samples))
		}
	}
	<-c.Done()
	if c.Err() != nil {
		t.Fatalf("end of stream should not be an error: %v", c.Err())
	}
	if dev.closed.Load() != 1 {
		t.Fatalf("expected device closed once, got %d", dev.closed.Load())
	}
}

func TestCaptureStopIsIdempotent(t *testing.T) {
	var nilCapture *Capture
	nilCapture.Stop()

	dev := &fakeDevice{delay: time.Millisecond}
	c, err := Start(context.Background(), dev, Options{SampleRate: 16000, FrameSamples: 4})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-c.Frames()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Stop()
		}()
	}
	wg.Wait()
	c.Stop()

	if dev.closed.Load() != 1 {
		t.Fatalf("expected single release, got %d", dev.closed.Load())
	}
	for range c.Frames() {
	}
	if c.TimedOut() {
		t.Fatal("manual stop reported as timeout")
	}
}

func TestCaptureWatchdogStops(t *testing.T) {
	dev := &fakeDevice{delay: 2 * time.Millisecond}
	c, err := Start(context.Background(), dev, Options{SampleRate: 16000, FrameSamples: 4, MaxDuration: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	go func() {
		for range c.Frames() {
		}
	}()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not stop capture")
	}
	if !c.TimedOut() {
		t.Fatal("expected timeout flag")
	}
	if dev.closed.Load() != 1 {
		t.Fatalf("expected device released once, got %d", dev.closed.Load())
	}
}

func TestCaptureContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dev := &fakeDevice{delay: time.Millisecond}
	c, err := Start(ctx, dev, Options{SampleRate: 16000, FrameSamples: 4})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	go func() {
		for range c.Frames() {
		}
	}()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not stop capture")
	}
}

func TestCaptureOpenFailure(t *testing.T) {
	dev := &fakeDevice{openErr: ErrNoDevice}
	if _, err := Start(context.Background(), dev, Options{SampleRate: 16000, FrameSamples: 4}); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
	if dev.closed.Load() != 0 {
		t.Fatal("device that failed to open must not be closed")
	}
}

func TestFrameBytesLittleEndian(t *testing.T) {
	f := Frame{Samples: []int16{1, -2, 0x1234}}
	want := []byte{0x01, 0x00, 0xfe, 0xff, 0x34, 0x12}
	if !bytes.Equal(f.Bytes(), want) {
		t.Fatalf("unexpected bytes %x", f.Bytes())
	}
}

func TestRecorderArtifactAndWAV(t *testing.T) {
	rec := NewRecorder(16000)
	rec.Add(Frame{Samples: make([]int16, 8000)})
	rec.Add(Frame{Samples: make([]int16, 8000)})
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	art := rec.Artifact(now)
	if art.MimeType != "audio/L16;rate=16000" {
		t.Fatalf("unexpected mime %q", art.MimeType)
	}
	if art.Duration() != time.Second {
		t.Fatalf("expected 1s, got %v", art.Duration())
	}
	if !art.CreatedAt.Equal(now) {
		t.Fatal("created at not preserved")
	}

	data, err := art.WAV()
	if err != nil {
		t.Fatalf("wav: %v", err)
	}
	if string(data[:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF header")
	}
	samples, rate, err := DecodeWAVMono(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rate != 16000 || len(samples) != 16000 {
		t.Fatalf("unexpected decode: rate=%d samples=%d", rate, len(samples))
	}
}

func TestFileDeviceReplaysClip(t *testing.T) {
	pcm := make([]byte, 2*20)
	for i := 0; i < 20; i++ {
		pcm[i*2] = byte(i)
	}
	data, err := EncodeWAV(pcm, 16000, 1)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Start(context.Background(), NewFileDevice(path, false), Options{SampleRate: 16000, FrameSamples: 8})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	count := 0
	for range c.Frames() {
		count++
	}
	// 20 samples -> two full frames, trailing 4 samples discarded
	if count != 2 {
		t.Fatalf("expected 2 frames, got %d", count)
	}
}

func TestFileDeviceMissing(t *testing.T) {
	_, err := Start(context.Background(), NewFileDevice(filepath.Join(t.TempDir(), "nope.wav"), false), Options{SampleRate: 16000, FrameSamples: 8})
	if !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
}

func TestWriterPlayer(t *testing.T) {
	var buf bytes.Buffer
	p := WriterPlayer{W: &buf}
	if err := p.Play(context.Background(), Artifact{}); !errors.Is(err, ErrNothingToPlay) {
		t.Fatalf("expected ErrNothingToPlay, got %v", err)
	}
	art := Artifact{Audio: make([]byte, 32), SampleRate: 16000, Channels: 1}
	if err := p.Play(context.Background(), art); err != nil {
		t.Fatalf("play: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("RIFF")) {
		t.Fatal("expected wav output")
	}
}
