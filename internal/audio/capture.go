package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrNoDevice is returned when no usable input device exists.
	ErrNoDevice = errors.New("no audio input device")
	// ErrPermissionDenied is returned when the platform refuses microphone access.
	ErrPermissionDenied = errors.New("microphone access denied")
	// ErrBackendUnavailable is returned for capture backends not compiled in.
	ErrBackendUnavailable = errors.New("capture backend unavailable")
)

// Device is an input the capture session pulls fixed-size buffers from.
// Read fills buf completely or returns an error; partially filled buffers
// are never reported.
type Device interface {
	Open(sampleRate, frameSamples int) error
	Read(buf []float32) error
	Close() error
}

// Options configures a capture session.
type Options struct {
	SampleRate   int
	FrameSamples int
	MaxDuration  time.Duration
	Logger       *slog.Logger
}

// Capture owns one device for the lifetime of a recording and emits frames
// in capture order.
type Capture struct {
	device   Device
	opts     Options
	frames   chan Frame
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	watchdog *time.Timer
	timedOut atomic.Bool
	logger   *slog.Logger

	mu      sync.Mutex
	readErr error
}

// Start opens the device and begins emitting frames. The session stops on
// Stop, on ctx cancellation, on device end-of-stream, or once MaxDuration
// elapses.
func Start(ctx context.Context, device Device, opts Options) (*Capture, error) {
	if device == nil {
		return nil, ErrNoDevice
	}
	if opts.SampleRate <= 0 || opts.FrameSamples <= 0 {
		return nil, fmt.Errorf("invalid capture options: rate=%d frame=%d", opts.SampleRate, opts.FrameSamples)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := device.Open(opts.SampleRate, opts.FrameSamples); err != nil {
		return nil, fmt.Errorf("open capture device: %w", err)
	}

	c := &Capture{
		device: device,
		opts:   opts,
		frames: make(chan Frame, 4),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.With(slog.String("component", "audio-capture")),
	}
	if opts.MaxDuration > 0 {
		c.watchdog = time.AfterFunc(opts.MaxDuration, func() {
			c.timedOut.Store(true)
			c.logger.Info("capture watchdog expired", slog.Duration("max_duration", opts.MaxDuration))
			c.Stop()
		})
	}
	go c.run()
	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-c.done:
		}
	}()
	return c, nil
}

func (c *Capture) run() {
	defer close(c.done)
	defer close(c.frames)
	defer func() {
		if c.watchdog != nil {
			c.watchdog.Stop()
		}
		if err := c.device.Close(); err != nil {
			c.logger.Warn("close capture device", slogError(err))
		}
	}()

	buf := make([]float32, c.opts.FrameSamples)
	for seq := 0; ; seq++ {
		select {
		case <-c.stopCh:
			return
		default:
		}
		if err := c.device.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				c.mu.Lock()
				c.readErr = err
				c.mu.Unlock()
				c.logger.Warn("capture read failed", slogError(err))
			}
			return
		}
		frame := Frame{
			Sequence:   seq,
			SampleRate: c.opts.SampleRate,
			Samples:    QuantizeBuffer(buf),
			CapturedAt: time.Now(),
		}
		select {
		case <-c.stopCh:
			// a buffer completed after stop was requested is discarded
			return
		case c.frames <- frame:
		}
	}
}

// Frames yields captured frames; the channel closes when capture ends.
func (c *Capture) Frames() <-chan Frame {
	return c.frames
}

// Done is closed once the device has been released.
func (c *Capture) Done() <-chan struct{} {
	return c.done
}

// Stop halts the device and waits for it to be released. It is safe to call
// repeatedly, concurrently, and on a nil session.
func (c *Capture) Stop() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	<-c.done
}

// TimedOut reports whether the watchdog ended the session.
func (c *Capture) TimedOut() bool {
	return c != nil && c.timedOut.Load()
}

// Err returns the device error that ended capture, if any.
func (c *Capture) Err() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
