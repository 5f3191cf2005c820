// Package iflytek implements the streaming recognition provider: one
// websocket per session, a status 0 handshake, status 1 audio frames and a
// single status 2 terminator.
package iflytek

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/auth"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/stt"
	"golang.org/x/sync/errgroup"
)

const (
	ProviderName = config.ProviderIflytek

	statusFirst    = 0
	statusContinue = 1
	statusLast     = 2

	audioEncoding = "raw"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateStreaming
	StateFinishing
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateStreaming:
		return "streaming"
	case StateFinishing:
		return "finishing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a Client.
type Options struct {
	Streaming   config.StreamingConfig
	Credentials config.SpeechConfig
	SampleRate  int
	Dialer      *websocket.Dialer
	Logger      *slog.Logger
}

// Client is the streaming protocol state machine for one session.
type Client struct {
	cfg        config.StreamingConfig
	creds      config.SpeechConfig
	sampleRate int
	dialer     *websocket.Dialer
	logger     *slog.Logger
	clock      func() time.Time

	// writeMu serializes every outbound message and the state checks that
	// gate them, so status 2 can never be followed by status 1.
	writeMu sync.Mutex
	conn    *websocket.Conn
	sink    stt.Sink
	group   *errgroup.Group

	final     chan struct{}
	finalOnce sync.Once
	closeOnce sync.Once
	readDone  chan struct{}

	mu    sync.Mutex
	state State
	err   error
}

func New(opts Options) *Client {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sampleRate := opts.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &Client{
		cfg:        opts.Streaming,
		creds:      opts.Credentials,
		sampleRate: sampleRate,
		dialer:     dialer,
		logger:     logger.With(slog.String("component", "iflytek-client")),
		clock:      time.Now,
		final:      make(chan struct{}),
		readDone:   make(chan struct{}),
	}
}

// NewFactory returns a ProviderFactory building one Client per session.
func NewFactory(cfg config.StreamingConfig, sampleRate int, dialer *websocket.Dialer, logger *slog.Logger) stt.ProviderFactory {
	return func(creds config.SpeechConfig) (stt.Provider, error) {
		if err := creds.CheckCredentials(); err != nil {
			return nil, err
		}
		return New(Options{
			Streaming:   cfg,
			Credentials: creds,
			SampleRate:  sampleRate,
			Dialer:      dialer,
			Logger:      logger,
		}), nil
	}
}

func (c *Client) Name() string { return ProviderName }

func (c *Client) Mode() stt.InterimMode { return stt.ParseInterimMode(c.cfg.InterimMode) }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Open connects, authenticates and sends the handshake. On return the client
// is streaming and inbound results are delivered to sink.
func (c *Client) Open(ctx context.Context, sink stt.Sink) error {
	c.mu.Lock()
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("iflytek: open in state %s", st)
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.sink = sink

	signed, err := auth.SignURL(c.cfg.URL, c.creds.APIKey, c.creds.APISecret, c.clock())
	if err != nil {
		return c.openFailed(fmt.Errorf("%w: %v", stt.ErrConfig, err))
	}
	conn, resp, err := c.dialer.DialContext(ctx, signed, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return c.openFailed(fmt.Errorf("%w: handshake rejected with %s", auth.ErrAuth, resp.Status))
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return c.openFailed(ctxErr)
		}
		return c.openFailed(fmt.Errorf("%w: dial: %v", stt.ErrNetwork, err))
	}

	c.writeMu.Lock()
	c.conn = conn
	c.setState(StateAuthenticating)
	err = c.writeJSON(c.handshake())
	if err == nil {
		c.setState(StateStreaming)
	}
	c.writeMu.Unlock()
	if err != nil {
		_ = conn.Close()
		return c.openFailed(fmt.Errorf("%w: send handshake: %v", stt.ErrNetwork, err))
	}

	c.group = &errgroup.Group{}
	c.group.Go(c.readLoop)
	c.logger.Debug("stream opened")
	return nil
}

func (c *Client) openFailed(err error) error {
	c.mu.Lock()
	c.state = StateErrored
	c.err = err
	c.mu.Unlock()
	c.signalFinal()
	return err
}

// SendFrame uploads one frame as a status 1 message. Once the stream has
// errored it returns the stream error and sends nothing. Frames arriving after
// the server finished the utterance are dropped.
func (c *Client) SendFrame(ctx context.Context, frame audio.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	st, streamErr := c.state, c.err
	c.mu.Unlock()
	switch st {
	case StateStreaming:
	case StateFinishing:
		return nil
	case StateErrored:
		return streamErr
	default:
		return fmt.Errorf("iflytek: frame rejected in state %s", st)
	}

	audioB64 := base64.StdEncoding.EncodeToString(frame.Bytes())
	msg := frameMessage{Data: c.frameData(statusContinue, &audioB64)}
	if err := c.writeJSON(msg); err != nil {
		return c.writeFailed(ctx, fmt.Errorf("%w: send frame: %v", stt.ErrNetwork, err))
	}
	return nil
}

// writeFailed settles a failed frame write. The server closes the socket
// right after its final result, so the read loop decides whether the stream
// ended cleanly or broke.
func (c *Client) writeFailed(ctx context.Context, err error) error {
	timer := time.NewTimer(max(c.grace(), time.Second))
	select {
	case <-c.readDone:
	case <-timer.C:
	case <-ctx.Done():
	}
	timer.Stop()

	c.mu.Lock()
	st, streamErr := c.state, c.err
	c.mu.Unlock()
	switch st {
	case StateFinishing, StateClosed:
		return nil
	case StateErrored:
		return streamErr
	}
	return c.fail(err)
}

func (c *Client) grace() time.Duration {
	return time.Duration(c.cfg.GraceMS) * time.Millisecond
}

// Close sends the status 2 terminator, waits for the final result or the
// grace period, then closes the connection. It returns the stream error, if
// any.
func (c *Client) Close(ctx context.Context) error {
	c.writeMu.Lock()
	c.mu.Lock()
	st := c.state
	if st == StateStreaming {
		c.state = StateFinishing
	}
	c.mu.Unlock()
	if st == StateStreaming {
		empty := ""
		if err := c.writeJSON(frameMessage{Data: c.frameData(statusLast, &empty)}); err != nil {
			c.writeMu.Unlock()
			c.fail(fmt.Errorf("%w: send end of audio: %v", stt.ErrNetwork, err))
		} else {
			c.writeMu.Unlock()
		}
	} else {
		c.writeMu.Unlock()
	}

	if st == StateIdle {
		c.setState(StateClosed)
		return nil
	}

	if st == StateStreaming {
		timer := time.NewTimer(c.grace())
		select {
		case <-c.final:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}

	c.closeConn()
	if c.group != nil {
		_ = c.group.Wait()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateErrored {
		c.state = StateClosed
	}
	return c.err
}

func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		conn := c.conn
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		}
		c.writeMu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

// fail moves the stream to Errored once and reports err to the sink.
func (c *Client) fail(err error) error {
	c.mu.Lock()
	if c.state == StateErrored || c.state == StateClosed {
		existing := c.err
		c.mu.Unlock()
		if existing != nil {
			return existing
		}
		return err
	}
	c.state = StateErrored
	c.err = err
	c.mu.Unlock()

	c.logger.Warn("stream failed", slog.String("error", err.Error()))
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.signalFinal()
	if c.sink != nil {
		c.sink.Fail(err)
	}
	return err
}

func (c *Client) signalFinal() {
	c.finalOnce.Do(func() { close(c.final) })
}

func (c *Client) readLoop() error {
	defer close(c.readDone)
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			switch c.State() {
			case StateFinishing, StateClosed, StateErrored:
				return nil
			}
			c.fail(fmt.Errorf("%w: connection lost: %v", stt.ErrNetwork, err))
			return nil
		}

		var resp response
		if err := json.Unmarshal(payload, &resp); err != nil {
			c.fail(fmt.Errorf("%w: decode result: %v", stt.ErrProtocol, err))
			return nil
		}
		if resp.Code != 0 {
			c.fail(&stt.ProviderError{Provider: ProviderName, Code: resp.Code, Message: resp.Message})
			return nil
		}

		frag, ok := resp.fragment()
		if !ok {
			continue
		}
		serverFinished := frag.Final && c.finishedByServer()
		if len(frag.Words) > 0 || frag.Final {
			c.sink.Fragment(frag)
		}
		if frag.Final {
			c.signalFinal()
			if serverFinished {
				c.logger.Debug("utterance finished by server")
				c.sink.Complete()
			}
			return nil
		}
	}
}

// finishedByServer moves a streaming client to Finishing when the final
// result arrives before Close. Later frames are dropped and the close that
// follows is clean.
func (c *Client) finishedByServer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStreaming {
		return false
	}
	c.state = StateFinishing
	return true
}

func (c *Client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
