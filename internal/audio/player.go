package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ErrNothingToPlay is returned when playback is requested without a recording.
var ErrNothingToPlay = errors.New("no recording to play")

// Player renders a recording to some output.
type Player interface {
	Play(ctx context.Context, a Artifact) error
}

// CommandPlayer pipes a WAV rendition of the recording into an external
// player's stdin, e.g. `aplay -q -` or `ffplay -nodisp -autoexit -`.
// Starting a new playback stops the one in progress.
type CommandPlayer struct {
	cmd []string

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewCommandPlayer(command string) (*CommandPlayer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("playback command empty")
	}
	return &CommandPlayer{cmd: args}, nil
}

func (p *CommandPlayer) Play(ctx context.Context, a Artifact) error {
	if a.Empty() {
		return ErrNothingToPlay
	}
	data, err := a.WAV()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	cmd := exec.CommandContext(ctx, p.cmd[0], p.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("playback command failed: %w: %s", err, stderr.String())
	}
	return nil
}

// WriterPlayer writes the WAV rendition to an io.Writer, such as an HTTP
// response.
type WriterPlayer struct {
	W io.Writer
}

func (p WriterPlayer) Play(_ context.Context, a Artifact) error {
	if a.Empty() {
		return ErrNothingToPlay
	}
	data, err := a.WAV()
	if err != nil {
		return err
	}
	_, err = p.W.Write(data)
	return err
}
