package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// CommandDevice reads raw mono PCM16 little-endian audio from the stdout of
// an external recorder, e.g. `arecord -q -f S16_LE -r 16000 -c 1 -t raw`.
type CommandDevice struct {
	args []string

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer
	raw    []byte
	once   sync.Once
}

func NewCommandDevice(command string) (*CommandDevice, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &CommandDevice{args: args}, nil
}

// Available reports whether the recorder binary can be found on PATH.
func (d *CommandDevice) Available() bool {
	_, err := exec.LookPath(d.args[0])
	return err == nil
}

func (d *CommandDevice) Open(_ int, frameSamples int) error {
	if !d.Available() {
		return fmt.Errorf("%w: %s not found", ErrNoDevice, d.args[0])
	}
	cmd := exec.Command(d.args[0], d.args[1:]...)
	cmd.Stderr = &d.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start capture command: %w", err)
	}
	d.cmd = cmd
	d.stdout = stdout
	d.raw = make([]byte, frameSamples*2)
	return nil
}

func (d *CommandDevice) Read(buf []float32) error {
	need := len(buf) * 2
	if len(d.raw) < need {
		d.raw = make([]byte, need)
	}
	if _, err := io.ReadFull(d.stdout, d.raw[:need]); err != nil {
		return err
	}
	return PCM16ToFloat32(d.raw[:need], buf)
}

func (d *CommandDevice) Close() error {
	var err error
	d.once.Do(func() {
		if d.cmd == nil || d.cmd.Process == nil {
			return
		}
		_ = d.cmd.Process.Kill()
		waitErr := d.cmd.Wait()
		var exitErr *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &exitErr) {
			err = waitErr
		}
	})
	return err
}

// Stderr returns what the recorder wrote to stderr. Only meaningful after Close.
func (d *CommandDevice) Stderr() string {
	return string(bytes.TrimSpace(d.stderr.Bytes()))
}
