package audio

import (
	"fmt"

	"github.com/loqalabs/loqa-speech/internal/config"
)

// Backend is the capture implementation chosen once at startup.
type Backend struct {
	Name      string
	NewDevice func() (Device, error)
}

// ResolveBackend picks the capture backend named in cfg. "auto" prefers the
// native backend, then an external recorder command, then a clip file.
func ResolveBackend(cfg config.CaptureConfig) (Backend, error) {
	switch cfg.Backend {
	case "portaudio":
		if !PortAudioCompiled {
			return Backend{}, fmt.Errorf("%w: portaudio (rebuild with -tags portaudio)", ErrBackendUnavailable)
		}
		return Backend{Name: "portaudio", NewDevice: NewPortAudioDevice}, nil
	case "command":
		return commandBackend(cfg.Command)
	case "file":
		return fileBackend(cfg), nil
	case "auto", "":
		if PortAudioCompiled {
			return Backend{Name: "portaudio", NewDevice: NewPortAudioDevice}, nil
		}
		if cfg.Command != "" {
			b, err := commandBackend(cfg.Command)
			if err == nil {
				return b, nil
			}
		}
		if cfg.InputFile != "" {
			return fileBackend(cfg), nil
		}
		return Backend{}, fmt.Errorf("%w: no capture backend configured", ErrNoDevice)
	default:
		return Backend{}, fmt.Errorf("unknown capture backend %q", cfg.Backend)
	}
}

func commandBackend(command string) (Backend, error) {
	probe, err := NewCommandDevice(command)
	if err != nil {
		return Backend{}, err
	}
	if !probe.Available() {
		return Backend{}, fmt.Errorf("%w: recorder %q not found", ErrNoDevice, probe.args[0])
	}
	return Backend{
		Name: "command",
		NewDevice: func() (Device, error) {
			return NewCommandDevice(command)
		},
	}, nil
}

func fileBackend(cfg config.CaptureConfig) Backend {
	path, realtime := cfg.InputFile, cfg.Realtime
	return Backend{
		Name: "file",
		NewDevice: func() (Device, error) {
			return NewFileDevice(path, realtime), nil
		},
	}
}
