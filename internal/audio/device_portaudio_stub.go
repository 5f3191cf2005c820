//go:build !portaudio

package audio

// PortAudioCompiled reports whether the native capture backend is built in.
// Build with -tags portaudio to enable it.
const PortAudioCompiled = false

func NewPortAudioDevice() (Device, error) {
	return nil, ErrBackendUnavailable
}
