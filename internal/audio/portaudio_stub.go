//go:build !portaudio

package audio

import "errors"

var ErrNoPortAudio = errors.New("built without portaudio support (rebuild with -tags portaudio)")

func NewMicrophoneSource(rate, chunk int) (FrameSource, error) {
	return nil, ErrNoPortAudio
}
