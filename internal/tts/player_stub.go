//go:build !portaudio

package tts

import "github.com/minhharry/voiceassistant/internal/audio"

func NewPortAudioPlayer() (Player, error) { return nil, audio.ErrNoPortAudio }
