// Package segmenter turns a stream of normalized frames and per-frame speech
// probabilities into utterances.
package segmenter

import (
	"errors"
	"time"

	"github.com/minhharry/voiceassistant/internal/audio"
)

type State int

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	}
	return "unknown"
}

type Config struct {
	SpeechThreshold float64
	SilenceTimeout  time.Duration
	PreBufferMax    int
	// MinUtteranceFrames discards shorter episodes. Zero keeps everything.
	MinUtteranceFrames int
}

func DefaultConfig() Config {
	return Config{
		SpeechThreshold: 0.5,
		SilenceTimeout:  time.Second,
		PreBufferMax:    16,
	}
}

func (c Config) Validate() error {
	if c.SpeechThreshold < 0 || c.SpeechThreshold >= 1 {
		return errors.New("speech threshold must be in [0,1)")
	}
	if c.SilenceTimeout <= 0 {
		return errors.New("silence timeout must be positive")
	}
	if c.PreBufferMax < 0 {
		return errors.New("pre-buffer size must be >= 0")
	}
	if c.MinUtteranceFrames < 0 {
		return errors.New("minimum utterance frames must be >= 0")
	}
	return nil
}

// Utterance is one recording episode, frames in capture order.
type Utterance struct {
	Frames     [][]float32
	PreRoll    int
	SampleRate int
	StartedAt  time.Time
	EndedAt    time.Time
}

func (u Utterance) Samples() []float32 { return audio.Concat(u.Frames) }

func (u Utterance) Duration() time.Duration {
	if u.SampleRate <= 0 {
		return 0
	}
	n := 0
	for _, f := range u.Frames {
		n += len(f)
	}
	return time.Duration(n) * time.Second / time.Duration(u.SampleRate)
}

// Segmenter is the IDLE/RECORDING state machine. It is not safe for
// concurrent use; the pipeline consumer owns it.
type Segmenter struct {
	cfg        Config
	sampleRate int
	state      State
	pre        *PreBuffer
	active     [][]float32
	preRoll    int
	startedAt  time.Time
	lastSpeech time.Time
	discarded  int
}

func New(cfg Config, sampleRate int) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Segmenter{
		cfg:        cfg,
		sampleRate: sampleRate,
		pre:        NewPreBuffer(cfg.PreBufferMax),
	}, nil
}

// Step feeds one frame with its speech probability observed at now. It
// returns the finished utterance when this frame closes an episode.
func (s *Segmenter) Step(frame []float32, prob float64, now time.Time) (Utterance, bool) {
	if prob > s.cfg.SpeechThreshold {
		s.lastSpeech = now
		if s.state == Idle {
			s.state = Recording
			s.active = s.pre.Read()
			s.preRoll = len(s.active)
			s.startedAt = now
			s.pre.Clear()
		}
	} else if s.state == Recording && now.Sub(s.lastSpeech) > s.cfg.SilenceTimeout {
		s.state = Idle
	}

	var (
		utt  Utterance
		emit bool
	)
	if s.state == Recording {
		s.active = append(s.active, frame)
	} else if len(s.active) > 0 {
		utt, emit = s.flush(now)
	}

	if s.state == Idle {
		s.pre.Add(frame)
	}
	return utt, emit
}

// Expire closes a recording whose silence timeout has passed at now without
// a new frame arriving, as happens when the capture source stalls.
func (s *Segmenter) Expire(now time.Time) (Utterance, bool) {
	if s.state != Recording || now.Sub(s.lastSpeech) <= s.cfg.SilenceTimeout {
		return Utterance{}, false
	}
	s.state = Idle
	return s.flush(now)
}

func (s *Segmenter) flush(now time.Time) (Utterance, bool) {
	frames := s.active
	preRoll := s.preRoll
	s.active = nil
	s.preRoll = 0
	if len(frames)-preRoll < s.cfg.MinUtteranceFrames {
		s.discarded++
		return Utterance{}, false
	}
	return Utterance{
		Frames:     frames,
		PreRoll:    preRoll,
		SampleRate: s.sampleRate,
		StartedAt:  s.startedAt,
		EndedAt:    now,
	}, true
}

func (s *Segmenter) State() State          { return s.state }
func (s *Segmenter) PreBufferLen() int     { return s.pre.Len() }
func (s *Segmenter) Pending() int          { return len(s.active) }
func (s *Segmenter) Discarded() int        { return s.discarded }
func (s *Segmenter) LastSpeech() time.Time { return s.lastSpeech }

// Reset drops any in-progress episode and returns to Idle.
func (s *Segmenter) Reset() {
	s.state = Idle
	s.active = nil
	s.preRoll = 0
	s.pre.Clear()
}
