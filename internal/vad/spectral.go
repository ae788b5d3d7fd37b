package vad

import (
	"context"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
)

const (
	voiceLowHz  = 300
	voiceHighHz = 3400
)

// SpectralOracle weighs frame energy by the share of spectral power inside
// the voice band, which keeps low rumble and hiss from opening an episode.
type SpectralOracle struct {
	Energy EnergyOracle
}

func NewSpectralOracle(floor, ceiling float64) *SpectralOracle {
	return &SpectralOracle{Energy: EnergyOracle{Floor: floor, Ceiling: ceiling}}
}

func (s *SpectralOracle) Score(ctx context.Context, frame []float32, sampleRate int) (float64, error) {
	gate, err := s.Energy.Score(ctx, frame, sampleRate)
	if err != nil || gate == 0 {
		return 0, err
	}
	return clamp01(gate * VoiceBandRatio(frame, sampleRate)), nil
}

// VoiceBandRatio returns the fraction of spectral power between 300Hz and
// 3.4kHz, ignoring DC.
func VoiceBandRatio(frame []float32, sampleRate int) float64 {
	if len(frame) < 2 || sampleRate <= 0 {
		return 0
	}
	x := make([]float64, len(frame))
	for i, s := range frame {
		x[i] = float64(s)
	}
	spectrum := fft.FFTReal(x)
	binHz := float64(sampleRate) / float64(len(x))

	var total, band float64
	for k := 1; k <= len(x)/2; k++ {
		mag := cmplx.Abs(spectrum[k])
		p := mag * mag
		total += p
		hz := float64(k) * binHz
		if hz >= voiceLowHz && hz <= voiceHighHz {
			band += p
		}
	}
	if total == 0 {
		return 0
	}
	return band / total
}
