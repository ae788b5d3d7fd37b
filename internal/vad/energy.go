package vad

import "context"

// EnergyOracle maps frame RMS onto a probability: at or below Floor is 0,
// at or above Ceiling is 1.
type EnergyOracle struct {
	Floor   float64
	Ceiling float64
}

func NewEnergyOracle(floor, ceiling float64) *EnergyOracle {
	return &EnergyOracle{Floor: floor, Ceiling: ceiling}
}

func (e *EnergyOracle) Score(_ context.Context, frame []float32, _ int) (float64, error) {
	return ramp(RMS(frame), e.Floor, e.Ceiling), nil
}
