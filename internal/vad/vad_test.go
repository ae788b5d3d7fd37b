package vad

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func sine(freq float64, amp float32, n, rate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = amp * float32(math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestEnergyOracleRamp(t *testing.T) {
	o := NewEnergyOracle(0.01, 0.05)
	ctx := context.Background()

	silent, _ := o.Score(ctx, make([]float32, 512), 16000)
	if silent != 0 {
		t.Fatalf("expected 0 for silence, got %v", silent)
	}
	loud, _ := o.Score(ctx, sine(440, 0.5, 512, 16000), 16000)
	if loud != 1 {
		t.Fatalf("expected 1 for loud tone, got %v", loud)
	}
	// constant 0.03 has RMS 0.03, halfway up the ramp
	flat := make([]float32, 512)
	for i := range flat {
		flat[i] = 0.03
	}
	mid, _ := o.Score(ctx, flat, 16000)
	if math.Abs(mid-0.5) > 1e-6 {
		t.Fatalf("expected 0.5, got %v", mid)
	}
}

func TestVoiceBandRatio(t *testing.T) {
	inBand := VoiceBandRatio(sine(1000, 0.5, 512, 16000), 16000)
	if inBand < 0.9 {
		t.Fatalf("expected 1kHz tone in voice band, got ratio %v", inBand)
	}
	rumble := VoiceBandRatio(sine(62.5, 0.5, 512, 16000), 16000)
	if rumble > 0.1 {
		t.Fatalf("expected low rumble outside voice band, got ratio %v", rumble)
	}
}

func TestSpectralOracle(t *testing.T) {
	o := NewSpectralOracle(0.01, 0.05)
	ctx := context.Background()
	voice, err := o.Score(ctx, sine(1000, 0.5, 512, 16000), 16000)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	rumble, _ := o.Score(ctx, sine(62.5, 0.5, 512, 16000), 16000)
	if voice <= 0.5 || rumble >= 0.5 {
		t.Fatalf("expected voice above and rumble below 0.5, got %v / %v", voice, rumble)
	}
	quiet, _ := o.Score(ctx, sine(1000, 0.001, 512, 16000), 16000)
	if quiet != 0 {
		t.Fatalf("expected energy gate to close, got %v", quiet)
	}
}

func TestMockOracleSequence(t *testing.T) {
	o := NewMockOracle(0.1, 0.9)
	ctx := context.Background()
	want := []float64{0.1, 0.9, 0.9}
	for i, w := range want {
		got, err := o.Score(ctx, nil, 16000)
		if err != nil || got != w {
			t.Fatalf("call %d: expected %v, got %v (%v)", i, w, got, err)
		}
	}
	if o.Calls() != 3 {
		t.Fatalf("expected 3 calls, got %d", o.Calls())
	}
	o.Err = errors.New("boom")
	if _, err := o.Score(ctx, nil, 16000); err == nil {
		t.Fatal("expected scripted error")
	}
}

func TestExecOracle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "vad.sh")
	body := "#!/bin/sh\nwhile read -r line; do echo '{\"probability\": 1.7}'; done\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	o, err := NewExecOracle(script, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new oracle: %v", err)
	}
	defer o.Close()

	for i := 0; i < 3; i++ {
		p, err := o.Score(context.Background(), make([]float32, 512), 16000)
		if err != nil {
			t.Fatalf("score %d: %v", i, err)
		}
		if p != 1 {
			t.Fatalf("expected clamped probability 1, got %v", p)
		}
	}
}

func TestExecOracleRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecOracle("   ", nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}
