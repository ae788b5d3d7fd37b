package stt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "stt.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestMockTranscriberScript(t *testing.T) {
	m := NewMockTranscriber("bật đèn", "tắt quạt")
	ctx := context.Background()
	for _, want := range []string{"bật đèn", "tắt quạt", "tắt quạt"} {
		res, err := m.Transcribe(ctx, make([]float32, 10), 16000)
		if err != nil {
			t.Fatalf("transcribe: %v", err)
		}
		if res.Text != want {
			t.Fatalf("expected %q, got %q", want, res.Text)
		}
	}
	m.FailNext(errors.New("decoder crashed"))
	if _, err := m.Transcribe(ctx, nil, 16000); !errors.Is(err, ErrTranscription) {
		t.Fatalf("expected ErrTranscription, got %v", err)
	}
	if m.Calls() != 4 || len(m.Inputs()) != 4 {
		t.Fatalf("expected 4 recorded calls, got %d", m.Calls())
	}
}

func TestExecTranscriber(t *testing.T) {
	// echoes the arguments it was given so the test can check them
	script := writeScript(t, `
audio=""; lang=""
while [ $# -gt 0 ]; do
  case "$1" in
    --audio) audio="$2"; shift ;;
    --language) lang="$2"; shift ;;
  esac
  shift
done
[ -s "$audio" ] || { echo "missing audio" >&2; exit 3; }
printf '{"text": "  làm ơn bật đèn ", "language": "%s", "confidence": 0.8}' "$lang"
`)
	tr, err := NewExecTranscriber(script, "", "vi")
	if err != nil {
		t.Fatalf("new transcriber: %v", err)
	}
	res, err := tr.Transcribe(context.Background(), make([]float32, 1600), 16000)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "làm ơn bật đèn" || res.Language != "vi" || res.Confidence != 0.8 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecTranscriberFailure(t *testing.T) {
	script := writeScript(t, "echo 'model not found' >&2\nexit 1\n")
	tr, err := NewExecTranscriber(script, "/models/none.bin", "vi")
	if err != nil {
		t.Fatalf("new transcriber: %v", err)
	}
	_, err = tr.Transcribe(context.Background(), make([]float32, 16), 16000)
	if !errors.Is(err, ErrTranscription) {
		t.Fatalf("expected ErrTranscription, got %v", err)
	}
}

func TestExecTranscriberBadJSON(t *testing.T) {
	script := writeScript(t, "echo not-json\n")
	tr, _ := NewExecTranscriber(script, "", "")
	if _, err := tr.Transcribe(context.Background(), make([]float32, 16), 16000); !errors.Is(err, ErrTranscription) {
		t.Fatalf("expected ErrTranscription, got %v", err)
	}
}
