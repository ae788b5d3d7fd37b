package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"
)

// WriteWAV encodes mono float samples as 16-bit PCM.
func WriteWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	pcm := Denormalize(samples)
	data := make([]int, len(pcm))
	for i, s := range pcm {
		data[i] = int(s)
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// ReadWAV decodes a 16-bit mono WAV stream.
func ReadWAV(r io.ReadSeeker) ([]int16, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, errors.New("invalid wav file")
	}
	if dec.NumChans != 1 {
		return nil, 0, fmt.Errorf("expected mono wav, got %d channels", dec.NumChans)
	}
	if dec.BitDepth != 16 {
		return nil, 0, fmt.Errorf("expected 16-bit wav, got %d", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	out := make([]int16, len(buf.Data))
	for i, s := range buf.Data {
		out[i] = int16(s)
	}
	return out, int(dec.SampleRate), nil
}

// WAVSource replays a mono 16-bit WAV file as a frame stream. The trailing
// partial chunk is zero-padded.
type WAVSource struct {
	FS       afero.Fs
	Path     string
	Rate     int
	Chunk    int
	Realtime bool
	Now      func() time.Time
}

func (s *WAVSource) SampleRate() int { return s.Rate }
func (s *WAVSource) ChunkSize() int  { return s.Chunk }

func (s *WAVSource) Run(ctx context.Context, emit func(Frame) error) error {
	fs := s.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	now := s.Now
	if now == nil {
		now = time.Now
	}
	file, err := fs.Open(s.Path)
	if err != nil {
		return fmt.Errorf("open wav source: %w", err)
	}
	defer file.Close()

	pcm, rate, err := ReadWAV(file)
	if err != nil {
		return err
	}
	if rate != s.Rate {
		return fmt.Errorf("wav sample rate %d does not match configured %d", rate, s.Rate)
	}

	var tick <-chan time.Time
	if s.Realtime {
		ticker := time.NewTicker(time.Duration(s.Chunk) * time.Second / time.Duration(s.Rate))
		defer ticker.Stop()
		tick = ticker.C
	}
	stamp := frameClock(now, s.Realtime, s.Chunk, s.Rate)
	var seq uint64
	for off := 0; off < len(pcm); off += s.Chunk {
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		chunk := make([]int16, s.Chunk)
		copy(chunk, pcm[off:min(off+s.Chunk, len(pcm))])
		if err := emit(Frame{Seq: seq, Samples: chunk, SampleRate: s.Rate, CapturedAt: stamp(seq)}); err != nil {
			return err
		}
		seq++
	}
	return nil
}

// Dumper writes utterances to WAV files for offline inspection.
type Dumper struct {
	FS  afero.Fs
	Dir string
}

func NewDumper(fs afero.Fs, dir string) *Dumper {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Dumper{FS: fs, Dir: dir}
}

// Dump writes samples to <dir>/<name>.wav and returns the path.
func (d *Dumper) Dump(name string, samples []float32, sampleRate int) (string, error) {
	if err := d.FS.MkdirAll(d.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create dump dir: %w", err)
	}
	path := filepath.Join(d.Dir, name+".wav")
	file, err := d.FS.Create(path)
	if err != nil {
		return "", fmt.Errorf("create dump file: %w", err)
	}
	defer file.Close()
	if err := WriteWAV(file, samples, sampleRate); err != nil {
		return "", err
	}
	return path, nil
}
