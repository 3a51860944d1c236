package wavfile

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"
)

// writeTestWAV records one sine burst into a temp WAV file and returns its
// path along with the samples written.
func writeTestWAV(t *testing.T, rate, n int) (string, []float32) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wav")

	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}

	out, err := NewOutput(path, rate)
	if err != nil {
		t.Fatalf("NewOutput: %v", err)
	}
	if err := out.Play(context.Background(), samples); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path, samples
}

func TestRoundTrip_OutputThenInput(t *testing.T) {
	t.Parallel()

	const rate = 16000
	const winSize = 80
	path, want := writeTestWAV(t, rate, 320)

	in, err := NewInput(path, rate, winSize)
	if err != nil {
		t.Fatalf("NewInput: %v", err)
	}
	defer in.Close()

	if in.SampleRate() != rate {
		t.Errorf("SampleRate() = %d, want %d", in.SampleRate(), rate)
	}
	if in.WindowSize() != winSize {
		t.Errorf("WindowSize() = %d, want %d", in.WindowSize(), winSize)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := in.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var got []float32
	for w := range in.Windows() {
		if len(w) != winSize {
			t.Fatalf("window size = %d, want %d", len(w), winSize)
		}
		got = append(got, w...)
	}

	if len(got) != len(want) {
		t.Fatalf("replayed %d samples, want %d", len(got), len(want))
	}
	const tol = 2.0 / 32768 // one quantization step either way
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > tol {
			t.Fatalf("sample %d = %v, want %v ± %v", i, got[i], want[i], tol)
		}
	}
}

func TestInput_ResamplesToRequestedRate(t *testing.T) {
	t.Parallel()

	path, _ := writeTestWAV(t, 16000, 320) // 20 ms of audio

	in, err := NewInput(path, 8000, 80)
	if err != nil {
		t.Fatalf("NewInput: %v", err)
	}
	defer in.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := in.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var total int
	for w := range in.Windows() {
		total += len(w)
	}
	// 20 ms at 8 kHz is 160 samples, padded to full windows of 80.
	if total != 160 {
		t.Errorf("replayed %d samples at 8 kHz, want 160", total)
	}
}

func TestInput_StartTwiceReturnsError(t *testing.T) {
	t.Parallel()

	path, _ := writeTestWAV(t, 16000, 160)
	in, err := NewInput(path, 16000, 80)
	if err != nil {
		t.Fatalf("NewInput: %v", err)
	}
	defer in.Close()

	ctx := context.Background()
	if err := in.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := in.Start(ctx); err == nil {
		t.Error("second Start should return an error")
	}
}

func TestInput_MissingFileReturnsError(t *testing.T) {
	t.Parallel()
	if _, err := NewInput(filepath.Join(t.TempDir(), "nope.wav"), 16000, 80); err == nil {
		t.Error("NewInput with a missing file should return an error")
	}
}

func TestOutput_PlayHonorsCancellation(t *testing.T) {
	t.Parallel()

	out, err := NewOutput(filepath.Join(t.TempDir(), "out.wav"), 16000)
	if err != nil {
		t.Fatalf("NewOutput: %v", err)
	}
	defer out.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A full second of audio; cancellation must cut the block short.
	err = out.Play(ctx, make([]float32, 16000))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Play returned %v, want context.Canceled", err)
	}
}

func TestOutput_PlayAfterCloseReturnsError(t *testing.T) {
	t.Parallel()

	out, err := NewOutput(filepath.Join(t.TempDir(), "out.wav"), 16000)
	if err != nil {
		t.Fatalf("NewOutput: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := out.Play(context.Background(), []float32{0}); err == nil {
		t.Error("Play after Close should return an error")
	}
}
