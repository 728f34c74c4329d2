package audio

import (
	"testing"
)

func TestMulawRoundTrip(t *testing.T) {
	// Encode then decode a sweep of sample values; mulaw is lossy but
	// small values should survive within quantization error.
	inputs := []int16{0, 100, -100, 1000, -1000, 8000, -8000}

	for _, sample := range inputs {
		encoded := LinearToMulaw(sample)
		decoded := MulawToLinear(encoded)

		diff := int32(sample) - int32(decoded)
		if diff < 0 {
			diff = -diff
		}
		// Quantization error grows with magnitude; allow ~6%
		tolerance := int32(sample) / 16
		if tolerance < 0 {
			tolerance = -tolerance
		}
		if tolerance < 8 {
			tolerance = 8
		}
		if diff > tolerance {
			t.Errorf("Sample %d: decoded %d, diff %d exceeds tolerance %d", sample, decoded, diff, tolerance)
		}
	}
}

func TestLinearToMulaw_Clipping(t *testing.T) {
	// Values beyond the 14-bit clip range must saturate, not wrap
	maxEncoded := LinearToMulaw(32767)
	clipEncoded := LinearToMulaw(8159)
	if maxEncoded != clipEncoded {
		t.Errorf("Expected clipped encoding, got %x vs %x", maxEncoded, clipEncoded)
	}
}

func TestPCMToMulaw_Errors(t *testing.T) {
	if _, err := PCMToMulaw(nil, 8000, 8000); err == nil {
		t.Error("Expected error for empty input")
	}
	if _, err := PCMToMulaw([]byte{1, 2, 3}, 8000, 8000); err == nil {
		t.Error("Expected error for odd-length input")
	}
}

func TestPCMToMulaw_Resamples(t *testing.T) {
	// 24kHz stereo-free PCM downsampled to 8kHz should yield 1/3 the samples
	pcm := make([]byte, 2400*2)
	out, err := PCMToMulaw(pcm, 24000, 8000)
	if err != nil {
		t.Fatalf("Expected conversion to succeed: %v", err)
	}
	if len(out) != 800 {
		t.Errorf("Expected 800 mulaw bytes after 3:1 downsample, got %d", len(out))
	}
}

func TestMulawToPCM(t *testing.T) {
	mulaw := []byte{LinearToMulaw(500), LinearToMulaw(-500)}
	pcm, err := MulawToPCM(mulaw)
	if err != nil {
		t.Fatalf("Expected conversion to succeed: %v", err)
	}
	if len(pcm) != 4 {
		t.Errorf("Expected 4 PCM bytes, got %d", len(pcm))
	}

	samples := BytesToSamples(pcm)
	if samples[0] <= 0 || samples[1] >= 0 {
		t.Errorf("Expected sign preserved, got %d, %d", samples[0], samples[1])
	}
}

func TestResample_Identity(t *testing.T) {
	samples := []int16{1, 2, 3, 4}
	out := Resample(samples, 8000, 8000)
	if len(out) != 4 {
		t.Errorf("Expected identity resample, got %d samples", len(out))
	}
}

func TestCalculateRMS(t *testing.T) {
	samples := []int16{1000, -1000, 2000, -2000}
	rms := CalculateRMS(samples)

	expected := 1581.14
	if rms < expected-1.0 || rms > expected+1.0 {
		t.Errorf("Expected RMS around %.2f, got %.2f", expected, rms)
	}

	if CalculateRMS(nil) != 0.0 {
		t.Error("Expected zero RMS for empty input")
	}
}

func TestChunkFrames(t *testing.T) {
	data := make([]byte, 370)
	frames := ChunkFrames(data, 160)

	if len(frames) != 3 {
		t.Fatalf("Expected 3 frames, got %d", len(frames))
	}
	if len(frames[0]) != 160 || len(frames[1]) != 160 {
		t.Error("Expected full 160-byte frames")
	}
	if len(frames[2]) != 50 {
		t.Errorf("Expected 50-byte tail frame, got %d", len(frames[2]))
	}
}

func TestFFmpegArgs(t *testing.T) {
	args := ffmpegArgs(MP3Spec())
	joined := ""
	for _, a := range args {
		joined += a + " "
	}
	for _, want := range []string{"-f mp3", "-i pipe:0", "-f mulaw", "-ar 8000", "-ac 1", "pipe:1"} {
		if !contains(joined, want) {
			t.Errorf("Expected args to contain %q, got %q", want, joined)
		}
	}

	raw := ffmpegArgs(PCMSpec(24000))
	joinedRaw := ""
	for _, a := range raw {
		joinedRaw += a + " "
	}
	if !contains(joinedRaw, "-ar 24000") {
		t.Errorf("Expected raw spec to carry input rate, got %q", joinedRaw)
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
