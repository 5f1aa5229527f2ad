package media

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func pcmFromSamples(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// TestMix tests sample-wise addition
func TestMix(t *testing.T) {
	testCases := []struct {
		name     string
		a, b     []int16
		expected []int16
	}{
		{"zeros", []int16{0, 0}, []int16{0, 0}, []int16{0, 0}},
		{"simple sum", []int16{100, -200}, []int16{50, 25}, []int16{150, -175}},
		{"positive saturation", []int16{30000, 30000}, []int16{10000, 2767}, []int16{32767, 32767}},
		{"negative saturation", []int16{-30000, -32768}, []int16{-10000, -1}, []int16{-32768, -32768}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := Mix(pcmFromSamples(tc.a...), pcmFromSamples(tc.b...))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !bytes.Equal(result, pcmFromSamples(tc.expected...)) {
				t.Errorf("expected %v, got %v", tc.expected, pcmToSamples(result))
			}
		})
	}
}

// TestMixCommutative tests mix(a,b) == mix(b,a)
func TestMixCommutative(t *testing.T) {
	a := pcmFromSamples(100, -5000, 32000, -32768)
	b := pcmFromSamples(-100, 7000, 1000, -1)

	ab, err := Mix(a, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ba, err := Mix(b, a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(ab, ba) {
		t.Error("mix is not commutative")
	}
}

// TestMixMaxAmplitudeNoWraparound tests that mixing two full-scale frames
// saturates instead of wrapping
func TestMixMaxAmplitudeNoWraparound(t *testing.T) {
	a := make([]int16, FrameSamples)
	for i := range a {
		a[i] = 32767
	}
	result, err := Mix(pcmFromSamples(a...), pcmFromSamples(a...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, s := range pcmToSamples(result) {
		if s != 32767 {
			t.Fatalf("sample %d wrapped around: %d", i, s)
		}
	}
}

// TestMixLengthMismatch tests that unequal inputs are rejected
func TestMixLengthMismatch(t *testing.T) {
	_, err := Mix(make([]byte, 4), make([]byte, 6))
	if err == nil {
		t.Error("expected error for length mismatch")
	}
}

// TestScaleVolume tests multiplicative scaling
func TestScaleVolume(t *testing.T) {
	testCases := []struct {
		name     string
		input    []int16
		factor   float64
		expected []int16
	}{
		{"half", []int16{1000, -2000, 0}, 0.5, []int16{500, -1000, 0}},
		{"unity", []int16{1234, -4321}, 1.0, []int16{1234, -4321}},
		{"zero", []int16{1234, -4321}, 0.0, []int16{0, 0}},
		{"clamped above one", []int16{1000}, 2.0, []int16{1000}},
		{"clamped below zero", []int16{1000}, -1.0, []int16{0}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := ScaleVolume(pcmFromSamples(tc.input...), tc.factor)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !bytes.Equal(result, pcmFromSamples(tc.expected...)) {
				t.Errorf("expected %v, got %v", tc.expected, pcmToSamples(result))
			}
		})
	}
}

// TestResample tests linear-interpolation resampling
func TestResample(t *testing.T) {
	testCases := []struct {
		name        string
		samples     int
		fromRate    int
		toRate      int
		expectedLen int
	}{
		{"identity", 160, 8000, 8000, 160},
		{"upsample 8k to 16k", 160, 8000, 16000, 320},
		{"downsample 16k to 8k", 320, 16000, 8000, 160},
		{"empty", 0, 8000, 16000, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			in := make([]int16, tc.samples)
			for i := range in {
				in[i] = int16(i * 10)
			}
			result, err := Resample(pcmFromSamples(in...), tc.fromRate, tc.toRate)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(result)/2 != tc.expectedLen {
				t.Errorf("expected %d samples, got %d", tc.expectedLen, len(result)/2)
			}
		})
	}
}

// TestResampleInvalidRate tests rate validation
func TestResampleInvalidRate(t *testing.T) {
	_, err := Resample(make([]byte, 320), 0, 8000)
	if err == nil {
		t.Error("expected error for zero sample rate")
	}
}

// TestResamplePreservesDC tests that a constant signal stays constant
func TestResamplePreservesDC(t *testing.T) {
	in := make([]int16, 160)
	for i := range in {
		in[i] = 5000
	}
	result, err := Resample(pcmFromSamples(in...), 8000, 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, s := range pcmToSamples(result) {
		if s != 5000 {
			t.Fatalf("sample %d drifted: %d", i, s)
		}
	}
}

// TestClampInt16 tests saturation bounds
func TestClampInt16(t *testing.T) {
	testCases := []struct {
		val      int
		expected int16
	}{
		{0, 0},
		{32767, 32767},
		{-32768, -32768},
		{40000, 32767},
		{-40000, -32768},
	}

	for _, tc := range testCases {
		if result := clampInt16(tc.val); result != tc.expected {
			t.Errorf("clampInt16(%d) = %d, expected %d", tc.val, result, tc.expected)
		}
	}
}
