package media

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"voicebridge-server/pkg/errors"
)

// TestDecode_ULaw tests µ-law decoding
func TestDecode_ULaw(t *testing.T) {
	testCases := []struct {
		name     string
		input    []byte
		encoding string
	}{
		{"empty payload", []byte{}, "PCMU"},
		{"silence (0xFF = zero in µ-law)", []byte{0xFF, 0xFF, 0xFF, 0xFF}, "PCMU"},
		{"single sample", []byte{0x00}, "PCMU"},
		{"multiple samples", []byte{0x00, 0x7F, 0x80, 0xFF}, "PCMU"},
		{"G711U alias", []byte{0x00, 0x7F}, "G711U"},
		{"default empty encoding", []byte{0x00, 0x7F}, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := Decode(tc.input, tc.encoding)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if len(tc.input) == 0 {
				if len(result) != 0 {
					t.Errorf("expected empty result for empty input, got %d bytes", len(result))
				}
				return
			}

			// Output should be 2x input size (16-bit samples)
			if len(result) != len(tc.input)*2 {
				t.Errorf("expected %d bytes, got %d", len(tc.input)*2, len(result))
			}
		})
	}
}

// TestDecode_ALaw tests A-law decoding
func TestDecode_ALaw(t *testing.T) {
	testCases := []struct {
		name  string
		input []byte
	}{
		{"empty payload", []byte{}},
		{"silence (0xD5 = zero in A-law)", []byte{0xD5, 0xD5, 0xD5, 0xD5}},
		{"multiple samples", []byte{0x00, 0x7F, 0x80, 0xFF}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := Decode(tc.input, "PCMA")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(result) != len(tc.input)*2 {
				t.Errorf("expected %d bytes, got %d", len(tc.input)*2, len(result))
			}
		})
	}
}

// TestDecode_L16 tests linear 16-bit PCM passthrough
func TestDecode_L16(t *testing.T) {
	input := []byte{0x00, 0x01, 0x02, 0x03}
	result, err := Decode(input, "L16")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(result, input) {
		t.Errorf("L16 should pass through unchanged, got %v", result)
	}
}

// TestDecode_UnsupportedEncoding tests unsupported encoding handling
func TestDecode_UnsupportedEncoding(t *testing.T) {
	_, err := Decode([]byte{0x00}, "OPUS")
	if err == nil {
		t.Fatal("expected error for unsupported encoding")
	}
	if !errors.IsErrorType(err, errors.ErrCodec) {
		t.Errorf("expected codec error, got %v", err)
	}
}

// TestEncode_OddLength tests that odd-length PCM input is rejected
func TestEncode_OddLength(t *testing.T) {
	_, err := Encode([]byte{0x00, 0x01, 0x02}, "PCMU")
	if err == nil {
		t.Fatal("expected error for odd byte count")
	}
	if !errors.IsErrorType(err, errors.ErrCodec) {
		t.Errorf("expected codec error, got %v", err)
	}
}

// TestMuLawDecoding tests µ-law decoding accuracy against ITU-T G.711
func TestMuLawDecoding(t *testing.T) {
	testCases := []struct {
		input    byte
		expected int16
	}{
		{0xFF, 0},      // Positive zero
		{0x7F, 0},      // Negative zero
		{0x00, -32124}, // Maximum negative amplitude
		{0x80, 32124},  // Maximum positive amplitude
	}

	for _, tc := range testCases {
		result := decodeMuLawSample(tc.input)
		diff := int(result) - int(tc.expected)
		if diff < 0 {
			diff = -diff
		}
		if diff > 0 {
			t.Errorf("µ-law 0x%02X: expected %d, got %d", tc.input, tc.expected, result)
		}
	}
}

// TestALawDecoding tests A-law decoding accuracy
func TestALawDecoding(t *testing.T) {
	testCases := []struct {
		input    byte
		expected int16
	}{
		{0xD5, 8},  // Positive zero signal
		{0x55, -8}, // Negative zero signal
	}

	for _, tc := range testCases {
		result := decodeALawSample(tc.input)
		if result != tc.expected {
			t.Errorf("A-law 0x%02X: expected %d, got %d", tc.input, tc.expected, result)
		}
	}
}

// TestMuLawRoundTrip tests encode(decode(x)) == x across the full code space,
// excluding negative zero which collapses onto positive zero
func TestMuLawRoundTrip(t *testing.T) {
	for i := 0; i < 256; i++ {
		code := byte(i)
		if code == 0x7F {
			continue
		}
		sample := decodeMuLawSample(code)
		back := encodeMuLawSample(sample)
		if back != code {
			t.Errorf("µ-law code 0x%02X: round-trip produced 0x%02X (sample %d)", code, back, sample)
		}
	}
}

// TestALawRoundTrip tests encode(decode(x)) == x across the full code space
func TestALawRoundTrip(t *testing.T) {
	for i := 0; i < 256; i++ {
		code := byte(i)
		sample := decodeALawSample(code)
		back := encodeALawSample(sample)
		if back != code {
			t.Errorf("A-law code 0x%02X: round-trip produced 0x%02X (sample %d)", code, back, sample)
		}
	}
}

// TestSilenceFrameStability tests that silence frames survive a decode/encode
// cycle byte for byte
func TestSilenceFrameStability(t *testing.T) {
	testCases := []struct {
		encoding string
		fill     byte
	}{
		{"PCMU", ULawSilence},
		{"PCMA", ALawSilence},
	}

	for _, tc := range testCases {
		t.Run(tc.encoding, func(t *testing.T) {
			frame := SilenceFrame(tc.encoding, FrameBytes)
			if len(frame) != FrameBytes {
				t.Fatalf("expected %d bytes, got %d", FrameBytes, len(frame))
			}
			for i, b := range frame {
				if b != tc.fill {
					t.Fatalf("byte %d: expected 0x%02X, got 0x%02X", i, tc.fill, b)
				}
			}

			pcm, err := Decode(frame, tc.encoding)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			back, err := Encode(pcm, tc.encoding)
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			if !bytes.Equal(back, frame) {
				t.Error("silence frame not byte-stable through decode/encode")
			}
		})
	}
}

// TestEncodeDecodeSineWave tests the full pipeline with a real signal
func TestEncodeDecodeSineWave(t *testing.T) {
	pcm := make([]byte, FramePCMBytes)
	for i := 0; i < FrameSamples; i++ {
		phase := float64(i) * 2.0 * math.Pi * 400.0 / float64(SampleRate)
		sample := int16(math.Sin(phase) * 8000)
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(sample))
	}

	encoded, err := Encode(pcm, "PCMU")
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(encoded) != FrameBytes {
		t.Fatalf("expected %d companded bytes, got %d", FrameBytes, len(encoded))
	}

	decoded, err := Decode(encoded, "PCMU")
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	// Companding is lossy; each sample should land within its quantization step
	for i := 0; i < FrameSamples; i++ {
		orig := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		got := int16(binary.LittleEndian.Uint16(decoded[2*i:]))
		diff := int(orig) - int(got)
		if diff < 0 {
			diff = -diff
		}
		if diff > 512 {
			t.Fatalf("sample %d: quantization error too large: %d vs %d", i, orig, got)
		}
	}
}

// BenchmarkDecodeULaw benchmarks µ-law decoding of one frame
func BenchmarkDecodeULaw(b *testing.B) {
	data := make([]byte, FrameBytes)
	for i := range data {
		data[i] = byte(i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Decode(data, "PCMU")
	}
}

// BenchmarkEncodeULaw benchmarks µ-law encoding of one frame
func BenchmarkEncodeULaw(b *testing.B) {
	data := make([]byte, FramePCMBytes)
	for i := range data {
		data[i] = byte(i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Encode(data, "PCMU")
	}
}
