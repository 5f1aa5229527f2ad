package media

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func writeTestWAV(t *testing.T, path string, sampleRate, channels int, samples []int16) {
	t.Helper()

	dataSize := len(samples) * 2
	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*channels*2))
	binary.Write(buf, binary.LittleEndian, uint16(channels*2))
	binary.Write(buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataSize))
	for _, s := range samples {
		binary.Write(buf, binary.LittleEndian, s)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("failed to write test WAV: %v", err)
	}
}

// TestLoadBed tests loading an 8kHz mono WAV file
func TestLoadBed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bed.wav")
	samples := []int16{100, 200, 300, 400}
	writeTestWAV(t, path, SampleRate, 1, samples)

	bed, err := LoadBed(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bed.Len() != len(samples) {
		t.Errorf("expected %d samples, got %d", len(samples), bed.Len())
	}
}

// TestLoadBedResamples tests that a 16kHz file comes out at the telephony rate
func TestLoadBedResamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bed16k.wav")
	samples := make([]int16, 320)
	for i := range samples {
		samples[i] = int16(i)
	}
	writeTestWAV(t, path, 16000, 1, samples)

	bed, err := LoadBed(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bed.Len() != 160 {
		t.Errorf("expected 160 samples after resample, got %d", bed.Len())
	}
}

// TestLoadBedStereoDownmix tests stereo to mono averaging
func TestLoadBedStereoDownmix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stereo.wav")
	// Interleaved L/R pairs
	samples := []int16{100, 300, -100, -300}
	writeTestWAV(t, path, SampleRate, 2, samples)

	bed, err := LoadBed(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bed.Len() != 2 {
		t.Fatalf("expected 2 mono samples, got %d", bed.Len())
	}
	chunk := pcmToSamples(bed.NextChunk(2))
	if chunk[0] != 200 || chunk[1] != -200 {
		t.Errorf("expected downmixed [200 -200], got %v", chunk)
	}
}

// TestLoadBedRejectsGarbage tests header validation
func TestLoadBedRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.wav")
	if err := os.WriteFile(path, []byte("this is not a wav file at all"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadBed(path); err == nil {
		t.Error("expected error for non-WAV input")
	}
}

// TestBedCursorWraps tests modular cursor arithmetic across the buffer end
func TestBedCursorWraps(t *testing.T) {
	bed := NewBedFromSamples([]int16{1, 2, 3})

	chunk := pcmToSamples(bed.NextChunk(7))
	expected := []int16{1, 2, 3, 1, 2, 3, 1}
	for i := range expected {
		if chunk[i] != expected[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, expected[i], chunk[i])
		}
	}

	// Cursor continues from where it left off
	next := pcmToSamples(bed.NextChunk(2))
	if next[0] != 2 || next[1] != 3 {
		t.Errorf("expected continuation [2 3], got %v", next)
	}
}

// TestBedChunkSize tests that NextChunk returns exactly the requested size
func TestBedChunkSize(t *testing.T) {
	bed := NewBedFromSamples(make([]int16, 10))
	chunk := bed.NextChunk(FrameSamples)
	if len(chunk) != FramePCMBytes {
		t.Errorf("expected %d bytes, got %d", FramePCMBytes, len(chunk))
	}
}
