package media

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Bed is a looped background-noise buffer played under agent speech. The
// sample data is immutable after load; only the cursor moves, and only the
// mixer goroutine touches it.
type Bed struct {
	samples []int16
	cursor  int
}

// LoadBed reads a 16-bit PCM WAV file, downmixes to mono, and resamples to
// the telephony rate.
func LoadBed(path string) (*Bed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	samples, sampleRate, err := readWAV(f)
	if err != nil {
		return nil, fmt.Errorf("invalid WAV file %s: %w", path, err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("WAV file %s has no audio data", path)
	}

	if sampleRate != SampleRate {
		resampled, err := Resample(samplesToPCM(samples), sampleRate, SampleRate)
		if err != nil {
			return nil, err
		}
		samples = pcmToSamples(resampled)
	}

	return &Bed{samples: samples}, nil
}

// NewBedFromSamples builds a bed from raw 8kHz mono samples. Used in tests
// and when no WAV file is configured.
func NewBedFromSamples(samples []int16) *Bed {
	return &Bed{samples: append([]int16(nil), samples...)}
}

// NextChunk returns the next n samples as 16-bit PCM, wrapping the cursor
// modulo the bed length.
func (b *Bed) NextChunk(n int) []byte {
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = b.samples[b.cursor]
		b.cursor = (b.cursor + 1) % len(b.samples)
	}
	return samplesToPCM(out)
}

// Len returns the bed length in samples.
func (b *Bed) Len() int {
	return len(b.samples)
}

// readWAV parses a RIFF/WAVE stream and returns mono 16-bit samples plus the
// source sample rate. Stereo input is averaged down to one channel.
func readWAV(r io.ReadSeeker) ([]int16, int, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 0, err
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("missing RIFF/WAVE header")
	}

	var sampleRate, channels int
	var data []byte

	for {
		chunkHeader := make([]byte, 8)
		if _, err := io.ReadFull(r, chunkHeader); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, 0, err
		}
		chunkID := string(chunkHeader[0:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])

		switch chunkID {
		case "fmt ":
			fmtChunk := make([]byte, chunkSize)
			if _, err := io.ReadFull(r, fmtChunk); err != nil {
				return nil, 0, err
			}
			if audioFormat := binary.LittleEndian.Uint16(fmtChunk[0:2]); audioFormat != 1 {
				return nil, 0, fmt.Errorf("unsupported audio format: %d", audioFormat)
			}
			channels = int(binary.LittleEndian.Uint16(fmtChunk[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(fmtChunk[4:8]))
			if bits := binary.LittleEndian.Uint16(fmtChunk[14:16]); bits != 16 {
				return nil, 0, fmt.Errorf("unsupported bits per sample: %d", bits)
			}
		case "data":
			data = make([]byte, chunkSize)
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, 0, err
			}
		default:
			if _, err := r.Seek(int64(chunkSize), io.SeekCurrent); err != nil {
				return nil, 0, err
			}
		}

		if sampleRate != 0 && data != nil {
			break
		}
	}

	if sampleRate == 0 {
		return nil, 0, fmt.Errorf("missing fmt chunk")
	}
	if data == nil {
		return nil, 0, fmt.Errorf("missing data chunk")
	}
	if channels < 1 {
		return nil, 0, fmt.Errorf("invalid channel count: %d", channels)
	}

	frameCount := len(data) / (2 * channels)
	samples := make([]int16, frameCount)
	for i := 0; i < frameCount; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			off := (i*channels + c) * 2
			sum += int(int16(binary.LittleEndian.Uint16(data[off : off+2])))
		}
		samples[i] = int16(sum / channels)
	}

	return samples, sampleRate, nil
}
