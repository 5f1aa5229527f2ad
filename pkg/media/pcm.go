package media

import (
	"voicebridge-server/pkg/errors"
)

// Mix adds two equal-length 16-bit little-endian PCM buffers sample-wise,
// saturating at the int16 range instead of wrapping.
func Mix(a, b []byte) ([]byte, error) {
	if len(a) != len(b) {
		return nil, errors.NewCodecError("mix inputs differ in length", map[string]interface{}{
			"len_a": len(a),
			"len_b": len(b),
		})
	}
	if len(a)%2 != 0 {
		return nil, errors.NewCodecError("mix input has odd byte count", map[string]interface{}{
			"length": len(a),
		})
	}

	out := make([]byte, len(a))
	for i := 0; i < len(a); i += 2 {
		sa := int(int16(a[i]) | int16(a[i+1])<<8)
		sb := int(int16(b[i]) | int16(b[i+1])<<8)
		mixed := clampInt16(sa + sb)
		out[i] = byte(mixed)
		out[i+1] = byte(mixed >> 8)
	}
	return out, nil
}

// ScaleVolume multiplies each 16-bit PCM sample by factor, saturating.
// Factor is clamped to [0.0, 1.0].
func ScaleVolume(pcm []byte, factor float64) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, errors.NewCodecError("scale input has odd byte count", map[string]interface{}{
			"length": len(pcm),
		})
	}

	if factor < 0 {
		factor = 0
	} else if factor > 1 {
		factor = 1
	}

	out := make([]byte, len(pcm))
	for i := 0; i < len(pcm); i += 2 {
		sample := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		scaled := clampInt16(int(sample * factor))
		out[i] = byte(scaled)
		out[i+1] = byte(scaled >> 8)
	}
	return out, nil
}

// Resample converts mono 16-bit PCM between sample rates using linear
// interpolation. Used when a backend speaks a different native rate (16kHz).
func Resample(pcm []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, errors.NewCodecError("invalid sample rate", map[string]interface{}{
			"from_rate": fromRate,
			"to_rate":   toRate,
		})
	}
	if len(pcm)%2 != 0 {
		return nil, errors.NewCodecError("resample input has odd byte count", map[string]interface{}{
			"length": len(pcm),
		})
	}
	if fromRate == toRate || len(pcm) == 0 {
		return append([]byte(nil), pcm...), nil
	}

	in := pcmToSamples(pcm)
	outLen := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	if outLen == 0 {
		return nil, nil
	}

	out := make([]int16, outLen)
	ratio := float64(len(in)-1) / float64(outLen)
	if len(in) == 1 {
		ratio = 0
	}
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		if idx+1 < len(in) {
			out[i] = int16(float64(in[idx])*(1-frac) + float64(in[idx+1])*frac)
		} else {
			out[i] = in[len(in)-1]
		}
	}
	return samplesToPCM(out), nil
}

func pcmToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
	}
	return samples
}

func samplesToPCM(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[2*i] = byte(s)
		pcm[2*i+1] = byte(s >> 8)
	}
	return pcm
}

func clampInt16(v int) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
