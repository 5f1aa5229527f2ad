package media

import (
	"voicebridge-server/pkg/errors"
)

// Telephony frame geometry. Twilio media streams carry 8kHz mono G.711,
// chunked into 20ms frames.
const (
	SampleRate    = 8000
	FrameDuration = 20 // milliseconds
	FrameSamples  = SampleRate * FrameDuration / 1000
	FrameBytes    = FrameSamples     // one byte per companded sample
	FramePCMBytes = FrameSamples * 2 // 16-bit little-endian
)

// Supported frame encodings.
const (
	EncodingULaw = "PCMU"
	EncodingALaw = "PCMA"
	EncodingPCM  = "L16"
)

// Companding-correct zero-signal bytes. µ-law encodes a zero sample as 0xFF
// (all bits inverted), A-law as 0xD5.
const (
	ULawSilence byte = 0xFF
	ALawSilence byte = 0xD5
)

var (
	muLawDecodeTable [256]int16
	aLawDecodeTable  [256]int16
)

func init() {
	for i := 0; i < 256; i++ {
		muLawDecodeTable[i] = decodeMuLawSample(byte(i))
		aLawDecodeTable[i] = decodeALawSample(byte(i))
	}
}

// Decode converts companded G.711 bytes into 16-bit little-endian linear PCM.
func Decode(payload []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "", EncodingULaw, "G711U", "G.711U", "G711MU":
		return muLawToPCM(payload), nil
	case EncodingALaw, "G711A", "G.711A":
		return aLawToPCM(payload), nil
	case EncodingPCM, "LINEAR16":
		// Already 16-bit linear PCM
		return append([]byte(nil), payload...), nil
	default:
		return nil, errors.NewCodecError("unsupported encoding for decode", map[string]interface{}{
			"encoding": encoding,
		})
	}
}

// Encode converts 16-bit little-endian linear PCM into companded G.711 bytes.
// The PCM byte count must be even.
func Encode(pcm []byte, encoding string) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, errors.NewCodecError("PCM input has odd byte count", map[string]interface{}{
			"length": len(pcm),
		})
	}

	switch encoding {
	case "", EncodingULaw, "G711U", "G.711U", "G711MU":
		return pcmToMuLaw(pcm), nil
	case EncodingALaw, "G711A", "G.711A":
		return pcmToALaw(pcm), nil
	case EncodingPCM, "LINEAR16":
		return append([]byte(nil), pcm...), nil
	default:
		return nil, errors.NewCodecError("unsupported encoding for encode", map[string]interface{}{
			"encoding": encoding,
		})
	}
}

// SilenceFrame returns one frame's worth of companded silence.
func SilenceFrame(encoding string, n int) []byte {
	fill := ULawSilence
	if encoding == EncodingALaw {
		fill = ALawSilence
	}
	frame := make([]byte, n)
	for i := range frame {
		frame[i] = fill
	}
	return frame
}

func muLawToPCM(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}

	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		sample := muLawDecodeTable[b]
		out[2*i] = byte(sample)
		out[2*i+1] = byte(sample >> 8)
	}
	return out
}

func aLawToPCM(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}

	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		sample := aLawDecodeTable[b]
		out[2*i] = byte(sample)
		out[2*i+1] = byte(sample >> 8)
	}
	return out
}

func pcmToMuLaw(pcm []byte) []byte {
	if len(pcm) == 0 {
		return nil
	}

	out := make([]byte, len(pcm)/2)
	for i := range out {
		sample := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		out[i] = encodeMuLawSample(sample)
	}
	return out
}

func pcmToALaw(pcm []byte) []byte {
	if len(pcm) == 0 {
		return nil
	}

	out := make([]byte, len(pcm)/2)
	for i := range out {
		sample := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		out[i] = encodeALawSample(sample)
	}
	return out
}

func decodeMuLawSample(uval byte) int16 {
	uval = ^uval
	sign := int16(uval & 0x80)
	exponent := (uval >> 4) & 0x07
	mantissa := uval & 0x0F
	magnitude := ((int16(mantissa) << 3) + 0x84) << exponent
	magnitude -= 0x84
	if sign != 0 {
		return -magnitude
	}
	return magnitude
}

func encodeMuLawSample(sample int16) byte {
	const bias = 0x84
	const clip = 32635

	sign := byte(0)
	value := int(sample)
	if value < 0 {
		sign = 0x80
		value = -value
	}
	if value > clip {
		value = clip
	}
	value += bias

	exponent := 7
	for mask := 0x4000; exponent > 0 && value&mask == 0; mask >>= 1 {
		exponent--
	}

	mantissa := (value >> (exponent + 3)) & 0x0F
	return ^(sign | byte(exponent)<<4 | byte(mantissa))
}

func decodeALawSample(aval byte) int16 {
	aval ^= 0x55
	magnitude := int16(aval&0x0F) << 4
	exponent := (aval & 0x70) >> 4
	switch exponent {
	case 0:
		magnitude += 8
	case 1:
		magnitude += 0x108
	default:
		magnitude += 0x108
		magnitude <<= exponent - 1
	}

	// In A-law the sign bit set means positive
	if aval&0x80 != 0 {
		return magnitude
	}
	return -magnitude
}

var aLawSegmentEnds = [8]int{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

func encodeALawSample(sample int16) byte {
	value := int(sample) >> 3

	var mask byte = 0xD5
	if value < 0 {
		mask = 0x55
		value = -value - 1
	}

	segment := 0
	for segment < 8 && value > aLawSegmentEnds[segment] {
		segment++
	}
	if segment >= 8 {
		return 0x7F ^ mask
	}

	aval := byte(segment) << 4
	if segment < 2 {
		aval |= byte((value >> 1) & 0x0F)
	} else {
		aval |= byte((value >> segment) & 0x0F)
	}
	return aval ^ mask
}
