package audio

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Encoding names accepted on the wire
const (
	EncodingLinear16 = "linear16"
	EncodingMulaw    = "mulaw"
)

// Format describes one side of an audio stream
type Format struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels,omitempty"`
}

// NormalizeEncoding maps common aliases onto EncodingLinear16 or EncodingMulaw.
func NormalizeEncoding(enc string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(enc)) {
	case "", "linear16", "pcm", "pcm16", "pcm_s16le", "s16le":
		return EncodingLinear16, nil
	case "mulaw", "ulaw", "pcmu", "g711_ulaw", "audio/x-mulaw":
		return EncodingMulaw, nil
	default:
		return "", fmt.Errorf("unsupported audio encoding %q", enc)
	}
}

// Convert turns little-endian PCM16 audio at inputSampleRate into the
// requested output format.
func Convert(pcmData []byte, inputSampleRate int, out Format) ([]byte, error) {
	switch out.Encoding {
	case EncodingMulaw:
		return ConvertPCMToPCMU(pcmData, inputSampleRate, out.SampleRate)
	case EncodingLinear16, "":
		if out.SampleRate == 0 || out.SampleRate == inputSampleRate {
			return pcmData, nil
		}
		samples, err := bytesToSamples(pcmData)
		if err != nil {
			return nil, err
		}
		return samplesToBytes(resample(samples, inputSampleRate, out.SampleRate)), nil
	default:
		return nil, fmt.Errorf("unsupported output encoding %q", out.Encoding)
	}
}

// ConvertPCMToPCMU converts linear PCM audio to G.711 PCMU (μ-law) format
// Input: PCM audio data (16-bit signed integers, little-endian)
// Output: PCMU (μ-law) encoded audio data
func ConvertPCMToPCMU(pcmData []byte, inputSampleRate, outputSampleRate int) ([]byte, error) {
	samples, err := bytesToSamples(pcmData)
	if err != nil {
		return nil, err
	}

	if outputSampleRate > 0 && inputSampleRate != outputSampleRate {
		samples = resample(samples, inputSampleRate, outputSampleRate)
	}

	pcmuData := make([]byte, len(samples))
	for i, sample := range samples {
		pcmuData[i] = linearToMulaw(sample)
	}

	return pcmuData, nil
}

func bytesToSamples(pcmData []byte) ([]int16, error) {
	if len(pcmData) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}
	if len(pcmData)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}

	samples := make([]int16, len(pcmData)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcmData[i*2:]))
	}
	return samples, nil
}

func samplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// resample performs linear interpolation resampling
func resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || inputRate <= 0 || outputRate <= 0 || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := len(samples) * outputRate / inputRate
	output := make([]int16, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		if idx0 >= len(samples) {
			idx0 = len(samples) - 1
		}
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// linearToMulaw converts a 16-bit linear PCM sample to 8-bit μ-law (ITU-T G.711)
func linearToMulaw(sample int16) byte {
	const (
		clip = 32635
		bias = 0x84
	)

	var sign byte
	magnitude := int32(sample)
	if magnitude < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > clip {
		magnitude = clip
	}
	magnitude += bias

	// Segment is the position of the highest set bit above bit 7
	segment := byte(7)
	for mask := int32(0x4000); segment > 0 && magnitude&mask == 0; mask >>= 1 {
		segment--
	}

	mantissa := byte((magnitude >> (segment + 3)) & 0x0F)
	return ^(sign | (segment << 4) | mantissa)
}
