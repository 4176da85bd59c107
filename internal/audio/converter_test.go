package audio

import (
	"encoding/binary"
	"testing"
)

func pcmFrom(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

// mulawToLinear decodes one G.711 μ-law byte.
func mulawToLinear(mulawByte byte) int16 {
	const bias = 0x84

	mulawByte = ^mulawByte
	sign := mulawByte & 0x80
	segment := int32((mulawByte >> 4) & 0x07)
	mantissa := int32(mulawByte & 0x0F)

	magnitude := ((mantissa<<3)+bias)<<segment - bias
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

func TestConvertPCMToPCMU(t *testing.T) {
	samples := []int16{0, 1000, -1000, 32767, -32768}

	pcmuData, err := ConvertPCMToPCMU(pcmFrom(samples), 8000, 8000)
	if err != nil {
		t.Fatalf("ConvertPCMToPCMU failed: %v", err)
	}

	if len(pcmuData) != len(samples) {
		t.Errorf("Expected PCMU length %d, got %d", len(samples), len(pcmuData))
	}

	// Silence encodes to 0xFF in G.711 μ-law
	if pcmuData[0] != 0xFF {
		t.Errorf("Expected silence to encode as 0xFF, got 0x%X", pcmuData[0])
	}
}

func TestConvertPCMToPCMU_Errors(t *testing.T) {
	if _, err := ConvertPCMToPCMU(nil, 8000, 8000); err == nil {
		t.Error("Expected error for empty input")
	}
	if _, err := ConvertPCMToPCMU([]byte{1, 2, 3}, 8000, 8000); err == nil {
		t.Error("Expected error for odd-length input")
	}
}

func TestConvertPCMToPCMU_Resample(t *testing.T) {
	samples := make([]int16, 2400) // 0.1 seconds at 24kHz
	for i := range samples {
		samples[i] = int16(i % 1000)
	}

	pcmuData, err := ConvertPCMToPCMU(pcmFrom(samples), 24000, 8000)
	if err != nil {
		t.Fatalf("ConvertPCMToPCMU failed: %v", err)
	}

	if len(pcmuData) != 800 {
		t.Errorf("Expected PCMU length 800, got %d", len(pcmuData))
	}
}

func TestMulaw_RoundTrip(t *testing.T) {
	// μ-law is lossy; error grows with magnitude
	testSamples := []int16{-16000, -4096, -512, -100, 0, 100, 512, 4096, 16000}

	for _, sample := range testSamples {
		linear := mulawToLinear(linearToMulaw(sample))

		diff := int32(sample) - int32(linear)
		if diff < 0 {
			diff = -diff
		}
		abs := int32(sample)
		if abs < 0 {
			abs = -abs
		}
		tolerance := abs/16 + 8

		if diff > tolerance {
			t.Errorf("Round-trip for %d recovered %d (diff %d > %d)", sample, linear, diff, tolerance)
		}
	}
}

func TestResample(t *testing.T) {
	samples := make([]int16, 100)
	for i := range samples {
		samples[i] = int16(i * 100)
	}

	if got := len(resample(samples, 8000, 16000)); got != 200 {
		t.Errorf("Expected resampled length 200, got %d", got)
	}
	if got := len(resample(samples, 16000, 8000)); got != 50 {
		t.Errorf("Expected resampled length 50, got %d", got)
	}
	if got := len(resample(samples, 8000, 8000)); got != len(samples) {
		t.Errorf("Expected unchanged length %d, got %d", len(samples), got)
	}
}

func TestConvert(t *testing.T) {
	pcm := pcmFrom(make([]int16, 240))

	tests := []struct {
		name    string
		out     Format
		wantLen int
		wantErr bool
	}{
		{"passthrough", Format{Encoding: EncodingLinear16, SampleRate: 24000}, 480, false},
		{"unset rate passthrough", Format{Encoding: EncodingLinear16}, 480, false},
		{"pcm downsample", Format{Encoding: EncodingLinear16, SampleRate: 16000}, 320, false},
		{"mulaw 8k", Format{Encoding: EncodingMulaw, SampleRate: 8000}, 80, false},
		{"unknown", Format{Encoding: "opus", SampleRate: 48000}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Convert(pcm, 24000, tt.out)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Convert() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && len(got) != tt.wantLen {
				t.Errorf("Expected %d bytes, got %d", tt.wantLen, len(got))
			}
		})
	}
}

func TestNormalizeEncoding(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", EncodingLinear16, false},
		{"PCM16", EncodingLinear16, false},
		{"linear16", EncodingLinear16, false},
		{"ulaw", EncodingMulaw, false},
		{"audio/x-mulaw", EncodingMulaw, false},
		{"opus", "", true},
	}

	for _, tt := range tests {
		got, err := NormalizeEncoding(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("NormalizeEncoding(%q) = %q, %v; want %q, err %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}
