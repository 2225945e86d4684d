package audio

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"
)

func TestWAVRoundTrip(t *testing.T) {
	t.Parallel()

	samples := []int16{0, 1000, -1000, 32767, -32768, 42}
	encoded := EncodeWAV(samples, 24000, 1)

	wav, err := DecodeWAV(encoded)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if wav.SampleRate != 24000 || wav.Channels != 1 {
		t.Errorf("header %d Hz %d ch", wav.SampleRate, wav.Channels)
	}
	if !reflect.DeepEqual(wav.Samples, samples) {
		t.Errorf("samples %v, want %v", wav.Samples, samples)
	}
}

func TestDecodeWAVToleratesExtraChunks(t *testing.T) {
	t.Parallel()

	samples := []int16{1, 2, 3, 4}
	encoded := EncodeWAV(samples, 48000, 2)

	// Splice a LIST chunk between fmt and data, as many encoders emit.
	list := make([]byte, 8+6)
	copy(list[0:4], "LIST")
	binary.LittleEndian.PutUint32(list[4:8], 6)
	copy(list[8:], "INFOab")

	var spliced bytes.Buffer
	spliced.Write(encoded[:36]) // RIFF header + fmt chunk
	spliced.Write(list)
	spliced.Write(encoded[36:]) // data chunk

	wav, err := DecodeWAV(spliced.Bytes())
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if wav.Channels != 2 || !reflect.DeepEqual(wav.Samples, samples) {
		t.Errorf("decoded %+v", wav)
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	t.Parallel()

	cases := map[string][]byte{
		"empty":     nil,
		"not riff":  []byte("OGGS this is not a wav file at all"),
		"truncated": []byte("RIFF"),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := DecodeWAV(data); err == nil {
				t.Error("garbage accepted")
			}
		})
	}
}

func TestDecodeWAVRejectsUnsupportedEncoding(t *testing.T) {
	t.Parallel()

	encoded := EncodeWAV([]int16{1, 2}, 8000, 1)
	// Rewrite the format tag to IEEE float.
	binary.LittleEndian.PutUint16(encoded[20:22], 3)
	if _, err := DecodeWAV(encoded); err == nil {
		t.Error("non-PCM format accepted")
	}
}

func TestPCMByteConversionRoundTrip(t *testing.T) {
	t.Parallel()

	samples := []int16{-1, 0, 1, 255, -256, 32767}
	if got := BytesToPCM(PCMToBytes(samples)); !reflect.DeepEqual(got, samples) {
		t.Errorf("round trip %v, want %v", got, samples)
	}

	// A trailing odd byte is dropped.
	if got := BytesToPCM([]byte{0x01, 0x00, 0xFF}); len(got) != 1 || got[0] != 1 {
		t.Errorf("odd input %v", got)
	}
}

func TestToFloat32Mono(t *testing.T) {
	t.Parallel()

	// Stereo frames are averaged and scaled into [-1, 1].
	got := ToFloat32Mono([]int16{16384, -16384, 32767, 32767}, 2)
	if len(got) != 2 {
		t.Fatalf("got %d frames", len(got))
	}
	if got[0] != 0 {
		t.Errorf("frame 0 = %v, want 0", got[0])
	}
	if got[1] < 0.99 || got[1] > 1.0 {
		t.Errorf("frame 1 = %v, want near 1", got[1])
	}
}

func TestResampleMono(t *testing.T) {
	t.Parallel()

	in := make([]int16, 240) // 10 ms at 24 kHz
	out := ResampleMono(in, 24000, 48000)
	if len(out) != 480 {
		t.Errorf("upsampled length %d, want 480", len(out))
	}

	out = ResampleMono(in, 24000, 16000)
	if len(out) != 160 {
		t.Errorf("downsampled length %d, want 160", len(out))
	}

	// Same rate returns the input untouched.
	if got := ResampleMono(in, 24000, 24000); len(got) != len(in) {
		t.Errorf("same-rate length %d", len(got))
	}

	// Linear interpolation lands between neighbours.
	mid := ResampleMono([]int16{0, 100}, 8000, 16000)
	if len(mid) != 4 || mid[1] != 50 {
		t.Errorf("interpolated %v", mid)
	}
}

func TestChannelConversion(t *testing.T) {
	t.Parallel()

	stereo := MonoToStereo([]int16{1, 2})
	if !reflect.DeepEqual(stereo, []int16{1, 1, 2, 2}) {
		t.Errorf("MonoToStereo %v", stereo)
	}

	mono := StereoToMono([]int16{100, 200, -100, 100})
	if !reflect.DeepEqual(mono, []int16{150, 0}) {
		t.Errorf("StereoToMono %v", mono)
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()

	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v", got)
	}
	if got := RMS([]int16{0, 0, 0}); got != 0 {
		t.Errorf("RMS(silence) = %v", got)
	}
	if got := RMS([]int16{100, -100, 100, -100}); got != 100 {
		t.Errorf("RMS(square wave) = %v, want 100", got)
	}
}
