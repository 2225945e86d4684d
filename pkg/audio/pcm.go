package audio

import (
	"encoding/binary"
	"math"
)

// BytesToPCM converts little-endian 16-bit PCM bytes to samples. A
// trailing odd byte is dropped.
func BytesToPCM(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// PCMToBytes converts samples to little-endian 16-bit PCM bytes.
func PCMToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// ToFloat32Mono converts interleaved 16-bit PCM to mono float32 samples
// in [-1, 1], averaging channels, which is the input format whisper.cpp
// expects.
func ToFloat32Mono(samples []int16, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(samples[i*channels+c])
		}
		out[i] = float32(sum/int32(channels)) / 32768.0
	}
	return out
}

// ResampleMono converts mono samples from one sample rate to another
// using linear interpolation. Good enough for speech playback; not meant
// for music.
func ResampleMono(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}
	outLen := int(int64(len(samples)) * int64(toRate) / int64(fromRate))
	out := make([]int16, outLen)
	ratio := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(idx)
		a, b := float64(samples[idx]), float64(samples[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}

// MonoToStereo duplicates each mono sample into two channels.
func MonoToStereo(samples []int16) []int16 {
	out := make([]int16, len(samples)*2)
	for i, s := range samples {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// StereoToMono averages sample pairs down to one channel.
func StereoToMono(samples []int16) []int16 {
	out := make([]int16, len(samples)/2)
	for i := range out {
		out[i] = int16((int32(samples[i*2]) + int32(samples[i*2+1])) / 2)
	}
	return out
}

// RMS computes the root-mean-square level of samples, used for cheap
// silence detection ahead of transcription.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}
