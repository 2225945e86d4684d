// Package audio provides small PCM and WAV helpers shared by the
// synthesis pipeline, the speech-to-text front end and the Discord voice
// sink.
package audio

import (
	"encoding/binary"
	"fmt"
)

// WAV holds decoded PCM audio from a RIFF/WAVE file.
type WAV struct {
	SampleRate int
	Channels   int
	// Samples is interleaved 16-bit PCM.
	Samples []int16
}

const wavHeaderSize = 44

// EncodeWAV wraps interleaved 16-bit PCM samples in a minimal RIFF/WAVE
// container.
func EncodeWAV(samples []int16, sampleRate, channels int) []byte {
	dataLen := len(samples) * 2
	buf := make([]byte, wavHeaderSize+dataLen)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // PCM format
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	byteRate := sampleRate * channels * 2
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*2)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16)                 // bits per sample

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[wavHeaderSize+i*2:], uint16(s))
	}
	return buf
}

// DecodeWAV parses a RIFF/WAVE file containing 16-bit PCM. It walks the
// chunk list, so extra chunks (LIST, fact) before the data chunk are
// tolerated.
func DecodeWAV(b []byte) (*WAV, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, fmt.Errorf("audio: not a RIFF/WAVE file")
	}

	var (
		out     WAV
		haveFmt bool
	)
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if body+size > len(b) {
			size = len(b) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("audio: short fmt chunk")
			}
			format := binary.LittleEndian.Uint16(b[body : body+2])
			bits := binary.LittleEndian.Uint16(b[body+14 : body+16])
			if format != 1 || bits != 16 {
				return nil, fmt.Errorf("audio: unsupported WAV encoding (format=%d bits=%d)", format, bits)
			}
			out.Channels = int(binary.LittleEndian.Uint16(b[body+2 : body+4]))
			out.SampleRate = int(binary.LittleEndian.Uint32(b[body+4 : body+8]))
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("audio: data chunk before fmt chunk")
			}
			out.Samples = BytesToPCM(b[body : body+size&^1])
			return &out, nil
		}

		// Chunks are word aligned.
		off = body + size + size&1
	}
	return nil, fmt.Errorf("audio: no data chunk found")
}
