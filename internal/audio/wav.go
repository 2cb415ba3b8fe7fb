package audio

import (
	"encoding/binary"
	"errors"
)

const (
	wavHeaderSize = 44
	pcm16Bytes    = 2
)

var ErrOddPCM = errors.New("pcm16 payload has an odd byte count")

// EncodeWAVPCM16LE wraps mono PCM16LE samples in a canonical WAV container.
// A non-positive sample rate defaults to 16kHz.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	if len(pcm)%pcm16Bytes != 0 {
		return nil, ErrOddPCM
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	out := make([]byte, wavHeaderSize+len(pcm))
	le := binary.LittleEndian

	copy(out[0:], "RIFF")
	le.PutUint32(out[4:], uint32(36+len(pcm)))
	copy(out[8:], "WAVE")

	copy(out[12:], "fmt ")
	le.PutUint32(out[16:], 16)
	le.PutUint16(out[20:], 1) // PCM
	le.PutUint16(out[22:], 1) // mono
	le.PutUint32(out[24:], uint32(sampleRate))
	le.PutUint32(out[28:], uint32(sampleRate*pcm16Bytes))
	le.PutUint16(out[32:], pcm16Bytes)
	le.PutUint16(out[34:], 16)

	copy(out[36:], "data")
	le.PutUint32(out[40:], uint32(len(pcm)))
	copy(out[wavHeaderSize:], pcm)
	return out, nil
}
