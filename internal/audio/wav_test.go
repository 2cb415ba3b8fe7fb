package audio

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeWAVPCM16LE(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	wav, err := EncodeWAVPCM16LE(pcm, 24000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Fatalf("bad chunk ids: %q", wav[:40])
	}
	if got := binary.LittleEndian.Uint32(wav[24:]); got != 24000 {
		t.Fatalf("sample rate = %d, want 24000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[28:]); got != 48000 {
		t.Fatalf("byte rate = %d, want 48000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:]); got != uint32(len(pcm)) {
		t.Fatalf("data size = %d, want %d", got, len(pcm))
	}
	if string(wav[44:]) != string(pcm) {
		t.Fatalf("payload mismatch")
	}
}

func TestEncodeWAVDefaultsAndOddInput(t *testing.T) {
	wav, err := EncodeWAVPCM16LE(nil, 0)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE(nil) error = %v", err)
	}
	if got := binary.LittleEndian.Uint32(wav[24:]); got != 16000 {
		t.Fatalf("default sample rate = %d, want 16000", got)
	}
	if _, err := EncodeWAVPCM16LE([]byte{1, 2, 3}, 16000); !errors.Is(err, ErrOddPCM) {
		t.Fatalf("odd input error = %v, want ErrOddPCM", err)
	}
}
