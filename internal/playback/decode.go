package playback

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

var errBufferOverflow = errors.New("decode buffer overflow")

// Decoder turns raw stream bytes into PCM16LE mono samples.
type Decoder interface {
	Decode(chunk []byte) ([]byte, error)
	SampleRate() int
}

type formatInfo struct {
	codec      string
	sampleRate int
	bitrateK   int
}

func (f formatInfo) pcm() bool { return f.codec == "pcm" }

// parseFormat reads a provider output format (pcm_16000, mp3_44100_128) and
// falls back to the response content type.
func parseFormat(format, contentType string) formatInfo {
	format = strings.ToLower(strings.TrimSpace(format))
	if format != "" {
		parts := strings.Split(format, "_")
		info := formatInfo{codec: parts[0]}
		if len(parts) > 1 {
			info.sampleRate, _ = strconv.Atoi(parts[1])
		}
		if len(parts) > 2 {
			info.bitrateK, _ = strconv.Atoi(parts[2])
		}
		if info.codec == "pcm" && info.sampleRate <= 0 {
			info.sampleRate = 16000
		}
		return info
	}

	ct := strings.ToLower(contentType)
	mediaType, params, _ := strings.Cut(ct, ";")
	mediaType = strings.TrimSpace(mediaType)
	switch mediaType {
	case "audio/pcm", "audio/l16", "audio/x-pcm":
		info := formatInfo{codec: "pcm", sampleRate: 16000}
		for _, p := range strings.Split(params, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
			if ok && k == "rate" {
				if n, err := strconv.Atoi(v); err == nil && n > 0 {
					info.sampleRate = n
				}
			}
		}
		return info
	case "audio/mpeg", "audio/mp3":
		return formatInfo{codec: "mp3", sampleRate: 44100, bitrateK: 128}
	default:
		return formatInfo{codec: mediaType}
	}
}

// estimateDuration approximates clip length for codecs without a decoder.
func (f formatInfo) estimateDuration(n int) time.Duration {
	if f.pcm() {
		return pcmDuration(n, f.sampleRate)
	}
	kbps := f.bitrateK
	if kbps <= 0 {
		kbps = 128
	}
	return time.Duration(n*8) * time.Second / time.Duration(kbps*1000)
}

func pcmDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n/2) * time.Second / time.Duration(sampleRate)
}

// DefaultDecoder returns a progressive decoder for PCM streams. Other codecs
// have no decode capability and play as whole clips.
func DefaultDecoder(s *Stream) (Decoder, bool) {
	info := parseFormat(s.Format, s.ContentType)
	if !info.pcm() {
		return nil, false
	}
	return &pcmDecoder{sampleRate: info.sampleRate}, true
}

type pcmDecoder struct {
	sampleRate int
	carry      []byte
}

func (d *pcmDecoder) SampleRate() int { return d.sampleRate }

// Decode keeps a trailing odd byte for the next chunk so samples never split.
func (d *pcmDecoder) Decode(chunk []byte) ([]byte, error) {
	if len(d.carry) > 0 {
		chunk = append(d.carry, chunk...)
		d.carry = nil
	}
	if len(chunk)%2 == 1 {
		d.carry = []byte{chunk[len(chunk)-1]}
		chunk = chunk[:len(chunk)-1]
	}
	out := make([]byte, len(chunk))
	copy(out, chunk)
	return out, nil
}

// decodeBuffer holds decoded PCM between the stream reader and the paced
// player.
type decodeBuffer struct {
	mu sync.Mutex

	sampleRate int
	maxBytes   int
	pcm        []byte
	readPos    int
	ended      bool

	updateSignal chan struct{}
}

func newDecodeBuffer(sampleRate, maxBytes int) *decodeBuffer {
	return &decodeBuffer{
		sampleRate:   sampleRate,
		maxBytes:     maxBytes,
		updateSignal: make(chan struct{}, 1),
	}
}

// Append commits decoded samples. It returns only after the samples are
// visible to the player.
func (b *decodeBuffer) Append(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	b.mu.Lock()
	if b.ended {
		b.mu.Unlock()
		return fmt.Errorf("append after end of stream")
	}
	if b.maxBytes > 0 && len(b.pcm)+len(pcm) > b.maxBytes {
		b.mu.Unlock()
		return errBufferOverflow
	}
	b.pcm = append(b.pcm, pcm...)
	b.mu.Unlock()
	b.signalUpdate()
	return nil
}

func (b *decodeBuffer) End() {
	b.mu.Lock()
	b.ended = true
	b.mu.Unlock()
	b.signalUpdate()
}

// Ahead returns the decoded audio not yet handed to the player.
func (b *decodeBuffer) Ahead() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return pcmDuration(len(b.pcm)-b.readPos, b.sampleRate), b.ended
}

// Take removes up to n bytes for playback.
func (b *decodeBuffer) Take(n int) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := b.readPos + n
	if end > len(b.pcm) {
		end = len(b.pcm)
	}
	out := b.pcm[b.readPos:end]
	b.readPos = end
	return out, b.ended && b.readPos == len(b.pcm)
}

// Wait blocks until the buffer changes or ctx is done.
func (b *decodeBuffer) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.updateSignal:
		return nil
	}
}

// WaitReady blocks until at least threshold of audio is ahead of the player,
// or the stream has ended. A zero threshold waits for the first samples.
func (b *decodeBuffer) WaitReady(ctx context.Context, threshold time.Duration) error {
	for {
		ahead, ended := b.Ahead()
		if ended {
			return nil
		}
		if threshold <= 0 && ahead > 0 {
			return nil
		}
		if threshold > 0 && ahead >= threshold {
			return nil
		}
		if err := b.Wait(ctx); err != nil {
			return err
		}
	}
}

func (b *decodeBuffer) signalUpdate() {
	select {
	case b.updateSignal <- struct{}{}:
	default:
	}
}

// startThreshold is the look-ahead required before playback may start.
func startThreshold(rate float64) time.Duration {
	switch {
	case rate <= 1.0:
		return 0
	case rate < 1.5:
		return 1200 * time.Millisecond
	default:
		return 2 * time.Second
	}
}
