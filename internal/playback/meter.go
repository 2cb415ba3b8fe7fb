package playback

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

const analyserWindow = 1024

// analyser keeps the most recent window of output samples.
type analyser struct {
	mu      sync.Mutex
	samples []float64
	pos     int
	filled  bool
}

func newAnalyser(size int) *analyser {
	return &analyser{samples: make([]float64, size)}
}

func (a *analyser) push(pcm []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i+1 < len(pcm); i += 2 {
		a.samples[a.pos] = float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768.0
		a.pos++
		if a.pos == len(a.samples) {
			a.pos = 0
			a.filled = true
		}
	}
}

func (a *analyser) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.samples {
		a.samples[i] = 0
	}
	a.pos = 0
	a.filled = false
}

func (a *analyser) rms() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.pos
	if a.filled {
		n = len(a.samples)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += a.samples[i] * a.samples[i]
	}
	return math.Sqrt(sum / float64(n))
}

// windowRMS is the RMS of the window of PCM16LE samples ending at sample end.
func windowRMS(pcm []byte, end, window int) float64 {
	total := len(pcm) / 2
	if end > total {
		end = total
	}
	start := end - window
	if start < 0 {
		start = 0
	}
	if end <= start {
		return 0
	}
	var sum float64
	for i := start; i < end; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(end-start))
}

func scaleLevel(rms, gain float64) float64 {
	v := rms * gain
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// startMeter reports the scaled level at a fixed cadence until the returned
// stop func is called. Stop emits a final 0 and waits for the loop to exit,
// so no level is reported after it returns.
func startMeter(interval time.Duration, gain float64, level func() float64, onLevel func(float64)) func() {
	if onLevel == nil {
		return func() {}
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				onLevel(0)
				return
			case <-ticker.C:
				onLevel(scaleLevel(level(), gain))
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}
