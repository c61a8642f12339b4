// Package supervisor owns agent liveness probing, the restart policy,
// and crash insights: memory trend sampling, cause classification,
// bounded crash history, and per-agent health scoring.
package supervisor

import (
	"context"
	"sync"
	"time"
)

// MemorySample is one RSS reading for a live agent process.
type MemorySample struct {
	Time time.Time `json:"time"`
	RSS  int64     `json:"rss_bytes"`
}

// Trend labels for a memory window.
const (
	TrendRising  = "rising"
	TrendStable  = "stable"
	TrendFalling = "falling"
	TrendUnknown = "unknown"
)

// memoryWindow keeps a bounded sliding window of samples.
type memoryWindow struct {
	mu      sync.Mutex
	samples []MemorySample
	cap     int
}

func newMemoryWindow(cap int) *memoryWindow {
	if cap <= 0 {
		cap = 60
	}
	return &memoryWindow{cap: cap}
}

func (w *memoryWindow) add(s MemorySample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, s)
	if len(w.samples) > w.cap {
		w.samples = w.samples[len(w.samples)-w.cap:]
	}
}

func (w *memoryWindow) snapshot() []MemorySample {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]MemorySample, len(w.samples))
	copy(out, w.samples)
	return out
}

// peak returns the highest RSS observed.
func (w *memoryWindow) peak() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var peak int64
	for _, s := range w.samples {
		if s.RSS > peak {
			peak = s.RSS
		}
	}
	return peak
}

// trend compares the mean of the older half against the newer half.
func (w *memoryWindow) trend() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) < 4 {
		return TrendUnknown
	}
	mid := len(w.samples) / 2
	older := meanRSS(w.samples[:mid])
	newer := meanRSS(w.samples[mid:])
	if older == 0 {
		return TrendUnknown
	}
	ratio := float64(newer) / float64(older)
	switch {
	case ratio > 1.15:
		return TrendRising
	case ratio < 0.85:
		return TrendFalling
	default:
		return TrendStable
	}
}

// baseline is the mean of the first half of the window.
func (w *memoryWindow) baseline() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) < 2 {
		return 0
	}
	return meanRSS(w.samples[:len(w.samples)/2])
}

// last returns the most recent sample, if any.
func (w *memoryWindow) last() (MemorySample, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) == 0 {
		return MemorySample{}, false
	}
	return w.samples[len(w.samples)-1], true
}

func meanRSS(samples []MemorySample) int64 {
	if len(samples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range samples {
		sum += s.RSS
	}
	return sum / int64(len(samples))
}

// MemoryMonitor samples one process's RSS on a fixed cadence. On
// platforms without /proc it degrades to an empty window.
type MemoryMonitor struct {
	window   *memoryWindow
	interval time.Duration
	pid      func() int
}

// NewMemoryMonitor builds a monitor; pid returns the current process id
// (0 while unknown).
func NewMemoryMonitor(interval time.Duration, pid func() int) *MemoryMonitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if pid == nil {
		pid = func() int { return 0 }
	}
	return &MemoryMonitor{
		window:   newMemoryWindow(60),
		interval: interval,
		pid:      pid,
	}
}

// Run samples until ctx is cancelled.
func (m *MemoryMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pid := m.pid()
			if pid <= 0 {
				continue
			}
			rss, err := readVmRSS(pid)
			if err != nil {
				continue
			}
			m.window.add(MemorySample{Time: time.Now().UTC(), RSS: rss})
		}
	}
}

// Window exposes the sample window for crash analysis.
func (m *MemoryMonitor) Window() *memoryWindow { return m.window }
