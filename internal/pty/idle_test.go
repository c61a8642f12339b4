package pty

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestDetector() *IdleDetector {
	return NewIdleDetector(IdleConfig{
		MinSilence: 1500 * time.Millisecond,
		Threshold:  0.7,
	}, 80, 24, nil)
}

// advance shifts the detector's clock forward without new output.
func advance(d *IdleDetector, by time.Duration) {
	d.mu.Lock()
	base := d.now()
	d.mu.Unlock()
	at := base.Add(by)
	d.now = func() time.Time { return at }
}

func TestIdleGateBlocksRecentOutput(t *testing.T) {
	d := newTestDetector()
	d.Observe([]byte("still streaming tokens"))

	res := d.Check()
	assert.False(t, res.Idle)
	assert.Less(t, res.Confidence, 0.3)
}

func TestIdleAfterSilenceWithPrompt(t *testing.T) {
	d := newTestDetector()
	d.Observe([]byte("done.\r\n│ > "))
	advance(d, 4*time.Second)

	res := d.Check()
	assert.True(t, res.Idle, "confidence was %f", res.Confidence)
	assert.GreaterOrEqual(t, res.Confidence, 0.7)
}

func TestBusyScreenLowersConfidence(t *testing.T) {
	d := newTestDetector()
	// Spinner redraw right before the silence window opens.
	d.Observe([]byte("\x1b[2Aworking on it"))
	advance(d, 1600*time.Millisecond)

	res := d.Check()
	quiet := findSignal(t, res, "screen_quiet")
	assert.Equal(t, 0.0, quiet.Score)
}

func TestPromptSignalMatchesShellPrompt(t *testing.T) {
	d := newTestDetector()
	d.Observe([]byte("build ok\r\n$ "))
	advance(d, 4*time.Second)

	res := d.Check()
	prompt := findSignal(t, res, "prompt")
	assert.Equal(t, 1.0, prompt.Score)
}

func TestNoPromptSignalOnPlainText(t *testing.T) {
	d := newTestDetector()
	d.Observe([]byte("reading files\r\nstill thinking about the plan"))
	advance(d, 4*time.Second)

	res := d.Check()
	prompt := findSignal(t, res, "prompt")
	assert.Equal(t, 0.0, prompt.Score)
}

func TestConfidenceGrowsWithSilence(t *testing.T) {
	d := newTestDetector()
	d.Observe([]byte("output"))

	advance(d, 1600*time.Millisecond)
	early := d.Check().Confidence

	advance(d, 10*time.Second)
	late := d.Check().Confidence

	assert.Greater(t, late, early)
}

func findSignal(t *testing.T, res IdleResult, name string) Signal {
	t.Helper()
	for _, s := range res.Signals {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("signal %q not present", name)
	return Signal{}
}
