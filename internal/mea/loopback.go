// Package mea provides signal acquisition and stimulation for multi-electrode
// arrays: a loopback simulator for development and an HTTP client for remote
// acquisition hardware.
package mea

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

const (
	// echoDecay is the per-read attenuation of a stimulation echo.
	echoDecay = 0.6
	// smoothing blends consecutive frames so simulated activity drifts
	// instead of jumping.
	smoothing = 0.7
)

// Loopback is a simulated electrode array. Reads return smoothed noise in
// [-2, 2]; stimulation patterns echo back into subsequent reads with decay,
// mimicking evoked activity.
type Loopback struct {
	mu       sync.Mutex
	channels int
	rng      *rand.Rand
	prev     []float64
	echo     []float64
}

// NewLoopback creates a simulator with the given channel count.
func NewLoopback(channels int) (*Loopback, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channels)
	}
	return &Loopback{
		channels: channels,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		prev:     make([]float64, channels),
		echo:     make([]float64, channels),
	}, nil
}

// ReadSignals produces one frame of simulated electrode activity.
func (l *Loopback) ReadSignals(ctx context.Context) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	frame := make([]float64, l.channels)
	for i := range frame {
		noise := l.rng.NormFloat64() * 0.5
		v := smoothing*l.prev[i] + (1-smoothing)*noise + l.echo[i]
		if v > 2 {
			v = 2
		} else if v < -2 {
			v = -2
		}
		frame[i] = v
		l.prev[i] = v
		l.echo[i] *= echoDecay
	}
	return frame, nil
}

// Stimulate injects the pattern into the echo buffer. Patterns shorter than
// the channel count stimulate a prefix; longer patterns are truncated.
func (l *Loopback) Stimulate(ctx context.Context, pattern []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(pattern) == 0 {
		return fmt.Errorf("stimulation pattern is empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < len(pattern) && i < l.channels; i++ {
		l.echo[i] += pattern[i]
	}
	return nil
}

// Channels reports the electrode count.
func (l *Loopback) Channels() int { return l.channels }
