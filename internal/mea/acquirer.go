package mea

import (
	"context"
	"fmt"
	"sync"
	"time"

	"neuromine/internal/logging"
)

// Source is the read/stimulate surface shared by Loopback and Device.
type Source interface {
	ReadSignals(ctx context.Context) ([]float64, error)
	Stimulate(ctx context.Context, pattern []float64) error
}

// FrameHandler receives each acquired electrode frame.
type FrameHandler func(signals []float64)

// Acquirer polls a source on a fixed interval and fans frames out to
// subscribers. Read failures are logged and skipped; a run of consecutive
// failures stops the loop.
type Acquirer struct {
	src      Source
	interval time.Duration
	log      *logging.Logger

	mu       sync.Mutex
	handlers []FrameHandler
	running  bool
	stop     chan struct{}
	done     chan struct{}
}

const maxConsecutiveFailures = 10

// NewAcquirer wires an acquisition loop around src.
func NewAcquirer(src Source, interval time.Duration, log *logging.Logger) (*Acquirer, error) {
	if src == nil {
		return nil, fmt.Errorf("acquirer requires a source")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("acquisition interval must be positive, got %v", interval)
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Acquirer{src: src, interval: interval, log: log}, nil
}

// Subscribe registers a handler for acquired frames. Handlers added after
// Start still receive subsequent frames.
func (a *Acquirer) Subscribe(h FrameHandler) {
	if h == nil {
		return
	}
	a.mu.Lock()
	a.handlers = append(a.handlers, h)
	a.mu.Unlock()
}

// Start launches the acquisition loop.
func (a *Acquirer) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("acquirer already running")
	}
	a.running = true
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	stop, done := a.stop, a.done
	a.mu.Unlock()

	go a.loop(ctx, stop, done)
	return nil
}

func (a *Acquirer) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, err := a.src.ReadSignals(ctx)
		if err != nil {
			failures++
			a.log.Warn("signal acquisition failed (%d/%d): %v", failures, maxConsecutiveFailures, err)
			if failures >= maxConsecutiveFailures {
				a.log.Error("acquisition stopped after %d consecutive failures", failures)
				a.mu.Lock()
				a.running = false
				a.mu.Unlock()
				return
			}
			continue
		}
		failures = 0

		a.mu.Lock()
		handlers := make([]FrameHandler, len(a.handlers))
		copy(handlers, a.handlers)
		a.mu.Unlock()
		for _, h := range handlers {
			h(frame)
		}
	}
}

// Stop halts the loop and waits for it to exit.
func (a *Acquirer) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	stop, done := a.stop, a.done
	a.mu.Unlock()

	close(stop)
	<-done
}
