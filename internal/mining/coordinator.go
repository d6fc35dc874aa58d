package mining

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"neuromine/internal/block"
	"neuromine/internal/logging"
	"neuromine/internal/neural"
)

// SignalSource is the acquisition/stimulation collaborator: a physical or
// simulated electrode array delivering one real value per channel.
type SignalSource interface {
	ReadSignals(ctx context.Context) ([]float64, error)
	Stimulate(ctx context.Context, pattern []float64) error
}

// AttemptRecorder receives every completed mining attempt. The sqlite ledger
// implements it; a nil recorder disables recording.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, r Result) error
}

// Result is the outcome of one mining attempt.
type Result struct {
	ID                     string        `json:"id"`
	Success                bool          `json:"success"`
	Nonce                  uint32        `json:"nonce"`
	Hash                   string        `json:"hash"`
	Attempts               uint64        `json:"attempts"`
	Elapsed                time.Duration `json:"elapsed"`
	BiologicalContribution float64       `json:"biological_contribution"`
	Strategy               string        `json:"strategy"`
	Timestamp              time.Time     `json:"timestamp"`
}

// Options configures the coordinator.
type Options struct {
	Difficulty    int
	SearchWorkers int
	MaxAttempts   uint64

	BiologicalWeight    float64
	MinBiologicalWeight float64
	MaxBiologicalWeight float64

	MinLearningRate float64
	MaxLearningRate float64

	CurriculumSize int

	MiningInterval      time.Duration
	IntegrationInterval time.Duration
	MetricsInterval     time.Duration
}

// DefaultOptions returns a workable coordinator configuration.
func DefaultOptions() Options {
	return Options{
		Difficulty:          4,
		SearchWorkers:       0, // NumCPU
		MaxAttempts:         1 << 22,
		BiologicalWeight:    0.3,
		MinBiologicalWeight: 0.05,
		MaxBiologicalWeight: 0.95,
		MinLearningRate:     0.0005,
		MaxLearningRate:     0.1,
		CurriculumSize:      1000,
		MiningInterval:      5 * time.Second,
		IntegrationInterval: 10 * time.Second,
		MetricsInterval:     30 * time.Second,
	}
}

// Coordinator drives the hybrid engine: it owns one biological network and a
// conventional hash search, decides per attempt which to trust, and feeds
// mining outcomes back as reinforcement. All mutable coordinator state is
// guarded by mu; the lock is never held across hashing, sleeping or I/O.
type Coordinator struct {
	mu  sync.Mutex
	cfg Options
	net *neural.Network
	src SignalSource
	rec AttemptRecorder
	log *logging.Logger
	rng *rand.Rand

	state         State
	bioWeight     float64
	lastSignals   []float64
	lastAccuracy  float64
	predictions   []neural.Prediction
	trainHistory  []neural.Example
	retroRunning  atomic.Bool
	metrics       *Metrics
	currentHeader block.Header
	headerSet     bool
	cyclesStop    chan struct{}
	cyclesDone    sync.WaitGroup
	cyclesRunning bool
}

const (
	predictionWindow     = 50
	maxTrainHistory      = 1000
	confidenceGate       = 0.5
	convergenceVariance  = 0.005
	convergenceMeanFloor = 0.6
)

// NewCoordinator wires a coordinator around the network and signal source.
// recorder may be nil.
func NewCoordinator(cfg Options, net *neural.Network, src SignalSource,
	rec AttemptRecorder, log *logging.Logger) (*Coordinator, error) {

	if net == nil {
		return nil, fmt.Errorf("coordinator requires a network")
	}
	if src == nil {
		return nil, fmt.Errorf("coordinator requires a signal source")
	}
	if log == nil {
		log = logging.Discard()
	}
	if cfg.MaxBiologicalWeight == 0 {
		cfg.MaxBiologicalWeight = DefaultOptions().MaxBiologicalWeight
	}
	if cfg.BiologicalWeight < cfg.MinBiologicalWeight || cfg.BiologicalWeight > cfg.MaxBiologicalWeight {
		return nil, fmt.Errorf("biological weight %g outside [%g,%g]",
			cfg.BiologicalWeight, cfg.MinBiologicalWeight, cfg.MaxBiologicalWeight)
	}

	return &Coordinator{
		cfg:       cfg,
		net:       net,
		src:       src,
		rec:       rec,
		log:       log,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		state:     StateUninitialized,
		bioWeight: cfg.BiologicalWeight,
		metrics:   NewMetrics(),
	}, nil
}

// State reports the coordinator's hybrid learning state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BiologicalWeight reports the current trust in the predictor.
func (c *Coordinator) BiologicalWeight() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bioWeight
}

// Metrics returns a read-only snapshot.
func (c *Coordinator) Metrics() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// SetHeader installs the header template mined by the periodic cycle.
func (c *Coordinator) SetHeader(h block.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentHeader = h
	c.headerSet = true
}

// Initialize seeds the network with the synthetic curriculum and launches
// initial learning. Legal from Uninitialized, and from Error as a recovery.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateError {
		if err := c.transitionLocked(StateUninitialized); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	if c.state != StateUninitialized {
		c.mu.Unlock()
		return fmt.Errorf("initialize from %s is not allowed", c.state)
	}
	size := c.cfg.CurriculumSize
	c.mu.Unlock()

	loaded := c.net.LoadCurriculum(size)
	c.log.Info("curriculum loaded: %d examples", loaded)

	c.mu.Lock()
	if err := c.transitionLocked(StateInitialLearning); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	if err := c.net.StartLearning(); err != nil {
		c.fail(fmt.Errorf("initial learning failed to start: %w", err))
		return err
	}
	return nil
}

// Resume skips initial learning for a network restored in a trained state
// and moves straight to active mining.
func (c *Coordinator) Resume() error {
	if c.net.State() != neural.StateTrained {
		return fmt.Errorf("cannot resume: network state is %s", c.net.State())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transitionLocked(StateInitialLearning); err != nil {
		return err
	}
	return c.transitionLocked(StateActiveMining)
}

// fail moves the coordinator into the terminal Error state.
func (c *Coordinator) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Error("coordinator fault: %v", err)
	c.state = StateError
}

// OnSignalsAcquired is the async delivery callback from the acquisition
// collaborator. The frame is kept as the default prediction input.
func (c *Coordinator) OnSignalsAcquired(signals []float64) {
	frame := make([]float64, len(signals))
	copy(frame, signals)
	c.mu.Lock()
	c.lastSignals = frame
	c.mu.Unlock()
}

// PredictOptimalNonce asks the network for a nonce suggestion. Passing nil
// signals stimulates the array with a header-derived pattern and reads the
// evoked response; if the read fails, the last acquired frame stands in.
func (c *Coordinator) PredictOptimalNonce(ctx context.Context, header block.Header,
	difficulty int, signals []float64) (neural.Prediction, error) {

	if signals == nil {
		count := c.net.Config().NeuronCount
		c.mu.Lock()
		pattern := neural.HeaderToSignals(header, count, c.rng)
		c.mu.Unlock()

		if err := c.src.Stimulate(ctx, pattern); err != nil {
			c.log.Debug("stimulation failed: %v", err)
		}
		read, err := c.src.ReadSignals(ctx)
		if err == nil {
			signals = read
		} else {
			c.mu.Lock()
			signals = c.lastSignals
			c.mu.Unlock()
			if signals == nil {
				return neural.Prediction{}, fmt.Errorf("signal acquisition failed: %w", err)
			}
		}
	}

	pred, err := c.net.Predict(signals)
	if err != nil {
		return neural.Prediction{}, err
	}
	if difficulty > 0 {
		// Harder targets make any single suggestion less likely to pay off.
		pred.ExpectedEfficiency /= 1 + 0.1*float64(difficulty)
	}

	frame := make([]float64, len(signals))
	copy(frame, signals)

	c.mu.Lock()
	c.lastSignals = frame
	c.predictions = append(c.predictions, pred)
	if len(c.predictions) > predictionWindow {
		c.predictions = c.predictions[len(c.predictions)-predictionWindow:]
	}
	c.mu.Unlock()
	return pred, nil
}

// MineOneAttempt performs a single hybrid mining attempt against the header:
// a Bernoulli trial on the biological weight picks the strategy, and a
// failed biological attempt falls back to exhaustive search immediately.
func (c *Coordinator) MineOneAttempt(ctx context.Context, header block.Header) (Result, error) {
	c.mu.Lock()
	if c.state == StateUninitialized || c.state == StateError {
		c.mu.Unlock()
		return Result{}, fmt.Errorf("mining unavailable in state %s", c.state)
	}
	useBio := c.rng.Float64() < c.bioWeight
	searchStart := c.rng.Uint32()
	difficulty := c.cfg.Difficulty
	c.mu.Unlock()

	start := time.Now()
	result := Result{
		ID:        uuid.NewString(),
		Strategy:  "traditional",
		Timestamp: start,
	}

	if useBio {
		pred, err := c.PredictOptimalNonce(ctx, header, difficulty, nil)
		if err == nil && pred.Confidence >= confidenceGate {
			hash := header.HashWithNonce(pred.SuggestedNonce)
			ok := block.MeetsDifficulty(hash, difficulty)
			c.metrics.RecordBiologicalPrediction(ok)
			c.submitFeedback(header, pred, difficulty, ok)

			if ok {
				result.Strategy = "biological"
				result.Success = true
				result.Nonce = pred.SuggestedNonce
				result.Hash = block.HashHex(hash)
				result.Attempts = 1
				result.Elapsed = time.Since(start)
				result.BiologicalContribution = 1.0
				c.record(ctx, result)
				return result, nil
			}
			// Prediction missed: fall through to exhaustive search for this
			// attempt, counting the biological try toward the contribution.
			result.Attempts = 1
			result.BiologicalContribution = 0.5
			result.Strategy = "hybrid"
		}
	}

	search := SearchNonce(ctx, header, difficulty, searchStart,
		c.cfg.MaxAttempts, c.cfg.SearchWorkers, c.metrics.HashCounter())
	c.metrics.AddTraditionalHashes(search.Attempts)

	result.Success = search.Found
	result.Nonce = search.Nonce
	result.Attempts += search.Attempts
	result.Elapsed = time.Since(start)
	if search.Found {
		result.Hash = block.HashHex(search.Hash)
		c.feedTrainingExample(header, search.Nonce, difficulty, true,
			int(search.Attempts), result.Elapsed)
	}
	c.record(ctx, result)
	return result, nil
}

// SubmitOutcome reports an externally validated prediction back into the
// learning loop: successes reinforce, failures decay.
func (c *Coordinator) SubmitOutcome(pred neural.Prediction, successful bool) {
	c.mu.Lock()
	header := c.currentHeader
	c.mu.Unlock()
	c.submitFeedback(header, pred, c.cfg.Difficulty, successful)
}

func (c *Coordinator) submitFeedback(header block.Header, pred neural.Prediction,
	difficulty int, successful bool) {

	inputs := c.currentFrame()
	if inputs == nil {
		return
	}

	ex := neural.Example{
		ID:          pred.ID,
		Inputs:      inputs,
		TargetNonce: pred.SuggestedNonce,
		Header:      header,
		Difficulty:  difficulty,
		Success:     successful,
		Attempts:    1,
		Timestamp:   time.Now(),
	}
	c.appendTraining(ex)
	c.net.AddExample(ex)
	c.net.Reinforce(ex, successful)
}

// feedTrainingExample converts a successful traditional search into a
// curriculum-grade example so the network learns from real wins too.
func (c *Coordinator) feedTrainingExample(header block.Header, nonce uint32,
	difficulty int, success bool, attempts int, elapsed time.Duration) {

	inputs := c.currentFrame()
	if inputs == nil {
		return
	}
	ex := neural.Example{
		ID:          uuid.NewString(),
		Inputs:      inputs,
		TargetNonce: nonce,
		Header:      header,
		Difficulty:  difficulty,
		Success:     success,
		Attempts:    attempts,
		ComputeTime: elapsed,
		Timestamp:   time.Now(),
	}
	c.appendTraining(ex)
	c.net.AddExample(ex)
}

// currentFrame returns a copy of the last acquired frame, or nil when none
// has arrived. The network sanitizes example inputs in place, so the
// retained frame must never alias them.
func (c *Coordinator) currentFrame() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSignals == nil {
		return nil
	}
	frame := make([]float64, len(c.lastSignals))
	copy(frame, c.lastSignals)
	return frame
}

func (c *Coordinator) appendTraining(ex neural.Example) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trainHistory = append(c.trainHistory, ex)
	if len(c.trainHistory) > maxTrainHistory {
		c.trainHistory = c.trainHistory[len(c.trainHistory)-maxTrainHistory:]
	}
}

func (c *Coordinator) record(ctx context.Context, r Result) {
	if c.rec == nil {
		return
	}
	if err := c.rec.RecordAttempt(ctx, r); err != nil {
		c.log.Warn("attempt ledger write failed: %v", err)
	}
}

// adaptiveControl recomputes the gauges and nudges the biological weight and
// the network learning rate: up when the predictor underperforms (it needs
// more exposure and faster learning), down when it is strong and stable.
func (c *Coordinator) adaptiveControl() {
	accuracy := c.metrics.BiologicalAccuracy()
	cpuFraction := sampleCPUFraction()
	complexity := c.networkComplexity()

	c.mu.Lock()
	optimizing := c.state == StateActiveMining && c.transitionLocked(StateOptimizing) == nil
	changeRate := math.Abs(accuracy - c.lastAccuracy)
	c.lastAccuracy = accuracy

	if accuracy < 0.3 {
		c.bioWeight += 0.02
	} else if accuracy > 0.7 {
		c.bioWeight -= 0.01
	}
	c.bioWeight = clamp01Range(c.bioWeight, c.cfg.MinBiologicalWeight, c.cfg.MaxBiologicalWeight)

	minRate, maxRate := c.cfg.MinLearningRate, c.cfg.MaxLearningRate
	c.mu.Unlock()

	c.metrics.Recompute(cpuFraction, complexity, changeRate)

	rate := c.net.LearningRate()
	if accuracy < 0.3 {
		rate *= 1.1
	} else if accuracy > 0.7 {
		rate *= 0.95
	}
	if maxRate > 0 {
		rate = clamp01Range(rate, minRate, maxRate)
	}
	c.net.SetLearningRate(rate)

	if optimizing {
		c.mu.Lock()
		if c.state == StateOptimizing {
			_ = c.transitionLocked(StateActiveMining)
		}
		c.mu.Unlock()
	}
}

// networkComplexity is a cheap gauge in [0,1] derived from topology depth
// and training progress.
func (c *Coordinator) networkComplexity() float64 {
	cfg := c.net.Config()
	depth := float64(len(cfg.HiddenSizes)+2) / 10.0
	progress := float64(c.net.EpochsRun()) / float64(cfg.MaxEpochs)
	return clamp01(0.5*depth + 0.5*clamp01(progress))
}

// detectConvergence inspects the last 50 predictions: low confidence
// variance at a high mean means the predictor has settled, which triggers a
// non-blocking retro-learning pass to shake it loose.
func (c *Coordinator) detectConvergence() bool {
	c.mu.Lock()
	if len(c.predictions) < predictionWindow {
		c.mu.Unlock()
		return false
	}
	mean := 0.0
	for _, p := range c.predictions {
		mean += p.Confidence
	}
	mean /= float64(len(c.predictions))
	variance := 0.0
	for _, p := range c.predictions {
		d := p.Confidence - mean
		variance += d * d
	}
	variance /= float64(len(c.predictions))
	c.mu.Unlock()

	if variance < convergenceVariance && mean > convergenceMeanFloor {
		c.triggerRetroLearning()
		return true
	}
	return false
}

// triggerRetroLearning runs a retro-learning pass in the background, at most
// one at a time.
func (c *Coordinator) triggerRetroLearning() {
	if !c.retroRunning.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	if c.state == StateActiveMining {
		if err := c.transitionLocked(StateRetroLearning); err != nil {
			c.mu.Unlock()
			c.retroRunning.Store(false)
			return
		}
	}
	c.mu.Unlock()

	go func() {
		defer c.retroRunning.Store(false)
		if err := c.net.RetroLearn(); err != nil {
			c.log.Debug("retro-learning skipped: %v", err)
		}
		c.mu.Lock()
		if c.state == StateRetroLearning {
			_ = c.transitionLocked(StateActiveMining)
		}
		c.mu.Unlock()
	}()
}

// integrateLearning promotes the coordinator into active mining once the
// network reports trained, and keeps the histories in sync.
func (c *Coordinator) integrateLearning() {
	netState := c.net.State()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateInitialLearning && netState == neural.StateTrained {
		if err := c.transitionLocked(StateActiveMining); err == nil {
			c.log.Info("initial learning complete, entering active mining")
		}
	}
}

// Start launches the three periodic schedules: mining attempts against the
// installed header, learning integration, and metrics/adaptive control.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cyclesRunning {
		c.mu.Unlock()
		return fmt.Errorf("coordinator cycles already running")
	}
	c.cyclesRunning = true
	stop := make(chan struct{})
	c.cyclesStop = stop
	mining := c.cfg.MiningInterval
	integration := c.cfg.IntegrationInterval
	metrics := c.cfg.MetricsInterval
	c.mu.Unlock()

	c.runCycle(ctx, stop, mining, func() {
		c.mu.Lock()
		ok := c.headerSet && c.state == StateActiveMining
		header := c.currentHeader
		c.mu.Unlock()
		if !ok {
			return
		}
		if _, err := c.MineOneAttempt(ctx, header); err != nil {
			c.log.Warn("scheduled mining attempt failed: %v", err)
		}
	})
	c.runCycle(ctx, stop, integration, func() {
		c.integrateLearning()
		c.detectConvergence()
	})
	c.runCycle(ctx, stop, metrics, func() {
		c.adaptiveControl()
	})
	return nil
}

func (c *Coordinator) runCycle(ctx context.Context, stop <-chan struct{},
	interval time.Duration, fn func()) {

	if interval <= 0 {
		return
	}
	c.cyclesDone.Add(1)
	go func() {
		defer c.cyclesDone.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the periodic cycles and requests a learning stop. It joins the
// cycle goroutines but never the learning goroutine directly.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.cyclesRunning {
		c.mu.Unlock()
		return
	}
	c.cyclesRunning = false
	close(c.cyclesStop)
	c.mu.Unlock()

	c.cyclesDone.Wait()
	c.net.StopLearning()
}

// Diagnostics renders a multi-section operator report.
func (c *Coordinator) Diagnostics() string {
	snap := c.metrics.Snapshot()
	netCfg := c.net.Config()

	c.mu.Lock()
	state := c.state
	bioWeight := c.bioWeight
	predictions := len(c.predictions)
	training := len(c.trainHistory)
	c.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "=== Hybrid Mining Diagnostics ===\n")
	fmt.Fprintf(&b, "State:                %s\n", state)
	fmt.Fprintf(&b, "Biological weight:    %.3f\n", bioWeight)
	fmt.Fprintf(&b, "Difficulty:           %d\n", c.cfg.Difficulty)
	fmt.Fprintf(&b, "\n--- Network ---\n")
	fmt.Fprintf(&b, "Electrodes:           %d\n", netCfg.NeuronCount)
	fmt.Fprintf(&b, "Hidden layers:        %v\n", netCfg.HiddenSizes)
	fmt.Fprintf(&b, "Network state:        %s\n", c.net.State())
	fmt.Fprintf(&b, "Epochs run:           %d / %d\n", c.net.EpochsRun(), netCfg.MaxEpochs)
	fmt.Fprintf(&b, "Training accuracy:    %.4f\n", c.net.RecentAccuracy())
	fmt.Fprintf(&b, "Learning rate:        %.5f\n", c.net.LearningRate())
	fmt.Fprintf(&b, "Examples stored:      %d\n", c.net.ExampleCount())
	fmt.Fprintf(&b, "\n--- Mining ---\n")
	fmt.Fprintf(&b, "Total hashes:         %d\n", snap.TotalHashes)
	fmt.Fprintf(&b, "Biological preds:     %d (%.1f%% success)\n",
		snap.BiologicalPredictions, snap.BiologicalAccuracy*100)
	fmt.Fprintf(&b, "Traditional hashes:   %d\n", snap.TraditionalHashes)
	fmt.Fprintf(&b, "Hybrid hash rate:     %.1f H/s\n", snap.HybridHashRate)
	fmt.Fprintf(&b, "Energy efficiency:    %.3f\n", snap.EnergyEfficiency)
	fmt.Fprintf(&b, "Adaptation score:     %.3f\n", snap.AdaptationScore)
	fmt.Fprintf(&b, "Prediction history:   %d\n", predictions)
	fmt.Fprintf(&b, "Training history:     %d\n", training)

	fmt.Fprintf(&b, "\n--- Host ---\n")
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		fmt.Fprintf(&b, "CPU utilisation:      %.1f%%\n", percents[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fmt.Fprintf(&b, "Memory used:          %.1f%%\n", vm.UsedPercent)
	}
	return b.String()
}

// sampleCPUFraction reads instantaneous host CPU load as [0,1]; failures
// simply report zero load rather than blocking the control loop.
func sampleCPUFraction() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return clamp01(percents[0] / 100.0)
}

func clamp01Range(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
