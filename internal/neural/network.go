package neural

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"neuromine/internal/logging"
)

// OutputBits is the fixed output layer width: one unit per nonce bit.
const OutputBits = 32

// MinHiddenSize is the smallest hidden layer the builder accepts.
const MinHiddenSize = 10

// History bounds.
const (
	maxExampleHistory    = 10000
	maxPatternMemory     = 500
	maxPredictionHistory = 100
	retroExampleWindow   = 100
	retroPasses          = 20
	retroMinExamples     = 10
)

// State describes training progress of the network itself (distinct from
// the coordinator's hybrid learning state).
type State int

const (
	StateUntrained State = iota
	StateTraining
	StateTrained
)

func (s State) String() string {
	switch s {
	case StateUntrained:
		return "untrained"
	case StateTraining:
		return "training"
	case StateTrained:
		return "trained"
	}
	return "unknown"
}

// Config holds the network hyperparameters. Replacing it wholesale through
// Reconfigure rebuilds the topology when the neuron count changes.
type Config struct {
	NeuronCount   int     `json:"neuron_count"`
	HiddenSizes   []int   `json:"hidden_sizes"`
	LearningRate  float64 `json:"learning_rate"`
	Momentum      float64 `json:"momentum"`
	DecayRate     float64 `json:"decay_rate"`
	ThresholdBase float64 `json:"threshold_base"`
	MaxEpochs     int     `json:"max_epochs"`

	Plasticity           bool `json:"plasticity"`
	StructuralAdaptation bool `json:"structural_adaptation"`
	DifficultyScaling    bool `json:"difficulty_scaling"`

	// EpochInterval is the pause between learning epochs in the background
	// goroutine. Zero means no pause.
	EpochInterval time.Duration `json:"epoch_interval"`
}

// DefaultConfig returns a workable configuration for count electrodes.
func DefaultConfig(count int) Config {
	return Config{
		NeuronCount:          count,
		HiddenSizes:          []int{40, 20},
		LearningRate:         0.01,
		Momentum:             0.9,
		DecayRate:            0.95,
		ThresholdBase:        0.5,
		MaxEpochs:            10000,
		Plasticity:           true,
		StructuralAdaptation: true,
		DifficultyScaling:    false,
		EpochInterval:        time.Millisecond,
	}
}

func (c Config) validate() error {
	if c.NeuronCount <= 0 {
		return NewError(ErrCodeInvalidConfig, "invalid network configuration",
			"neuron count must be positive")
	}
	if c.LearningRate <= 0 {
		return NewError(ErrCodeInvalidConfig, "invalid network configuration",
			"learning rate must be positive")
	}
	if c.MaxEpochs <= 0 {
		return NewError(ErrCodeInvalidConfig, "invalid network configuration",
			"max epochs must be positive")
	}
	for _, size := range c.HiddenSizes {
		if size < MinHiddenSize {
			return NewError(ErrCodeInvalidConfig, "invalid network configuration",
				"hidden layer below minimum size")
		}
	}
	return nil
}

// Network is the biologically-inspired predictor: ordered layers from the
// electrode-sized input to the fixed 32-bit output, plus bounded example and
// pattern-memory FIFOs. All mutable state is guarded by mu; the learning
// goroutine and callers share it one operation at a time, never across a
// sleep.
type Network struct {
	mu     sync.Mutex
	cfg    Config
	layers []*Layer
	rng    *rand.Rand
	log    *logging.Logger

	state       State
	epochsRun   int
	correct     int
	totalTrials int

	examples    []Example
	patterns    []Example
	predictions []Prediction

	recentAccuracy float64
	nextStructural int

	// Learning-goroutine lifecycle. stopRequested is only ever set; the
	// goroutine observes it cooperatively. Stop never joins, so stopping
	// from inside the learning goroutine is inherently safe.
	learning      atomic.Bool
	stopRequested atomic.Bool
	done          chan struct{}
}

// NewNetwork builds the full topology for cfg.
func NewNetwork(cfg Config, log *logging.Logger) (*Network, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Discard()
	}
	n := &Network{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		log: log,
	}
	n.layers = buildLayers(cfg, n.rng)
	n.nextStructural = n.structuralCadence(0)
	closed := make(chan struct{})
	close(closed)
	n.done = closed
	return n, nil
}

func buildLayers(cfg Config, rng *rand.Rand) []*Layer {
	scaled := cfg.DifficultyScaling
	layers := make([]*Layer, 0, len(cfg.HiddenSizes)+2)
	layers = append(layers, newInputLayer(cfg.NeuronCount, cfg.ThresholdBase, scaled, rng))

	prev := cfg.NeuronCount
	for _, size := range cfg.HiddenSizes {
		layers = append(layers, newLayer(LayerHidden, size, prev, cfg.ThresholdBase, scaled, rng))
		prev = size
	}
	layers = append(layers, newLayer(LayerOutput, OutputBits, prev, cfg.ThresholdBase, scaled, rng))
	return layers
}

// Reconfigure replaces the configuration wholesale. A changed neuron count
// rebuilds the topology from scratch; otherwise learned weights survive.
func (n *Network) Reconfigure(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	rebuild := cfg.NeuronCount != n.cfg.NeuronCount ||
		!equalSizes(cfg.HiddenSizes, n.cfg.HiddenSizes)
	n.cfg = cfg
	if rebuild {
		n.layers = buildLayers(cfg, n.rng)
		n.state = StateUntrained
		n.epochsRun = 0
		n.correct = 0
		n.totalTrials = 0
		n.log.Info("network topology rebuilt: %d electrodes, hidden %v", cfg.NeuronCount, cfg.HiddenSizes)
	}
	return nil
}

func equalSizes(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Config returns a copy of the active configuration.
func (n *Network) Config() Config {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg
}

// State reports the current training state.
func (n *Network) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// EpochsRun reports how many epochs have completed.
func (n *Network) EpochsRun() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.epochsRun
}

// RecentAccuracy reports the exact-match accuracy over trials so far.
func (n *Network) RecentAccuracy() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.recentAccuracy
}

// ExampleCount reports the size of the learning-example history.
func (n *Network) ExampleCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.examples)
}

// AddExample appends to the bounded example FIFO and, when the example is a
// success, a fast failure, or a 10% random draw, to the pattern memory.
func (n *Network) AddExample(ex Example) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.addExampleLocked(ex)
}

func (n *Network) addExampleLocked(ex Example) {
	for i := range ex.Inputs {
		ex.Inputs[i] = sanitize(ex.Inputs[i])
	}
	n.examples = append(n.examples, ex)
	if len(n.examples) > maxExampleHistory {
		n.examples = n.examples[len(n.examples)-maxExampleHistory:]
	}

	keep := ex.Success || ex.ComputeTime < time.Second || n.rng.Float64() < 0.1
	if keep {
		n.patterns = append(n.patterns, ex)
		if len(n.patterns) > maxPatternMemory {
			n.patterns = n.patterns[len(n.patterns)-maxPatternMemory:]
		}
	}
}

// SetLearningRate replaces the learning rate, clamped to (0, 1].
func (n *Network) SetLearningRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if rate <= 0 {
		rate = 1e-4
	}
	if rate > 1 {
		rate = 1
	}
	n.cfg.LearningRate = rate
}

// LearningRate returns the active learning rate.
func (n *Network) LearningRate() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg.LearningRate
}

// forward propagates a sanitized signal frame through all layers and returns
// the 32 output activations. Caller holds mu.
func (n *Network) forwardLocked(signals []float64) []float64 {
	now := time.Now()
	input := n.layers[0]
	if len(signals) == len(input.Neurons) {
		for i, neuron := range input.Neurons {
			neuron.Activation = sanitize(signals[i])
			neuron.LastStimulated = now
		}
	}
	// A mismatched frame leaves the input layer as-is; deeper layers still
	// propagate from whatever the electrodes last reported.

	for li := 1; li < len(n.layers); li++ {
		layer := n.layers[li]
		prev := n.layers[li-1]
		for i, neuron := range layer.Neurons {
			sum := 0.0
			for j, pre := range prev.Neurons {
				neuron.DendriticInputs[j] = pre.Activation
				sum += pre.Activation * neuron.Weights[j] * layer.Synapses[i][j]
			}
			neuron.activate(sum, now)
		}
	}

	out := n.layers[len(n.layers)-1]
	result := make([]float64, len(out.Neurons))
	for i, neuron := range out.Neurons {
		result[i] = neuron.Activation
	}
	return result
}

// backwardLocked runs error backpropagation from the 32 bit targets,
// adapting thresholds on the way, and returns the per-layer error vectors
// (indexed like n.layers; entry 0 is nil).
func (n *Network) backwardLocked(targets []float64) [][]float64 {
	scaled := n.cfg.DifficultyScaling
	errs := make([][]float64, len(n.layers))

	out := n.layers[len(n.layers)-1]
	outErr := make([]float64, len(out.Neurons))
	for i, neuron := range out.Neurons {
		e := (targets[i] - neuron.Activation) * sigmoidDeriv(neuron.Activation)
		outErr[i] = e
		neuron.adjustThreshold(0.01*e, scaled)
	}
	errs[len(n.layers)-1] = outErr

	for li := len(n.layers) - 2; li >= 1; li-- {
		layer := n.layers[li]
		next := n.layers[li+1]
		nextErr := errs[li+1]

		layerErr := make([]float64, len(layer.Neurons))
		for j, neuron := range layer.Neurons {
			sum := 0.0
			for i := range next.Neurons {
				sum += nextErr[i] * next.Neurons[i].Weights[j]
			}
			e := sum * sigmoidDeriv(neuron.Activation)
			layerErr[j] = e
			neuron.adjustThreshold(0.005*e, scaled)
		}
		errs[li] = layerErr
	}
	return errs
}

// applyPlasticityLocked performs the Hebbian update: coincident pre/post
// activity scaled by the layer's error signal moves the weight and, at a
// tenth of the step, the matching synapse entry.
func (n *Network) applyPlasticityLocked(errs [][]float64, signalScale float64) {
	if !n.cfg.Plasticity {
		return
	}
	for li := 1; li < len(n.layers); li++ {
		layer := n.layers[li]
		layerErr := errs[li]
		if layerErr == nil {
			continue
		}
		for i, neuron := range layer.Neurons {
			learningSignal := layerErr[i] * signalScale
			for j := range neuron.Weights {
				pre := neuron.DendriticInputs[j]
				post := neuron.Activation
				delta := learningSignal * pre * post * PlasticityRate
				delta += n.cfg.Momentum * neuron.lastDeltas[j]
				neuron.lastDeltas[j] = delta

				neuron.Weights[j] = clampWeight(neuron.Weights[j] + delta)
				layer.Synapses[i][j] = clampSynapse(layer.Synapses[i][j] + delta*0.1)
			}
		}
	}
}

// structuralCadence picks the next structural-adaptation checkpoint,
// somewhere 25 to 50 epochs ahead.
func (n *Network) structuralCadence(epoch int) int {
	return epoch + 25 + n.rng.Intn(26)
}

// structuralAdaptLocked grows highly active units and prunes weak synapses.
// Entries sitting in the weak band just above the connection floor decay
// multiplicatively, harder when recent accuracy is poor; the floor itself is
// never crossed.
func (n *Network) structuralAdaptLocked() {
	if !n.cfg.StructuralAdaptation {
		return
	}
	decay := n.cfg.DecayRate
	if n.recentAccuracy < 0.3 {
		decay *= 0.9
	}
	for li := 1; li < len(n.layers); li++ {
		layer := n.layers[li]
		for i, neuron := range layer.Neurons {
			if neuron.Activation > 0.8 {
				neuron.AdaptationFactor = clamp(neuron.AdaptationFactor*1.05,
					adaptationFactorMin, adaptationFactorMax)
			}
			for j := range layer.Synapses[i] {
				if layer.Synapses[i][j] < MinConnectionStrength*1.5 {
					layer.Synapses[i][j] = clampSynapse(layer.Synapses[i][j] * decay)
				}
			}
		}
	}
}

// trainOneEpochLocked draws one random example and runs the full
// forward/backward/plasticity cycle, tracking exact 32-bit matches.
func (n *Network) trainOneEpochLocked() {
	if len(n.examples) == 0 {
		return
	}
	ex := n.examples[n.rng.Intn(len(n.examples))]

	outputs := n.forwardLocked(ex.Inputs)
	targets := EncodeNonce(ex.TargetNonce)
	errs := n.backwardLocked(targets)
	n.applyPlasticityLocked(errs, 1.0)

	n.epochsRun++
	n.totalTrials++
	if DecodeNonce(outputs) == ex.TargetNonce {
		n.correct++
	}
	if n.totalTrials > 0 {
		n.recentAccuracy = float64(n.correct) / float64(n.totalTrials)
	}

	if n.epochsRun >= n.nextStructural {
		n.structuralAdaptLocked()
		n.nextStructural = n.structuralCadence(n.epochsRun)
	}
}

// StartLearning launches the background learning goroutine. A second start
// while a run is active is rejected without touching the running epoch loop.
func (n *Network) StartLearning() error {
	if !n.learning.CompareAndSwap(false, true) {
		return ErrAlreadyLearning
	}

	n.mu.Lock()
	if len(n.examples) == 0 {
		n.mu.Unlock()
		n.learning.Store(false)
		return NewError(ErrCodeInsufficientData, "not enough accumulated examples",
			"no training examples loaded")
	}
	n.state = StateTraining
	n.stopRequested.Store(false)
	prevDone := n.done
	done := make(chan struct{})
	n.done = done
	maxEpochs := n.cfg.MaxEpochs
	interval := n.cfg.EpochInterval
	n.mu.Unlock()

	go func() {
		// A prior run is always finished by the time CAS succeeds, but the
		// channel read keeps the ordering explicit.
		<-prevDone
		defer close(done)
		defer n.learning.Store(false)

		epochs := 0
		for epochs < maxEpochs && !n.stopRequested.Load() {
			n.mu.Lock()
			n.trainOneEpochLocked()
			n.mu.Unlock()
			epochs++
			if interval > 0 {
				time.Sleep(interval)
			}
		}

		n.mu.Lock()
		// Finishing at least 80% of the target counts as trained. Only
		// epochs from this run count; n.epochsRun accumulates across runs.
		if epochs >= int(0.8*float64(maxEpochs)) {
			n.state = StateTrained
		} else {
			n.state = StateUntrained
		}
		n.log.Info("learning finished: %d epochs, accuracy %.4f, state %s",
			n.epochsRun, n.recentAccuracy, n.state)
		n.mu.Unlock()
	}()
	return nil
}

// StopLearning requests a cooperative stop. It only ever sets the flag and
// returns immediately, so calling it from inside the learning goroutine is a
// safe no-op rather than a self-join.
func (n *Network) StopLearning() {
	n.stopRequested.Store(true)
}

// Learning reports whether the background goroutine is active.
func (n *Network) Learning() bool {
	return n.learning.Load()
}

// Done returns a channel closed when the current learning run finishes.
// Callers that need to join must do so from outside the learning goroutine.
func (n *Network) Done() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.done
}

// RetroLearn replays up to the 100 most recent examples for 20 passes,
// weighting failures at 0.3 and successes at 1.0, periodically re-centering
// thresholds toward a 30% mean activation. With fewer than 10 accumulated
// examples it is a strict no-op.
func (n *Network) RetroLearn() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.examples) < retroMinExamples {
		return ErrInsufficientData
	}

	window := n.examples
	if len(window) > retroExampleWindow {
		window = window[len(window)-retroExampleWindow:]
	}

	for pass := 0; pass < retroPasses; pass++ {
		for _, ex := range window {
			scale := 0.3
			if ex.Success {
				scale = 1.0
			}
			n.forwardLocked(ex.Inputs)
			errs := n.backwardLocked(EncodeNonce(ex.TargetNonce))
			n.applyPlasticityLocked(errs, scale)
		}
		if (pass+1)%5 == 0 {
			n.recenterThresholdsLocked()
		}
	}
	n.log.Debug("retro-learning completed over %d examples", len(window))
	return nil
}

// recenterThresholdsLocked pulls thresholds toward the point where roughly
// 30% of each layer fires.
func (n *Network) recenterThresholdsLocked() {
	scaled := n.cfg.DifficultyScaling
	for li := 1; li < len(n.layers); li++ {
		layer := n.layers[li]
		mean := layer.meanActivation()
		shift := 0.05 * (mean - 0.3)
		for _, neuron := range layer.Neurons {
			neuron.adjustThreshold(shift, scaled)
		}
	}
}

// Reinforce replays the example's input and rewards or punishes the units
// that drove the outcome. Success strengthens active units; failure lightly
// weakens the most saturated ones.
func (n *Network) Reinforce(ex Example, success bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.forwardLocked(ex.Inputs)

	for li := 1; li < len(n.layers); li++ {
		layer := n.layers[li]
		for i, neuron := range layer.Neurons {
			if success && neuron.Activation > 0.6 {
				for j := range neuron.Weights {
					neuron.Weights[j] = clampWeight(neuron.Weights[j] * 1.05)
					layer.Synapses[i][j] = clampSynapse(layer.Synapses[i][j] * 1.03)
				}
				neuron.AdaptationFactor = clamp(neuron.AdaptationFactor*1.02,
					adaptationFactorMin, adaptationFactorMax)
			} else if !success && neuron.Activation > 0.8 {
				for j := range neuron.Weights {
					neuron.Weights[j] = clampWeight(neuron.Weights[j] * 0.98)
				}
				neuron.AdaptationFactor = clamp(neuron.AdaptationFactor*0.99,
					adaptationFactorMin, adaptationFactorMax)
			}
		}
	}
}
