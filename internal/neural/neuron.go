package neural

import (
	"math"
	"time"
)

// Bounds enforced on every neuron and synapse update.
const (
	WeightMin = -2.0
	WeightMax = 2.0

	// MinConnectionStrength is the floor for synapse matrix entries.
	MinConnectionStrength = 0.1
	MaxConnectionStrength = 1.0

	// PlasticityRate scales Hebbian weight deltas.
	PlasticityRate = 0.01

	// FatigueFactor damps every activation after saturation.
	FatigueFactor = 0.95

	thresholdMin = 0.1
	thresholdMax = 0.9

	// Wider clamp used when difficulty scaling is enabled.
	thresholdMinScaled = 0.05
	thresholdMaxScaled = 0.95

	adaptationFactorMin = 0.5
	adaptationFactorMax = 1.5
)

// Neuron is a single biological unit: a saturating activation, an adaptive
// firing threshold, and one incoming weight per predecessor with the matching
// last dendritic input remembered for plasticity.
type Neuron struct {
	Activation       float64
	Threshold        float64
	AdaptationFactor float64
	LastStimulated   time.Time
	Weights          []float64
	DendriticInputs  []float64
	lastDeltas       []float64
	Connections      int
}

// newNeuron allocates a neuron with the given fan-in. Weights are filled in
// by the layer builder.
func newNeuron(fanIn int, threshold float64) *Neuron {
	return &Neuron{
		Threshold:        threshold,
		AdaptationFactor: 1.0,
		LastStimulated:   time.Now(),
		Weights:          make([]float64, fanIn),
		DendriticInputs:  make([]float64, fanIn),
		lastDeltas:       make([]float64, fanIn),
		Connections:      fanIn,
	}
}

// adaptiveThreshold computes the effective firing threshold. Recent
// stimulation lowers it by up to 20% over one second.
func (n *Neuron) adaptiveThreshold(now time.Time) float64 {
	sinceMs := float64(now.Sub(n.LastStimulated).Milliseconds())
	recency := math.Min(1.0, sinceMs/1000.0)
	return n.Threshold * n.AdaptationFactor * (1.0 - recency*0.2)
}

// activate applies the biological activation to a weighted input sum:
// silence below the adaptive threshold, a steep logistic above it, then
// fixed fatigue damping. The result is always in [0, 1).
func (n *Neuron) activate(input float64, now time.Time) float64 {
	thr := n.adaptiveThreshold(now)
	if input < thr {
		n.Activation = 0
		return 0
	}
	act := sigmoid(2.0 * (input - thr))
	act *= FatigueFactor
	n.Activation = act
	n.LastStimulated = now
	return act
}

// adjustThreshold nudges the stored threshold by delta and reclamps it.
func (n *Neuron) adjustThreshold(delta float64, scaled bool) {
	n.Threshold = clampThreshold(n.Threshold+delta, scaled)
}

func clampThreshold(t float64, scaled bool) float64 {
	lo, hi := thresholdMin, thresholdMax
	if scaled {
		lo, hi = thresholdMinScaled, thresholdMaxScaled
	}
	return clamp(t, lo, hi)
}

func clampWeight(w float64) float64 {
	return clamp(w, WeightMin, WeightMax)
}

func clampSynapse(s float64) float64 {
	return clamp(s, MinConnectionStrength, MaxConnectionStrength)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// sigmoidDeriv is the logistic derivative expressed in terms of the
// activation value itself.
func sigmoidDeriv(act float64) float64 {
	return act * (1.0 - act)
}

// sanitize maps NaN and infinities to zero so a bad frame can never poison
// weights, and clamps everything to the electrode dynamic range.
func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return clamp(v, -2.0, 2.0)
}
