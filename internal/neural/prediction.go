package neural

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"neuromine/internal/block"
)

// Example is one training sample: an electrode frame paired with the nonce
// the network should learn to emit for it. Produced by curriculum generation
// and by mining feedback.
type Example struct {
	ID          string        `json:"id"`
	Inputs      []float64     `json:"inputs"`
	TargetNonce uint32        `json:"target_nonce"`
	Header      block.Header  `json:"header"`
	Difficulty  int           `json:"difficulty"`
	Success     bool          `json:"success"`
	Attempts    int           `json:"attempts"`
	ComputeTime time.Duration `json:"compute_time"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Prediction is the network's nonce suggestion for one signal frame.
type Prediction struct {
	ID                 string    `json:"id"`
	SuggestedNonce     uint32    `json:"suggested_nonce"`
	Confidence         float64   `json:"confidence"`
	Candidates         []uint32  `json:"candidates"`
	ExpectedEfficiency float64   `json:"expected_efficiency"`
	Reasoning          string    `json:"reasoning"`
	Timestamp          time.Time `json:"timestamp"`
}

// EncodeNonce expands a 32-bit nonce into per-bit training targets,
// bit i of the nonce driving output unit i.
func EncodeNonce(nonce uint32) []float64 {
	targets := make([]float64, OutputBits)
	for i := 0; i < OutputBits; i++ {
		if nonce&(1<<uint(i)) != 0 {
			targets[i] = 1.0
		}
	}
	return targets
}

// DecodeNonce collapses 32 output activations back into a nonce: bit i is
// set iff unit i fires above 0.5.
func DecodeNonce(outputs []float64) uint32 {
	var nonce uint32
	for i := 0; i < OutputBits && i < len(outputs); i++ {
		if outputs[i] > 0.5 {
			nonce |= 1 << uint(i)
		}
	}
	return nonce
}

// Predict runs one forward pass and decodes the suggestion. Confidence
// derives from output variance; an untrained network returns a clearly
// low-information random suggestion instead of pretending.
func (n *Network) Predict(signals []float64) (Prediction, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	pred := Prediction{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
	}

	if n.state != StateTrained {
		pred.SuggestedNonce = n.rng.Uint32()
		pred.Confidence = 0.1
		pred.ExpectedEfficiency = 0.0
		pred.Reasoning = fmt.Sprintf("network %s; random fallback nonce", n.state)
		n.recordPredictionLocked(pred)
		return pred, nil
	}

	if len(signals) != n.cfg.NeuronCount {
		return Prediction{}, NewError(ErrCodeInvalidSignals, "invalid signal vector",
			fmt.Sprintf("expected %d channels, got %d", n.cfg.NeuronCount, len(signals)))
	}

	outputs := n.forwardLocked(signals)
	pred.SuggestedNonce = DecodeNonce(outputs)
	pred.Confidence = confidenceFrom(outputs)
	pred.Candidates = bitFlipCandidates(pred.SuggestedNonce, outputs, 5)
	pred.ExpectedEfficiency = clamp(pred.Confidence*0.6+n.recentAccuracy*0.4, 0, 1)
	pred.Reasoning = fmt.Sprintf("forward pass over %d electrodes; output variance-derived confidence %.3f; accuracy %.3f",
		n.cfg.NeuronCount, pred.Confidence, n.recentAccuracy)

	n.recordPredictionLocked(pred)
	return pred, nil
}

func (n *Network) recordPredictionLocked(pred Prediction) {
	n.predictions = append(n.predictions, pred)
	if len(n.predictions) > maxPredictionHistory {
		n.predictions = n.predictions[len(n.predictions)-maxPredictionHistory:]
	}
}

// RecentPredictions returns a copy of the capped prediction history.
func (n *Network) RecentPredictions() []Prediction {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Prediction, len(n.predictions))
	copy(out, n.predictions)
	return out
}

// confidenceFrom maps output variance to [0.1, 1.0]: a decisive layer with
// activations pushed to the rails scores high, a flat one scores low.
func confidenceFrom(outputs []float64) float64 {
	if len(outputs) == 0 {
		return 0.1
	}
	mean := 0.0
	for _, v := range outputs {
		mean += v
	}
	mean /= float64(len(outputs))

	variance := 0.0
	for _, v := range outputs {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(outputs))

	return math.Max(0.1, 1.0-math.Sqrt(variance))
}

// bitFlipCandidates builds alternates by flipping the bits whose activation
// sat closest to the 0.5 decision boundary.
func bitFlipCandidates(nonce uint32, outputs []float64, limit int) []uint32 {
	type uncertain struct {
		bit  int
		dist float64
	}
	var us []uncertain
	for i := 0; i < OutputBits && i < len(outputs); i++ {
		d := math.Abs(outputs[i] - 0.5)
		if d < 0.1 {
			us = append(us, uncertain{bit: i, dist: d})
		}
	}
	// Closest to the boundary first.
	for i := 1; i < len(us); i++ {
		for j := i; j > 0 && us[j].dist < us[j-1].dist; j-- {
			us[j], us[j-1] = us[j-1], us[j]
		}
	}

	candidates := make([]uint32, 0, limit)
	for _, u := range us {
		if len(candidates) == limit {
			break
		}
		candidates = append(candidates, nonce^(1<<uint(u.bit)))
	}
	return candidates
}
