package neural

import (
	"math"
	"math/rand"
)

// LayerType tags a layer's position in the network.
type LayerType int

const (
	LayerInput LayerType = iota
	LayerHidden
	LayerOutput
)

func (t LayerType) String() string {
	switch t {
	case LayerInput:
		return "input"
	case LayerHidden:
		return "hidden"
	case LayerOutput:
		return "output"
	}
	return "unknown"
}

// Layer owns an ordered set of neurons plus the synapse-strength matrix
// against the previous layer: Synapses[i][j] modulates the connection from
// previous-layer neuron j into this layer's neuron i.
type Layer struct {
	Type     LayerType
	Neurons  []*Neuron
	Synapses [][]float64
}

// newInputLayer builds the electrode-facing layer. Input neurons carry no
// incoming weights; their activation is set directly from the signal frame.
// Thresholds sit near the configured base with small jitter.
func newInputLayer(size int, thresholdBase float64, scaled bool, rng *rand.Rand) *Layer {
	layer := &Layer{Type: LayerInput, Neurons: make([]*Neuron, size)}
	for i := range layer.Neurons {
		jitter := (rng.Float64() - 0.5) * 0.1
		layer.Neurons[i] = newNeuron(0, clampThreshold(thresholdBase+jitter, scaled))
	}
	return layer
}

// newLayer builds a hidden or output layer fully connected to prevSize
// units. Weight init is variance-scaled (~±1/sqrt(prevSize)); synapses start
// from a spatial-proximity heuristic randomized ±50%.
func newLayer(t LayerType, size, prevSize int, thresholdBase float64, scaled bool, rng *rand.Rand) *Layer {
	layer := &Layer{
		Type:     t,
		Neurons:  make([]*Neuron, size),
		Synapses: make([][]float64, size),
	}

	scale := 1.0 / math.Sqrt(float64(prevSize))
	for i := range layer.Neurons {
		jitter := (rng.Float64() - 0.5) * 0.1
		n := newNeuron(prevSize, clampThreshold(thresholdBase+jitter, scaled))
		for j := range n.Weights {
			n.Weights[j] = (rng.Float64()*2 - 1) * scale
		}
		layer.Neurons[i] = n

		layer.Synapses[i] = make([]float64, prevSize)
		for j := range layer.Synapses[i] {
			base := proximityStrength(i, j, size, prevSize)
			factor := 0.5 + rng.Float64() // ±50% around the heuristic
			layer.Synapses[i][j] = clampSynapse(base * factor)
		}
	}
	return layer
}

// proximityStrength favors connections between units at similar relative
// positions, the way physically close electrodes couple more strongly.
func proximityStrength(i, j, size, prevSize int) float64 {
	pi := float64(i) / float64(max(size-1, 1))
	pj := float64(j) / float64(max(prevSize-1, 1))
	distance := math.Abs(pi - pj)
	return 0.3 + 0.7*(1.0-distance)
}

// meanActivation reports the average activation over the layer.
func (l *Layer) meanActivation() float64 {
	if len(l.Neurons) == 0 {
		return 0
	}
	sum := 0.0
	for _, n := range l.Neurons {
		sum += n.Activation
	}
	return sum / float64(len(l.Neurons))
}
