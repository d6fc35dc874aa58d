package neural

import (
	"fmt"
	"math"
	"time"
)

// SnapshotVersion stamps every document this package writes.
const SnapshotVersion = 1

// Snapshot is the serializable network document. The layers section carries
// either thresholds only (light snapshot) or the full weight, dendrite and
// synapse state.
type Snapshot struct {
	Version   int           `json:"version"`
	SavedAt   time.Time     `json:"saved_at"`
	Config    Config        `json:"config"`
	State     SnapshotState `json:"networkState"`
	Layers    []LayerState  `json:"layers"`
	FullState bool          `json:"full_state"`
}

// SnapshotState is the scalar training-progress section.
type SnapshotState struct {
	State          string  `json:"state"`
	EpochsRun      int     `json:"epochs_run"`
	Correct        int     `json:"correct"`
	TotalTrials    int     `json:"total_trials"`
	RecentAccuracy float64 `json:"recent_accuracy"`
	Predictions    int     `json:"predictions"`
	Examples       int     `json:"examples"`
}

// LayerState is one layer's section of the document.
type LayerState struct {
	Type           string      `json:"type"`
	NeuronCount    int         `json:"neuron_count"`
	MeanActivation float64     `json:"mean_activation"`
	Thresholds     []float64   `json:"thresholds"`
	Adaptation     []float64   `json:"adaptation,omitempty"`
	Weights        [][]float64 `json:"weights,omitempty"`
	Dendrites      [][]float64 `json:"dendrites,omitempty"`
	Synapses       [][]float64 `json:"synapses,omitempty"`
}

// Snapshot captures the network into a document. full=false records only
// thresholds per layer; full=true includes weights, dendritic inputs and the
// synapse matrices.
func (n *Network) Snapshot(full bool) *Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()

	doc := &Snapshot{
		Version:   SnapshotVersion,
		SavedAt:   time.Now(),
		Config:    n.cfg,
		FullState: full,
		State: SnapshotState{
			State:          n.state.String(),
			EpochsRun:      n.epochsRun,
			Correct:        n.correct,
			TotalTrials:    n.totalTrials,
			RecentAccuracy: n.recentAccuracy,
			Predictions:    len(n.predictions),
			Examples:       len(n.examples),
		},
	}

	for _, layer := range n.layers {
		ls := LayerState{
			Type:           layer.Type.String(),
			NeuronCount:    len(layer.Neurons),
			MeanActivation: layer.meanActivation(),
			Thresholds:     make([]float64, len(layer.Neurons)),
		}
		for i, neuron := range layer.Neurons {
			ls.Thresholds[i] = neuron.Threshold
		}
		if full {
			ls.Adaptation = make([]float64, len(layer.Neurons))
			ls.Weights = make([][]float64, len(layer.Neurons))
			ls.Dendrites = make([][]float64, len(layer.Neurons))
			for i, neuron := range layer.Neurons {
				ls.Adaptation[i] = neuron.AdaptationFactor
				ls.Weights[i] = append([]float64(nil), neuron.Weights...)
				ls.Dendrites[i] = append([]float64(nil), neuron.DendriticInputs...)
			}
			ls.Synapses = make([][]float64, len(layer.Synapses))
			for i := range layer.Synapses {
				ls.Synapses[i] = append([]float64(nil), layer.Synapses[i]...)
			}
		}
		doc.Layers = append(doc.Layers, ls)
	}
	return doc
}

// Restore replaces the network from a snapshot document. The document is
// validated and fully materialized before any live state is touched, so a
// bad document leaves the network exactly as it was. Missing optional
// sections (adaptation, weights, synapses) fall back to freshly built
// defaults.
func (n *Network) Restore(doc *Snapshot) error {
	if doc == nil {
		return ErrSnapshotInvalid
	}
	if doc.Version <= 0 || doc.Version > SnapshotVersion {
		return NewError(ErrCodeSnapshotInvalid, "snapshot document is structurally invalid",
			fmt.Sprintf("unsupported version %d", doc.Version))
	}
	if err := doc.Config.validate(); err != nil {
		return NewError(ErrCodeSnapshotInvalid, "snapshot document is structurally invalid",
			"config section rejected: "+err.Error())
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	// Build the candidate topology off to the side.
	layers := buildLayers(doc.Config, n.rng)
	if len(doc.Layers) != 0 {
		if len(doc.Layers) != len(layers) {
			return NewError(ErrCodeSnapshotInvalid, "snapshot document is structurally invalid",
				fmt.Sprintf("expected %d layers, document has %d", len(layers), len(doc.Layers)))
		}
		for li, ls := range doc.Layers {
			layer := layers[li]
			if ls.NeuronCount != len(layer.Neurons) {
				return NewError(ErrCodeSnapshotInvalid, "snapshot document is structurally invalid",
					fmt.Sprintf("layer %d: expected %d neurons, document has %d", li, len(layer.Neurons), ls.NeuronCount))
			}
			if err := applyLayerState(layer, ls, doc.Config.DifficultyScaling); err != nil {
				return err
			}
		}
	}

	n.cfg = doc.Config
	n.layers = layers
	n.epochsRun = doc.State.EpochsRun
	n.correct = doc.State.Correct
	n.totalTrials = doc.State.TotalTrials
	n.recentAccuracy = doc.State.RecentAccuracy
	n.state = stateFromString(doc.State.State)
	return nil
}

func applyLayerState(layer *Layer, ls LayerState, scaled bool) error {
	if len(ls.Thresholds) != 0 && len(ls.Thresholds) != len(layer.Neurons) {
		return NewError(ErrCodeSnapshotInvalid, "snapshot document is structurally invalid",
			"threshold vector length mismatch")
	}
	for i, t := range ls.Thresholds {
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return NewError(ErrCodeSnapshotCorrupt, "snapshot document is corrupt",
				"non-finite threshold value")
		}
		layer.Neurons[i].Threshold = clampThreshold(t, scaled)
	}
	for i, a := range ls.Adaptation {
		if i >= len(layer.Neurons) {
			break
		}
		if math.IsNaN(a) || math.IsInf(a, 0) {
			return NewError(ErrCodeSnapshotCorrupt, "snapshot document is corrupt",
				"non-finite adaptation factor")
		}
		layer.Neurons[i].AdaptationFactor = clamp(a, adaptationFactorMin, adaptationFactorMax)
	}
	if ls.Weights != nil {
		if len(ls.Weights) != len(layer.Neurons) {
			return NewError(ErrCodeSnapshotInvalid, "snapshot document is structurally invalid",
				"weight matrix row count mismatch")
		}
		for i, row := range ls.Weights {
			neuron := layer.Neurons[i]
			if len(row) != len(neuron.Weights) {
				return NewError(ErrCodeSnapshotInvalid, "snapshot document is structurally invalid",
					"weight vector length mismatch")
			}
			for j, w := range row {
				if math.IsNaN(w) || math.IsInf(w, 0) {
					return NewError(ErrCodeSnapshotCorrupt, "snapshot document is corrupt",
						"non-finite weight value")
				}
				neuron.Weights[j] = clampWeight(w)
			}
		}
	}
	for i, row := range ls.Dendrites {
		if i >= len(layer.Neurons) || len(row) != len(layer.Neurons[i].DendriticInputs) {
			continue
		}
		for j, d := range row {
			layer.Neurons[i].DendriticInputs[j] = sanitize(d)
		}
	}
	if ls.Synapses != nil {
		if len(ls.Synapses) != len(layer.Synapses) {
			return NewError(ErrCodeSnapshotInvalid, "snapshot document is structurally invalid",
				"synapse matrix row count mismatch")
		}
		for i, row := range ls.Synapses {
			if len(row) != len(layer.Synapses[i]) {
				return NewError(ErrCodeSnapshotInvalid, "snapshot document is structurally invalid",
					"synapse vector length mismatch")
			}
			for j, s := range row {
				if math.IsNaN(s) || math.IsInf(s, 0) {
					return NewError(ErrCodeSnapshotCorrupt, "snapshot document is corrupt",
						"non-finite synapse value")
				}
				layer.Synapses[i][j] = clampSynapse(s)
			}
		}
	}
	return nil
}

func stateFromString(s string) State {
	switch s {
	case "trained":
		return StateTrained
	case "training":
		// A restored network is never mid-run.
		return StateUntrained
	default:
		return StateUntrained
	}
}
