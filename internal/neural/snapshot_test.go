package neural

import (
	"encoding/json"
	"math/rand"
	"testing"
)

func TestSnapshotRoundTrip(t *testing.T) {
	net, _ := NewNetwork(testConfig(), nil)
	rng := rand.New(rand.NewSource(20))
	for i := 0; i < 20; i++ {
		net.AddExample(trainingExample(net, rng, true))
	}
	net.mu.Lock()
	for i := 0; i < 100; i++ {
		net.trainOneEpochLocked()
	}
	net.mu.Unlock()

	doc := net.Snapshot(true)
	if doc.Version != SnapshotVersion {
		t.Errorf("expected version %d, got %d", SnapshotVersion, doc.Version)
	}
	if len(doc.Layers) != 3 {
		t.Fatalf("expected 3 layer sections, got %d", len(doc.Layers))
	}
	if doc.Layers[2].NeuronCount != OutputBits {
		t.Errorf("output section should have %d neurons, got %d", OutputBits, doc.Layers[2].NeuronCount)
	}

	// Through JSON, the way the snapshot store persists it.
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded Snapshot
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	restored, _ := NewNetwork(testConfig(), nil)
	if err := restored.Restore(&decoded); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	if restored.EpochsRun() != net.EpochsRun() {
		t.Errorf("epoch counter mismatch: %d vs %d", restored.EpochsRun(), net.EpochsRun())
	}

	restored.mu.Lock()
	net.mu.Lock()
	for li := 1; li < len(net.layers); li++ {
		for i, neuron := range net.layers[li].Neurons {
			for j, w := range neuron.Weights {
				if restored.layers[li].Neurons[i].Weights[j] != w {
					t.Fatalf("layer %d neuron %d weight %d not restored", li, i, j)
				}
			}
		}
	}
	net.mu.Unlock()
	restored.mu.Unlock()
}

func TestLightSnapshotOmitsWeights(t *testing.T) {
	net, _ := NewNetwork(testConfig(), nil)
	doc := net.Snapshot(false)
	for _, ls := range doc.Layers {
		if ls.Weights != nil || ls.Synapses != nil {
			t.Error("light snapshot must not carry weights or synapses")
		}
		if len(ls.Thresholds) != ls.NeuronCount {
			t.Error("light snapshot must carry thresholds")
		}
	}
}

func TestRestoreRejectsInvalidWithoutMutation(t *testing.T) {
	net, _ := NewNetwork(testConfig(), nil)
	before := net.Snapshot(true)

	cases := []*Snapshot{
		nil,
		{Version: 99, Config: before.Config},
		{Version: 1}, // zero config
		func() *Snapshot {
			doc := net.Snapshot(true)
			doc.Layers[1].Weights[0] = doc.Layers[1].Weights[0][:3]
			return doc
		}(),
		func() *Snapshot {
			doc := net.Snapshot(true)
			doc.Layers[1].Thresholds[0] = nan()
			return doc
		}(),
	}

	for i, doc := range cases {
		if err := net.Restore(doc); err == nil {
			t.Fatalf("case %d: expected rejection", i)
		}
		after := net.Snapshot(true)
		if after.State.EpochsRun != before.State.EpochsRun {
			t.Fatalf("case %d: state mutated by failed restore", i)
		}
		for li := range before.Layers {
			for ni := range before.Layers[li].Weights {
				for wi := range before.Layers[li].Weights[ni] {
					if after.Layers[li].Weights[ni][wi] != before.Layers[li].Weights[ni][wi] {
						t.Fatalf("case %d: weights mutated by failed restore", i)
					}
				}
			}
		}
	}
}

func TestRestoreToleratesMissingOptionalSections(t *testing.T) {
	net, _ := NewNetwork(testConfig(), nil)
	doc := &Snapshot{
		Version: SnapshotVersion,
		Config:  testConfig(),
		State:   SnapshotState{State: "trained", EpochsRun: 900},
		// No layers section at all: defaults are rebuilt.
	}
	if err := net.Restore(doc); err != nil {
		t.Fatalf("Restore with missing sections failed: %v", err)
	}
	if net.State() != StateTrained {
		t.Errorf("expected trained state, got %s", net.State())
	}
	if net.EpochsRun() != 900 {
		t.Errorf("expected 900 epochs, got %d", net.EpochsRun())
	}
}
