package mining

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks the hybrid engine's counters and derived gauges. Counters
// are atomic so the search workers and the learning integration cycle can
// bump them without sharing the coordinator lock; gauges are recomputed
// under a small mutex on the metrics cadence.
type Metrics struct {
	totalHashes           atomic.Uint64
	biologicalPredictions atomic.Uint64
	successfulPredictions atomic.Uint64
	traditionalHashes     atomic.Uint64

	mu               sync.Mutex
	startedAt        time.Time
	biologicalAcc    float64
	hybridHashRate   float64
	energyEfficiency float64
	adaptationScore  float64
}

// MetricsSnapshot is the read-only view handed to callers.
type MetricsSnapshot struct {
	TotalHashes           uint64  `json:"total_hashes"`
	BiologicalPredictions uint64  `json:"biological_predictions"`
	SuccessfulPredictions uint64  `json:"successful_predictions"`
	TraditionalHashes     uint64  `json:"traditional_hashes"`
	BiologicalAccuracy    float64 `json:"biological_accuracy"`
	HybridHashRate        float64 `json:"hybrid_hash_rate"`
	EnergyEfficiency      float64 `json:"energy_efficiency"`
	AdaptationScore       float64 `json:"adaptation_score"`
}

func NewMetrics() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

// HashCounter exposes the total-hash counter for search workers to feed
// live, so the hash-rate gauge moves during a long search rather than
// jumping when it finishes.
func (m *Metrics) HashCounter() *atomic.Uint64 { return &m.totalHashes }

// AddTraditionalHashes attributes already-counted hashes to the traditional
// strategy. The total is fed live through HashCounter.
func (m *Metrics) AddTraditionalHashes(n uint64) {
	m.traditionalHashes.Add(n)
}

func (m *Metrics) RecordBiologicalPrediction(success bool) {
	m.biologicalPredictions.Add(1)
	m.totalHashes.Add(1) // validating a prediction costs one hash
	if success {
		m.successfulPredictions.Add(1)
	}
}

// BiologicalAccuracy derives the success ratio straight from the counters.
func (m *Metrics) BiologicalAccuracy() float64 {
	preds := m.biologicalPredictions.Load()
	if preds == 0 {
		return 0
	}
	return float64(m.successfulPredictions.Load()) / float64(preds)
}

// Recompute refreshes the derived gauges. cpuFraction is the host CPU load
// in [0,1]; a loaded host drags the energy gauge down. complexity and
// changeRate come from the coordinator's view of the network.
func (m *Metrics) Recompute(cpuFraction, complexity, changeRate float64) {
	accuracy := m.BiologicalAccuracy()
	preds := m.biologicalPredictions.Load()
	total := m.totalHashes.Load()

	var bioRatio float64
	if total > 0 {
		bioRatio = float64(preds) / float64(total)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.biologicalAcc = accuracy

	elapsed := time.Since(m.startedAt).Seconds()
	if elapsed > 0 {
		m.hybridHashRate = float64(total) / elapsed
	}

	m.energyEfficiency = clamp01(bioRatio * accuracy * (1.0 - 0.5*clamp01(cpuFraction)))
	m.adaptationScore = clamp01(0.5*accuracy + 0.3*clamp01(complexity) + 0.2*clamp01(changeRate))
}

// Snapshot returns a consistent copy of counters and gauges.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		TotalHashes:           m.totalHashes.Load(),
		BiologicalPredictions: m.biologicalPredictions.Load(),
		SuccessfulPredictions: m.successfulPredictions.Load(),
		TraditionalHashes:     m.traditionalHashes.Load(),
		BiologicalAccuracy:    m.biologicalAcc,
		HybridHashRate:        m.hybridHashRate,
		EnergyEfficiency:      m.energyEfficiency,
		AdaptationScore:       m.adaptationScore,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
