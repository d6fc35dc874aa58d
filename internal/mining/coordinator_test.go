package mining

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"neuromine/internal/block"
	"neuromine/internal/logging"
	"neuromine/internal/neural"
)

type stubSource struct {
	frame      []float64
	stimulated int
}

func (s *stubSource) ReadSignals(ctx context.Context) ([]float64, error) {
	out := make([]float64, len(s.frame))
	copy(out, s.frame)
	return out, nil
}

func (s *stubSource) Stimulate(ctx context.Context, pattern []float64) error {
	s.stimulated++
	return nil
}

func testNetwork(t *testing.T) *neural.Network {
	t.Helper()
	cfg := neural.DefaultConfig(8)
	cfg.HiddenSizes = []int{10}
	cfg.MaxEpochs = 100
	cfg.EpochInterval = 0
	net, err := neural.NewNetwork(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	return net
}

func testHeader() block.Header {
	return block.Header{
		Version:   2,
		Timestamp: uint32(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Unix()),
		Bits:      block.StandardBits,
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.MiningInterval = 0
	opts.IntegrationInterval = 0
	opts.MetricsInterval = 0
	opts.CurriculumSize = 20
	return opts
}

func newTestCoordinator(t *testing.T, opts Options) (*Coordinator, *stubSource) {
	t.Helper()
	src := &stubSource{frame: []float64{0.5, -0.5, 1, -1, 0.2, -0.2, 0.8, -0.8}}
	c, err := NewCoordinator(opts, testNetwork(t), src, nil, logging.Discard())
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return c, src
}

func TestNewCoordinatorRejectsBadWeight(t *testing.T) {
	opts := testOptions()
	opts.BiologicalWeight = 2.0
	src := &stubSource{frame: []float64{0}}
	if _, err := NewCoordinator(opts, testNetwork(t), src, nil, logging.Discard()); err == nil {
		t.Fatal("expected out-of-range biological weight to be rejected")
	}
	if _, err := NewCoordinator(testOptions(), nil, src, nil, logging.Discard()); err == nil {
		t.Fatal("expected nil network to be rejected")
	}
}

func TestMiningRefusedBeforeInitialize(t *testing.T) {
	c, _ := newTestCoordinator(t, testOptions())
	if _, err := c.MineOneAttempt(context.Background(), testHeader()); err == nil {
		t.Fatal("expected mining to be refused in uninitialized state")
	}
}

func TestInitializeLoadsCurriculumAndStartsLearning(t *testing.T) {
	c, _ := newTestCoordinator(t, testOptions())
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := c.State(); got != StateInitialLearning {
		t.Fatalf("state after initialize = %s, want %s", got, StateInitialLearning)
	}

	c.net.StopLearning()
	<-c.net.Done()

	if c.net.ExampleCount() == 0 {
		t.Error("curriculum left no training examples behind")
	}
	if err := c.Initialize(context.Background()); err == nil {
		t.Error("expected second initialize to be rejected")
	}
}

func TestResumeRequiresTrainedNetwork(t *testing.T) {
	c, _ := newTestCoordinator(t, testOptions())
	if err := c.Resume(); err == nil {
		t.Fatal("expected resume on an untrained network to fail")
	}

	c.net.LoadCurriculum(200)
	if err := c.net.StartLearning(); err != nil {
		t.Fatalf("StartLearning: %v", err)
	}
	<-c.net.Done()

	if err := c.Resume(); err != nil {
		t.Fatalf("Resume after training: %v", err)
	}
	if got := c.State(); got != StateActiveMining {
		t.Errorf("state after resume = %s, want %s", got, StateActiveMining)
	}
}

func TestTraditionalOnlyWhenWeightZero(t *testing.T) {
	opts := testOptions()
	opts.BiologicalWeight = 0
	opts.MinBiologicalWeight = 0
	opts.Difficulty = 16 // unreachable, every attempt fails
	opts.SearchWorkers = 1
	opts.MaxAttempts = 1

	c, _ := newTestCoordinator(t, opts)
	c.state = StateActiveMining
	header := testHeader()

	for i := 0; i < 200; i++ {
		res, err := c.MineOneAttempt(context.Background(), header)
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if res.Strategy != "traditional" {
			t.Fatalf("attempt %d used strategy %q, want traditional", i, res.Strategy)
		}
	}

	snap := c.Metrics()
	if snap.BiologicalPredictions != 0 {
		t.Errorf("biological predictions = %d, want 0", snap.BiologicalPredictions)
	}
	if snap.TraditionalHashes != 200 {
		t.Errorf("traditional hashes = %d, want 200", snap.TraditionalHashes)
	}
	// Workers feed the total directly, so it must match without a separate
	// attribution pass.
	if snap.TotalHashes != 200 {
		t.Errorf("total hashes = %d, want 200", snap.TotalHashes)
	}
}

func TestMineOneAttemptFindsEasyNonce(t *testing.T) {
	opts := testOptions()
	opts.BiologicalWeight = 0
	opts.MinBiologicalWeight = 0
	opts.Difficulty = 1
	opts.SearchWorkers = 2
	opts.MaxAttempts = 1 << 12

	c, _ := newTestCoordinator(t, opts)
	c.state = StateActiveMining

	res, err := c.MineOneAttempt(context.Background(), testHeader())
	if err != nil {
		t.Fatalf("MineOneAttempt: %v", err)
	}
	if !res.Success {
		t.Fatalf("difficulty-1 search did not find a nonce in %d attempts", res.Attempts)
	}
	if !block.ValidateNonce(testHeader(), res.Nonce, 1) {
		t.Errorf("reported nonce %d does not satisfy difficulty", res.Nonce)
	}
	if res.Hash == "" {
		t.Error("successful result carries no hash")
	}
}

func TestPredictOptimalNonceTracksHistory(t *testing.T) {
	c, src := newTestCoordinator(t, testOptions())
	c.state = StateActiveMining

	pred, err := c.PredictOptimalNonce(context.Background(), testHeader(), 4, nil)
	if err != nil {
		t.Fatalf("PredictOptimalNonce: %v", err)
	}
	if pred.Confidence < 0.1 || pred.Confidence > 1 {
		t.Errorf("confidence %v outside [0.1, 1]", pred.Confidence)
	}
	if src.stimulated == 0 {
		t.Error("prediction without signals never stimulated the array")
	}

	c.mu.Lock()
	n := len(c.predictions)
	hasFrame := c.lastSignals != nil
	c.mu.Unlock()
	if n != 1 {
		t.Errorf("prediction history length = %d, want 1", n)
	}
	if !hasFrame {
		t.Error("acquired frame was not retained for feedback")
	}
}

func TestSubmitOutcomeFeedsNetwork(t *testing.T) {
	c, _ := newTestCoordinator(t, testOptions())
	c.state = StateActiveMining
	c.SetHeader(testHeader())
	c.OnSignalsAcquired([]float64{0.5, -0.5, 1, -1, 0.2, -0.2, 0.8, -0.8})

	before := c.net.ExampleCount()
	pred, err := c.PredictOptimalNonce(context.Background(), testHeader(), 4, nil)
	if err != nil {
		t.Fatalf("PredictOptimalNonce: %v", err)
	}
	c.SubmitOutcome(pred, true)
	if got := c.net.ExampleCount(); got != before+1 {
		t.Errorf("example count = %d, want %d", got, before+1)
	}
}

func TestSubmitOutcomeDoesNotMutateRetainedFrame(t *testing.T) {
	c, _ := newTestCoordinator(t, testOptions())
	c.state = StateActiveMining
	c.SetHeader(testHeader())

	// The network sanitizes example inputs in place (NaN becomes 0); the
	// coordinator's retained frame must be unaffected.
	frame := []float64{math.NaN(), 0.5, -0.5, 1, -1, 0.2, -0.2, 0.8}
	c.OnSignalsAcquired(frame)

	c.SubmitOutcome(neural.Prediction{ID: "p1", SuggestedNonce: 42}, true)

	c.mu.Lock()
	got := c.lastSignals[0]
	c.mu.Unlock()
	if !math.IsNaN(got) {
		t.Errorf("retained frame[0] = %v after feedback, want NaN preserved", got)
	}
}

func TestAdaptiveControlRespectsBounds(t *testing.T) {
	opts := testOptions()
	opts.BiologicalWeight = 0.9
	c, _ := newTestCoordinator(t, opts)
	c.state = StateActiveMining

	// Zero recorded predictions reads as zero accuracy, which pushes the
	// weight up every pass.
	for i := 0; i < 100; i++ {
		c.adaptiveControl()
	}
	if got := c.BiologicalWeight(); got > opts.MaxBiologicalWeight {
		t.Errorf("biological weight %v exceeded max %v", got, opts.MaxBiologicalWeight)
	}
	if got := c.net.LearningRate(); got > opts.MaxLearningRate {
		t.Errorf("learning rate %v exceeded max %v", got, opts.MaxLearningRate)
	}

	// A perfect predictor pushes the weight back down toward the floor.
	for i := 0; i < 200; i++ {
		c.metrics.RecordBiologicalPrediction(true)
	}
	for i := 0; i < 1000; i++ {
		c.adaptiveControl()
	}
	if got := c.BiologicalWeight(); got < opts.MinBiologicalWeight {
		t.Errorf("biological weight %v fell below min %v", got, opts.MinBiologicalWeight)
	}
	if got := c.net.LearningRate(); got < opts.MinLearningRate {
		t.Errorf("learning rate %v fell below min %v", got, opts.MinLearningRate)
	}
	if got := c.State(); got != StateActiveMining {
		t.Errorf("state after adaptive control = %s, want %s", got, StateActiveMining)
	}
}

func TestConvergenceTriggersRetroLearning(t *testing.T) {
	c, _ := newTestCoordinator(t, testOptions())
	c.state = StateActiveMining

	c.mu.Lock()
	for i := 0; i < predictionWindow; i++ {
		c.predictions = append(c.predictions, neural.Prediction{Confidence: 0.9})
	}
	c.mu.Unlock()

	if !c.detectConvergence() {
		t.Fatal("identical high-confidence predictions not detected as convergence")
	}

	deadline := time.After(2 * time.Second)
	for c.retroRunning.Load() {
		select {
		case <-deadline:
			t.Fatal("retro-learning pass never finished")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := c.State(); got != StateActiveMining {
		t.Errorf("state after retro-learning = %s, want %s", got, StateActiveMining)
	}
}

func TestNoConvergenceOnVariedConfidence(t *testing.T) {
	c, _ := newTestCoordinator(t, testOptions())
	c.state = StateActiveMining

	c.mu.Lock()
	for i := 0; i < predictionWindow; i++ {
		conf := 0.2
		if i%2 == 0 {
			conf = 0.9
		}
		c.predictions = append(c.predictions, neural.Prediction{Confidence: conf})
	}
	c.mu.Unlock()

	if c.detectConvergence() {
		t.Error("high-variance confidence history reported as converged")
	}
}

func TestDiagnosticsReportsSections(t *testing.T) {
	c, _ := newTestCoordinator(t, testOptions())
	report := c.Diagnostics()
	for _, want := range []string{"--- Network ---", "--- Mining ---", "Biological weight"} {
		if !strings.Contains(report, want) {
			t.Errorf("diagnostics missing %q", want)
		}
	}
}
