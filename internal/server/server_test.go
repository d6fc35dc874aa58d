package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuromine/internal/logging"
	"neuromine/internal/mining"
	"neuromine/internal/neural"
	"neuromine/internal/store"
)

type fixedSource struct{ frame []float64 }

func (f *fixedSource) ReadSignals(ctx context.Context) ([]float64, error) {
	out := make([]float64, len(f.frame))
	copy(out, f.frame)
	return out, nil
}

func (f *fixedSource) Stimulate(ctx context.Context, pattern []float64) error { return nil }

func newTestServer(t *testing.T) (*Server, *mining.Coordinator, *neural.Network) {
	t.Helper()

	cfg := neural.DefaultConfig(8)
	cfg.HiddenSizes = []int{10}
	cfg.MaxEpochs = 50
	cfg.EpochInterval = 0
	net, err := neural.NewNetwork(cfg, logging.Discard())
	require.NoError(t, err)

	opts := mining.DefaultOptions()
	opts.MiningInterval = 0
	opts.IntegrationInterval = 0
	opts.MetricsInterval = 0
	opts.CurriculumSize = 20
	opts.Difficulty = 1
	opts.SearchWorkers = 1
	opts.MaxAttempts = 1 << 12

	src := &fixedSource{frame: []float64{0.5, -0.5, 1, -1, 0.2, -0.2, 0.8, -0.8}}
	coord, err := mining.NewCoordinator(opts, net, src, nil, logging.Discard())
	require.NoError(t, err)

	snaps, err := store.OpenSnapshotStore(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { snaps.Close() })

	return New(coord, net, snaps, nil, logging.Discard()), coord, net
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "uninitialized", resp["state"])
	assert.Equal(t, "untrained", resp["network_state"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/v1/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp, "mining")
	assert.Contains(t, resp, "biological_weight")
	assert.Contains(t, resp, "learning_rate")
}

func TestPredictEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/predict", map[string]interface{}{
		"header": map[string]interface{}{"version": 2, "timestamp": 1700000000},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var pred neural.Prediction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pred))
	assert.NotEmpty(t, pred.ID)
	assert.GreaterOrEqual(t, pred.Confidence, 0.1)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/predict", map[string]interface{}{
		"header": map[string]interface{}{"prev_block": "zz"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHeaderRequestConversion(t *testing.T) {
	req := headerRequest{
		Version:   0x20000000,
		PrevBlock: "00000000000000000001a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f7",
		Timestamp: 1700000000,
		Bits:      0x1d00ffff,
	}
	h, err := req.toHeader()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x20000000), h.Version)
	assert.Equal(t, uint32(1700000000), h.Timestamp)
	assert.Equal(t, byte(0x00), h.PrevBlock[0])
	assert.Equal(t, byte(0xf7), h.PrevBlock[31])

	req.MerkleRoot = "abcd" // wrong length
	if _, err := req.toHeader(); err == nil {
		t.Error("expected short merkle root to be rejected")
	}
}

func TestMineEndpointRefusedBeforeInitialize(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/v1/mine", map[string]interface{}{
		"header": map[string]interface{}{"version": 2},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestOutcomeEndpointValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/outcome", map[string]interface{}{
		"prediction_id": "p1", "nonce": 42,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing success flag must be rejected")

	rec = doJSON(t, router, http.MethodPost, "/api/v1/outcome", map[string]interface{}{
		"prediction_id": "p1", "nonce": 42, "success": true,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLearningEndpoints(t *testing.T) {
	srv, coord, net := newTestServer(t)
	router := srv.Router()

	// No examples yet: start must fail.
	rec := doJSON(t, router, http.MethodPost, "/api/v1/learning/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, coord.Initialize(context.Background()))
	rec = doJSON(t, router, http.MethodPost, "/api/v1/learning/stop", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	<-net.Done()
}

func TestSnapshotEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodGet, "/api/v1/snapshot/latest", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/snapshot", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/snapshot/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap neural.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, neural.SnapshotVersion, snap.Version)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/snapshot/restore", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAttemptsEndpointWithoutLedger(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/v1/attempts", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
