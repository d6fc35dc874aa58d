// Package server exposes the hybrid miner over a REST API.
package server

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"neuromine/internal/block"
	"neuromine/internal/logging"
	"neuromine/internal/mining"
	"neuromine/internal/neural"
	"neuromine/internal/store"
)

// Server wires the coordinator, network and stores behind HTTP handlers.
type Server struct {
	coord     *mining.Coordinator
	net       *neural.Network
	snapshots *store.SnapshotStore
	ledger    *store.Ledger
	log       *logging.Logger
	startedAt time.Time
}

// New builds a server. snapshots and ledger may be nil, which disables the
// corresponding endpoints.
func New(coord *mining.Coordinator, net *neural.Network,
	snapshots *store.SnapshotStore, ledger *store.Ledger, log *logging.Logger) *Server {

	if log == nil {
		log = logging.Discard()
	}
	return &Server{
		coord:     coord,
		net:       net,
		snapshots: snapshots,
		ledger:    ledger,
		log:       log,
		startedAt: time.Now(),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/metrics", s.handleMetrics)
		api.GET("/diagnostics", s.handleDiagnostics)

		api.POST("/predict", s.handlePredict)
		api.POST("/mine", s.handleMine)
		api.POST("/outcome", s.handleOutcome)

		api.POST("/learning/start", s.handleLearningStart)
		api.POST("/learning/stop", s.handleLearningStop)

		api.POST("/snapshot", s.handleSnapshotSave)
		api.GET("/snapshot/latest", s.handleSnapshotLatest)
		api.POST("/snapshot/restore", s.handleSnapshotRestore)

		api.GET("/attempts", s.handleAttempts)
	}
	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"state":          s.coord.State().String(),
		"network_state":  s.net.State().String(),
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"mining":            s.coord.Metrics(),
		"biological_weight": s.coord.BiologicalWeight(),
		"epochs_run":        s.net.EpochsRun(),
		"recent_accuracy":   s.net.RecentAccuracy(),
		"example_count":     s.net.ExampleCount(),
		"learning_rate":     s.net.LearningRate(),
	})
}

func (s *Server) handleDiagnostics(c *gin.Context) {
	c.String(http.StatusOK, s.coord.Diagnostics())
}

type headerRequest struct {
	Version    uint32 `json:"version"`
	PrevBlock  string `json:"prev_block"`
	MerkleRoot string `json:"merkle_root"`
	Timestamp  uint32 `json:"timestamp"`
	Bits       uint32 `json:"bits"`
}

func (r headerRequest) toHeader() (block.Header, error) {
	h := block.Header{
		Version:   r.Version,
		Timestamp: r.Timestamp,
		Bits:      r.Bits,
	}
	if h.Bits == 0 {
		h.Bits = block.StandardBits
	}
	if r.PrevBlock != "" {
		if err := decodeHash32(r.PrevBlock, &h.PrevBlock); err != nil {
			return h, err
		}
	}
	if r.MerkleRoot != "" {
		if err := decodeHash32(r.MerkleRoot, &h.MerkleRoot); err != nil {
			return h, err
		}
	}
	return h, nil
}

func decodeHash32(s string, dst *[32]byte) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("hash must be 32 bytes, got %d", len(raw))
	}
	copy(dst[:], raw)
	return nil
}

type predictRequest struct {
	Header     headerRequest `json:"header"`
	Difficulty int           `json:"difficulty"`
	Signals    []float64     `json:"signals"`
}

func (s *Server) handlePredict(c *gin.Context) {
	var req predictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	header, err := req.Header.toHeader()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pred, err := s.coord.PredictOptimalNonce(c.Request.Context(), header, req.Difficulty, req.Signals)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pred)
}

type mineRequest struct {
	Header headerRequest `json:"header"`
}

func (s *Server) handleMine(c *gin.Context) {
	var req mineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	header, err := req.Header.toHeader()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.coord.MineOneAttempt(c.Request.Context(), header)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type outcomeRequest struct {
	PredictionID string  `json:"prediction_id"`
	Nonce        uint32  `json:"nonce"`
	Confidence   float64 `json:"confidence"`
	Success      *bool   `json:"success"`
}

func (s *Server) handleOutcome(c *gin.Context) {
	var req outcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Success == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	s.coord.SubmitOutcome(neural.Prediction{
		ID:             req.PredictionID,
		SuggestedNonce: req.Nonce,
		Confidence:     req.Confidence,
	}, *req.Success)
	c.JSON(http.StatusOK, gin.H{"message": "outcome recorded"})
}

func (s *Server) handleLearningStart(c *gin.Context) {
	if err := s.net.StartLearning(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "learning started"})
}

func (s *Server) handleLearningStop(c *gin.Context) {
	s.net.StopLearning()
	c.JSON(http.StatusAccepted, gin.H{"message": "learning stop requested"})
}

func (s *Server) handleSnapshotSave(c *gin.Context) {
	if s.snapshots == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "snapshot store not configured"})
		return
	}
	seq, err := s.snapshots.Save(s.net.Snapshot(true))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sequence": seq})
}

func (s *Server) handleSnapshotLatest(c *gin.Context) {
	if s.snapshots == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "snapshot store not configured"})
		return
	}
	snap, err := s.snapshots.LoadLatest()
	if err == store.ErrNoSnapshot {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot stored"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleSnapshotRestore(c *gin.Context) {
	if s.snapshots == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "snapshot store not configured"})
		return
	}
	snap, err := s.snapshots.LoadLatest()
	if err == store.ErrNoSnapshot {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot stored"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.net.Restore(snap); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "snapshot restored"})
}

func (s *Server) handleAttempts(c *gin.Context) {
	if s.ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "attempt ledger not configured"})
		return
	}
	attempts, err := s.ledger.RecentAttempts(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if attempts == nil {
		attempts = []mining.Result{}
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
