package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"neuromine/internal/logging"
	"neuromine/internal/mining"
	"neuromine/internal/neural"
)

func testSnapshot(t *testing.T) *neural.Snapshot {
	t.Helper()
	cfg := neural.DefaultConfig(8)
	cfg.HiddenSizes = []int{10}
	net, err := neural.NewNetwork(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	return net.Snapshot(true)
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	s, err := OpenSnapshotStore(path)
	if err != nil {
		t.Fatalf("OpenSnapshotStore: %v", err)
	}
	defer s.Close()

	if _, err := s.LoadLatest(); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("empty store error = %v, want ErrNoSnapshot", err)
	}

	snap := testSnapshot(t)
	seq, err := s.Save(snap)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if seq != 1 {
		t.Errorf("first sequence = %d, want 1", seq)
	}

	loaded, err := s.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if loaded.Version != snap.Version {
		t.Errorf("version = %d, want %d", loaded.Version, snap.Version)
	}
	if len(loaded.Layers) != len(snap.Layers) {
		t.Errorf("layer count = %d, want %d", len(loaded.Layers), len(snap.Layers))
	}

	byID, err := s.Load(seq)
	if err != nil {
		t.Fatalf("Load(%d): %v", seq, err)
	}
	if byID.Version != snap.Version {
		t.Error("load by sequence returned a different snapshot")
	}
	if _, err := s.Load(99); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("missing sequence error = %v, want ErrNoSnapshot", err)
	}
}

func TestSnapshotStoreLatestTracksNewest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	s, err := OpenSnapshotStore(path)
	if err != nil {
		t.Fatalf("OpenSnapshotStore: %v", err)
	}
	defer s.Close()

	first := testSnapshot(t)
	if _, err := s.Save(first); err != nil {
		t.Fatalf("Save: %v", err)
	}

	second := testSnapshot(t)
	second.SavedAt = time.Now().Add(time.Hour)
	if _, err := s.Save(second); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if !loaded.SavedAt.Equal(second.SavedAt) {
		t.Errorf("latest SavedAt = %v, want %v", loaded.SavedAt, second.SavedAt)
	}
}

func TestSnapshotStorePrune(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	s, err := OpenSnapshotStore(path)
	if err != nil {
		t.Fatalf("OpenSnapshotStore: %v", err)
	}
	defer s.Close()

	var last uint64
	for i := 0; i < 5; i++ {
		if last, err = s.Save(testSnapshot(t)); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}
	if err := s.Prune(2); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	if _, err := s.Load(1); !errors.Is(err, ErrNoSnapshot) {
		t.Error("oldest snapshot survived pruning")
	}
	if _, err := s.Load(last); err != nil {
		t.Errorf("newest snapshot lost to pruning: %v", err)
	}
	if _, err := s.LoadLatest(); err != nil {
		t.Errorf("latest pointer broken after pruning: %v", err)
	}
}

func TestLedgerRecordAndQuery(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(filepath.Join(t.TempDir(), "attempts.db"))
	if err := l.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer l.Close()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	attempts := []mining.Result{
		{ID: "a", Success: true, Nonce: 42, Hash: "00ab", Attempts: 1,
			Elapsed: time.Millisecond, BiologicalContribution: 1, Strategy: "biological",
			Timestamp: base},
		{ID: "b", Success: false, Nonce: 7, Hash: "", Attempts: 4096,
			Elapsed: time.Second, Strategy: "traditional", Timestamp: base.Add(time.Minute)},
		{ID: "c", Success: true, Nonce: 9, Hash: "00cd", Attempts: 128,
			Elapsed: 50 * time.Millisecond, BiologicalContribution: 0.5,
			Strategy: "hybrid", Timestamp: base.Add(2 * time.Minute)},
	}
	for _, a := range attempts {
		if err := l.RecordAttempt(ctx, a); err != nil {
			t.Fatalf("RecordAttempt %s: %v", a.ID, err)
		}
	}
	// Duplicate IDs are ignored, not duplicated.
	if err := l.RecordAttempt(ctx, attempts[0]); err != nil {
		t.Fatalf("duplicate RecordAttempt: %v", err)
	}

	recent, err := l.RecentAttempts(ctx, 10)
	if err != nil {
		t.Fatalf("RecentAttempts: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("recent count = %d, want 3", len(recent))
	}
	if recent[0].ID != "c" {
		t.Errorf("newest attempt = %s, want c", recent[0].ID)
	}
	if recent[2].Nonce != 42 || !recent[2].Success {
		t.Errorf("oldest attempt round-trip mismatch: %+v", recent[2])
	}
	if recent[1].Attempts != 4096 || recent[1].Elapsed != time.Second {
		t.Errorf("attempt counters mismatch: %+v", recent[1])
	}

	limited, err := l.RecentAttempts(ctx, 1)
	if err != nil {
		t.Fatalf("RecentAttempts(1): %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "c" {
		t.Errorf("limit 1 returned %+v", limited)
	}

	rates, err := l.SuccessRate(ctx)
	if err != nil {
		t.Fatalf("SuccessRate: %v", err)
	}
	if rates["biological"] != 1.0 {
		t.Errorf("biological success rate = %v, want 1.0", rates["biological"])
	}
	if rates["traditional"] != 0.0 {
		t.Errorf("traditional success rate = %v, want 0.0", rates["traditional"])
	}
}

func TestLedgerOrdersSubSecondAttempts(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(filepath.Join(t.TempDir(), "attempts.db"))
	if err := l.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer l.Close()

	// Fractional seconds with different digit counts would sort wrong as
	// text; the ledger must order by the stored nanosecond instant.
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	older := mining.Result{ID: "older", Nonce: 1, Attempts: 1,
		Strategy: "traditional", Timestamp: base.Add(100 * time.Millisecond)}
	newer := mining.Result{ID: "newer", Nonce: 2, Attempts: 1,
		Strategy: "traditional", Timestamp: base.Add(150 * time.Millisecond)}
	for _, a := range []mining.Result{older, newer} {
		if err := l.RecordAttempt(ctx, a); err != nil {
			t.Fatalf("RecordAttempt %s: %v", a.ID, err)
		}
	}

	recent, err := l.RecentAttempts(ctx, 10)
	if err != nil {
		t.Fatalf("RecentAttempts: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "newer" || recent[1].ID != "older" {
		t.Fatalf("attempt order = %+v, want newer first", recent)
	}
	if !recent[0].Timestamp.Equal(newer.Timestamp) {
		t.Errorf("timestamp round-trip = %v, want %v", recent[0].Timestamp, newer.Timestamp)
	}
}

func TestLedgerRequiresInit(t *testing.T) {
	l := NewLedger(filepath.Join(t.TempDir(), "attempts.db"))
	if err := l.RecordAttempt(context.Background(), mining.Result{ID: "x"}); err == nil {
		t.Error("expected uninitialized ledger to reject writes")
	}
	if err := NewLedger("").Init(context.Background()); err == nil {
		t.Error("expected empty path to be rejected")
	}
}
