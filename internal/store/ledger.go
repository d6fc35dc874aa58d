// Package store persists network snapshots (bbolt) and the mining attempt
// ledger (sqlite).
package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"neuromine/internal/mining"
)

// Ledger records every mining attempt in a sqlite database.
type Ledger struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

// NewLedger creates a ledger backed by the sqlite file at path.
func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

// Init opens the database and creates the schema. Calling Init on an open
// ledger is a no-op.
func (l *Ledger) Init(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.path == "" {
		return errors.New("ledger path is required")
	}
	if l.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", l.path)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if err := createLedgerTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	l.db = db
	return nil
}

// RecordAttempt appends one mining attempt.
func (l *Ledger) RecordAttempt(ctx context.Context, r mining.Result) error {
	db, err := l.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO attempts (id, success, nonce, hash, tries, elapsed_ns,
			biological_contribution, strategy, created_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, r.ID, r.Success, int64(r.Nonce), r.Hash, int64(r.Attempts),
		r.Elapsed.Nanoseconds(), r.BiologicalContribution, r.Strategy,
		r.Timestamp.UTC().UnixNano())
	return err
}

// RecentAttempts returns up to limit attempts, newest first.
func (l *Ledger) RecentAttempts(ctx context.Context, limit int) ([]mining.Result, error) {
	db, err := l.getDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, success, nonce, hash, tries, elapsed_ns,
			biological_contribution, strategy, created_ns
		FROM attempts
		ORDER BY created_ns DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []mining.Result
	for rows.Next() {
		var (
			r         mining.Result
			nonce     int64
			tries     int64
			elapsedNs int64
			createdNs int64
		)
		if err := rows.Scan(&r.ID, &r.Success, &nonce, &r.Hash, &tries,
			&elapsedNs, &r.BiologicalContribution, &r.Strategy, &createdNs); err != nil {
			return nil, err
		}
		r.Nonce = uint32(nonce)
		r.Attempts = uint64(tries)
		r.Elapsed = time.Duration(elapsedNs)
		r.Timestamp = time.Unix(0, createdNs).UTC()
		results = append(results, r)
	}
	return results, rows.Err()
}

// SuccessRate reports the fraction of recorded attempts that succeeded, by
// strategy. An empty ledger reports an empty map.
func (l *Ledger) SuccessRate(ctx context.Context) (map[string]float64, error) {
	db, err := l.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT strategy, AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END)
		FROM attempts
		GROUP BY strategy
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rates := map[string]float64{}
	for rows.Next() {
		var strategy string
		var rate float64
		if err := rows.Scan(&strategy, &rate); err != nil {
			return nil, err
		}
		rates[strategy] = rate
	}
	return rates, rows.Err()
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

func (l *Ledger) getDB() (*sql.DB, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.db == nil {
		return nil, errors.New("ledger is not initialized")
	}
	return l.db, nil
}

func createLedgerTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS attempts (
			id TEXT PRIMARY KEY,
			success INTEGER NOT NULL,
			nonce INTEGER NOT NULL,
			hash TEXT NOT NULL,
			tries INTEGER NOT NULL,
			elapsed_ns INTEGER NOT NULL,
			biological_contribution REAL NOT NULL,
			strategy TEXT NOT NULL,
			created_ns INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_attempts_created_ns
			ON attempts (created_ns DESC);
	`)
	return err
}
