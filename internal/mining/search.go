package mining

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"neuromine/internal/block"
)

// SearchResult is the outcome of one exhaustive nonce hunt.
type SearchResult struct {
	Found    bool
	Nonce    uint32
	Hash     [32]byte
	Attempts uint64
}

// SearchNonce runs a parallel brute-force hunt over the nonce space starting
// at start, bounded by maxAttempts total tries. Workers carve the space into
// interleaved strides; the first hit cancels the rest. Every attempt is
// counted into counter for live hash-rate tracking.
func SearchNonce(ctx context.Context, header block.Header, difficulty int,
	start uint32, maxAttempts uint64, workers int, counter *atomic.Uint64) SearchResult {

	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if maxAttempts == 0 {
		maxAttempts = 1 << 22
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var attempts atomic.Uint64
	var winner atomic.Uint64 // packed: high bit = found, low 32 = nonce
	var wg sync.WaitGroup

	perWorker := maxAttempts / uint64(workers)
	if perWorker == 0 {
		perWorker = 1
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(offset uint32) {
			defer wg.Done()
			nonce := start + offset
			stride := uint32(workers)
			for i := uint64(0); i < perWorker; i++ {
				if i%1024 == 0 {
					select {
					case <-ctx.Done():
						return
					default:
					}
				}
				hash := header.HashWithNonce(nonce)
				attempts.Add(1)
				if counter != nil {
					counter.Add(1)
				}
				if block.MeetsDifficulty(hash, difficulty) {
					if winner.CompareAndSwap(0, 1<<63|uint64(nonce)) {
						cancel()
					}
					return
				}
				nonce += stride
			}
		}(uint32(w))
	}
	wg.Wait()

	result := SearchResult{Attempts: attempts.Load()}
	if packed := winner.Load(); packed&(1<<63) != 0 {
		result.Found = true
		result.Nonce = uint32(packed)
		result.Hash = header.HashWithNonce(result.Nonce)
	}
	return result
}
