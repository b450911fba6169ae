// Package mempool maintains the shared pool of unconfirmed transactions.
// The pool stands in for every peer that uses the chain without taking part
// in consensus: the generator appends transactions, consensus nodes pull
// them, and confirmed entries are evicted once enough nodes report them.
package mempool

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/database"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/telemetry"
	"go.uber.org/zap"
)

// Transaction amounts are drawn uniformly from this range.
const maxAmount = 100000

// Confirmation records when a transaction entered and left the pool, for
// display and telemetry.
type Confirmation struct {
	ID               uint32 `json:"id"`
	CreationTime     int64  `json:"creation_time"`
	ConfirmationTime int64  `json:"confirmation_time"`
}

// Config represents the settings required to construct a mempool.
type Config struct {
	Log *zap.SugaredLogger

	// Threshold is the number of independent confirmations that evict an
	// entry: the node count for proof-of-work, one for dBFT finality.
	Threshold int

	// RecentSize bounds the ring of recently confirmed transactions.
	RecentSize int

	// ClaimRetry is how long a claim sleeps while the pool is empty.
	ClaimRetry time.Duration

	// Sink receives one row per confirmed transaction. May be nil.
	Sink *telemetry.CSV
}

// Mempool is safe for concurrent use by the generator, every consensus
// node, and the monitor.
type Mempool struct {
	log        *zap.SugaredLogger
	threshold  int
	recentSize int
	claimRetry time.Duration
	sink       *telemetry.CSV

	mu   sync.Mutex
	pool []*database.Tx

	recentMu sync.Mutex
	recent   []Confirmation
}

// New constructs a mempool ready for use.
func New(cfg Config) *Mempool {
	mp := Mempool{
		log:        cfg.Log,
		threshold:  cfg.Threshold,
		recentSize: cfg.RecentSize,
		claimRetry: cfg.ClaimRetry,
		sink:       cfg.Sink,
	}

	return &mp
}

// Append creates the next transaction with random amounts. Ids are dense
// from zero and index the pool directly.
func (mp *Mempool) Append() database.Tx {
	input := uint32(rand.Intn(maxAmount) + 1)
	output := uint32(rand.Intn(maxAmount) + 1)

	mp.mu.Lock()
	defer mp.mu.Unlock()

	tx := database.NewTx(uint32(len(mp.pool)), input, output)
	mp.pool = append(mp.pool, &tx)

	return tx
}

// Receive returns the next live transaction at or after the cursor,
// advancing the cursor past it. It reports false when no further
// transactions exist yet.
func (mp *Mempool) Receive(cursor *int) (database.Tx, bool) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	for c := *cursor; c < len(mp.pool); c++ {
		if t := mp.pool[c]; t != nil {
			*cursor = c + 1
			return *t, true
		}
	}

	return database.Tx{}, false
}

// ClaimRandom hands out a random live, unclaimed transaction, marking it
// collected. It sleeps while the pool is empty and keeps probing until a
// claimable entry appears or the context is canceled.
func (mp *Mempool) ClaimRandom(ctx context.Context) (database.Tx, bool) {
	for {
		if ctx.Err() != nil {
			return database.Tx{}, false
		}

		mp.mu.Lock()
		if n := len(mp.pool); n > 0 {
			if t := mp.pool[rand.Intn(n)]; t != nil && !t.Collected {
				t.Collected = true
				tx := *t
				mp.mu.Unlock()
				return tx, true
			}
			mp.mu.Unlock()
			continue
		}
		mp.mu.Unlock()

		time.Sleep(mp.claimRetry)
	}
}

// Release clears the claim on a transaction so another miner can take it.
func (mp *Mempool) Release(id uint32) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if int(id) >= len(mp.pool) {
		return
	}
	if t := mp.pool[id]; t != nil {
		t.Collected = false
	}
}

// Confirm counts one confirmation for each id. An entry reaching the
// threshold is stamped, reported to the telemetry sink, pushed onto the
// recent ring, and evicted from the pool.
func (mp *Mempool) Confirm(ids []uint32) {
	for _, id := range ids {
		mp.mu.Lock()

		if int(id) >= len(mp.pool) {
			mp.mu.Unlock()
			continue
		}
		t := mp.pool[id]
		if t == nil {
			mp.mu.Unlock()
			continue
		}

		t.Confirmations++
		if t.Confirmations < mp.threshold {
			mp.mu.Unlock()
			continue
		}

		t.ConfirmationTime = time.Now().UnixMilli()

		// Lock order here is fixed: pool, then sink; pool, then ring.
		if mp.sink != nil {
			if err := mp.sink.Append(t.CreationTime, t.ConfirmationTime); err != nil {
				mp.log.Errorw("telemetry append", "ERROR", err)
			}
		}

		mp.recentMu.Lock()
		if len(mp.recent) == mp.recentSize {
			mp.recent = mp.recent[1:]
		}
		mp.recent = append(mp.recent, Confirmation{
			ID:               t.ID,
			CreationTime:     t.CreationTime,
			ConfirmationTime: t.ConfirmationTime,
		})
		mp.recentMu.Unlock()

		mp.pool[id] = nil
		mp.mu.Unlock()
	}
}

// Recent returns a copy of the recently confirmed transactions, oldest
// first.
func (mp *Mempool) Recent() []Confirmation {
	mp.recentMu.Lock()
	defer mp.recentMu.Unlock()

	recent := make([]Confirmation, len(mp.recent))
	copy(recent, mp.recent)
	return recent
}

// Uncommitted returns copies of up to limit live transactions, oldest
// first. A limit of zero or less returns all of them.
func (mp *Mempool) Uncommitted(limit int) []database.Tx {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	var txs []database.Tx
	for _, t := range mp.pool {
		if t == nil {
			continue
		}
		txs = append(txs, *t)
		if limit > 0 && len(txs) == limit {
			break
		}
	}

	return txs
}

// Stats reports the total number of ids issued and how many entries are
// still live.
func (mp *Mempool) Stats() (total int, live int) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	total = len(mp.pool)
	for _, t := range mp.pool {
		if t != nil {
			live++
		}
	}

	return total, live
}
