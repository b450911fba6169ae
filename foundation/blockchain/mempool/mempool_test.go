package mempool_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/mempool"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPool(t *testing.T, threshold int, sink *telemetry.CSV) *mempool.Mempool {
	t.Helper()

	return mempool.New(mempool.Config{
		Log:        zap.NewNop().Sugar(),
		Threshold:  threshold,
		RecentSize: 3,
		ClaimRetry: time.Millisecond,
		Sink:       sink,
	})
}

func TestAppendDenseIDs(t *testing.T) {
	mp := newTestPool(t, 1, nil)

	for i := 0; i < 5; i++ {
		tx := mp.Append()
		assert.Equal(t, uint32(i), tx.ID)
		assert.GreaterOrEqual(t, tx.Input, uint32(1))
		assert.GreaterOrEqual(t, tx.Output, uint32(1))
	}

	total, live := mp.Stats()
	assert.Equal(t, 5, total)
	assert.Equal(t, 5, live)
}

func TestReceiveSkipsConfirmed(t *testing.T) {
	mp := newTestPool(t, 1, nil)
	for i := 0; i < 3; i++ {
		mp.Append()
	}

	// Evict the first entry, then read from the start.
	mp.Confirm([]uint32{0})

	cursor := 0
	tx, ok := mp.Receive(&cursor)
	require.True(t, ok)
	assert.Equal(t, uint32(1), tx.ID)
	assert.Equal(t, 2, cursor)

	tx, ok = mp.Receive(&cursor)
	require.True(t, ok)
	assert.Equal(t, uint32(2), tx.ID)

	_, ok = mp.Receive(&cursor)
	assert.False(t, ok)
}

func TestClaimAndRelease(t *testing.T) {
	mp := newTestPool(t, 1, nil)
	mp.Append()

	ctx := context.Background()

	tx, ok := mp.ClaimRandom(ctx)
	require.True(t, ok)
	assert.Equal(t, uint32(0), tx.ID)

	// The only entry is claimed, so a release must make it claimable again.
	mp.Release(tx.ID)
	tx2, ok := mp.ClaimRandom(ctx)
	require.True(t, ok)
	assert.Equal(t, tx.ID, tx2.ID)
}

func TestClaimStops(t *testing.T) {
	mp := newTestPool(t, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := mp.ClaimRandom(ctx)
	assert.False(t, ok)
}

func TestConfirmThreshold(t *testing.T) {
	mp := newTestPool(t, 2, nil)
	mp.Append()

	// One confirmation is below the threshold: the entry stays live.
	mp.Confirm([]uint32{0})
	_, live := mp.Stats()
	assert.Equal(t, 1, live)
	assert.Empty(t, mp.Recent())

	// The second confirmation evicts it.
	mp.Confirm([]uint32{0})
	_, live = mp.Stats()
	assert.Equal(t, 0, live)

	recent := mp.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, uint32(0), recent[0].ID)
	assert.GreaterOrEqual(t, recent[0].ConfirmationTime, recent[0].CreationTime)

	// Further confirmations of an evicted id are ignored.
	mp.Confirm([]uint32{0})
	assert.Len(t, mp.Recent(), 1)
}

func TestRecentRingBound(t *testing.T) {
	mp := newTestPool(t, 1, nil)
	for i := 0; i < 5; i++ {
		mp.Append()
	}

	mp.Confirm([]uint32{0, 1, 2, 3, 4})

	recent := mp.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, uint32(2), recent[0].ID)
	assert.Equal(t, uint32(4), recent[2].ID)
}

func TestConfirmWritesTelemetry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.csv")

	sink, err := telemetry.NewCSV(path)
	require.NoError(t, err)
	defer sink.Close()

	mp := newTestPool(t, 1, sink)
	mp.Append()
	mp.Append()
	mp.Confirm([]uint32{0, 1})

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	rows := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, rows, 2)
	for _, row := range rows {
		parts := strings.Split(row, ",")
		require.Len(t, parts, 2)
	}
}

func TestUncommitted(t *testing.T) {
	mp := newTestPool(t, 1, nil)
	for i := 0; i < 4; i++ {
		mp.Append()
	}
	mp.Confirm([]uint32{1})

	txs := mp.Uncommitted(0)
	require.Len(t, txs, 3)
	assert.Equal(t, uint32(0), txs[0].ID)
	assert.Equal(t, uint32(2), txs[1].ID)

	assert.Len(t, mp.Uncommitted(2), 2)
}
