package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohamedkhairy/upbit-metrics/internal/config"
	"github.com/mohamedkhairy/upbit-metrics/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySnapshotStore_RangeAndBound(t *testing.T) {
	store := NewMemorySnapshotStore(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, []*models.MetricsSnapshot{
			snapshot("s", ts0.Add(time.Duration(i)*time.Second), uint64(i)),
		}))
	}

	all, err := store.Range(ctx, "KRW-BTC", ts0, ts0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(2), all[0].Version)

	window, err := store.Range(ctx, "KRW-BTC", ts0.Add(3*time.Second), ts0.Add(3*time.Second))
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, uint64(3), window[0].Version)

	none, err := store.Range(ctx, "KRW-ETH", ts0, ts0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemorySnapshotStore_FailAppends(t *testing.T) {
	store := NewMemorySnapshotStore(0)
	boom := errors.New("boom")
	store.FailAppends(boom)

	err := store.Append(context.Background(), []*models.MetricsSnapshot{snapshot("a", ts0, 1)})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, store.Appends())

	store.FailAppends(nil)
	assert.NoError(t, store.Append(context.Background(), []*models.MetricsSnapshot{snapshot("a", ts0, 1)}))
}

func TestMemorySymbolStore(t *testing.T) {
	store := NewMemorySymbolStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, models.Symbol{Code: "KRW-ETH", IsActive: true, CreatedAt: ts0}))
	require.NoError(t, store.Upsert(ctx, models.Symbol{Code: "KRW-BTC", IsActive: true, CreatedAt: ts0}))
	require.NoError(t, store.Upsert(ctx, models.Symbol{Code: "KRW-BTC", IsActive: true, CreatedAt: ts0.Add(time.Hour)}))
	require.NoError(t, store.SetActive(ctx, "KRW-ETH", false))
	assert.ErrorIs(t, store.SetActive(ctx, "KRW-XRP", true), models.ErrUnknownSymbol)

	all, err := store.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "KRW-BTC", all[0].Code)
	assert.Equal(t, ts0, all[0].CreatedAt)

	active := true
	onlyActive, err := store.List(ctx, &active)
	require.NoError(t, err)
	require.Len(t, onlyActive, 1)
	assert.Equal(t, "KRW-BTC", onlyActive[0].Code)
}

func TestRetention_RunOnce(t *testing.T) {
	store := NewMemorySnapshotStore(0)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, store.Append(ctx, []*models.MetricsSnapshot{
			snapshot("s", ts0.Add(time.Duration(i)*time.Hour), uint64(i)),
		}))
	}

	r := NewRetention(store, config.RetentionConfig{MaxAge: 2 * time.Hour, Interval: time.Hour})
	r.now = func() time.Time { return ts0.Add(3*time.Hour + time.Minute) }

	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := store.Range(ctx, "KRW-BTC", ts0, ts0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestRetention_RunStopsOnCancel(t *testing.T) {
	r := NewRetention(NewMemorySnapshotStore(0), config.RetentionConfig{MaxAge: time.Hour, Interval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retention did not stop")
	}
}
