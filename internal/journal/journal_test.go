package journal

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/johnayoung/go-broker-connectors/internal/config"
	"github.com/johnayoung/go-broker-connectors/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createTestDuckDBJournal(t *testing.T) *DuckDBJournal {
	t.Helper()
	j, err := NewDuckDBJournal(":memory:", createTestLogger())
	require.NoError(t, err, "failed to create test DuckDB journal")
	require.NoError(t, j.Initialize(context.Background()))
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func backends(t *testing.T) map[string]Journal {
	return map[string]Journal{
		"memory": NewMemoryJournal(),
		"duckdb": createTestDuckDBJournal(t),
	}
}

func fees(v float64) *float64 { return &v }

func TestJournal_Orders(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, j := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			placed := models.TradeResult{
				OrderID: "8886774", ClientOrderID: "abc", Symbol: "BTCUSDT", Side: models.SideBuy,
				Quantity: 0.01, Price: 0, Status: models.StatusPending, Timestamp: base,
			}
			filled := placed
			filled.Status = models.StatusFilled
			filled.Price = 42000.5
			filled.Fees = fees(1.2001)

			require.NoError(t, j.RecordOrder(ctx, OrderRecord{InstanceID: "binance-1", Exchange: "binance", Action: ActionPlace, Result: placed, RecordedAt: base}))
			require.NoError(t, j.RecordOrder(ctx, OrderRecord{InstanceID: "binance-1", Exchange: "binance", Action: ActionStatus, Result: filled, RecordedAt: base.Add(time.Second)}))
			require.NoError(t, j.RecordOrder(ctx, OrderRecord{InstanceID: "okx-1", Exchange: "okx", Action: ActionCancel, Result: placed}))

			recs, err := j.Orders(ctx, "binance-1")
			require.NoError(t, err)
			require.Len(t, recs, 2)

			assert.NotEmpty(t, recs[0].ID)
			assert.Equal(t, ActionPlace, recs[0].Action)
			assert.Nil(t, recs[0].Result.Fees)
			assert.Equal(t, models.StatusPending, recs[0].Result.Status)
			assert.True(t, base.Equal(recs[0].Result.Timestamp))

			assert.Equal(t, ActionStatus, recs[1].Action)
			assert.Equal(t, models.StatusFilled, recs[1].Result.Status)
			assert.Equal(t, 42000.5, recs[1].Result.Price)
			require.NotNil(t, recs[1].Result.Fees)
			assert.Equal(t, 1.2001, *recs[1].Result.Fees)

			none, err := j.Orders(ctx, "missing")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestJournal_RejectsIncompleteOrders(t *testing.T) {
	for name, j := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			err := j.RecordOrder(ctx, OrderRecord{Result: models.TradeResult{OrderID: "1"}})
			require.Error(t, err)
			var jerr *Error
			assert.ErrorAs(t, err, &jerr)
			assert.Equal(t, "record_order", jerr.Operation)

			assert.Error(t, j.RecordOrder(ctx, OrderRecord{InstanceID: "x"}))
			assert.Error(t, j.RecordTick(ctx, TickRecord{}))
		})
	}
}

func TestJournal_LatestTick(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, j := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			tick, err := j.LatestTick(ctx, "BTCUSDT")
			require.NoError(t, err)
			assert.Nil(t, tick)

			for i, price := range []float64{42000, 42100, 41950} {
				require.NoError(t, j.RecordTick(ctx, TickRecord{
					InstanceID: "bybit-1", Exchange: "bybit",
					Data: models.MarketData{Symbol: "BTCUSDT", Price: price, Change24h: 1.5, Volume24h: 1000, Timestamp: base.Add(time.Duration(i) * time.Second)},
				}))
			}
			// an older tick arriving late does not replace the newest
			require.NoError(t, j.RecordTick(ctx, TickRecord{
				InstanceID: "bybit-1", Exchange: "bybit",
				Data: models.MarketData{Symbol: "BTCUSDT", Price: 1, Timestamp: base.Add(-time.Minute)},
			}))
			require.NoError(t, j.RecordTick(ctx, TickRecord{
				InstanceID: "bybit-1", Exchange: "bybit",
				Data: models.MarketData{Symbol: "ETHUSDT", Price: 3000, Timestamp: base},
			}))

			tick, err = j.LatestTick(ctx, "BTCUSDT")
			require.NoError(t, err)
			require.NotNil(t, tick)
			assert.Equal(t, 41950.0, tick.Data.Price)
			assert.Equal(t, 1.5, tick.Data.Change24h)
			assert.Equal(t, "bybit", tick.Exchange)
			assert.True(t, base.Add(2*time.Second).Equal(tick.Data.Timestamp))
			assert.False(t, tick.ReceivedAt.IsZero())
		})
	}
}

func TestJournal_HealthAndClose(t *testing.T) {
	for name, j := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, j.HealthCheck(ctx))
			require.NoError(t, j.Close())
			assert.Error(t, j.HealthCheck(ctx))
			assert.Error(t, j.RecordTick(ctx, TickRecord{Data: models.MarketData{Symbol: "BTCUSDT"}}))
			assert.NoError(t, j.Close())
		})
	}
}

func TestMigrations(t *testing.T) {
	ctx := context.Background()
	j := createTestDuckDBJournal(t)
	mm := j.Migrations()

	status, err := mm.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, status.CurrentVersion)
	assert.Equal(t, 3, status.LatestVersion)
	assert.Equal(t, 0, status.PendingMigrations)
	require.Len(t, status.Applied, 3)
	assert.Equal(t, "create orders table", status.Applied[0].Description)

	// idempotent
	require.NoError(t, mm.MigrateToLatest(ctx))

	require.NoError(t, mm.Rollback(ctx, 1))
	status, err = mm.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.CurrentVersion)
	assert.Equal(t, 2, status.PendingMigrations)

	_, err = j.LatestTick(ctx, "BTCUSDT")
	assert.Error(t, err, "ticks table is gone after rollback")

	require.NoError(t, mm.MigrateToLatest(ctx))
	_, err = j.LatestTick(ctx, "BTCUSDT")
	assert.NoError(t, err)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	j, err := Open(ctx, config.JournalConfig{Type: "memory"}, createTestLogger())
	require.NoError(t, err)
	assert.IsType(t, &MemoryJournal{}, j)

	path := filepath.Join(t.TempDir(), "journal.db")
	j, err = Open(ctx, config.JournalConfig{Type: "duckdb", Path: path}, createTestLogger())
	require.NoError(t, err)
	require.NoError(t, j.RecordOrder(ctx, OrderRecord{InstanceID: "delta-1", Action: ActionPlace, Result: models.TradeResult{OrderID: "1", Symbol: "BTCUSD", Side: models.SideSell, Status: models.StatusCancelled, Timestamp: time.Now()}}))
	require.NoError(t, j.Close())

	// the file persists across opens
	j, err = Open(ctx, config.JournalConfig{Type: "duckdb", Path: path}, createTestLogger())
	require.NoError(t, err)
	defer j.Close()
	recs, err := j.Orders(ctx, "delta-1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	_, err = Open(ctx, config.JournalConfig{Type: "redis"}, createTestLogger())
	assert.Error(t, err)
}
