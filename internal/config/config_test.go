package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15, cfg.Engine.OrderbookLevels)
	assert.Equal(t, 30, cfg.Engine.CandleSeriesLen)
	assert.Equal(t, 1000000.0, cfg.Engine.DefaultOrderSizeKRW)
	assert.Equal(t, []int{30, 60}, cfg.Engine.DefaultTIWindows)
	assert.Equal(t, []int{10, 30, 60}, cfg.Publisher.TIWindows)
	assert.Equal(t, time.Second, cfg.Publisher.Interval)
	assert.Equal(t, 12*time.Hour, cfg.Retention.MaxAge)
	assert.Equal(t, 300, cfg.Engine.MaxTIWindow())
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("ENGINE_ORDERBOOK_LEVELS", "10")
	t.Setenv("ENGINE_IMBALANCE_LEVELS", "5")
	t.Setenv("ENGINE_DEFAULT_TI_WINDOWS", "10, 20")
	t.Setenv("ENGINE_VOLATILITY_ANNUALIZATION", "725.0")
	t.Setenv("UPBIT_SYMBOLS", "KRW-BTC,KRW-XRP")
	t.Setenv("DB_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Engine.OrderbookLevels)
	assert.Equal(t, 5, cfg.Engine.ImbalanceLevels)
	assert.Equal(t, []int{10, 20}, cfg.Engine.DefaultTIWindows)
	assert.Equal(t, 725.0, cfg.Engine.VolatilityAnnualization)
	assert.Equal(t, []string{"KRW-BTC", "KRW-XRP"}, cfg.Upbit.Symbols)
	assert.False(t, cfg.Database.Enabled)
}

func TestLoad_InvalidIntFallsBackToDefault(t *testing.T) {
	t.Setenv("ENGINE_ORDERBOOK_LEVELS", "many")
	t.Setenv("ENGINE_DEFAULT_TI_WINDOWS", "30,abc")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.Engine.OrderbookLevels)
	assert.Equal(t, []int{30, 60}, cfg.Engine.DefaultTIWindows)
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	bad := *cfg
	bad.Engine.ImbalanceLevels = bad.Engine.OrderbookLevels + 1
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Publisher.TIWindows = []int{600}
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Engine.CandleSeriesLen = 1
	assert.Error(t, bad.Validate())
}

func TestValidate_Provider(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	replay := *cfg
	replay.Upbit.Provider = "replay"
	assert.Error(t, replay.Validate())
	replay.Upbit.ReplayFile = "frames.jsonl"
	assert.NoError(t, replay.Validate())

	unknown := *cfg
	unknown.Upbit.Provider = "binance"
	assert.Error(t, unknown.Validate())
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "m", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=m sslmode=disable", d.DSN())
}
