package app

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("PG_DSN", "postgres://u:p@db:5432/lotledger")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "development", cfg.AppEnv)
	require.Equal(t, int32(20), cfg.PGMaxConns)
	require.Equal(t, "CONSUMED", cfg.InventoryConsumptionLocation)
	require.Equal(t, 3, cfg.InventoryPickMaxRetries)
	require.False(t, cfg.IsProduction())
}

func TestConfigValidateCollectsErrors(t *testing.T) {
	cfg := Config{
		PGDSN:                        " ",
		PGMaxConns:                   0,
		InventoryPickMaxRetries:      -1,
		InventoryConsumptionLocation: "",
		AppRequestTimeout:            0,
	}
	err := cfg.Validate()
	require.Error(t, err)
	require.ErrorContains(t, err, "PG_DSN must be provided")
	require.ErrorContains(t, err, "PG_MAX_CONNS must be positive")
	require.ErrorContains(t, err, "INVENTORY_PICK_MAX_RETRIES")
	require.ErrorContains(t, err, "INVENTORY_CONSUMPTION_LOCATION")
	require.ErrorContains(t, err, "APP_REQUEST_TIMEOUT")
}

func TestRedisEnabled(t *testing.T) {
	require.True(t, (&Config{RedisAddr: "127.0.0.1:6379"}).RedisEnabled())
	require.False(t, (&Config{RedisAddr: "  "}).RedisEnabled())
	var nilCfg *Config
	require.False(t, nilCfg.RedisEnabled())
	require.False(t, nilCfg.IsProduction())
}
