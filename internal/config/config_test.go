package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaultsToPartialFile(t *testing.T) {
	path := writeConfig(t, `
app:
  database_path: /tmp/bots.db
engine:
  tick_interval_seconds: 0.5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/bots.db", cfg.App.DatabasePath)
	assert.Equal(t, "INFO", cfg.App.LogLevel)
	assert.Equal(t, 500*time.Millisecond, cfg.TickInterval())
	assert.Equal(t, int64(50), cfg.Circuit.MaxOrdersPerMinute)
	assert.Equal(t, "@every 5m", cfg.Engine.ReconcileCron)
	assert.Equal(t, []float64{8, 15}, cfg.Risk.ReinforcementLevelsPercent)
	assert.Equal(t, 10*time.Second, cfg.CallTimeout())
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_BINANCE_KEY", "key-from-env")
	t.Setenv("TEST_BINANCE_SECRET", "secret-from-env")

	path := writeConfig(t, `
exchanges:
  binance:
    api_key: ${TEST_BINANCE_KEY}
    secret_key: ${TEST_BINANCE_SECRET}
    testnet: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	ex := cfg.Exchanges["binance"]
	assert.Equal(t, "key-from-env", ex.APIKey)
	assert.Equal(t, "secret-from-env", ex.SecretKey)
	assert.True(t, ex.Testnet)
}

func TestLoadRejectsMissingCredentials(t *testing.T) {
	path := writeConfig(t, `
exchanges:
  bybit:
    api_key: ""
    secret_key: ""
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchanges.bybit.api_key")
	assert.Contains(t, err.Error(), "exchanges.bybit.secret_key")
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	path := writeConfig(t, `
app:
  log_level: verbose
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app.log_level")
}

func TestValidateCapitalSplit(t *testing.T) {
	cfg := Default()
	cfg.Risk.ActiveCapitalPercent = 70
	cfg.Risk.ReserveCapitalPercent = 40
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "active + reserve")
}

func TestValidateReinforcementLevels(t *testing.T) {
	cfg := Default()
	cfg.Risk.ReinforcementLevelsPercent = []float64{8, 150}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reinforcement_levels_percent[1]")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestStringMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Exchanges = map[string]ExchangeConfig{
		"binance": {APIKey: "AKIAVERYLONGAPIKEY", SecretKey: "sekrit"},
	}
	cfg.Notify.TelegramBotToken = "123456:telegram-bot-token"

	out := cfg.String()
	assert.NotContains(t, out, "AKIAVERYLONGAPIKEY")
	assert.NotContains(t, out, "sekrit")
	assert.NotContains(t, out, "telegram-bot-token")
	assert.True(t, strings.Contains(out, "AKIA"), "masked keys keep a recognizable prefix")
}
