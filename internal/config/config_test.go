package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 20, cfg.RateLimit.SessionDailyLimit)
	assert.Equal(t, 1000, cfg.RateLimit.UserDailyLimit)
	assert.Equal(t, 5, cfg.Routing.WarmupThreshold)
	assert.InDelta(t, 0.5, cfg.Routing.MinSuccessRate, 0.001)
	assert.InDelta(t, 0.6, cfg.Routing.CompletenessFallbackThreshold, 0.001)
	assert.Equal(t, 3, cfg.Routing.MinComboSamples)
	assert.Equal(t, 5, cfg.Routing.RecomputeEvery)
	assert.Equal(t, "URL_DIRECT", cfg.Routing.DefaultStrategy)
	assert.Equal(t, "GEMINI_FLASH", cfg.Routing.DefaultProvider)
	assert.Equal(t, []string{"GEMINI_FLASH", "OPENAI_MINI", "GEMINI_MAIN", "OPENAI_MAIN", "CLAUDE_HAIKU"}, cfg.Routing.ProviderOrder)
	assert.Contains(t, cfg.Routing.KnownStructuredSites, "allrecipes.com")
	assert.Equal(t, 45, cfg.Orchestrator.PrimaryTimeoutSecs)
	assert.Equal(t, 45, cfg.Orchestrator.FallbackTimeoutSecs)
	assert.Equal(t, 5, cfg.Orchestrator.RecordTimeoutSecs)
	assert.Equal(t, "gemini-2.5-flash", cfg.Gemini.FlashModel)
	assert.Equal(t, "gpt-4o-mini-2024-07-18", cfg.OpenAI.MiniModel)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.HaikuModel)
	assert.Len(t, cfg.Scoring.Weights, 6)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/recipes
log:
  level: debug
  format: console
ratelimit:
  session_daily_limit: 3
routing:
  warmup_threshold: 10
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/recipes", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 3, cfg.RateLimit.SessionDailyLimit)
	assert.Equal(t, 10, cfg.Routing.WarmupThreshold)
	// Defaults still apply for unset values
	assert.Equal(t, 1000, cfg.RateLimit.UserDailyLimit)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("RECIPE_STORE_DRIVER", "postgres")
	t.Setenv("RECIPE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("RECIPE_RATELIMIT_USER_DAILY_LIMIT", "50")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.RateLimit.UserDailyLimit)
}

func TestLoadBadYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "test.db"
	cfg.Orchestrator.PrimaryTimeoutSecs = 45
	cfg.Orchestrator.FallbackTimeoutSecs = 45
	cfg.Routing.MinSuccessRate = 0.5
	cfg.Routing.CompletenessFallbackThreshold = 0.6
	return cfg
}

func TestValidateExtract_AllPresent(t *testing.T) {
	cfg := validDefaults()
	cfg.Gemini.Key = "gem-key"

	assert.NoError(t, cfg.Validate("extract"))
}

func TestValidateExtract_NoProviderKey(t *testing.T) {
	cfg := validDefaults()

	err := cfg.Validate("extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai.key")
}

func TestValidate_BadDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateBatch_ThresholdRange(t *testing.T) {
	cfg := validDefaults()
	cfg.OpenAI.Key = "sk"
	cfg.Routing.CompletenessFallbackThreshold = 1.5

	err := cfg.Validate("batch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "completeness_fallback_threshold")
}

func TestValidateMigrate_NoProviderNeeded(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("migrate"))
}
