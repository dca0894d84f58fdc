package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"extract", "batch", "domains", "report", "costs", "quota", "migrate"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "recipe-extract", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestRootCommand_LogLevelFlag(t *testing.T) {
	flag := rootCmd.PersistentFlags().Lookup("log-level")
	require.NotNil(t, flag)
	assert.Empty(t, flag.DefValue)
}

func TestLoadRuntime(t *testing.T) {
	chdirTemp(t)
	t.Setenv("RECIPE_OPENAI_KEY", "")
	t.Setenv("RECIPE_GEMINI_KEY", "")
	t.Setenv("RECIPE_ANTHROPIC_KEY", "")

	t.Run("migrate needs no provider key", func(t *testing.T) {
		c, err := loadRuntime("migrate", "")
		require.NoError(t, err)
		assert.Equal(t, "sqlite", c.Store.Driver)
		assert.Equal(t, "info", c.Log.Level)
	})

	t.Run("level override", func(t *testing.T) {
		c, err := loadRuntime("migrate", "debug")
		require.NoError(t, err)
		assert.Equal(t, "debug", c.Log.Level)
	})

	t.Run("bad level", func(t *testing.T) {
		_, err := loadRuntime("migrate", "chatty")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "init logger")
	})

	t.Run("extract without keys", func(t *testing.T) {
		_, err := loadRuntime("extract", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cmd: extract")
		assert.Contains(t, err.Error(), "openai.key")
	})
}

func TestExtractCommand_Flags(t *testing.T) {
	for _, name := range []string{"url", "user", "session", "paid", "json"} {
		assert.NotNil(t, extractCmd.Flags().Lookup(name), "extract should have --%s flag", name)
	}
}

func TestBatchCommand_Flags(t *testing.T) {
	flag := batchCmd.Flags().Lookup("concurrency")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
	require.NotNil(t, batchCmd.Flags().Lookup("file"))
}

func TestDomainsCommand_HasExport(t *testing.T) {
	var found bool
	for _, c := range domainsCmd.Commands() {
		if c.Name() == "export" {
			found = true
		}
	}
	assert.True(t, found)
	assert.Equal(t, "domains.xlsx", domainsExportCmd.Flags().Lookup("xlsx").DefValue)
}

func TestCostsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range costsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "add", "seed"} {
		assert.True(t, names[name], "costs should have subcommand %q", name)
	}
}
