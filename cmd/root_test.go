//go:build !integration

package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/lake-cli/internal/config"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// useTestConfig points the global config at a throwaway SQLite metastore
// and mount table.
func useTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	c := &config.Config{
		Lake: config.LakeConfig{
			MountTable:       filepath.Join(dir, "mounts.yaml"),
			Root:             "/mnt/data",
			TempDir:          filepath.Join(dir, "tmp"),
			MaxRowsPerFile:   1000,
			WriteConcurrency: 2,
		},
		Mount:   config.MountConfig{MountPoint: "/mnt/data", SecretScope: "datalake", SecretKey: "adappsecret"},
		Secrets: config.SecretsConfig{Provider: "env"},
		Catalog: config.CatalogConfig{Driver: "sqlite", DatabaseURL: filepath.Join(dir, "metastore.db")},
		Source:  config.SourceConfig{ZoneLookupURL: "https://example.com/zones.csv", ZoneShapesURL: "https://example.com/zones.zip", TimeoutSecs: 5, MaxRetries: 1},
		Server:  config.ServerConfig{Port: 8080},
		Log:     config.LogConfig{Level: "info", Format: "json"},
	}
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
	return c
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"mount", "unmount", "mounts", "ingest", "catalog", "delta", "query", "serve"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "lake-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestIngestCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range ingestCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"sync", "status", "list", "check"} {
		assert.True(t, names[name], "expected ingest subcommand %q not found", name)
	}
}

func TestCatalogCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range catalogCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"migrate", "sql", "tables", "describe"} {
		assert.True(t, names[name], "expected catalog subcommand %q not found", name)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestMountCommand_Flags(t *testing.T) {
	for _, name := range []string{"mount-point", "source", "force", "skip-probe"} {
		assert.NotNil(t, mountCmd.Flags().Lookup(name), "mount command should have --%s flag", name)
	}
	assert.Equal(t, "50", ingestStatusCmd.Flags().Lookup("limit").DefValue)
}

func TestRootCommand_PersistentFlags(t *testing.T) {
	for _, name := range []string{"config", "log-level"} {
		flag := rootCmd.PersistentFlags().Lookup(name)
		require.NotNil(t, flag, "root command should have --%s flag", name)
		assert.Empty(t, flag.DefValue)
	}
}
