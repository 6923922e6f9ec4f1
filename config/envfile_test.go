package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvBuffer(t *testing.T) {
	lines := ParseEnvBuffer([]byte(`
# reportd settings
REPORTCACHE_LOG_LEVEL=debug
export REPORTCACHE_STORAGE_PATH="${DATA_DIR}/cache.db"
DATA_DIR='/srv/reportd'
REPORTCACHE_CACHE_ARTIFACT_ROOT=${ARTIFACTS:-/srv/reportd/reports}
UNRESOLVED=${NOPE}
NOVALUE
`))
	got := make(map[string]string)
	for _, line := range lines {
		got[line.Key] = line.Val
	}
	assert.Equal(t, map[string]string{
		"REPORTCACHE_LOG_LEVEL":           "debug",
		"REPORTCACHE_STORAGE_PATH":        "/srv/reportd/cache.db",
		"DATA_DIR":                        "/srv/reportd",
		"REPORTCACHE_CACHE_ARTIFACT_ROOT": "/srv/reportd/reports",
		"UNRESOLVED":                      "${NOPE}",
		"NOVALUE":                         "",
	}, got)
}

func TestInterpolateProcessEnv(t *testing.T) {
	t.Setenv("REPORTD_HOME", "/opt/reportd")
	lines := ParseEnvBuffer([]byte("ROOT=${env:REPORTD_HOME}/data\nOTHER=${env:REPORTD_MISSING:-fallback}\n"))
	require.Len(t, lines, 2)
	assert.Equal(t, "/opt/reportd/data", lines[0].Val)
	assert.Equal(t, "fallback", lines[1].Val)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("REPORTCACHE_TEST_A=file\nREPORTCACHE_TEST_B=file\n"), 0o600))
	t.Setenv("REPORTCACHE_TEST_A", "process")
	t.Setenv("REPORTCACHE_TEST_B", "")
	os.Unsetenv("REPORTCACHE_TEST_B")

	n, err := LoadEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "process", os.Getenv("REPORTCACHE_TEST_A"))
	assert.Equal(t, "file", os.Getenv("REPORTCACHE_TEST_B"))

	n, err = LoadEnvFile(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFlagOrEnv(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "")
	assert.Equal(t, "default.yaml", FlagOrEnv(cmd, "config", "REPORTCACHE_TEST_CONFIG", "default.yaml"))

	t.Setenv("REPORTCACHE_TEST_CONFIG", "env.yaml")
	assert.Equal(t, "env.yaml", FlagOrEnv(cmd, "config", "REPORTCACHE_TEST_CONFIG", "default.yaml"))

	require.NoError(t, cmd.Flags().Set("config", "flag.yaml"))
	assert.Equal(t, "flag.yaml", FlagOrEnv(cmd, "config", "REPORTCACHE_TEST_CONFIG", "default.yaml"))
}
