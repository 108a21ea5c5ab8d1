package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withValues(t *testing.T, values map[string]string) {
	t.Helper()
	previous := Env
	Env = values
	t.Cleanup(func() { Env = previous })
}

func TestGetEnv(t *testing.T) {
	withValues(t, map[string]string{"FROM_FILE": "file", "EMPTY_IN_FILE": "", "SHADOWED": "file"})
	t.Setenv("FROM_PROCESS", "process")
	t.Setenv("SHADOWED", "process")

	assert.Equal(t, "file", GetEnv("FROM_FILE", "def"))
	assert.Equal(t, "process", GetEnv("FROM_PROCESS", "def"))
	assert.Equal(t, "file", GetEnv("SHADOWED", "def"))
	assert.Equal(t, "def", GetEnv("EMPTY_IN_FILE", "def"))
	assert.Equal(t, "def", GetEnv("WARPSTATION_TEST_UNSET", "def"))

	val, ok := Lookup("EMPTY_IN_FILE")
	assert.True(t, ok)
	assert.Empty(t, val)
	_, ok = Lookup("WARPSTATION_TEST_UNSET")
	assert.False(t, ok)
}

func TestSetupEnvFile(t *testing.T) {
	withValues(t, nil)
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("APP_ENV=dev\nDB_NAME=warp_test\n"), 0o600))
	t.Setenv("ENV_FILE", path)

	assert.Equal(t, path, SetupEnvFile())
	assert.Equal(t, "warp_test", GetEnv("DB_NAME", ""))
	assert.True(t, IsDev())
}

func TestSetupEnvFile_Missing(t *testing.T) {
	withValues(t, map[string]string{"STALE": "1"})
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))

	assert.Empty(t, SetupEnvFile())
	assert.NotNil(t, Env)
	_, ok := Env["STALE"]
	assert.False(t, ok)
}
