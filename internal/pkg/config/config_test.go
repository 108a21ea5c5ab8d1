package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/warpstation/internal/pkg/env"
)

func withEnv(t *testing.T, values map[string]string) {
	t.Helper()
	previous := env.Env
	env.Env = values
	t.Cleanup(func() { env.Env = previous })
}

func minimalEnv() map[string]string {
	return map[string]string{
		"RUNPOD_API_KEY":     "rp_key",
		"RUNPOD_ENDPOINT_ID": "ep123",
		"ADMIN_PASSWORD":     "correct-horse",
	}
}

func TestLoad_Defaults(t *testing.T) {
	withEnv(t, minimalEnv())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.RunPod.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Janitor.Interval)
	assert.Equal(t, 20*time.Minute, cfg.Janitor.StuckThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Janitor.InactivityThreshold)
	assert.Equal(t, "https://api.runpod.ai/v2", cfg.RunPod.BaseURL)
	assert.True(t, cfg.Warp.RequirePositiveBalance)
	assert.Empty(t, cfg.Stripe.PriceSeconds)
}

func TestLoad_Overrides(t *testing.T) {
	values := minimalEnv()
	values["JANITOR_STUCK_THRESHOLD"] = "30m"
	values["RUNPOD_PREFERRED_GPUS"] = "NVIDIA RTX A6000, NVIDIA A100 80GB PCIe"
	values["STRIPE_PRICE_SECONDS"] = "price_1h:3600,price_10h:36000"
	withEnv(t, values)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.Janitor.StuckThreshold)
	assert.Equal(t, []string{"NVIDIA RTX A6000", "NVIDIA A100 80GB PCIe"}, cfg.RunPod.PreferredGPUs)
	assert.Equal(t, int64(36000), cfg.Stripe.PriceSeconds["price_10h"])
}

func TestLoad_MissingRunPodKey(t *testing.T) {
	values := minimalEnv()
	delete(values, "RUNPOD_API_KEY")
	t.Setenv("RUNPOD_API_KEY", "")
	withEnv(t, values)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APIKey")
}

func TestLoad_InvalidDuration(t *testing.T) {
	values := minimalEnv()
	values["RUNPOD_TIMEOUT"] = "soon"
	withEnv(t, values)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RUNPOD_TIMEOUT")
}

func TestParsePriceSeconds(t *testing.T) {
	got, err := ParsePriceSeconds("a:1, b:2")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 1, "b": 2}, got)

	_, err = ParsePriceSeconds("a")
	assert.Error(t, err)
	_, err = ParsePriceSeconds("a:-5")
	assert.Error(t, err)
}
