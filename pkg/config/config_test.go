package config

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	v := viper.New()
	BindFlags(cmd, v)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 2, cfg.NumUserCPUWorkers)
	assert.Equal(t, 30*time.Minute, cfg.MaxChunkDuration)
}

func TestEnvOverridesDefault(t *testing.T) {
	t.Setenv("ENGINE_NUM_GPU_WORKERS", "4")

	cmd := &cobra.Command{Use: "test"}
	v := viper.New()
	BindFlags(cmd, v)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.NumGPUWorkers)
}

func TestFlagOverridesEnv(t *testing.T) {
	t.Setenv("ENGINE_NUM_GPU_WORKERS", "4")

	cmd := &cobra.Command{Use: "test"}
	v := viper.New()
	BindFlags(cmd, v)
	require.NoError(t, cmd.PersistentFlags().Set("num-gpu-workers", "7"))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.NumGPUWorkers)
}
