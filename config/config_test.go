package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "container.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const baseConfig = `
task_id: ta-1
function_id: fu-1
app_id: ap-1
server_addr: "localhost:9000"
function:
  target_concurrency: 2
  max_concurrency: 8
  batch_max_size: 4
  batch_linger_ms: 100
  volume_ids:
    - vo-1
`

func TestLoadDescriptor(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "ta-1", cfg.TaskID)
	assert.Equal(t, 2, cfg.Function.TargetConcurrency)
	assert.Equal(t, 8, cfg.Function.MaxConcurrency)
	assert.Equal(t, 4, cfg.Function.BatchMaxSize)
	assert.Equal(t, []string{"vo-1"}, cfg.Function.VolumeIDs)
}

func TestEnvOverridesDescriptor(t *testing.T) {
	t.Setenv("RUNNER_TASK_ID", "ta-env")
	t.Setenv("RUNNER_SERVER_ADDR", "10.0.0.1:9000")

	cfg, err := Load(writeConfig(t, baseConfig))
	require.NoError(t, err)

	assert.Equal(t, "ta-env", cfg.TaskID)
	assert.Equal(t, "10.0.0.1:9000", cfg.ServerAddr)
}

func TestDefaultsConcurrency(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
task_id: ta-1
function_id: fu-1
server_addr: "localhost:9000"
function: {}
`))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Function.MaxConcurrency)
	assert.Equal(t, 1, cfg.Function.TargetConcurrency)
}

func TestPTYForcesSingleSlot(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
task_id: ta-1
function_id: fu-1
server_addr: "localhost:9000"
function:
  pty: shell
  target_concurrency: 4
  max_concurrency: 16
`))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Function.TargetConcurrency)
	assert.Equal(t, 1, cfg.Function.MaxConcurrency)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Container)
	}{
		{"missing task id", func(c *Container) { c.TaskID = "" }},
		{"missing function id", func(c *Container) { c.FunctionID = "" }},
		{"missing server addr", func(c *Container) { c.ServerAddr = "" }},
		{"target above max", func(c *Container) { c.Function.TargetConcurrency = 9 }},
		{"negative batch size", func(c *Container) { c.Function.BatchMaxSize = -1 }},
		{"max inputs above one", func(c *Container) { c.Function.MaxInputs = 2 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, baseConfig))
			require.NoError(t, err)
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAllowsOneShot(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig))
	require.NoError(t, err)
	cfg.Function.MaxInputs = 1
	require.NoError(t, cfg.Validate())
}
