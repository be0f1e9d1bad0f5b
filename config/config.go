// Package config carries the immutable container arguments and the function
// descriptor. The descriptor is loaded from a YAML file written by the
// worker; runtime settings come from the environment.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/viper"
)

// PTYType mirrors the worker's pty_info.pty_type.
type PTYType string

const (
	PTYNone  PTYType = ""
	PTYShell PTYType = "shell"
)

// Function is the descriptor of the user function this container serves.
type Function struct {
	TargetConcurrency int `yaml:"target_concurrency"`
	MaxConcurrency    int `yaml:"max_concurrency"`

	BatchMaxSize  int `yaml:"batch_max_size"`
	BatchLingerMs int `yaml:"batch_linger_ms"`

	// MaxInputs == 1 marks a one-shot container: stop fetching after the
	// first input. Other positive values are rejected by Validate.
	MaxInputs int `yaml:"max_inputs"`

	PTY         PTYType `yaml:"pty"`
	GPUSnapshot bool    `yaml:"gpu_snapshot"`

	// VolumeIDs are committed on container exit.
	VolumeIDs []string `yaml:"volume_ids"`
}

// Container is the immutable startup configuration.
type Container struct {
	TaskID          string `yaml:"task_id"`
	FunctionID      string `yaml:"function_id"`
	AppID           string `yaml:"app_id"`
	EnvironmentName string `yaml:"environment_name"`

	CheckpointID  string `yaml:"checkpoint_id"`
	InputPlaneURL string `yaml:"input_plane_url"`

	// RestoreStatePath is where the host writes the restore-state file
	// between snapshot and restore.
	RestoreStatePath string `yaml:"restore_state_path"`

	ServerAddr string `yaml:"server_addr"`

	Function Function `yaml:"function"`
}

// Load reads the descriptor file and overlays RUNNER_* environment
// variables on top of it.
func Load(path string) (Container, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Container{}, fmt.Errorf("reading container config: %w", err)
	}

	var cfg Container
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Container{}, fmt.Errorf("unmarshal container config: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("RUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if addr := v.GetString("server_addr"); addr != "" {
		cfg.ServerAddr = addr
	}
	if taskID := v.GetString("task_id"); taskID != "" {
		cfg.TaskID = taskID
	}
	if fnID := v.GetString("function_id"); fnID != "" {
		cfg.FunctionID = fnID
	}
	if p := v.GetString("restore_state_path"); p != "" {
		cfg.RestoreStatePath = p
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Container) applyDefaults() {
	// A PTY shell gets exactly one slot regardless of the descriptor.
	if c.Function.PTY == PTYShell {
		c.Function.MaxConcurrency = 1
		c.Function.TargetConcurrency = 1
		return
	}
	if c.Function.MaxConcurrency <= 0 {
		c.Function.MaxConcurrency = 1
	}
	if c.Function.TargetConcurrency <= 0 {
		c.Function.TargetConcurrency = c.Function.MaxConcurrency
	}
}

func (c Container) Validate() error {
	if c.TaskID == "" {
		return fmt.Errorf("task_id required")
	}
	if c.FunctionID == "" {
		return fmt.Errorf("function_id required")
	}
	if c.ServerAddr == "" {
		return fmt.Errorf("server_addr required")
	}
	if c.Function.TargetConcurrency > c.Function.MaxConcurrency {
		return fmt.Errorf("target_concurrency %d exceeds max_concurrency %d",
			c.Function.TargetConcurrency, c.Function.MaxConcurrency)
	}
	if c.Function.BatchMaxSize < 0 {
		return fmt.Errorf("batch_max_size must not be negative")
	}
	if c.Function.BatchLingerMs < 0 {
		return fmt.Errorf("batch_linger_ms must not be negative")
	}
	// One-shot is the only supported max_inputs contract.
	if c.Function.MaxInputs != 0 && c.Function.MaxInputs != 1 {
		return fmt.Errorf("max_inputs must be 0 or 1, got %d", c.Function.MaxInputs)
	}
	return nil
}
