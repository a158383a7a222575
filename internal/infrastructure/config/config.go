// Package config loads the CLI's layered configuration: defaults, then the
// global ~/.kimi/config.yaml, then a project-local config.yaml, then
// KIMI_-prefixed environment variables. Only the fields the agent core
// actually consumes survive here; transport-level surfaces (bots, HTTP
// servers, databases) belong to other deployments.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
	pkgerrors "github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
)

// Config is the full application configuration.
type Config struct {
	Provider ProviderConfig `mapstructure:"provider"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Log      LogConfig      `mapstructure:"log"`
	Session  SessionConfig  `mapstructure:"session"`
}

// ProviderConfig configures the LLM endpoint.
type ProviderConfig struct {
	Name        string  `mapstructure:"name"`
	BaseURL     string  `mapstructure:"base_url"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// AgentConfig holds the loop's budget, guardrail, and compaction knobs.
type AgentConfig struct {
	MaxIterations int           `mapstructure:"max_iterations"`
	TurnTimeout   time.Duration `mapstructure:"turn_timeout"`
	ToolTimeout   time.Duration `mapstructure:"tool_timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryBaseWait time.Duration `mapstructure:"retry_base_wait"`
	Yolo          bool          `mapstructure:"yolo"`

	Guardrails GuardrailsConfig `mapstructure:"guardrails"`
	Compaction CompactionConfig `mapstructure:"compaction"`
}

// GuardrailsConfig tunes the context-size and tool-loop guards.
type GuardrailsConfig struct {
	ContextMaxTokens    int     `mapstructure:"context_max_tokens"`
	ContextWarnRatio    float64 `mapstructure:"context_warn_ratio"`
	ContextHardRatio    float64 `mapstructure:"context_hard_ratio"`
	LoopDetectWindow    int     `mapstructure:"loop_detect_window"`
	LoopDetectThreshold int     `mapstructure:"loop_detect_threshold"`
	LoopNameThreshold   int     `mapstructure:"loop_name_threshold"`
}

// CompactionConfig selects and tunes the structural compaction policy.
type CompactionConfig struct {
	Policy         string `mapstructure:"policy"` // checkpoint_truncate | keep_last_n
	TokenThreshold int    `mapstructure:"token_threshold"`
	KeepRecent     int    `mapstructure:"keep_recent"`
}

// LogConfig mirrors logger.Config.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SessionConfig locates persisted session state.
type SessionConfig struct {
	Root string `mapstructure:"root"` // defaults to <work_dir>/.kimi/sessions
}

// ModelConfig projects the provider section into the domain value object.
func (c *Config) ModelConfig() valueobject.ModelConfig {
	return valueobject.NewModelConfig(
		c.Provider.Name,
		c.Provider.Model,
		c.Provider.MaxTokens,
		c.Provider.Temperature,
		c.Provider.TopP,
		true,
	)
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.Provider.APIKey == "" {
		return pkgerrors.NewInvalidInputError("provider.api_key is not set (KIMI_PROVIDER_API_KEY)")
	}
	if c.Provider.Model == "" {
		return pkgerrors.NewInvalidInputError("provider.model is not set")
	}
	if c.Agent.Compaction.Policy != "checkpoint_truncate" && c.Agent.Compaction.Policy != "keep_last_n" {
		return pkgerrors.NewInvalidInputError(
			fmt.Sprintf("agent.compaction.policy must be checkpoint_truncate or keep_last_n, got %q", c.Agent.Compaction.Policy))
	}
	return nil
}

// Load reads the layered configuration. Priority (low → high): defaults →
// global ~/.kimi/config.yaml → project-local config.yaml → environment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	home, _ := os.UserHomeDir()
	v.AddConfigPath(filepath.Join(home, ".kimi"))
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read global config: %w", err)
		}
	}

	// Project-local overlay, first match wins.
	for _, localDir := range []string{"./.kimi", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break
		}
	}

	v.SetEnvPrefix("KIMI")
	v.AutomaticEnv()
	_ = v.BindEnv("provider.api_key", "KIMI_PROVIDER_API_KEY", "MOONSHOT_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider.name", "kimi")
	v.SetDefault("provider.base_url", "https://api.moonshot.ai/v1")
	v.SetDefault("provider.model", "kimi-k2")
	v.SetDefault("provider.temperature", 0.6)
	v.SetDefault("provider.top_p", 0.95)
	v.SetDefault("provider.max_tokens", 8192)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("agent.max_iterations", 50)
	v.SetDefault("agent.turn_timeout", "10m")
	v.SetDefault("agent.tool_timeout", "2m")
	v.SetDefault("agent.max_retries", 3)
	v.SetDefault("agent.retry_base_wait", "2s")
	v.SetDefault("agent.yolo", false)

	v.SetDefault("agent.guardrails.context_max_tokens", 128000)
	v.SetDefault("agent.guardrails.context_warn_ratio", 0.75)
	v.SetDefault("agent.guardrails.context_hard_ratio", 0.92)
	v.SetDefault("agent.guardrails.loop_detect_window", 8)
	v.SetDefault("agent.guardrails.loop_detect_threshold", 3)
	v.SetDefault("agent.guardrails.loop_name_threshold", 5)

	v.SetDefault("agent.compaction.policy", "checkpoint_truncate")
	v.SetDefault("agent.compaction.token_threshold", 100000)
	v.SetDefault("agent.compaction.keep_recent", 40)

	v.SetDefault("session.root", "")
}
