// Package config loads the runtime's single configuration document. The
// loaded Config is immutable: it is resolved once at startup, including
// environment-variable overrides, and passed by reference into every
// constructor.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/warden/pkg/models"
)

// KernelConfig holds core pipeline settings.
type KernelConfig struct {
	LogLevel               string `yaml:"log_level"`
	AdminSink              string `yaml:"admin_sink"`
	ApprovalTimeoutSeconds int    `yaml:"approval_timeout_seconds"`
	ChannelBufferSize      int    `yaml:"channel_buffer_size"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	MaxRecoveryAgeSeconds  int    `yaml:"max_recovery_age_seconds"`

	// CloudRiskAck acknowledges routing Sensitive-labeled prompts to a
	// cloud provider. Without it, Sensitive tasks are local-only.
	CloudRiskAck bool `yaml:"cloud_risk_ack"`
}

// PathsConfig locates on-disk state.
type PathsConfig struct {
	AuditLog  string `yaml:"audit_log"`
	JournalDB string `yaml:"journal_db"`
	ToolsDir  string `yaml:"tools_dir"`
	DataDir   string `yaml:"data_dir"`
}

// LocalLLMConfig points at an OpenAI-compatible local inference endpoint.
type LocalLLMConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// CloudLLMConfig configures an optional remote provider.
type CloudLLMConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

// LLMConfig groups provider settings.
type LLMConfig struct {
	Local LocalLLMConfig   `yaml:"local"`
	Cloud []CloudLLMConfig `yaml:"cloud,omitempty"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled            bool   `yaml:"enabled"`
	BotToken           string `yaml:"bot_token"`
	OwnerID            int64  `yaml:"owner_id"`
	PollTimeoutSeconds int    `yaml:"poll_timeout_seconds"`
}

// WhatsAppConfig configures the WhatsApp bridge adapter.
type WhatsAppConfig struct {
	Enabled      bool   `yaml:"enabled"`
	SessionStore string `yaml:"session_store"`
	OwnerJID     string `yaml:"owner_jid"`
}

// TimerConfig is one scheduled job; the prompt enters the pipeline as a
// Cron-principal timer event.
type TimerConfig struct {
	Name   string `yaml:"name"`
	Spec   string `yaml:"spec"`
	Prompt string `yaml:"prompt"`
}

// Config is the full configuration document.
type Config struct {
	Kernel   KernelConfig   `yaml:"kernel"`
	Paths    PathsConfig    `yaml:"paths"`
	LLM      LLMConfig      `yaml:"llm"`
	Telegram TelegramConfig `yaml:"telegram"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Timers   []TimerConfig  `yaml:"timers,omitempty"`

	// LabelCeilings caps tool output labels, by dotted tool name.
	LabelCeilings map[string]string `yaml:"label_ceilings,omitempty"`

	// SinkLabels assigns labels to sinks; trailing-* wildcards allowed.
	SinkLabels map[string]string `yaml:"sink_labels,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Kernel: KernelConfig{
			LogLevel:               "info",
			AdminSink:              "sink:telegram:owner",
			ApprovalTimeoutSeconds: 300,
			ChannelBufferSize:      64,
			ShutdownTimeoutSeconds: 15,
			MaxRecoveryAgeSeconds:  600,
		},
		Paths: PathsConfig{
			DataDir:   "./warden-data",
			AuditLog:  "./warden-data/audit.log",
			JournalDB: "./warden-data/journal.db",
			ToolsDir:  "./warden-data/tools",
		},
		LLM: LLMConfig{
			Local: LocalLLMConfig{BaseURL: "http://127.0.0.1:11434/v1", Model: "llama3.1"},
		},
		Telegram: TelegramConfig{PollTimeoutSeconds: 30},
	}
}

// Load reads path, expands ${ENV} references, applies WARDEN_* overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides resolves environment overrides once; the resulting
// Config is never mutated afterwards.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WARDEN_LOG_LEVEL"); v != "" {
		cfg.Kernel.LogLevel = v
	}
	if v := os.Getenv("WARDEN_TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("WARDEN_TELEGRAM_OWNER_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.OwnerID = id
		}
	}
	if v := os.Getenv("WARDEN_JOURNAL_DB"); v != "" {
		cfg.Paths.JournalDB = v
	}
	if v := os.Getenv("WARDEN_AUDIT_LOG"); v != "" {
		cfg.Paths.AuditLog = v
	}
	if v := os.Getenv("WARDEN_LOCAL_BASE_URL"); v != "" {
		cfg.LLM.Local.BaseURL = v
	}
}

// Validate rejects configurations the kernel cannot run with.
func (c *Config) Validate() error {
	if c.Kernel.ApprovalTimeoutSeconds <= 0 {
		return fmt.Errorf("kernel.approval_timeout_seconds must be positive")
	}
	if c.Kernel.ChannelBufferSize <= 0 {
		return fmt.Errorf("kernel.channel_buffer_size must be positive")
	}
	if c.Paths.JournalDB == "" {
		return fmt.Errorf("paths.journal_db is required")
	}
	if c.Paths.AuditLog == "" {
		return fmt.Errorf("paths.audit_log is required")
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
	}
	if c.Telegram.Enabled && c.Telegram.OwnerID == 0 {
		return fmt.Errorf("telegram.owner_id is required when telegram is enabled")
	}
	if _, err := c.ParsedLabelCeilings(); err != nil {
		return err
	}
	if _, err := c.ParsedSinkLabels(); err != nil {
		return err
	}
	return nil
}

// ApprovalTimeout returns the approval deadline as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Kernel.ApprovalTimeoutSeconds) * time.Second
}

// ShutdownTimeout returns the shutdown grace period.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Kernel.ShutdownTimeoutSeconds) * time.Second
}

// MaxRecoveryAge returns the age beyond which unfinished tasks are
// abandoned at startup.
func (c *Config) MaxRecoveryAge() time.Duration {
	return time.Duration(c.Kernel.MaxRecoveryAgeSeconds) * time.Second
}

// ParsedLabelCeilings converts the configured ceiling names to labels.
func (c *Config) ParsedLabelCeilings() (map[string]models.SecurityLabel, error) {
	return parseLabelMap(c.LabelCeilings, "label_ceilings")
}

// ParsedSinkLabels converts the configured sink label names to labels.
func (c *Config) ParsedSinkLabels() (map[string]models.SecurityLabel, error) {
	return parseLabelMap(c.SinkLabels, "sink_labels")
}

func parseLabelMap(raw map[string]string, section string) (map[string]models.SecurityLabel, error) {
	parsed := make(map[string]models.SecurityLabel, len(raw))
	for key, name := range raw {
		label, err := models.ParseLabel(name)
		if err != nil {
			return nil, fmt.Errorf("%s[%s]: %w", section, key, err)
		}
		parsed[key] = label
	}
	return parsed, nil
}
