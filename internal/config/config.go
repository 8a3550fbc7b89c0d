package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Client      ClientConfig      `yaml:"client"`
	Interface   InterfaceConfig   `yaml:"interface"`
	HTTP        HTTPConfig        `yaml:"http"`
	Agent       AgentConfig       `yaml:"agent"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Approvals   ApprovalsConfig   `yaml:"approvals"`
	Queue       QueueConfig       `yaml:"queue"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ClientConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// InterfaceConfig points at the websocket endpoint hosted by the interface process.
type InterfaceConfig struct {
	WSURL              string `yaml:"ws_url"`
	Token              string `yaml:"token"`
	ReconnectBackoffMs []int  `yaml:"reconnect_backoff_ms"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type AgentConfig struct {
	CLIPath         string   `yaml:"cli_path"`
	ModelPreference string   `yaml:"model_preference"`
	Model           string   `yaml:"model"` // explicit override, bypasses the preference table
	Reasoning       string   `yaml:"reasoning"`
	PermissionMode  string   `yaml:"permission_mode"`
	DefaultCwd      string   `yaml:"default_cwd"`
	ExtraArgs       []string `yaml:"extra_args"`
	Debug           bool     `yaml:"debug"`
	ControlTimeout  int      `yaml:"control_timeout_ms"`
	CloseGraceMs    int      `yaml:"close_grace_ms"`
}

type CredentialsConfig struct {
	APIKey         string `yaml:"api_key"`
	OAuthToken     string `yaml:"oauth_token"`
	TokenFile      string `yaml:"token_file"`
	KeyringService string `yaml:"keyring_service"`
	KeyringAccount string `yaml:"keyring_account"`
	DisableKeyring bool   `yaml:"disable_keyring"`
}

type ApprovalsConfig struct {
	Path                string `yaml:"path"`
	Watch               bool   `yaml:"watch"`
	UnapprovedPolicy    string `yaml:"unapproved_policy"` // ask, allow, deny
	EscalationTimeoutMs int    `yaml:"escalation_timeout_ms"`
}

type QueueConfig struct {
	MaxPending int `yaml:"max_pending"` // 0 means unbounded
}

type StorageConfig struct {
	StateDir      string `yaml:"state_dir"`
	SessionLogDir string `yaml:"session_log_dir"`
	OutboxMax     int    `yaml:"outbox_max"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// LoadConfig reads path and applies defaults. A missing file is not an
// error: the daemon can run entirely on defaults plus environment.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Client.ID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Client.ID = host
		} else {
			cfg.Client.ID = "claudesky"
		}
	}
	if len(cfg.Interface.ReconnectBackoffMs) == 0 {
		cfg.Interface.ReconnectBackoffMs = []int{250, 500, 1000, 2000, 5000}
	}
	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = "127.0.0.1:7787"
	}
	if cfg.Agent.CLIPath == "" {
		cfg.Agent.CLIPath = "claude"
	}
	if cfg.Agent.ModelPreference == "" {
		cfg.Agent.ModelPreference = "balanced"
	}
	if cfg.Agent.Reasoning == "" {
		cfg.Agent.Reasoning = "off"
	}
	if cfg.Agent.PermissionMode == "" {
		cfg.Agent.PermissionMode = "acceptEdits"
	}
	if cfg.Agent.DefaultCwd == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Agent.DefaultCwd = home
		}
	}
	if cfg.Agent.ControlTimeout == 0 {
		cfg.Agent.ControlTimeout = 10000
	}
	if cfg.Agent.CloseGraceMs == 0 {
		cfg.Agent.CloseGraceMs = 5000
	}
	if cfg.Credentials.KeyringService == "" {
		cfg.Credentials.KeyringService = "claudesky"
	}
	if cfg.Credentials.KeyringAccount == "" {
		cfg.Credentials.KeyringAccount = "oauth-access-token"
	}
	if cfg.Storage.StateDir == "" {
		cfg.Storage.StateDir = defaultStateDir()
	}
	if cfg.Storage.SessionLogDir == "" {
		cfg.Storage.SessionLogDir = filepath.Join(cfg.Storage.StateDir, "sessions")
	}
	if cfg.Storage.OutboxMax == 0 {
		cfg.Storage.OutboxMax = 10000
	}
	if cfg.Approvals.Path == "" {
		cfg.Approvals.Path = filepath.Join(cfg.Storage.StateDir, "tool-approvals.yaml")
	}
	if cfg.Approvals.UnapprovedPolicy == "" {
		cfg.Approvals.UnapprovedPolicy = "ask"
	}
	if cfg.Approvals.EscalationTimeoutMs == 0 {
		cfg.Approvals.EscalationTimeoutMs = 10 * 60 * 1000
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Secrets may come from the environment instead of the file.
func (cfg *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Credentials.APIKey = v
	}
	if v := os.Getenv("CLAUDE_CODE_OAUTH_TOKEN"); v != "" {
		cfg.Credentials.OAuthToken = v
	}
	if v := os.Getenv("CLAUDESKY_INTERFACE_TOKEN"); v != "" {
		cfg.Interface.Token = v
	}
	if v := os.Getenv("CLAUDESKY_DEBUG"); v == "1" || v == "true" {
		cfg.Agent.Debug = true
	}
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "claudesky")
	}
	return filepath.Join(os.TempDir(), "claudesky")
}
