package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Guard strategies.
const (
	GuardStrategyLock        = "lock"
	GuardStrategyFingerprint = "fingerprint"
)

// OpenAIConfig represents configuration for the remote completion API.
type OpenAIConfig struct {
	APIKey        string        `yaml:"api_key,omitempty"`
	BaseURL       string        `yaml:"base_url,omitempty"`
	Organization  string        `yaml:"organization,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`        // Per-call timeout
	UploadTimeout time.Duration `yaml:"upload_timeout,omitempty"` // Timeout for file uploads
	MaxRetries    uint64        `yaml:"max_retries,omitempty"`    // Transport retries on 429/5xx
}

// DatabaseConfig points at the sqlite file holding audit and template state.
type DatabaseConfig struct {
	Path string `yaml:"path,omitempty"`
}

// GuardConfig selects how concurrent attempts for one correlation key are detected.
type GuardConfig struct {
	Strategy string `yaml:"strategy,omitempty"` // "lock" (default) or "fingerprint"
	LockDir  string `yaml:"lock_dir,omitempty"`
}

// OrchestratorConfig bounds the request state machine.
type OrchestratorConfig struct {
	DefaultModel      string `yaml:"default_model,omitempty"`
	MaxToolRounds     int    `yaml:"max_tool_rounds,omitempty"`
	MaxContextRetries int    `yaml:"max_context_retries,omitempty"`
}

// SyncConfig controls template file synchronization.
type SyncConfig struct {
	Concurrency  int           `yaml:"concurrency,omitempty"`
	TempDir      string        `yaml:"temp_dir,omitempty"`
	FetchTimeout time.Duration `yaml:"fetch_timeout,omitempty"`
	Schedule     string        `yaml:"schedule,omitempty"` // cron expression or duration; empty disables
}

// ServerSettings configures the HTTP intake.
type ServerSettings struct {
	Addr string `yaml:"addr,omitempty"`
}

// MCPServerConfig represents configuration for an MCP server providing tools.
type MCPServerConfig struct {
	Command string   `yaml:"command,omitempty"` // For STDIO transport
	URL     string   `yaml:"url,omitempty"`     // For HTTP transport
	Args    []string `yaml:"args,omitempty"`
	Env     []string `yaml:"env,omitempty"`
}

// ToolsConfig wires the tool executor backends.
type ToolsConfig struct {
	RemoteURL   string                      `yaml:"remote_url,omitempty"`
	RemoteToken string                      `yaml:"remote_token,omitempty"`
	MCPServers  map[string]*MCPServerConfig `yaml:"mcp_servers,omitempty"`
	Workspace   string                      `yaml:"workspace,omitempty"` // Root for read-only file tools; empty disables
}

// LogConfig configures the process logger.
type LogConfig struct {
	File       string `yaml:"file,omitempty"`
	Pretty     bool   `yaml:"pretty,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
}

// Config is the full relay configuration.
type Config struct {
	OpenAI       OpenAIConfig       `yaml:"openai,omitempty"`
	Database     DatabaseConfig     `yaml:"database,omitempty"`
	Guard        GuardConfig        `yaml:"guard,omitempty"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator,omitempty"`
	Sync         SyncConfig         `yaml:"sync,omitempty"`
	Server       ServerSettings     `yaml:"server,omitempty"`
	Tools        ToolsConfig        `yaml:"tools,omitempty"`
	Log          LogConfig          `yaml:"log,omitempty"`
}

// Defaults returns the configuration used when no file is present.
func Defaults() Config {
	return Config{
		OpenAI: OpenAIConfig{
			BaseURL:       "https://api.openai.com/v1",
			Timeout:       60 * time.Second,
			UploadTimeout: 300 * time.Second,
			MaxRetries:    2,
		},
		Database: DatabaseConfig{Path: "relay.db"},
		Guard: GuardConfig{
			Strategy: GuardStrategyLock,
			LockDir:  filepath.Join(os.TempDir(), "relay-locks"),
		},
		Orchestrator: OrchestratorConfig{
			DefaultModel:      "gpt-4o-mini",
			MaxToolRounds:     10,
			MaxContextRetries: 1,
		},
		Sync: SyncConfig{
			Concurrency:  4,
			FetchTimeout: 60 * time.Second,
		},
		Server: ServerSettings{Addr: "127.0.0.1:8085"},
		Tools:  ToolsConfig{MCPServers: make(map[string]*MCPServerConfig)},
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// GetConfigPath returns the default config file path.
// Can be overridden via RELAY_CONFIG_PATH environment variable.
func GetConfigPath() string {
	if envPath := os.Getenv("RELAY_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.relay/config.yaml"
	}
	return filepath.Join(homeDir, ".relay", "config.yaml")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Load reads the config file at path (missing file means defaults), merges it onto
// the defaults and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	expandedPath := expandPath(path)
	if _, err := os.Stat(expandedPath); err == nil {
		raw, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
		}

		var fileCfg Config
		if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}

		if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
	}

	applyEnv(&cfg)

	if cfg.Tools.MCPServers == nil {
		cfg.Tools.MCPServers = make(map[string]*MCPServerConfig)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAI.BaseURL = v
	}
	if v := os.Getenv("OPENAI_ORG_ID"); v != "" {
		cfg.OpenAI.Organization = v
	}
	if v := os.Getenv("RELAY_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("RELAY_GUARD_STRATEGY"); v != "" {
		cfg.Guard.Strategy = v
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	switch c.Guard.Strategy {
	case GuardStrategyLock, GuardStrategyFingerprint:
	default:
		return fmt.Errorf("unknown guard strategy %q", c.Guard.Strategy)
	}
	if c.Orchestrator.MaxToolRounds < 1 {
		return fmt.Errorf("orchestrator.max_tool_rounds must be at least 1")
	}
	if c.Orchestrator.MaxContextRetries < 0 {
		return fmt.Errorf("orchestrator.max_context_retries must not be negative")
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1")
	}
	return nil
}

// Save writes the configuration to path, creating the directory if needed.
func Save(cfg *Config, path string) error {
	expandedPath := expandPath(path)

	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
