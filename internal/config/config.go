package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/sessionscope/internal/formatting"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Transcripts Transcripts `yaml:"transcripts"`
	Inference   Inference   `yaml:"inference"`
	Output      Output      `yaml:"output"`
	Cache       Cache       `yaml:"cache"`
	Server      Server      `yaml:"server"`
	Logging     Logging     `yaml:"logging"`
}

type Transcripts struct {
	ProjectsDir string `yaml:"projects_dir"`
}

type Inference struct {
	Provider     string   `yaml:"provider"`
	Binary       string   `yaml:"binary"`
	DefaultModel string   `yaml:"default_model"`
	Models       []string `yaml:"models"`
	ExtraArgs    []string `yaml:"extra_args"`
	ChunkBudget  string   `yaml:"chunk_budget"`
	ChunkTimeout string   `yaml:"chunk_timeout"`
	JobTimeout   string   `yaml:"job_timeout"`
	OllamaURL    string   `yaml:"ollama_url"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Cache struct {
	TTL        string `yaml:"ttl"`
	MaxEntries int    `yaml:"max_entries"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for sessionscope.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "sessionscope")
}

// DataDir returns the default storage root shared with earlier monitor installs.
func DataDir() string {
	return filepath.Join(homeDir(), ".claude-monitor")
}

// ProjectsDir returns the default transcript root.
func ProjectsDir() string {
	return filepath.Join(homeDir(), ".claude", "projects")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/sessionscope/config.yaml > ./config.yaml.
// An empty path with a nil error means no file exists and defaults apply.
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", nil
}

// Load reads and parses a config YAML file. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// parse parses YAML bytes into a Config on top of the embedded defaults,
// then validates it.
func parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(DefaultConfigYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing default config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that are parsed lazily elsewhere.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Inference.Provider) {
	case "claude", "ollama":
	default:
		return fmt.Errorf("invalid inference.provider %q (want claude or ollama)", c.Inference.Provider)
	}
	if _, err := formatting.ParseBytes(c.Inference.ChunkBudget); err != nil {
		return fmt.Errorf("invalid inference.chunk_budget: %w", err)
	}
	for name, v := range map[string]string{
		"inference.chunk_timeout": c.Inference.ChunkTimeout,
		"inference.job_timeout":   c.Inference.JobTimeout,
		"cache.ttl":               c.Cache.TTL,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// GetDataDir returns the effective data directory from config or the default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return expandHome(c.Output.DataDir)
	}
	return DataDir()
}

// GetProjectsDir returns the effective transcript root.
func (c *Config) GetProjectsDir() string {
	if c.Transcripts.ProjectsDir != "" {
		return expandHome(c.Transcripts.ProjectsDir)
	}
	return ProjectsDir()
}

// ChunkBudgetBytes returns the partition budget in bytes.
func (c *Config) ChunkBudgetBytes() int64 {
	n, _ := formatting.ParseBytes(c.Inference.ChunkBudget)
	return n
}

// ChunkTimeoutDuration returns the per-invocation deadline.
func (c *Config) ChunkTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Inference.ChunkTimeout)
	return d
}

// JobTimeoutDuration returns the whole-run deadline.
func (c *Config) JobTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Inference.JobTimeout)
	return d
}

// CacheTTLDuration returns the listing cache TTL.
func (c *Config) CacheTTLDuration() time.Duration {
	d, _ := time.ParseDuration(c.Cache.TTL)
	return d
}

// LogLevel maps logging.level to a slog level.
func (c *Config) LogLevel() (slog.Level, error) {
	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid logging.level %q", c.Logging.Level)
}

func expandHome(p string) string {
	if p == "~" {
		return homeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(homeDir(), p[2:])
	}
	return p
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
