package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// EnvConfigPath overrides the default config file location when set.
const EnvConfigPath = "EMPI_CONFIG"

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	LogDir   string `toml:"log_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Matching contains job scheduling configuration.
type Matching struct {
	Runner             string `toml:"runner"`
	PollInterval       int    `toml:"poll_interval"`
	ErrorRetryInterval int    `toml:"error_retry_interval"`
	JobTimeout         int    `toml:"job_timeout"`
	RunnerPollInterval int    `toml:"runner_poll_interval"`
}

// Comparator contains the external record-comparison service connection.
type Comparator struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Cluster contains the cluster job runner connection.
type Cluster struct {
	BaseURL        string `toml:"base_url"`
	Token          string `toml:"token"`
	JobImage       string `toml:"job_image"`
	Namespace      string `toml:"namespace"`
	SubmitTimeout  int    `toml:"submit_timeout"`
	ServiceAccount string `toml:"service_account"`
}

// Logging contains log output configuration.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the root configuration for the EMPI daemon and CLI.
type Config struct {
	Paths      Paths      `toml:"paths"`
	Matching   Matching   `toml:"matching"`
	Comparator Comparator `toml:"comparator"`
	Cluster    Cluster    `toml:"cluster"`
	Logging    Logging    `toml:"logging"`
}

// RunnerLocal and RunnerCluster are the accepted matching.runner values.
const (
	RunnerLocal   = "local"
	RunnerCluster = "cluster"
)

// DefaultConfigPath returns the standard config file location.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "empi", "config.toml"), nil
}

// Load reads configuration from path (or the default location when empty),
// applies defaults and normalization, and validates the result. The returned
// bool reports whether the file was missing and defaults were used.
func Load(path string) (*Config, string, bool, error) {
	resolved, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	cfg := Default()
	missing := false

	data, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, resolved, false, fmt.Errorf("parse config %s: %w", resolved, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		missing = true
	default:
		return nil, resolved, false, fmt.Errorf("read config %s: %w", resolved, err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, resolved, missing, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, resolved, missing, err
	}
	return &cfg, resolved, missing, nil
}

// WriteSample writes the embedded sample config to path, refusing to clobber
// an existing file.
func WriteSample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure config directory: %w", err)
	}
	return os.WriteFile(path, []byte(sampleConfig), 0o644)
}

// EnsureDirectories creates the data and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location under the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "empi.db")
}

// LockFilePath returns the daemon single-instance lock location.
func (c *Config) LockFilePath() string {
	return filepath.Join(c.Paths.DataDir, "empid.lock")
}

func resolveConfigPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		trimmed = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if trimmed == "" {
		return DefaultConfigPath()
	}
	return expandPath(trimmed)
}

func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
