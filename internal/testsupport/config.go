// Package testsupport provides shared fixtures for package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"empi/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Comparator.BaseURL = "http://127.0.0.1:0"

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithRunner overrides the matching runner backend.
func WithRunner(runner string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Matching.Runner = runner
	}
}

// WithComparatorURL points the comparator client at a test server.
func WithComparatorURL(url string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Comparator.BaseURL = url
	}
}

// WithClusterURL points the cluster runner at a test orchestrator.
func WithClusterURL(url string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Matching.Runner = config.RunnerCluster
		cfg.Cluster.BaseURL = url
		cfg.Cluster.Token = "test-token"
		cfg.Cluster.JobImage = "empi/match-job:test"
	}
}

// WithAPIToken sets the API bearer token on the test config.
func WithAPIToken(token string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Paths.APIToken = token
	}
}
