package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateMatching(); err != nil {
		return err
	}
	if err := c.validateComparator(); err != nil {
		return err
	}
	if err := c.validateCluster(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.DataDir == "" {
		return errors.New("paths.data_dir must be set")
	}
	if c.Paths.LogDir == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validateMatching() error {
	switch c.Matching.Runner {
	case RunnerLocal, RunnerCluster:
	default:
		return fmt.Errorf("matching.runner must be %q or %q", RunnerLocal, RunnerCluster)
	}
	if err := ensurePositiveMap(map[string]int{
		"matching.poll_interval":        c.Matching.PollInterval,
		"matching.error_retry_interval": c.Matching.ErrorRetryInterval,
		"matching.job_timeout":          c.Matching.JobTimeout,
		"matching.runner_poll_interval": c.Matching.RunnerPollInterval,
	}); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateComparator() error {
	if c.Comparator.BaseURL == "" {
		return errors.New("comparator.base_url must be set")
	}
	if c.Comparator.TimeoutSeconds <= 0 {
		return errors.New("comparator.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateCluster() error {
	if c.Matching.Runner != RunnerCluster {
		return nil
	}
	if c.Cluster.BaseURL == "" {
		return errors.New("cluster.base_url must be set when matching.runner is cluster")
	}
	if c.Cluster.JobImage == "" {
		return errors.New("cluster.job_image must be set when matching.runner is cluster")
	}
	if c.Cluster.SubmitTimeout <= 0 {
		return errors.New("cluster.submit_timeout must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for name, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
