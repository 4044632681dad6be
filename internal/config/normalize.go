package config

import "strings"

func (c *Config) normalize() error {
	var err error
	if c.Paths.DataDir, err = expandPath(strings.TrimSpace(c.Paths.DataDir)); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(strings.TrimSpace(c.Paths.LogDir)); err != nil {
		return err
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	c.Matching.Runner = strings.ToLower(strings.TrimSpace(c.Matching.Runner))
	c.Comparator.BaseURL = strings.TrimRight(strings.TrimSpace(c.Comparator.BaseURL), "/")
	c.Cluster.BaseURL = strings.TrimRight(strings.TrimSpace(c.Cluster.BaseURL), "/")
	c.Cluster.JobImage = strings.TrimSpace(c.Cluster.JobImage)
	c.Cluster.Namespace = strings.TrimSpace(c.Cluster.Namespace)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	return nil
}
