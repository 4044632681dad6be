package main

import (
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"empi/internal/config"
)

type commandContext struct {
	apiFlag    *string
	tokenFlag  *string
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(apiFlag, tokenFlag, configFlag *string) *commandContext {
	return &commandContext{
		apiFlag:    apiFlag,
		tokenFlag:  tokenFlag,
		configFlag: configFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// client builds an API client from flags, falling back to the config file
// for the daemon address and token.
func (c *commandContext) client() (*apiClient, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}

	addr := strings.TrimSpace(*c.apiFlag)
	if addr == "" {
		addr = cfg.Paths.APIBind
	}
	token := strings.TrimSpace(*c.tokenFlag)
	if token == "" {
		token = cfg.Paths.APIToken
	}
	return newAPIClient(addr, token), nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
