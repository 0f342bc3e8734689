package main

import (
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"doctranslate/internal/config"
)

type commandContext struct {
	configFlag *string
	serverFlag *string
	tokenFlag  *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, serverFlag, tokenFlag *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		serverFlag: serverFlag,
		tokenFlag:  tokenFlag,
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

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

// client builds an API client from the flags, falling back to the
// configured bind address and token.
func (c *commandContext) client() *apiClient {
	cfg := c.configValue()
	base := strings.TrimSpace(deref(c.serverFlag))
	if base == "" && cfg != nil {
		base = cfg.API.Bind
	}
	token := strings.TrimSpace(deref(c.tokenFlag))
	if token == "" && cfg != nil {
		token = cfg.API.Token
	}
	return newAPIClient(base, token)
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
