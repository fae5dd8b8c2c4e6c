package main

import (
	"github.com/remimikalsen/local-image-description-ha/internal/config"
)

// CLI is the root command. Flags override the matching environment
// variables.
type CLI struct {
	EnvFile   string `help:"Path to a .env file loaded before the environment is read" default:".env" type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error); overrides LOG_LEVEL"`
	Instances string `help:"Path to a YAML instances file; overrides INSTANCES_FILE" type:"path" name:"instances-file"`

	Serve   ServeCmd     `cmd:"" default:"withargs" help:"Run the HTTP service (default)"`
	Analyze AnalyzeCmd   `cmd:"" help:"Analyze one image and print the result as JSON"`
	List    InstancesCmd `cmd:"" name:"instances" help:"List the configured instances"`
}

// loadConfig reads the environment and applies global flag overrides.
func (c *CLI) loadConfig() *config.Config {
	cfg := config.Load(c.EnvFile)
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}
	if c.Instances != "" {
		cfg.InstancesFile = c.Instances
	}
	return cfg
}
