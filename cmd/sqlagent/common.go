package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/floegence/sqlagent/internal/agent"
	"github.com/floegence/sqlagent/internal/config"
	"github.com/floegence/sqlagent/internal/lockfile"
)

// loadConfig reads the configuration and applies the global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if dir := strings.TrimSpace(c.String("data-dir")); dir != "" {
		// Paths derived from the old data dir follow the override.
		old := cfg.DataDir
		cfg.DataDir = dir
		if rel, err := filepath.Rel(old, cfg.Store.Path); err == nil && !strings.HasPrefix(rel, "..") {
			cfg.Store.Path = filepath.Join(dir, rel)
		}
		if rel, err := filepath.Rel(old, cfg.Tabular.Path); err == nil && !strings.HasPrefix(rel, "..") {
			cfg.Tabular.Path = filepath.Join(dir, rel)
		}
	}
	if lvl := strings.TrimSpace(c.String("log-level")); lvl != "" {
		cfg.Log.Level = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openAgent builds the agent for one command. The caller must Close it.
func openAgent(c *cli.Context) (*agent.Agent, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a, err := agent.New(c.Context, agent.Options{
		Config:    cfg,
		Logger:    logger,
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
	})
	if err != nil {
		var held *lockfile.HeldError
		if errors.As(err, &held) {
			return nil, fmt.Errorf("data dir in use (%w); stop the other sqlagent or pass --data-dir", held)
		}
		return nil, err
	}
	return a, nil
}

// requireArgs fails with the command usage when fewer than n arguments were given.
func requireArgs(c *cli.Context, n int) error {
	if c.NArg() < n {
		_ = cli.ShowSubcommandHelp(c)
		return fmt.Errorf("%s: expected %s", c.Command.Name, c.Command.ArgsUsage)
	}
	return nil
}
