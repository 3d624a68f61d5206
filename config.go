package retest

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-retest/flags"
	"github.com/ethereum/go-ethereum/log"
)

// Config holds the application configuration
type Config struct {
	Root         string        // Watched project root (absolute)
	ShadowDir    string        // Mirror destination; empty selects the managed cache location
	InPlace      bool          // Run builds in the project root, skip mirroring
	Ignore       []string      // Extra ignore patterns on top of the defaults
	Include      []string      // Patterns that override ignore rules
	Debounce     time.Duration // Quiet window before a change batch is emitted
	PollInterval time.Duration // Force the polling watcher when > 0
	JobTimeout   time.Duration // Upper bound for a single job
	CancelGrace  time.Duration // Grace period between SIGTERM and SIGKILL
	Workers      int           // Number of job workers
	GoBinary     string        // Go toolchain binary used for builds and tests
	RunOnce      bool          // Exit after the startup pipeline completes
	ExportFile   string        // JSON records file written on shutdown
	ExportDir    string        // Per-run artifact directory
	Log          log.Logger
}

// NewConfig creates a new Config from cli context. Values from the
// project's profile file fill in anything the command line leaves unset.
func NewConfig(ctx *cli.Context, logger log.Logger, root string) (*Config, error) {
	// Parse flags
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}
	if root == "" {
		return nil, errors.New("project root is required")
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for project root '%s': %w", root, err)
	}

	cfg := &Config{
		Root:         absRoot,
		ShadowDir:    ctx.String(flags.ShadowDir.Name),
		InPlace:      ctx.Bool(flags.InPlace.Name),
		Ignore:       ctx.StringSlice(flags.Ignore.Name),
		Include:      ctx.StringSlice(flags.Include.Name),
		Debounce:     ctx.Duration(flags.Debounce.Name),
		PollInterval: ctx.Duration(flags.PollInterval.Name),
		JobTimeout:   ctx.Duration(flags.JobTimeout.Name),
		CancelGrace:  ctx.Duration(flags.CancelGrace.Name),
		Workers:      ctx.Int(flags.Workers.Name),
		GoBinary:     ctx.String(flags.GoBinary.Name),
		RunOnce:      ctx.Bool(flags.RunOnce.Name),
		ExportFile:   ctx.String(flags.ExportFile.Name),
		ExportDir:    ctx.String(flags.ExportDir.Name),
		Log:          logger,
	}

	profile, err := LoadProfile(absRoot)
	if err != nil {
		return nil, err
	}
	if profile != nil {
		logger.Debug("Loaded project profile", "path", filepath.Join(absRoot, ProfileFilename))
		cfg.applyProfile(ctx, profile)
	}

	if cfg.ShadowDir != "" {
		cfg.ShadowDir, err = filepath.Abs(cfg.ShadowDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for shadow directory '%s': %w", cfg.ShadowDir, err)
		}
	}

	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyProfile overlays profile values for every option the command line
// did not set explicitly. Ignore and include patterns combine instead of
// replacing each other. A relative shadow directory from the profile
// resolves against the project root rather than the working directory.
func (c *Config) applyProfile(ctx *cli.Context, p *Profile) {
	c.Ignore = append(c.Ignore, p.Ignore...)
	c.Include = append(c.Include, p.Include...)
	if !ctx.IsSet(flags.Debounce.Name) && p.Debounce > 0 {
		c.Debounce = p.Debounce
	}
	if !ctx.IsSet(flags.PollInterval.Name) && p.PollInterval > 0 {
		c.PollInterval = p.PollInterval
	}
	if !ctx.IsSet(flags.JobTimeout.Name) && p.JobTimeout > 0 {
		c.JobTimeout = p.JobTimeout
	}
	if !ctx.IsSet(flags.CancelGrace.Name) && p.CancelGrace > 0 {
		c.CancelGrace = p.CancelGrace
	}
	if !ctx.IsSet(flags.Workers.Name) && p.Workers > 0 {
		c.Workers = p.Workers
	}
	if !ctx.IsSet(flags.GoBinary.Name) && p.GoBinary != "" {
		c.GoBinary = p.GoBinary
	}
	if !ctx.IsSet(flags.ShadowDir.Name) && p.ShadowDir != "" {
		c.ShadowDir = p.ShadowDir
		if !filepath.IsAbs(c.ShadowDir) {
			c.ShadowDir = filepath.Join(c.Root, c.ShadowDir)
		}
	}
	if !ctx.IsSet(flags.InPlace.Name) && p.InPlace {
		c.InPlace = true
	}
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.InPlace && c.ShadowDir != "" {
		return errors.New("in-place mode and an explicit shadow directory are mutually exclusive")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("debounce must be positive, got %s", c.Debounce)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll interval cannot be negative, got %s", c.PollInterval)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job timeout must be positive, got %s", c.JobTimeout)
	}
	if c.CancelGrace <= 0 {
		return fmt.Errorf("cancel grace must be positive, got %s", c.CancelGrace)
	}
	if c.GoBinary == "" {
		return errors.New("go binary is required")
	}
	return nil
}
