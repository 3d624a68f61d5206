package retest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-retest/flags"
	"github.com/ethereum/go-ethereum/log"
)

// runNewConfig drives NewConfig through a real CLI app so that
// ctx.IsSet reflects which flags were given explicitly.
func runNewConfig(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	var (
		cfg    *Config
		cfgErr error
	)
	app := &cli.App{
		Name:  "op-retest",
		Flags: flags.Flags,
		Action: func(ctx *cli.Context) error {
			cfg, cfgErr = NewConfig(ctx, log.New(), ctx.String(flags.RootDir.Name))
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"op-retest"}, args...)))
	return cfg, cfgErr
}

func writeProfile(t *testing.T, root, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, ProfileFilename), []byte(content), 0o644))
}

func TestNewConfig_Defaults(t *testing.T) {
	root := t.TempDir()

	cfg, err := runNewConfig(t, "--root", root)
	require.NoError(t, err)

	assert.Equal(t, root, cfg.Root)
	assert.Empty(t, cfg.ShadowDir)
	assert.False(t, cfg.InPlace)
	assert.Empty(t, cfg.Ignore)
	assert.Empty(t, cfg.Include)
	assert.Equal(t, 200*time.Millisecond, cfg.Debounce)
	assert.Equal(t, time.Duration(0), cfg.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.JobTimeout)
	assert.Equal(t, 5*time.Second, cfg.CancelGrace)
	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, "go", cfg.GoBinary)
	assert.False(t, cfg.RunOnce)
	assert.Empty(t, cfg.ExportFile)
	assert.Empty(t, cfg.ExportDir)
	assert.NotNil(t, cfg.Log)
}

func TestNewConfig_EmptyRootRejected(t *testing.T) {
	cfg, err := runNewConfig(t, "--root", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project root is required")
	assert.Nil(t, cfg)
}

func TestNewConfig_RelativeRootResolved(t *testing.T) {
	cfg, err := runNewConfig(t, "--root", ".")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.Root))
}

func TestNewConfig_FlagsOverrideDefaults(t *testing.T) {
	root := t.TempDir()

	cfg, err := runNewConfig(t, "--root", root,
		"--workers", "3",
		"--debounce", "1s",
		"--poll-interval", "250ms",
		"--job-timeout", "90s",
		"--cancel-grace", "2s",
		"--in-place",
		"--go-binary", "go1.24",
		"--once",
		"--export", "records.json",
		"--export-dir", "artifacts",
		"--ignore", "target/",
		"--ignore", "*.log",
		"--include", "keep.log",
	)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, time.Second, cfg.Debounce)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 90*time.Second, cfg.JobTimeout)
	assert.Equal(t, 2*time.Second, cfg.CancelGrace)
	assert.True(t, cfg.InPlace)
	assert.Equal(t, "go1.24", cfg.GoBinary)
	assert.True(t, cfg.RunOnce)
	assert.Equal(t, "records.json", cfg.ExportFile)
	assert.Equal(t, "artifacts", cfg.ExportDir)
	assert.Equal(t, []string{"target/", "*.log"}, cfg.Ignore)
	assert.Equal(t, []string{"keep.log"}, cfg.Include)
}

func TestNewConfig_ShadowDirMadeAbsolute(t *testing.T) {
	root := t.TempDir()

	cfg, err := runNewConfig(t, "--root", root, "--shadow-dir", "shadow-rel")
	require.NoError(t, err)

	want, err := filepath.Abs("shadow-rel")
	require.NoError(t, err)
	assert.Equal(t, want, cfg.ShadowDir)
}

func TestNewConfig_InPlaceExcludesShadowDir(t *testing.T) {
	root := t.TempDir()

	cfg, err := runNewConfig(t, "--root", root, "--in-place", "--shadow-dir", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
	assert.Nil(t, cfg)
}

func TestNewConfig_ProfileFillsUnsetValues(t *testing.T) {
	root := t.TempDir()
	writeProfile(t, root, `
debounce: 750ms
poll_interval: 2s
job_timeout: 10m
cancel_grace: 15s
workers: 4
go_binary: go1.24
ignore:
  - target/
include:
  - keep.log
`)

	cfg, err := runNewConfig(t, "--root", root)
	require.NoError(t, err)

	assert.Equal(t, 750*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.JobTimeout)
	assert.Equal(t, 15*time.Second, cfg.CancelGrace)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "go1.24", cfg.GoBinary)
	assert.Equal(t, []string{"target/"}, cfg.Ignore)
	assert.Equal(t, []string{"keep.log"}, cfg.Include)
}

func TestNewConfig_ExplicitFlagsBeatProfile(t *testing.T) {
	root := t.TempDir()
	writeProfile(t, root, `
debounce: 750ms
workers: 4
go_binary: go1.24
ignore:
  - target/
`)

	cfg, err := runNewConfig(t, "--root", root,
		"--debounce", "100ms",
		"--workers", "2",
		"--ignore", "cli-pattern",
	)
	require.NoError(t, err)

	// Explicit flags win, untouched options still come from the profile.
	assert.Equal(t, 100*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "go1.24", cfg.GoBinary)

	// Pattern lists combine, command line entries first.
	assert.Equal(t, []string{"cli-pattern", "target/"}, cfg.Ignore)
}

func TestNewConfig_ProfileShadowDirResolvesAgainstRoot(t *testing.T) {
	root := t.TempDir()
	writeProfile(t, root, "shadow_dir: .shadow\n")

	cfg, err := runNewConfig(t, "--root", root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ".shadow"), cfg.ShadowDir)
}

func TestNewConfig_ProfileInPlaceApplies(t *testing.T) {
	root := t.TempDir()
	writeProfile(t, root, "in_place: true\n")

	cfg, err := runNewConfig(t, "--root", root)
	require.NoError(t, err)
	assert.True(t, cfg.InPlace)

	// An explicit shadow dir on the command line then conflicts with the
	// profile the same way it would with --in-place.
	_, err = runNewConfig(t, "--root", root, "--shadow-dir", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestNewConfig_MalformedProfileFails(t *testing.T) {
	root := t.TempDir()
	writeProfile(t, root, "ignore: [unclosed\n")

	cfg, err := runNewConfig(t, "--root", root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing profile file")
	assert.Nil(t, cfg)
}

func TestConfig_Check(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Root:        "/proj",
			Debounce:    200 * time.Millisecond,
			JobTimeout:  time.Minute,
			CancelGrace: time.Second,
			Workers:     1,
			GoBinary:    "go",
			Log:         log.New(),
		}
	}

	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"in-place with shadow dir", func(c *Config) { c.InPlace = true; c.ShadowDir = "/shadow" }, "mutually exclusive"},
		{"zero workers", func(c *Config) { c.Workers = 0 }, "workers must be at least 1"},
		{"zero debounce", func(c *Config) { c.Debounce = 0 }, "debounce must be positive"},
		{"negative poll interval", func(c *Config) { c.PollInterval = -time.Second }, "poll interval cannot be negative"},
		{"zero job timeout", func(c *Config) { c.JobTimeout = 0 }, "job timeout must be positive"},
		{"zero cancel grace", func(c *Config) { c.CancelGrace = 0 }, "cancel grace must be positive"},
		{"missing go binary", func(c *Config) { c.GoBinary = "" }, "go binary is required"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Check()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}
