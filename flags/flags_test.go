package flags

import (
	"testing"
	"time"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// TestOptionalFlagsDontSetRequired asserts that all flags deemed optional set
// the Required field to false.
func TestOptionalFlagsDontSetRequired(t *testing.T) {
	for _, flag := range optionalFlags {
		reqFlag, ok := flag.(cli.RequiredFlag)
		require.True(t, ok)
		require.False(t, reqFlag.IsRequired())
	}
}

// TestUniqueFlags asserts that all flag names are unique, to avoid accidental conflicts between the many flags.
func TestUniqueFlags(t *testing.T) {
	seenCLI := make(map[string]struct{})
	for _, flag := range Flags {
		name := flag.Names()[0]
		if _, ok := seenCLI[name]; ok {
			t.Errorf("duplicate flag %s", name)
			continue
		}
		seenCLI[name] = struct{}{}
	}
}

func TestHasEnvVar(t *testing.T) {
	for _, flag := range Flags {
		flagName := flag.Names()[0]

		t.Run(flagName, func(t *testing.T) {
			envFlagGetter, ok := flag.(interface {
				GetEnvVars() []string
			})
			envFlags := envFlagGetter.GetEnvVars()
			require.True(t, ok, "must be able to cast the flag to an EnvVar interface")
			require.Equal(t, 1, len(envFlags), "flags should have exactly one env var")
		})
	}
}

func TestEnvVarFormat(t *testing.T) {
	for _, flag := range Flags {
		flagName := flag.Names()[0]

		t.Run(flagName, func(t *testing.T) {
			envFlagGetter, ok := flag.(interface {
				GetEnvVars() []string
			})
			envFlags := envFlagGetter.GetEnvVars()
			require.True(t, ok, "must be able to cast the flag to an EnvVar interface")
			require.Equal(t, 1, len(envFlags), "flags should have exactly one env var")

			expectedEnvVar := opservice.FlagNameToEnvVarName(flagName, EnvVarPrefix)
			require.Equal(t, expectedEnvVar, envFlags[0])
		})
	}
}

// TestFlagDefaults pins the values users get when a flag is left off the
// command line entirely.
func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, Debounce.Value)
	assert.Equal(t, time.Duration(0), PollInterval.Value)
	assert.Equal(t, 5*time.Minute, JobTimeout.Value)
	assert.Equal(t, 5*time.Second, CancelGrace.Value)
	assert.Equal(t, 1, Workers.Value)
	assert.Equal(t, "go", GoBinary.Value)
	assert.False(t, InPlace.Value)
	assert.False(t, RunOnce.Value)
}

func TestCheckRequired(t *testing.T) {
	app := &cli.App{
		Flags: []cli.Flag{RootDir},
		Action: func(ctx *cli.Context) error {
			return CheckRequired(ctx)
		},
	}

	err := app.Run([]string{"op-retest", "--root", t.TempDir()})
	require.NoError(t, err)

	// urfave enforces Required at parse time, so a bare invocation never
	// reaches the action.
	err = app.Run([]string{"op-retest"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "root")
}
