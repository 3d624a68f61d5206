package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "OP_RETEST"

var (
	RootDir = &cli.StringFlag{
		Name:     "root",
		Value:    "",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "ROOT"),
		Usage:    "Path to the project root to watch",
	}
	ShadowDir = &cli.StringFlag{
		Name:    "shadow-dir",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SHADOW_DIR"),
		Usage:   "Directory to mirror the project into. Defaults to a managed directory under the user cache.",
	}
	InPlace = &cli.BoolFlag{
		Name:    "in-place",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "IN_PLACE"),
		Usage:   "Run builds and tests directly in the project root instead of a shadow copy",
	}
	Ignore = &cli.StringSliceFlag{
		Name:    "ignore",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "IGNORE"),
		Usage:   "Gitignore-style pattern to exclude from watching and syncing. Repeatable.",
	}
	Include = &cli.StringSliceFlag{
		Name:    "include",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "INCLUDE"),
		Usage:   "Pattern that overrides ignore rules. Repeatable.",
	}
	Debounce = &cli.DurationFlag{
		Name:    "debounce",
		Value:   200 * time.Millisecond,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DEBOUNCE"),
		Usage:   "Quiet window after a change before the pipeline runs",
	}
	PollInterval = &cli.DurationFlag{
		Name:    "poll-interval",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "POLL_INTERVAL"),
		Usage:   "Poll for changes at this interval instead of native file watching. 0 uses native watching.",
	}
	JobTimeout = &cli.DurationFlag{
		Name:    "job-timeout",
		Value:   5 * time.Minute,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "JOB_TIMEOUT"),
		Usage:   "Upper bound for a single sync, build or test job",
	}
	CancelGrace = &cli.DurationFlag{
		Name:    "cancel-grace",
		Value:   5 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CANCEL_GRACE"),
		Usage:   "How long a cancelled process gets to exit after SIGTERM before it is killed",
	}
	Workers = &cli.IntFlag{
		Name:    "workers",
		Value:   1,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WORKERS"),
		Usage:   "Number of job workers",
	}
	GoBinary = &cli.StringFlag{
		Name:    "go-binary",
		Value:   "go",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "GO_BINARY"),
		Usage:   "Path to the Go binary to use for builds and test runs",
	}
	RunOnce = &cli.BoolFlag{
		Name:    "once",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ONCE"),
		Usage:   "Run the sync-build-test pipeline once and exit instead of watching",
	}
	ExportFile = &cli.StringFlag{
		Name:    "export",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "EXPORT"),
		Usage:   "Write test records to this JSON file on shutdown",
	}
	ExportDir = &cli.StringFlag{
		Name:    "export-dir",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "EXPORT_DIR"),
		Usage:   "Write per-run artifacts (failed test output, records) under this directory",
	}
)

var requiredFlags = []cli.Flag{
	RootDir,
}

var optionalFlags = []cli.Flag{
	ShadowDir,
	InPlace,
	Ignore,
	Include,
	Debounce,
	PollInterval,
	JobTimeout,
	CancelGrace,
	Workers,
	GoBinary,
	RunOnce,
	ExportFile,
	ExportDir,
}
var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
