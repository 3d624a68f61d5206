package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/acarl005/stripansi"

	"github.com/ethereum-optimism/infra/op-retest/types"
)

// RunDirectoryPrefix is the standardized prefix for per-run directories.
const RunDirectoryPrefix = "testrun-"

// Sink is an interface for different ways of consuming test results.
type Sink interface {
	// Consume processes a single test result.
	Consume(tc *types.TestCase, runID string) error
	// Complete is called when all results for the run have been consumed.
	Complete(runID string) error
}

// DirectorySink writes one directory per run under a base directory:
// the output of each failed test as its own file, a records.json with
// every consumed result, and a one-line-per-test summary log.
type DirectorySink struct {
	baseDir string

	mu   sync.Mutex
	runs map[string][]types.TestCase
}

// NewDirectorySink creates a DirectorySink rooted at baseDir.
func NewDirectorySink(baseDir string) (*DirectorySink, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir cannot be empty")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", baseDir, err)
	}
	return &DirectorySink{
		baseDir: baseDir,
		runs:    make(map[string][]types.TestCase),
	}, nil
}

// RunDir returns the directory used for the given run ID.
func (s *DirectorySink) RunDir(runID string) string {
	return filepath.Join(s.baseDir, RunDirectoryPrefix+runID)
}

// Consume records the result and, for failed or timed out tests, writes
// the captured output to its own file under <run dir>/failed.
func (s *DirectorySink) Consume(tc *types.TestCase, runID string) error {
	if runID == "" {
		return fmt.Errorf("runID cannot be empty")
	}

	s.mu.Lock()
	s.runs[runID] = append(s.runs[runID], *tc)
	s.mu.Unlock()

	if tc.Status != types.TestStatusFailed && tc.Status != types.TestStatusTimedOut {
		return nil
	}

	failedDir := filepath.Join(s.RunDir(runID), "failed")
	if err := os.MkdirAll(failedDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", failedDir, err)
	}
	path := filepath.Join(failedDir, safeFilename(string(tc.ID))+".log")
	if err := os.WriteFile(path, []byte(stripansi.Strip(tc.Output)), 0644); err != nil {
		return fmt.Errorf("failed to write test output %s: %w", path, err)
	}
	return nil
}

// Complete flushes the run's records.json and summary.log, then forgets
// the run's accumulated results.
func (s *DirectorySink) Complete(runID string) error {
	s.mu.Lock()
	cases := s.runs[runID]
	delete(s.runs, runID)
	s.mu.Unlock()

	runDir := s.RunDir(runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", runDir, err)
	}

	if err := WriteJSONFile(filepath.Join(runDir, "records.json"), cases); err != nil {
		return err
	}

	sum := Summarize(cases)
	f, err := os.Create(filepath.Join(runDir, "summary.log"))
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	fmt.Fprintf(f, "run %s: %d total, %d passed, %d failed, %d skipped, %d timed out (%s)\n",
		runID, sum.Total, sum.Passed, sum.Failed, sum.Ignored, sum.TimedOut, formatDuration(sum.Duration))
	for _, r := range Records(cases) {
		fmt.Fprintf(f, "%-9s %s\n", r.Status, r.TestID)
	}
	return f.Close()
}

// safeFilename replaces characters that are awkward in file names so a
// test ID can name a file.
func safeFilename(name string) string {
	repl := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")
	return repl.Replace(name)
}
