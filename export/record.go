package export

import (
	"sort"
	"time"

	"github.com/acarl005/stripansi"

	"github.com/ethereum-optimism/infra/op-retest/types"
)

// Record is the exportable view of a single test case. Field names are
// stable; external tooling parses them.
type Record struct {
	TestID     string `json:"test_id"`
	Module     string `json:"module"`
	File       string `json:"file"`
	Line       int    `json:"line"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Output     string `json:"output,omitempty"`
}

// Records converts test cases into export records, sorted by module then
// test ID so repeated exports of the same state are byte-identical. ANSI
// escape sequences are removed from captured output.
func Records(cases []types.TestCase) []Record {
	recs := make([]Record, 0, len(cases))
	for _, tc := range cases {
		recs = append(recs, Record{
			TestID:     string(tc.ID),
			Module:     tc.Module,
			File:       tc.File,
			Line:       tc.Line,
			Status:     string(tc.Status),
			DurationMS: tc.Duration.Milliseconds(),
			Output:     stripansi.Strip(tc.Output),
		})
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Module != recs[j].Module {
			return recs[i].Module < recs[j].Module
		}
		return recs[i].TestID < recs[j].TestID
	})
	return recs
}

// Summary aggregates run outcomes across a set of test cases.
type Summary struct {
	Total    int
	Passed   int
	Failed   int
	Ignored  int
	TimedOut int
	NotRun   int
	Duration time.Duration
}

// Summarize tallies statuses and the combined wall time of the given cases.
func Summarize(cases []types.TestCase) Summary {
	var s Summary
	for _, tc := range cases {
		s.Total++
		s.Duration += tc.Duration
		switch tc.Status {
		case types.TestStatusPassed:
			s.Passed++
		case types.TestStatusFailed:
			s.Failed++
		case types.TestStatusIgnored:
			s.Ignored++
		case types.TestStatusTimedOut:
			s.TimedOut++
		default:
			s.NotRun++
		}
	}
	return s
}

// Status reduces the summary to a single overall outcome. Any failure or
// timeout makes the whole set failed.
func (s Summary) Status() types.TestStatus {
	switch {
	case s.Failed > 0 || s.TimedOut > 0:
		return types.TestStatusFailed
	case s.Passed > 0:
		return types.TestStatusPassed
	case s.Ignored > 0:
		return types.TestStatusIgnored
	default:
		return types.TestStatusNotRun
	}
}
