package worker

import (
	"bufio"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/ethereum-optimism/infra/op-retest/types"
)

// TestEvent represents a single event from `go test -json` output.
type TestEvent struct {
	Time    time.Time `json:"Time"`
	Action  string    `json:"Action"`
	Package string    `json:"Package"`
	Test    string    `json:"Test"`
	Output  string    `json:"Output"`
	Elapsed float64   `json:"Elapsed"`
}

// testOutcome accumulates one top-level test's events across a run.
type testOutcome struct {
	id       types.TestID
	status   types.TestStatus
	output   strings.Builder
	duration time.Duration
	finished bool
}

// testRunParser demultiplexes a `go test -json` stream into per-test
// outcomes. Subtest events roll up into their top-level parent; lines that
// are not JSON, such as build diagnostics, land in the raw output.
type testRunParser struct {
	outcomes map[types.TestID]*testOutcome
	order    []types.TestID
	raw      strings.Builder
}

func newTestRunParser() *testRunParser {
	return &testRunParser{outcomes: make(map[types.TestID]*testOutcome)}
}

// consume reads the stream to the end, folding every event in.
func (p *testRunParser) consume(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var ev TestEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			p.raw.Write(line)
			p.raw.WriteByte('\n')
			continue
		}
		p.fold(ev)
	}
	return scanner.Err()
}

func (p *testRunParser) fold(ev TestEvent) {
	if ev.Test == "" {
		// Package-level events: keep the output, the per-test events
		// carry the statuses.
		if ev.Action == "output" {
			p.raw.WriteString(ev.Output)
		}
		return
	}

	top, _, _ := strings.Cut(ev.Test, "/")
	id := types.MakeTestID(ev.Package, top)
	oc, ok := p.outcomes[id]
	if !ok {
		oc = &testOutcome{id: id, status: types.TestStatusNotRun}
		p.outcomes[id] = oc
		p.order = append(p.order, id)
	}

	switch ev.Action {
	case "output":
		oc.output.WriteString(ev.Output)
	case "pass":
		if ev.Test == top {
			oc.status = types.TestStatusPassed
			oc.duration = elapsed(ev)
			oc.finished = true
		}
	case "fail":
		if ev.Test == top {
			oc.status = types.TestStatusFailed
			oc.duration = elapsed(ev)
			oc.finished = true
		}
	case "skip":
		if ev.Test == top {
			oc.status = types.TestStatusIgnored
			oc.duration = elapsed(ev)
			oc.finished = true
		}
	}
}

// unfinished returns the tests that started but never reached a terminal
// action, the ones a timeout interrupted.
func (p *testRunParser) unfinished() []types.TestID {
	var out []types.TestID
	for _, id := range p.order {
		if !p.outcomes[id].finished {
			out = append(out, id)
		}
	}
	return out
}

func elapsed(ev TestEvent) time.Duration {
	return time.Duration(ev.Elapsed * float64(time.Second))
}
