package export

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-retest/types"
)

// RenderTable formats the test cases as a console table, grouped the way
// each case classifies itself (module, file, or flat).
func RenderTable(w io.Writer, title string, cases []types.TestCase) {
	sum := Summarize(cases)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	if title != "" {
		t.SetTitle(fmt.Sprintf("%s (%s)", title, formatDuration(sum.Duration)))
	}

	t.AppendHeader(table.Row{"Test", "Location", "Duration", "Status"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Test", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Location", WidthMax: 45, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
	})

	for _, group := range groupCases(cases) {
		t.AppendRow(table.Row{group.key, "", "", ""})
		for i, tc := range group.cases {
			prefix := "├─"
			if i == len(group.cases)-1 {
				prefix = "└─"
			}
			location := tc.File
			if tc.Line > 0 {
				location = fmt.Sprintf("%s:%d", tc.File, tc.Line)
			}
			t.AppendRow(table.Row{
				fmt.Sprintf("%s %s", prefix, tc.Name),
				location,
				formatDuration(tc.Duration),
				statusString(tc.Status),
			})
		}
		t.AppendSeparator()
	}

	switch sum.Status() {
	case types.TestStatusPassed:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	case types.TestStatusFailed:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	}

	t.AppendFooter(table.Row{
		fmt.Sprintf("TOTAL %d (%d passed, %d failed, %d skipped)",
			sum.Total, sum.Passed, sum.Failed, sum.Ignored),
		"",
		formatDuration(sum.Duration),
		statusString(sum.Status()),
	})

	t.Render()
}

type caseGroup struct {
	key   string
	cases []types.TestCase
}

// groupCases buckets cases by their grouping key and orders both the
// groups and the cases within each group for stable rendering.
func groupCases(cases []types.TestCase) []caseGroup {
	byKey := make(map[string][]types.TestCase)
	for _, tc := range cases {
		byKey[groupKey(tc)] = append(byKey[groupKey(tc)], tc)
	}

	groups := make([]caseGroup, 0, len(byKey))
	for key, members := range byKey {
		sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
		groups = append(groups, caseGroup{key: key, cases: members})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].key < groups[j].key })
	return groups
}

func groupKey(tc types.TestCase) string {
	switch tc.Hierarchy {
	case types.HierarchyModule:
		return tc.Module
	case types.HierarchyFile:
		return tc.File
	default:
		return "(ungrouped)"
	}
}

func statusString(status types.TestStatus) string {
	switch status {
	case types.TestStatusPassed:
		return "✓ pass"
	case types.TestStatusFailed:
		return "✗ fail"
	case types.TestStatusIgnored:
		return "- skip"
	case types.TestStatusTimedOut:
		return "✗ timeout"
	default:
		return "· not run"
	}
}

// formatDuration renders a duration as seconds with one decimal place.
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
