package coverage

import (
	"bufio"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// tracePattern matches one xtrace line emitted under the instrumented PS4.
// bash repeats the first PS4 character per nesting level, hence \++.
var tracePattern = regexp.MustCompile(`^\++SHELLBOX (\d+) (\d+) `)

// ScriptReport is the line coverage of one shell script.
type ScriptReport struct {
	Script    string
	Total     int
	Executed  int
	Percent   int
	Uncovered []int
}

// executableLines returns the 1-based line numbers that count toward
// coverage: everything except blanks and comment lines. The shebang is a
// comment line and so never counts.
func executableLines(source string) []int {
	var lines []int
	scanner := bufio.NewScanner(strings.NewReader(source))
	n := 0
	for scanner.Scan() {
		n++
		trimmed := strings.TrimSpace(scanner.Text())
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		lines = append(lines, n)
	}
	return lines
}

// parseTrace extracts the distinct executed line numbers from an xtrace log.
func parseTrace(trace string) map[int]bool {
	executed := make(map[int]bool)
	scanner := bufio.NewScanner(strings.NewReader(trace))
	for scanner.Scan() {
		m := tracePattern.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		line, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		executed[line] = true
	}
	return executed
}

// buildReport combines script source and its trace into a coverage figure.
// Uncovered is exactly the executable lines absent from the trace, so
// covered plus uncovered always reconstructs the executable set.
func buildReport(script, source, trace string) ScriptReport {
	executable := executableLines(source)
	executed := parseTrace(trace)

	report := ScriptReport{Script: script, Total: len(executable)}
	for _, line := range executable {
		if executed[line] {
			report.Executed++
		} else {
			report.Uncovered = append(report.Uncovered, line)
		}
	}
	sort.Ints(report.Uncovered)
	if report.Total > 0 {
		report.Percent = report.Executed * 100 / report.Total
	}
	return report
}

// Render formats the report the way it lands in the report directory.
func (r ScriptReport) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "script: %s\n", r.Script)
	fmt.Fprintf(&b, "lines: %d/%d (%d%%)\n", r.Executed, r.Total, r.Percent)
	if len(r.Uncovered) > 0 {
		parts := make([]string, len(r.Uncovered))
		for i, n := range r.Uncovered {
			parts[i] = strconv.Itoa(n)
		}
		fmt.Fprintf(&b, "uncovered: %s\n", strings.Join(parts, ","))
	}
	return b.String()
}
