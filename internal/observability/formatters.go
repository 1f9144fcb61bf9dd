// Package observability provides formatted output utilities for the CLI.
package observability

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jonathan/codee/internal/events"
	"github.com/jonathan/codee/internal/pipeline"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer handles formatted output for the run command
type Printer struct {
	out     io.Writer
	verbose bool
}

// NewPrinter creates a new Printer that writes to the given writer. In
// verbose mode every event field is printed.
func NewPrinter(out io.Writer, verbose bool) *Printer {
	return &Printer{out: out, verbose: verbose}
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, truncate(line, boxWidth-4))
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintEvent writes one line per event as it arrives.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintEvent(ev events.Event) {
	ts := ev.Timestamp.Local().Format("15:04:05")
	switch ev.Kind {
	case events.KindStatus:
		line := ev.Field(events.FieldPhase)
		if step := ev.Field(events.FieldStep); step != "" {
			line += " " + step
		}
		if detail := ev.Field(events.FieldDetail); detail != "" {
			line += ": " + detail
		}
		fmt.Fprintf(p.out, "%s #%d  %s\n", ts, ev.ID, truncate(line, 100))
	case events.KindError:
		fmt.Fprintf(p.out, "%s #%d  ✗ %s: %s\n", ts, ev.ID, ev.Field(events.FieldCode), ev.Field(events.FieldDetail))
	case events.KindDone:
		mark := "✓"
		if ev.Field(events.FieldReason) != events.ReasonSuccess {
			mark = "✗"
		}
		fmt.Fprintf(p.out, "%s #%d  %s done (%s)\n", ts, ev.ID, mark, ev.Field(events.FieldReason))
	default:
		fmt.Fprintf(p.out, "%s #%d  %s\n", ts, ev.ID, ev.Kind)
	}

	if p.verbose {
		keys := make([]string, 0, len(ev.Fields))
		for k := range ev.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(p.out, "             %s=%s\n", k, truncate(ev.Fields[k], 80))
		}
	}
}

// PrintJobSummary outputs the outcome of a finished run, its phases and,
// for failed runs, the error.
func (p *Printer) PrintJobSummary(jobID string, evts []events.Event, elapsed time.Duration) {
	if len(evts) == 0 {
		return
	}

	var (
		sb      strings.Builder
		phases  []string
		failure *events.Event
		reason  = "incomplete"
		branch  string
	)
	for i, ev := range evts {
		switch ev.Kind {
		case events.KindStatus:
			phases = append(phases, ev.Field(events.FieldPhase))
			if ev.Field(events.FieldPhase) == pipeline.PhaseWorkspaceReady && ev.Field(events.FieldDetail) != "" {
				branch = ev.Field(events.FieldDetail)
			}
		case events.KindError:
			failure = &evts[i]
		case events.KindDone:
			reason = ev.Field(events.FieldReason)
		}
	}

	sb.WriteString(fmt.Sprintf("Job:      %s\n", jobID))
	sb.WriteString(fmt.Sprintf("Result:   %s\n", reason))
	sb.WriteString(fmt.Sprintf("Elapsed:  %s\n", elapsed.Round(time.Millisecond)))
	sb.WriteString(fmt.Sprintf("Events:   %d\n", len(evts)))
	if branch != "" {
		sb.WriteString(fmt.Sprintf("Branch:   %s\n", branch))
	}

	if len(phases) > 0 {
		sb.WriteString("\nPhases:\n")
		shown := phases
		if len(phases) > maxItemsToShow {
			shown = phases[len(phases)-maxItemsToShow:]
			sb.WriteString(fmt.Sprintf("  ... %d earlier\n", len(phases)-maxItemsToShow))
		}
		for _, ph := range shown {
			sb.WriteString(fmt.Sprintf("  • %s\n", ph))
		}
	}

	if failure != nil {
		sb.WriteString(fmt.Sprintf("\n⚠ %s\n", failure.Field(events.FieldCode)))
		sb.WriteString(fmt.Sprintf("  %s\n", failure.Field(events.FieldDetail)))
	}

	p.printBox("JOB SUMMARY", strings.TrimSuffix(sb.String(), "\n"))
}
