package transcript

import (
	"fmt"
	"strings"
	"time"

	"github.com/iambrandonn/evalgen/internal/eventlog"
	"github.com/iambrandonn/evalgen/internal/runstate"
)

// Formatter renders run results for console output
type Formatter struct{}

// NewFormatter creates a new transcript formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatSummary renders the end-of-run counters
func (f *Formatter) FormatSummary(c runstate.Counters, total int, elapsed time.Duration) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Processed %d/%d positions in %s\n", c.Processed, total, f.formatDuration(elapsed))
	fmt.Fprintf(&b, "  completed:  %d\n", c.Completed)

	skipped := c.Processed - c.Completed
	if skipped > 0 {
		fmt.Fprintf(&b, "  skipped:    %d (%s)\n", skipped, f.formatSkipped(c))
	}
	if c.Restarts > 0 || c.Reissued > 0 {
		fmt.Fprintf(&b, "  restarts:   %d (re-issued %d)\n", c.Restarts, c.Reissued)
	}
	if c.GoResends > 0 {
		fmt.Fprintf(&b, "  go resends: %d\n", c.GoResends)
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// FormatRunState renders a persisted run for the status command
func (f *Formatter) FormatRunState(s *runstate.RunState) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Run %s: %s\n", s.RunID, s.Status)
	fmt.Fprintf(&b, "  input:    %s (depth %d)\n", s.InputPath, s.Depth)
	fmt.Fprintf(&b, "  progress: %d/%d%s\n", s.NextIndex, s.Total, f.formatPercent(s.NextIndex, s.Total))
	fmt.Fprintf(&b, "  started:  %s\n", s.StartedAt.Local().Format(time.DateTime))
	if s.CompletedAt != nil {
		fmt.Fprintf(&b, "  finished: %s (%s)\n",
			s.CompletedAt.Local().Format(time.DateTime),
			f.formatDuration(s.CompletedAt.Sub(s.StartedAt)))
	} else {
		fmt.Fprintf(&b, "  updated:  %s\n", s.UpdatedAt.Local().Format(time.DateTime))
	}
	if s.Resumes > 0 {
		fmt.Fprintf(&b, "  resumed:  %d times\n", s.Resumes)
	}
	b.WriteString(f.FormatSummary(s.Counters, s.Total, 0))

	return b.String()
}

// FormatEntry renders one transcript line
func (f *Formatter) FormatEntry(e eventlog.Entry) string {
	arrow := "evalgen→engine"
	if e.Dir == eventlog.DirIn {
		arrow = "engine→evalgen"
	}
	if e.Index < 0 {
		return fmt.Sprintf("[%s] %s", arrow, e.Line)
	}
	return fmt.Sprintf("[#%d %s] %s", e.Index, arrow, e.Line)
}

func (f *Formatter) formatSkipped(c runstate.Counters) string {
	var parts []string
	add := func(n int, label string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, label))
		}
	}
	add(c.Recovered, "engine failure")
	add(c.Stalled, "stalled")
	add(c.Silent, "silent")
	add(c.Unexpected, "unexpected output")
	add(c.Lost, "engine lost")
	return strings.Join(parts, ", ")
}

func (f *Formatter) formatPercent(done, total int) string {
	if total == 0 {
		return ""
	}
	return fmt.Sprintf(" (%d%%)", 100*done/total)
}

// formatDuration rounds to a readable precision; zero renders as "-"
func (f *Formatter) formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Hour:
		return d.Round(time.Second).String()
	default:
		return d.Round(time.Minute).String()
	}
}
