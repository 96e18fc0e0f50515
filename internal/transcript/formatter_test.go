package transcript

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/evalgen/internal/eventlog"
	"github.com/iambrandonn/evalgen/internal/runstate"
)

func TestFormatSummary(t *testing.T) {
	tests := []struct {
		name     string
		counters runstate.Counters
		total    int
		elapsed  time.Duration
		expected string
	}{
		{
			name:     "clean run",
			counters: runstate.Counters{Processed: 3, Completed: 3},
			total:    3,
			elapsed:  1500 * time.Millisecond,
			expected: "Processed 3/3 positions in 2s\n  completed:  3",
		},
		{
			name: "skips and restarts",
			counters: runstate.Counters{
				Processed: 10, Completed: 6,
				Recovered: 1, Stalled: 2, Unexpected: 1,
				Restarts: 2, Reissued: 1, GoResends: 11,
			},
			total:   20,
			elapsed: 90 * time.Second,
			expected: "Processed 10/20 positions in 1m30s\n" +
				"  completed:  6\n" +
				"  skipped:    4 (1 engine failure, 2 stalled, 1 unexpected output)\n" +
				"  restarts:   2 (re-issued 1)\n" +
				"  go resends: 11",
		},
		{
			name:     "nothing processed",
			counters: runstate.Counters{},
			total:    5,
			expected: "Processed 0/5 positions in -\n  completed:  0",
		},
	}

	f := NewFormatter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, f.FormatSummary(tt.counters, tt.total, tt.elapsed))
		})
	}
}

func TestFormatRunState(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(2 * time.Hour)

	s := &runstate.RunState{
		RunID:       "run-1234",
		Status:      runstate.StatusInterrupted,
		InputPath:   "positions.txt.zst",
		Depth:       8,
		Total:       200,
		NextIndex:   50,
		Counters:    runstate.Counters{Processed: 50, Completed: 49, Silent: 1},
		StartedAt:   started,
		UpdatedAt:   finished,
		CompletedAt: &finished,
		Resumes:     1,
	}

	out := NewFormatter().FormatRunState(s)

	require.True(t, strings.HasPrefix(out, "Run run-1234: interrupted\n"))
	require.Contains(t, out, "input:    positions.txt.zst (depth 8)")
	require.Contains(t, out, "progress: 50/200 (25%)")
	require.Contains(t, out, "(2h0m0s)")
	require.Contains(t, out, "resumed:  1 times")
	require.Contains(t, out, "skipped:    1 (1 silent)")
}

func TestFormatRunStateRunning(t *testing.T) {
	s := runstate.NewRunState("run-1", "p.txt", "sha256:x", 4, 0)

	out := NewFormatter().FormatRunState(s)

	require.Contains(t, out, "Run run-1: running")
	require.Contains(t, out, "progress: 0/0\n")
	require.Contains(t, out, "updated:")
	require.NotContains(t, out, "finished:")
}

func TestFormatEntry(t *testing.T) {
	f := NewFormatter()

	tests := []struct {
		entry    eventlog.Entry
		expected string
	}{
		{eventlog.Entry{Dir: eventlog.DirOut, Line: "setoption Record", Index: -1}, "[evalgen→engine] setoption Record"},
		{eventlog.Entry{Dir: eventlog.DirOut, Line: "go depth 8", Index: 7}, "[#7 evalgen→engine] go depth 8"},
		{eventlog.Entry{Dir: eventlog.DirIn, Line: "bestmove e2e4", Index: 7}, "[#7 engine→evalgen] bestmove e2e4"},
	}

	for _, tt := range tests {
		require.Equal(t, tt.expected, f.FormatEntry(tt.entry))
	}
}

func TestFormatDuration(t *testing.T) {
	f := NewFormatter()

	require.Equal(t, "-", f.formatDuration(0))
	require.Equal(t, "250ms", f.formatDuration(250*time.Millisecond))
	require.Equal(t, "42s", f.formatDuration(42*time.Second+300*time.Millisecond))
	require.Equal(t, "3h5m0s", f.formatDuration(3*time.Hour+5*time.Minute+10*time.Second))
}
